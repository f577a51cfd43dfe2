package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomhub/internal/auth"
	"github.com/Tyrowin/roomhub/internal/hub"
	"github.com/Tyrowin/roomhub/internal/store"
)

const (
	maxBodyBytes      = 8 * 1024
	maxNameLength     = 50
	minPasswordLength = 8

	kickLeftText    = "you left the room"
	kickRemovedText = "you have been removed from the room"
	kickDeletedText = "the room was deleted"
)

// Handlers serves the REST and WebSocket endpoints.
type Handlers struct {
	store    store.DataStore
	hub      *hub.Hub
	tokens   *auth.TokenManager
	hasher   *auth.PasswordHasher
	upgrader websocket.Upgrader
	connOpts hub.ConnOptions
	logger   zerolog.Logger
}

// NewHandlers creates the endpoint handlers.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		store:  deps.Store,
		hub:    deps.Hub,
		tokens: deps.Tokens,
		hasher: deps.Hasher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     deps.Origins.CheckOrigin,
		},
		connOpts: hub.ConnOptions{MaxMessageSize: deps.Config.MaxMessageSize},
		logger:   deps.Logger.With().Str("component", "http").Logger(),
	}
}

// CredentialsRequest is the signup and login body.
type CredentialsRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// TokenResponse is returned by signup and login.
type TokenResponse struct {
	Token     string      `json:"token"`
	ExpiresIn int64       `json:"expires_in"`
	User      *store.User `json:"user"`
}

// CreateRoomRequest is the room creation body.
type CreateRoomRequest struct {
	Name string `json:"name"`
}

// MembershipResponse describes a room and the caller's membership in it.
type MembershipResponse struct {
	Room   *store.Room   `json:"room"`
	Member *store.Member `json:"member"`
}

// MessagesResponse lists stored chat lines.
type MessagesResponse struct {
	RoomID   int64           `json:"room_id"`
	Since    time.Time       `json:"since"`
	Messages []store.Message `json:"messages"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string `json:"status"`
	Store       string `json:"store"`
	ActiveRooms int    `json:"active_rooms"`
	Timestamp   string `json:"timestamp"`
}

// Health reports store reachability and the number of live rooms.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:      "healthy",
		Store:       "pass",
		ActiveRooms: h.hub.Lobby().Rooms(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("health check: store unreachable")
		resp.Status = "degraded"
		resp.Store = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Signup creates a user and returns a token.
func (h *Handlers) Signup(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	name := sanitizeName(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if utf8.RuneCountInString(req.Password) < minPasswordLength {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := h.hasher.Hash(req.Password)
	if err != nil {
		h.internalError(w, err, "error hashing password")
		return
	}

	user, err := h.store.CreateUser(r.Context(), name, hash)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "name already taken")
			return
		}
		h.internalError(w, err, "error creating user")
		return
	}

	h.logger.Info().Int64("user_id", user.ID).Str("name", user.Name).Msg("user signed up")
	h.respondWithToken(w, http.StatusCreated, user)
}

// Login verifies credentials and returns a token.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.store.GetUserByName(r.Context(), sanitizeName(req.Name))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.internalError(w, err, "error loading user")
		return
	}
	if user == nil || !h.hasher.Verify(req.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	h.respondWithToken(w, http.StatusOK, user)
}

// CreateRoom creates a room owned by the caller and makes them a member.
func (h *Handlers) CreateRoom(w http.ResponseWriter, r *http.Request) {
	user := mustUser(r)
	var req CreateRoomRequest
	if !h.decode(w, r, &req) {
		return
	}
	name := sanitizeName(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	room, err := h.store.CreateRoom(r.Context(), name, user.ID)
	if err != nil {
		h.internalError(w, err, "error creating room")
		return
	}
	member, err := h.store.JoinMember(r.Context(), room.ID, user.ID)
	if err != nil {
		h.internalError(w, err, "error creating membership")
		return
	}

	h.logger.Info().Int64("room_id", room.ID).Int64("user_id", user.ID).Msg("room created")
	writeJSON(w, http.StatusCreated, MembershipResponse{Room: room, Member: member})
}

// JoinRoom creates the caller's membership, or reactivates a removed one.
func (h *Handlers) JoinRoom(w http.ResponseWriter, r *http.Request) {
	user := mustUser(r)
	room, ok := h.loadRoom(w, r)
	if !ok {
		return
	}

	member, err := h.store.JoinMember(r.Context(), room.ID, user.ID)
	if err != nil {
		h.internalError(w, err, "error joining room")
		return
	}
	writeJSON(w, http.StatusOK, MembershipResponse{Room: room, Member: member})
}

// ListMessages returns chat lines since the "since" query parameter
// (RFC 3339), defaulting to the member's last departure.
func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	room, member, ok := h.loadMembership(w, r)
	if !ok {
		return
	}

	since := member.LastJoinedAt
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = parsed
	}

	messages, err := h.store.ListMessagesSince(r.Context(), room.ID, since)
	if err != nil {
		h.internalError(w, err, "error listing messages")
		return
	}
	writeJSON(w, http.StatusOK, MessagesResponse{RoomID: room.ID, Since: since, Messages: messages})
}

// WebSocket upgrades the request and runs the connection until it ends.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	room, member, ok := h.loadMembership(w, r)
	if !ok {
		return
	}
	user := mustUser(r)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Warn().Err(err).Int64("room_id", room.ID).Msg("WebSocket upgrade failed")
		return
	}

	conn := hub.NewWebSocketConn(ws, h.connOpts, h.logger)
	h.hub.JoinRoom(r.Context(), conn,
		hub.Room{ID: room.ID, Name: room.Name},
		hub.Identity{UserID: user.ID, MemberID: member.ID, MemberName: user.Name},
	)
}

// LeaveRoom removes the caller from the room and disconnects their live
// connections. The room is deleted once nobody is left.
func (h *Handlers) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	room, member, ok := h.loadMembership(w, r)
	if !ok {
		return
	}

	if !h.removeMember(w, r, room, member, kickLeftText) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

// RemoveMember lets the room creator remove another member.
func (h *Handlers) RemoveMember(w http.ResponseWriter, r *http.Request) {
	room, _, ok := h.loadMembership(w, r)
	if !ok {
		return
	}
	if !h.requireCreator(w, r, room) {
		return
	}

	memberID, err := strconv.ParseInt(chi.URLParam(r, "memberID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid member id")
		return
	}
	target, err := h.store.GetMemberByID(r.Context(), memberID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.internalError(w, err, "error loading member")
		return
	}
	if target == nil || target.RoomID != room.ID || !target.Active() {
		writeError(w, http.StatusNotFound, "member not found")
		return
	}

	if !h.removeMember(w, r, room, target, kickRemovedText) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// DeleteRoom lets the room creator delete the room, disconnecting everyone.
func (h *Handlers) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	room, _, ok := h.loadMembership(w, r)
	if !ok {
		return
	}
	if !h.requireCreator(w, r, room) {
		return
	}

	if err := h.store.SoftDeleteRoom(r.Context(), room.ID); err != nil {
		h.internalError(w, err, "error deleting room")
		return
	}

	lobby := h.hub.Lobby()
	for _, memberID := range lobby.Members(room.ID) {
		h.kick(room.ID, memberID, kickDeletedText)
	}

	h.logger.Info().Int64("room_id", room.ID).Msg("room deleted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handlers) removeMember(w http.ResponseWriter, r *http.Request, room *store.Room, member *store.Member, notice string) bool {
	if err := h.store.SoftDeleteMember(r.Context(), member.ID); err != nil {
		h.internalError(w, err, "error removing member")
		return false
	}
	h.kick(room.ID, member.ID, notice)

	remaining, err := h.store.CountActiveMembers(r.Context(), room.ID)
	if err != nil {
		h.internalError(w, err, "error counting members")
		return false
	}
	if remaining == 0 {
		if err := h.store.SoftDeleteRoom(r.Context(), room.ID); err != nil {
			h.internalError(w, err, "error deleting empty room")
			return false
		}
		h.logger.Info().Int64("room_id", room.ID).Msg("last member left, room deleted")
	}

	h.logger.Info().Int64("room_id", room.ID).Int64("member_id", member.ID).Msg("member removed")
	return true
}

// kick disconnects a member's live connections, if any.
func (h *Handlers) kick(roomID, memberID int64, text string) {
	err := h.hub.Lobby().Kick(roomID, memberID, text)
	if err != nil && !errors.Is(err, hub.ErrRoomNotActive) {
		h.logger.Warn().Err(err).Int64("room_id", roomID).Int64("member_id", memberID).Msg("error kicking member")
	}
}

// loadRoom resolves {roomID} to a room that has not been deleted.
func (h *Handlers) loadRoom(w http.ResponseWriter, r *http.Request) (*store.Room, bool) {
	roomID, err := strconv.ParseInt(chi.URLParam(r, "roomID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return nil, false
	}

	room, err := h.store.GetRoom(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
			return nil, false
		}
		h.internalError(w, err, "error loading room")
		return nil, false
	}
	if room.Deleted() {
		writeError(w, http.StatusNotFound, "room not found")
		return nil, false
	}
	return room, true
}

// loadMembership resolves the room and the caller's active membership in it.
func (h *Handlers) loadMembership(w http.ResponseWriter, r *http.Request) (*store.Room, *store.Member, bool) {
	room, ok := h.loadRoom(w, r)
	if !ok {
		return nil, nil, false
	}

	user := mustUser(r)
	member, err := h.store.GetMember(r.Context(), room.ID, user.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.internalError(w, err, "error loading membership")
		return nil, nil, false
	}
	if member == nil || !member.Active() {
		writeError(w, http.StatusForbidden, "not a member of this room")
		return nil, nil, false
	}
	return room, member, true
}

func (h *Handlers) requireCreator(w http.ResponseWriter, r *http.Request, room *store.Room) bool {
	if room.CreatedBy != mustUser(r).ID {
		writeError(w, http.StatusForbidden, "only the room creator can do this")
		return false
	}
	return true
}

func (h *Handlers) respondWithToken(w http.ResponseWriter, status int, user *store.User) {
	token, err := h.tokens.Issue(user.ID)
	if err != nil {
		h.internalError(w, err, "error issuing token")
		return
	}
	writeJSON(w, status, TokenResponse{
		Token:     token,
		ExpiresIn: int64(h.tokens.TTL().Seconds()),
		User:      user,
	})
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (h *Handlers) internalError(w http.ResponseWriter, err error, msg string) {
	h.logger.Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// mustUser returns the authenticated user. Only used behind RequireUser.
func mustUser(r *http.Request) *store.User {
	user, _ := auth.UserFromContext(r.Context())
	return user
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError sends a JSON error response with the given status code.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// sanitizeName trims the name, drops control characters and caps its length.
func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(name))

	if utf8.RuneCountInString(name) > maxNameLength {
		name = string([]rune(name)[:maxNameLength])
	}
	return name
}
