package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomhub/internal/auth"
	"github.com/Tyrowin/roomhub/internal/hub"
	"github.com/Tyrowin/roomhub/internal/store"
)

const testWait = 3 * time.Second

// testEnv is a running router backed by a temporary SQLite database.
type testEnv struct {
	t      *testing.T
	srv    *httptest.Server
	store  *store.SQLiteStore
	hub    *hub.Hub
	tokens *auth.TokenManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, func(*Config) {})
}

func newTestEnvWithConfig(t *testing.T, configure func(*Config)) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "roomhub.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))

	tokens, err := auth.NewTokenManager(auth.TokenConfig{Secret: "test-secret", Issuer: "roomhub-test"})
	require.NoError(t, err)

	cfg := NewConfig()
	cfg.AllowedOrigins = []string{"http://localhost:8080"}
	configure(cfg)

	logger := zerolog.Nop()
	chatHub := hub.New(hub.NewLobby(cfg.BusCapacity, logger), st, hub.Options{
		RateLimit: hub.RateLimit{Burst: cfg.RateLimit.Burst, RefillInterval: cfg.RateLimit.RefillInterval},
	}, logger)

	router := NewRouter(Deps{
		Config:  cfg,
		Store:   st,
		Hub:     chatHub,
		Tokens:  tokens,
		Hasher:  auth.NewPasswordHasher(4),
		Origins: NewOriginPolicy(cfg.AllowedOrigins, logger),
		Logger:  logger,
	})
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testWait)
		defer cancel()
		assert.NoError(t, chatHub.Shutdown(ctx))
		srv.Close()
		st.Close()
	})

	return &testEnv{t: t, srv: srv, store: st, hub: chatHub, tokens: tokens}
}

// do sends a request with an optional JSON body and bearer token. The
// response body is decoded into out when out is non-nil.
func (e *testEnv) do(method, path, token string, body, out any) *http.Response {
	e.t.Helper()

	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(e.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: testWait}
	resp, err := client.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

// signup creates a user and returns its token and record.
func (e *testEnv) signup(name string) (string, *store.User) {
	e.t.Helper()
	var out TokenResponse
	resp := e.do(http.MethodPost, "/users/signup", "", CredentialsRequest{Name: name, Password: "correct horse"}, &out)
	require.Equal(e.t, http.StatusCreated, resp.StatusCode)
	return out.Token, out.User
}

// createRoom creates a room owned by the token's user.
func (e *testEnv) createRoom(token, name string) MembershipResponse {
	e.t.Helper()
	var out MembershipResponse
	resp := e.do(http.MethodPost, "/rooms", token, CreateRoomRequest{Name: name}, &out)
	require.Equal(e.t, http.StatusCreated, resp.StatusCode)
	return out
}

// joinRoom makes the token's user a member of the room.
func (e *testEnv) joinRoom(token string, roomID int64) MembershipResponse {
	e.t.Helper()
	var out MembershipResponse
	resp := e.do(http.MethodPost, fmt.Sprintf("/rooms/%d/join", roomID), token, nil, &out)
	require.Equal(e.t, http.StatusOK, resp.StatusCode)
	return out
}

func (e *testEnv) wsURL(roomID int64, token string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + fmt.Sprintf("/rooms/%d/ws?token=%s", roomID, token)
}

// dial opens a WebSocket into the room and waits until the hub has attached
// the connection, so messages published afterwards reach it.
func (e *testEnv) dial(roomID int64, token string) *websocket.Conn {
	e.t.Helper()
	before := e.hub.Lobby().Subscribers(roomID)

	headers := http.Header{}
	headers.Set("Origin", "http://localhost:8080")
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(roomID, token), headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(e.t, func() bool {
		return e.hub.Lobby().Subscribers(roomID) >= before+2
	}, testWait, 5*time.Millisecond, "connection never attached to room %d", roomID)
	return conn
}

// dialStatus attempts an upgrade and returns the HTTP status of a rejection.
func (e *testEnv) dialStatus(roomID int64, token, origin string) int {
	e.t.Helper()
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(roomID, token), headers)
	if err == nil {
		_ = conn.Close()
		e.t.Fatal("expected the upgrade to be rejected")
	}
	require.NotNil(e.t, resp, "dial error: %v", err)
	defer resp.Body.Close()
	return resp.StatusCode
}

// readText reads the next text frame.
func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testWait)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	return string(data)
}

// say sends a text frame.
func say(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

// hangUp sends a normal close frame and closes the socket.
func hangUp(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
}

// expectClosed reads until the server closes the connection.
func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testWait)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatalf("connection was not closed: %v", err)
		}
		return
	}
}
