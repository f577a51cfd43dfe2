package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomhub/internal/metrics"
)

// Gateway is the persistence the hub needs. Each call is attempted once.
type Gateway interface {
	// AddMessage stores a chat line sent by senderID (a member id).
	AddMessage(ctx context.Context, roomID, senderID int64, text string) error
	// UpdateLastJoinedAt stamps the member row when a connection ends. The
	// column therefore holds the last departure time despite its name.
	UpdateLastJoinedAt(ctx context.Context, roomID, memberID int64) error
}

// Room identifies the room a connection joins.
type Room struct {
	ID   int64
	Name string
}

// Identity is who is on the other end of a connection, as resolved by the
// caller before handing the connection over.
type Identity struct {
	UserID     int64
	MemberID   int64
	MemberName string
}

// Options tunes per-connection behavior.
type Options struct {
	RateLimit      RateLimit
	PingPeriod     time.Duration
	PersistTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.RateLimit.Burst <= 0 {
		o.RateLimit.Burst = 5
	}
	if o.RateLimit.RefillInterval <= 0 {
		o.RateLimit.RefillInterval = time.Second
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = defaultPingPeriod
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	return o
}

// Hub runs connection sessions against a Lobby and a Gateway.
type Hub struct {
	lobby   *Lobby
	gateway Gateway
	opts    Options
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	closing    bool
	sessions   sync.WaitGroup
	background sync.WaitGroup
}

// New creates a Hub. The lobby is owned by the caller so that REST handlers
// can publish administrative notices to the same rooms.
func New(lobby *Lobby, gateway Gateway, opts Options, logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		lobby:   lobby,
		gateway: gateway,
		opts:    opts.withDefaults(),
		logger:  logger.With().Str("component", "hub").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Lobby returns the registry the hub attaches connections to.
func (h *Hub) Lobby() *Lobby {
	return h.lobby
}

// JoinRoom drives conn from attach to teardown and returns when the session
// ends. The caller guarantees the room exists and the member record is
// active. Errors inside the session are logged, never returned.
func (h *Hub) JoinRoom(ctx context.Context, conn Conn, room Room, who Identity) {
	if !h.track() {
		h.logger.Warn().Int64("room_id", room.ID).Msg("hub shutting down, refusing connection")
		_ = conn.Close()
		return
	}
	defer h.sessions.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	s := newSession(h, conn, room, who)
	s.serve(ctx)
}

// Shutdown stops accepting sessions, closes every room so attached sessions
// tear down, and waits for them and their pending writes.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info().Msg("initiating hub shutdown")

	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	h.cancel()
	h.lobby.CloseAll()

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		h.background.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("hub shutdown completed")
		return nil
	case <-ctx.Done():
		h.logger.Warn().Msg("hub shutdown timed out, some sessions may still be running")
		return ctx.Err()
	}
}

func (h *Hub) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.sessions.Add(1)
	return true
}

// touchMember records the member's departure without holding up teardown.
func (h *Hub) touchMember(roomID, memberID int64, logger zerolog.Logger) {
	h.background.Add(1)
	go func() {
		defer h.background.Done()

		ctx, cancel := context.WithTimeout(context.Background(), h.opts.PersistTimeout)
		defer cancel()

		start := time.Now()
		err := h.gateway.UpdateLastJoinedAt(ctx, roomID, memberID)
		metrics.StoreLatency.WithLabelValues("update_last_joined_at").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.PersistFailures.WithLabelValues("update_last_joined_at").Inc()
			logger.Error().Err(err).Msg("error updating last_joined_at")
			return
		}
		logger.Debug().Msg("last_joined_at updated")
	}()
}
