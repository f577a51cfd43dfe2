package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/roomhub/internal/metrics"
	"github.com/Tyrowin/roomhub/internal/wire"
)

// maxAttachAttempts bounds retries when a room closes between Attach and
// Subscribe.
const maxAttachAttempts = 3

var errAttach = errors.New("hub: room kept closing during attach")

// session is one connection's membership in one room.
type session struct {
	hub     *Hub
	id      string
	conn    Conn
	room    Room
	who     Identity
	bus     *Bus
	limiter *tokenBucket
	log     zerolog.Logger
}

func newSession(h *Hub, conn Conn, room Room, who Identity) *session {
	id := uuid.NewString()
	return &session{
		hub:     h,
		id:      id,
		conn:    conn,
		room:    room,
		who:     who,
		limiter: newTokenBucket(h.opts.RateLimit, time.Now),
		log: h.logger.With().
			Str("session", id).
			Int64("room_id", room.ID).
			Int64("member_id", who.MemberID).
			Str("addr", conn.RemoteAddr()).
			Logger(),
	}
}

// serve runs the session through attach, the three tasks and teardown.
func (s *session) serve(ctx context.Context) {
	out, rec, err := s.attach()
	if err != nil {
		s.log.Error().Err(err).Msg("error attaching to room")
		s.closeConn()
		return
	}

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()
	s.log.Info().Str("room", s.room.Name).Str("member", s.who.MemberName).Msg("connection joined room")

	if err := s.publish(wire.Joined(s.who.MemberID, s.who.MemberName)); err != nil {
		s.log.Debug().Err(err).Msg("join notice not published")
	}

	s.run(ctx, out, rec)
	s.teardown()
}

// attach registers the member and subscribes the sender and writer queues
// before any task starts, so neither misses a message published after join.
func (s *session) attach() (out, rec *Subscription, err error) {
	for attempt := 0; attempt < maxAttachAttempts; attempt++ {
		bus := s.hub.lobby.Attach(s.room.ID, s.room.Name, s.who.MemberID)

		out, err = bus.Subscribe()
		if err != nil {
			s.hub.lobby.detach(s.room.ID, s.who.MemberID, bus)
			s.log.Debug().Err(err).Int("attempt", attempt+1).Msg("room closed during attach, retrying")
			continue
		}
		rec, err = bus.Subscribe()
		if err != nil {
			out.Close()
			s.hub.lobby.detach(s.room.ID, s.who.MemberID, bus)
			s.log.Debug().Err(err).Int("attempt", attempt+1).Msg("room closed during attach, retrying")
			continue
		}
		s.bus = bus
		return out, rec, nil
	}
	return nil, nil, errAttach
}

// run starts the sender, receiver and writer and returns once all three have
// stopped. Whichever finishes first cancels the others.
func (s *session) run(parent context.Context, out, rec *Subscription) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// The receiver is blocked in a socket read that does not watch ctx.
	stopInterrupt := context.AfterFunc(ctx, s.conn.Interrupt)
	defer stopInterrupt()

	var (
		g    errgroup.Group
		once sync.Once
	)
	start := func(task string, fn func(context.Context) error) {
		g.Go(func() error {
			err := fn(ctx)
			once.Do(func() {
				event := s.log.Debug()
				if err != nil {
					event = s.log.Info().Err(err)
				}
				event.Str("task", task).Msg("task finished, stopping connection")
			})
			cancel()
			return err
		})
	}

	start("sender", func(ctx context.Context) error { return s.sendLoop(ctx, out) })
	start("receiver", s.receiveLoop)
	start("writer", func(ctx context.Context) error { return s.writeLoop(ctx, rec) })

	if err := g.Wait(); err != nil {
		s.log.Debug().Err(err).Msg("connection tasks stopped")
	}
}

// teardown releases this connection's slot, tells the room and closes the
// socket. The member row update runs in the background, tracked by the hub.
func (s *session) teardown() {
	if s.hub.lobby.detach(s.room.ID, s.who.MemberID, s.bus) {
		s.log.Debug().Msg("last connection left, room state removed")
	}

	if err := s.publish(wire.Left(s.who.MemberID, s.who.MemberName)); err != nil {
		s.log.Debug().Err(err).Msg("leave notice not published")
	}

	s.closeConn()
	s.hub.touchMember(s.room.ID, s.who.MemberID, s.log)
	s.log.Info().Msg("connection left room")
}

func (s *session) closeConn() {
	if err := s.conn.Close(); err != nil {
		s.log.Debug().Err(err).Msg("error closing connection")
	}
}

func (s *session) publish(msg wire.Message) error {
	if _, err := s.bus.Publish(msg.Encode()); err != nil {
		return err
	}
	metrics.MessagesPublished.WithLabelValues(msg.Kind.String()).Inc()
	return nil
}

// sendLoop forwards room traffic from other members to the client and keeps
// the connection alive with pings. It stops when the bus closes, a write
// fails, or this member is kicked.
func (s *session) sendLoop(ctx context.Context, sub *Subscription) error {
	defer sub.Close()

	ticker := time.NewTicker(s.hub.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if err := s.conn.WritePing(); err != nil {
				if isExpectedCloseError(err) {
					return nil
				}
				return fmt.Errorf("write ping: %w", err)
			}

		case payload, ok := <-sub.C():
			s.checkLag(sub, "sender")
			if !ok {
				s.log.Debug().Msg("room bus closed")
				return nil
			}
			done, err := s.forward(payload)
			if err != nil || done {
				return err
			}
		}
	}
}

// forward writes one bus payload to the client if it is meant for it, and
// reports whether the session should end.
func (s *session) forward(payload []byte) (bool, error) {
	msg, err := wire.Decode(payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("undecodable bus message, skipping")
		return false, nil
	}

	switch {
	case msg.Kind == wire.KindKick:
		if msg.MemberID != s.who.MemberID {
			return false, nil
		}
		s.log.Info().Msg("member kicked, closing connection")
		if err := s.conn.WriteText(msg.Text); err != nil && !isExpectedCloseError(err) {
			return true, fmt.Errorf("write kick notice: %w", err)
		}
		return true, nil

	case msg.MemberID == s.who.MemberID:
		return false, nil
	}

	if err := s.conn.WriteText(msg.Text); err != nil {
		if isExpectedCloseError(err) {
			return true, nil
		}
		return true, fmt.Errorf("write %s message: %w", msg.Kind, err)
	}
	return false, nil
}

// receiveLoop publishes the client's text frames as chat messages until the
// client goes away or the room closes.
func (s *session) receiveLoop(ctx context.Context) error {
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return s.handleReadError(err)
		}

		switch frame.Type {
		case FrameClose:
			s.log.Info().Int("code", frame.CloseCode).Str("reason", frame.CloseText).Msg("client closed connection")
			return nil

		case FrameBinary:
			metrics.FramesDiscarded.WithLabelValues("binary").Inc()
			s.log.Debug().Int("bytes", len(frame.Data)).Msg("binary frame ignored")
			continue
		}

		if !s.checkRateLimit() {
			continue
		}

		msg := wire.Chat(s.who.MemberID, s.who.MemberName, string(frame.Data), s.id)
		if err := s.publish(msg); err != nil {
			if errors.Is(err, ErrBusClosed) {
				s.log.Debug().Msg("room bus closed while publishing")
				return nil
			}
			// No subscribers cannot happen while our own queues are live.
			s.log.Warn().Err(err).Msg("error publishing message")
		}
	}
}

// handleReadError logs a failed read and returns nil when the client simply
// went away.
func (s *session) handleReadError(err error) error {
	if errors.Is(err, websocket.ErrReadLimit) {
		s.log.Warn().Msg("message exceeded maximum size, closing connection")
		return err
	}
	if isNormalClosure(err) {
		s.log.Info().Err(err).Msg("client disconnected")
		return nil
	}
	s.log.Warn().Err(err).Msg("read error")
	return err
}

func (s *session) checkRateLimit() bool {
	if s.limiter.allow() {
		return true
	}
	metrics.FramesDiscarded.WithLabelValues("rate_limited").Inc()
	s.log.Warn().
		Int("burst", s.hub.opts.RateLimit.Burst).
		Dur("refill", s.hub.opts.RateLimit.RefillInterval).
		Msg("rate limit exceeded, discarding message")
	return false
}

// writeLoop persists chat lines published by this connection. Lines from
// other connections are stored by their own writer. On cancellation the
// lines already queued are flushed before returning.
func (s *session) writeLoop(ctx context.Context, sub *Subscription) error {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			s.drain(ctx, sub)
			return nil

		case payload, ok := <-sub.C():
			s.checkLag(sub, "writer")
			if !ok {
				s.log.Debug().Msg("room bus closed")
				return nil
			}
			if ctx.Err() != nil {
				s.persist(context.WithoutCancel(ctx), payload)
				s.drain(ctx, sub)
				return nil
			}
			s.persist(ctx, payload)
		}
	}
}

func (s *session) drain(ctx context.Context, sub *Subscription) {
	ctx = context.WithoutCancel(ctx)
	flushed := 0
	for {
		payload, ok := sub.TryRecv()
		if !ok {
			break
		}
		if s.persist(ctx, payload) {
			flushed++
		}
	}
	if flushed > 0 {
		s.log.Debug().Int("messages", flushed).Msg("flushed queued messages")
	}
}

// persist stores payload if it is a chat line from this connection and
// reports whether it stored it. Failures are logged and dropped.
func (s *session) persist(ctx context.Context, payload []byte) bool {
	msg, err := wire.Decode(payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("undecodable bus message, not persisted")
		return false
	}
	if !msg.Kind.Persisted() || msg.Origin != s.id {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, s.hub.opts.PersistTimeout)
	defer cancel()

	start := time.Now()
	err = s.hub.gateway.AddMessage(ctx, s.room.ID, msg.MemberID, msg.Text)
	metrics.StoreLatency.WithLabelValues("add_message").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PersistFailures.WithLabelValues("add_message").Inc()
		s.log.Error().Err(err).Msg("error persisting message")
		return false
	}
	return true
}

func (s *session) checkLag(sub *Subscription, task string) {
	n := sub.Lagged()
	if n == 0 {
		return
	}
	metrics.MessagesLagged.Add(float64(n))
	event := s.log.Warn()
	if task == "writer" {
		event = s.log.Error()
	}
	event.Str("task", task).Uint64("skipped", n).Msg("subscriber lagged, messages skipped")
}
