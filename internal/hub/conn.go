package hub

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	defaultWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	defaultPongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	defaultPingPeriod = (defaultPongWait * 9) / 10

	defaultMaxMessageSize = 512
)

// FrameType classifies a frame read from a client.
type FrameType int

const (
	FrameText FrameType = iota + 1
	FrameBinary
	FrameClose
)

// Frame is one message read from a client connection.
type Frame struct {
	Type      FrameType
	Data      []byte
	CloseCode int
	CloseText string
}

// Conn is the duplex client connection driven by a session. ReadFrame is
// only called from the receiving goroutine and the write methods only from
// the sending goroutine; Interrupt and Close may be called from anywhere.
type Conn interface {
	// ReadFrame blocks until the next data or close frame arrives.
	ReadFrame() (Frame, error)
	WriteText(text string) error
	WritePing() error
	// Interrupt makes a pending or future ReadFrame return an error.
	Interrupt()
	Close() error
	RemoteAddr() string
}

// ConnOptions tunes the WebSocket adapter.
type ConnOptions struct {
	MaxMessageSize int64
	PongWait       time.Duration
	WriteWait      time.Duration
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	return o
}

// wsConn adapts a gorilla/websocket connection to Conn.
type wsConn struct {
	conn   *websocket.Conn
	addr   string
	opts   ConnOptions
	logger zerolog.Logger

	// Set by Interrupt; keepalive frames no longer extend the read deadline.
	interrupted atomic.Bool
}

// NewWebSocketConn wraps conn, applying the read limit and keepalive
// deadlines. Ping and pong control frames are answered and logged here and
// never surface from ReadFrame.
func NewWebSocketConn(conn *websocket.Conn, opts ConnOptions, logger zerolog.Logger) Conn {
	opts = opts.withDefaults()
	c := &wsConn{
		conn:   conn,
		addr:   conn.RemoteAddr().String(),
		opts:   opts,
		logger: logger,
	}

	conn.SetReadLimit(opts.MaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(opts.PongWait)); err != nil {
		logger.Warn().Err(err).Str("addr", c.addr).Msg("error setting initial read deadline")
	}
	conn.SetPongHandler(func(string) error {
		c.logger.Debug().Str("addr", c.addr).Msg("pong received")
		return c.extendReadDeadline()
	})
	conn.SetPingHandler(func(data string) error {
		c.logger.Debug().Str("addr", c.addr).Msg("ping received")
		if err := c.extendReadDeadline(); err != nil {
			return err
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(opts.WriteWait))
		if err != nil && !isExpectedCloseError(err) {
			return err
		}
		return nil
	})
	return c
}

// extendReadDeadline pushes the read deadline out by PongWait unless the
// connection was interrupted. The flag is checked again after the update so
// an Interrupt racing with a control frame still wins.
func (c *wsConn) extendReadDeadline() error {
	if c.interrupted.Load() {
		return nil
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
		return err
	}
	if c.interrupted.Load() {
		return c.conn.SetReadDeadline(time.Now())
	}
	return nil
}

func (c *wsConn) ReadFrame() (Frame, error) {
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return Frame{Type: FrameClose, CloseCode: closeErr.Code, CloseText: closeErr.Text}, nil
		}
		return Frame{}, err
	}
	if messageType == websocket.BinaryMessage {
		return Frame{Type: FrameBinary, Data: data}, nil
	}
	return Frame{Type: FrameText, Data: data}, nil
}

func (c *wsConn) WriteText(text string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (c *wsConn) WritePing() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait))
}

func (c *wsConn) Interrupt() {
	c.interrupted.Store(true)
	if err := c.conn.SetReadDeadline(time.Now()); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug().Err(err).Str("addr", c.addr).Msg("error interrupting read")
	}
}

// Close sends a normal-closure frame, best effort, then closes the socket.
func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait)); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug().Err(err).Str("addr", c.addr).Msg("error writing close frame")
	}
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		return err
	}
	return nil
}

func (c *wsConn) RemoteAddr() string {
	return c.addr
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}

// isNormalClosure reports whether a read error means the client went away
// rather than misbehaved.
func isNormalClosure(err error) bool {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		return true
	}
	return isExpectedCloseError(err)
}
