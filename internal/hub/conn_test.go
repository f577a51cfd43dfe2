package hub

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveConn upgrades one request, wraps it and hands it to fn.
func serveConn(t *testing.T, opts ConnOptions, fn func(Conn)) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fn(NewWebSocketConn(ws, opts, zerolog.Nop()))
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// TestWebSocketConnFrames verifies text, binary and close frames are mapped.
func TestWebSocketConnFrames(t *testing.T) {
	frames := make(chan Frame, 3)
	client := serveConn(t, ConnOptions{}, func(c Conn) {
		for {
			f, err := c.ReadFrame()
			if err != nil {
				return
			}
			frames <- f
			if f.Type == FrameClose {
				return
			}
		}
	})

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))
	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye")))

	f := <-frames
	assert.Equal(t, FrameText, f.Type)
	assert.Equal(t, "hello", string(f.Data))

	f = <-frames
	assert.Equal(t, FrameBinary, f.Type)

	f = <-frames
	assert.Equal(t, FrameClose, f.Type)
	assert.Equal(t, websocket.CloseGoingAway, f.CloseCode)
	assert.Equal(t, "bye", f.CloseText)
}

// TestWebSocketConnWriteText verifies outbound frames reach the client.
func TestWebSocketConnWriteText(t *testing.T) {
	client := serveConn(t, ConnOptions{}, func(c Conn) {
		_ = c.WriteText("welcome")
		_ = c.Close()
	})

	require.NoError(t, client.SetReadDeadline(time.Now().Add(testWait)))
	mt, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "welcome", string(data))

	_, _, err = client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

// TestWebSocketConnReadLimit verifies oversized frames fail the read.
func TestWebSocketConnReadLimit(t *testing.T) {
	readErr := make(chan error, 1)
	client := serveConn(t, ConnOptions{MaxMessageSize: 16}, func(c Conn) {
		_, err := c.ReadFrame()
		readErr <- err
	})

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 64))))

	select {
	case err := <-readErr:
		assert.ErrorIs(t, err, websocket.ErrReadLimit)
	case <-time.After(testWait):
		t.Fatal("read did not fail")
	}
}

// TestWebSocketConnInterrupt verifies Interrupt unblocks a pending read.
func TestWebSocketConnInterrupt(t *testing.T) {
	readErr := make(chan error, 1)
	serveConn(t, ConnOptions{}, func(c Conn) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			c.Interrupt()
		}()
		_, err := c.ReadFrame()
		readErr <- err
	})

	select {
	case err := <-readErr:
		assert.Error(t, err)
	case <-time.After(testWait):
		t.Fatal("Interrupt did not unblock ReadFrame")
	}
}

// TestWebSocketConnInterruptSurvivesKeepalive verifies ping and pong frames
// handled after Interrupt do not re-arm the read deadline.
func TestWebSocketConnInterruptSurvivesKeepalive(t *testing.T) {
	readErr := make(chan error, 1)
	serveConn(t, ConnOptions{PongWait: time.Minute}, func(c Conn) {
		ws := c.(*wsConn).conn
		c.Interrupt()
		_ = ws.PongHandler()("")
		_ = ws.PingHandler()("keepalive")
		_, err := c.ReadFrame()
		readErr <- err
	})

	select {
	case err := <-readErr:
		var netErr net.Error
		require.ErrorAs(t, err, &netErr)
		assert.True(t, netErr.Timeout())
	case <-time.After(testWait):
		t.Fatal("keepalive frame re-armed the read deadline")
	}
}

// TestIsExpectedCloseError covers the benign error classification.
func TestIsExpectedCloseError(t *testing.T) {
	assert.True(t, isExpectedCloseError(nil))
	assert.True(t, isExpectedCloseError(websocket.ErrCloseSent))
	assert.True(t, isExpectedCloseError(&testErr{"write tcp: use of closed network connection"}))
	assert.True(t, isExpectedCloseError(&testErr{"write: broken pipe"}))
	assert.False(t, isExpectedCloseError(&testErr{"i/o timeout"}))

	assert.True(t, isNormalClosure(&websocket.CloseError{Code: websocket.CloseGoingAway}))
	assert.False(t, isNormalClosure(&websocket.CloseError{Code: websocket.CloseProtocolError}))
}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }
