package remote

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opuslog/opuslog/internal/coordinator"
	"github.com/opuslog/opuslog/internal/core/observability/log"
)

const (
	channelReadWait  = 90 * time.Second
	channelWriteWait = 10 * time.Second
)

// MessageHandler receives every frame pushed by the server, including
// the initial WELCOME.
type MessageHandler func(msg coordinator.Message)

// Channel is the live WebSocket link to the user's coordinator actor.
// The server pushes change frames for edits made on other devices; the
// client sends its own change frames through Send.
type Channel struct {
	url     string
	token   string
	handler MessageHandler
	logger  log.Log

	mu   sync.Mutex
	conn *websocket.Conn

	closeOnce sync.Once
	done      chan struct{}
}

// NewChannel builds a Channel against the server at baseURL. handler is
// invoked from the read loop goroutine; it must not block.
func NewChannel(baseURL, token string, handler MessageHandler, logger log.Log) (*Channel, error) {
	if logger == nil {
		logger = log.Provide()
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/ws")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return &Channel{
		url:     u.String(),
		token:   token,
		handler: handler,
		logger:  logger.With(log.String("component", "ws-channel")),
		done:    make(chan struct{}),
	}, nil
}

// Connect dials the server and starts the read loop. The first frame
// delivered to the handler is the WELCOME carrying the current sync
// token.
func (ch *Channel) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, ch.url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != 0 {
			return classify(resp.StatusCode, err.Error())
		}
		return fmt.Errorf("%w: dial: %v", ErrNetwork, err)
	}
	ch.mu.Lock()
	ch.conn = conn
	ch.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(channelReadWait))
	// Server pings keep the link alive; every ping resets our read
	// deadline and gorilla answers it with a pong.
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(channelReadWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(channelWriteWait))
	})

	go ch.readLoop(conn)
	return nil
}

// Send writes one frame to the server.
func (ch *Channel) Send(msg coordinator.Message) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.conn == nil {
		return fmt.Errorf("%w: channel not connected", ErrNetwork)
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	_ = ch.conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
	if err = ch.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrNetwork, err)
	}
	return nil
}

// Done is closed when the read loop exits, for whatever reason.
func (ch *Channel) Done() <-chan struct{} {
	return ch.done
}

// Close tears the link down.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	conn := ch.conn
	ch.conn = nil
	ch.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(channelWriteWait))
		return conn.Close()
	}
	return nil
}

func (ch *Channel) readLoop(conn *websocket.Conn) {
	defer ch.closeOnce.Do(func() { close(ch.done) })
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ch.logger.Debug("read loop ended", log.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(channelReadWait))
		msg, err := coordinator.DecodeMessage(data)
		if err != nil {
			ch.logger.Warn("malformed frame", log.Error(err))
			continue
		}
		if ch.handler != nil {
			ch.handler(msg)
		}
	}
}
