package coordinator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opuslog/opuslog/internal/core/observability/log"
)

// connState tracks where a connection sits in its lifecycle:
// CONNECTING -> AUTHENTICATED -> ACTIVE <-> IDLE -> CLOSED.
type connState int32

const (
	stateConnecting connState = iota
	stateAuthenticated
	stateActive
	stateIdle
	stateClosed
)

// session wraps one device's WebSocket connection. Reads run on their own
// goroutine and post frames to the actor mailbox; writes are serialized
// by a mutex because gorilla connections allow a single writer.
type session struct {
	userID   string
	deviceID string
	conn     *websocket.Conn
	actor    *Actor
	cfg      Config
	logger   log.Log

	writeMu   sync.Mutex
	state     atomic.Int32
	missed    atomic.Int32
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(userID, deviceID string, conn *websocket.Conn, actor *Actor, cfg Config, logger log.Log) *session {
	s := &session{
		userID:   userID,
		deviceID: deviceID,
		conn:     conn,
		actor:    actor,
		cfg:      cfg,
		logger: logger.With(
			log.String("component", "session"),
			log.String("user_id", userID),
			log.String("device_id", deviceID)),
		closed: make(chan struct{}),
	}
	s.state.Store(int32(stateAuthenticated))
	return s
}

// start launches the read and heartbeat loops. Called by the actor after
// the session is registered and the welcome frame is out.
func (s *session) start() {
	s.state.Store(int32(stateActive))
	s.conn.SetPongHandler(func(string) error {
		s.missed.Store(0)
		s.state.Store(int32(stateActive))
		return s.conn.SetReadDeadline(s.readDeadline())
	})
	_ = s.conn.SetReadDeadline(s.readDeadline())
	go s.readLoop()
	go s.pingLoop()
}

func (s *session) readDeadline() time.Time {
	window := s.cfg.HeartbeatInterval * time.Duration(s.cfg.HeartbeatMissLimit+1)
	return time.Now().Add(window)
}

func (s *session) readLoop() {
	defer func() {
		s.close("read loop ended")
		_ = s.actor.submit(cmdDetach{deviceID: s.deviceID, sess: s})
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", log.Error(err))
			}
			return
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			_ = s.send(ErrorMessage(CodeValidation, "malformed frame"))
			continue
		}
		if err = s.actor.submit(cmdInbound{sess: s, msg: msg}); err != nil {
			s.logger.Warn("frame dropped", log.Error(err))
			_ = s.send(ErrorMessage(CodeActorUnavailable, "coordinator busy"))
		}
	}
}

// pingLoop sends transport pings on the heartbeat interval. A connection
// that misses HeartbeatMissLimit intervals is forcibly closed and its
// slot freed.
func (s *session) pingLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if int(s.missed.Add(1)) > s.cfg.HeartbeatMissLimit {
				s.logger.Warn("heartbeat missed, closing connection")
				s.close("heartbeat timeout")
				return
			}
			s.state.Store(int32(stateIdle))
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Warn("ping failed", log.Error(err))
				s.close("ping failed")
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *session) send(m Message) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if connState(s.state.Load()) == stateClosed {
		return ErrDeviceNotConnected
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) close(reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stateClosed))
		close(s.closed)
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		_ = s.conn.Close()
	})
}
