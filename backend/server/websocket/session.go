package websocket

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/frame-relay/backend/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrSessionClosed = errors.New("session is closed")
	ErrSendTimeout   = errors.New("send timed out, peer is too slow")
)

// session is one accepted websocket connection. Outbound payloads are
// queued to tx and written by a single sender goroutine.
type session struct {
	id   uuid.UUID
	conn *websocket.Conn
	tx   chan model.Payload
	done chan struct{}

	once        *sync.Once
	open        atomic.Bool
	sendTimeout time.Duration

	logger zerolog.Logger
}

func newSession(conn *websocket.Conn, sendBuffer int, sendTimeout time.Duration, logger *zerolog.Logger) *session {
	id := uuid.New()
	s := &session{
		id:          id,
		conn:        conn,
		tx:          make(chan model.Payload, sendBuffer),
		done:        make(chan struct{}),
		once:        &sync.Once{},
		sendTimeout: sendTimeout,
		logger: logger.With().
			Str("connID", id.String()).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
	s.open.Store(true)
	return s
}

func (s *session) ID() uuid.UUID {
	return s.id
}

func (s *session) IsOpen() bool {
	return s.open.Load()
}

func (s *session) Send(payload model.Payload) error {
	if !s.open.Load() {
		return ErrSessionClosed
	}
	tm := time.NewTimer(s.sendTimeout)
	defer tm.Stop()
	select {
	case <-s.done:
		return ErrSessionClosed
	case <-tm.C:
		return ErrSendTimeout
	case s.tx <- payload:
		return nil
	}
}

// Close marks the session closed and sends a close frame to the peer.
// Only the first call has an effect.
func (s *session) Close(code int, reason string) error {
	var err error
	s.once.Do(func() {
		s.open.Store(false)
		close(s.done)
		err = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(defaultWebSocketCloseWriteDeadline))
		if errors.Is(err, websocket.ErrCloseSent) {
			// peer initiated the close handshake
			err = nil
		}
		s.logger.Debug().Int("code", code).Str("reason", reason).Msg("session closed")
	})
	return err
}
