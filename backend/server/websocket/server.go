package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/frame-relay/backend/model"
	"github.com/adwski/frame-relay/backend/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultDisconnectTimeout = 2 * time.Second

	reasonShutdown = "server shutdown"

	defaultWebsocketReadBufferSize     = 64 * 1024
	defaultWebsocketWriteBufferSize    = 64 * 1024
	defaultWebSocketMaxMessageSize     = 10 << 20
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second
	defaultSendBuffer                  = 32
	defaultSendTimeout                 = time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 15 * time.Second
	defaultPongWait     = 20 * time.Second
)

type (
	RelayService interface {
		Connected(conn model.Conn)
		Receive(ctx context.Context, conn model.Conn, frame protocol.Frame)
		Disconnected(ctx context.Context, conn model.Conn)
	}

	Config struct {
		Logger         *zerolog.Logger
		RelayService   RelayService
		MaxMessageSize int64
		SendBuffer     int
		SendTimeout    time.Duration
	}

	// Server accepts streaming connections and hands their frames to the relay.
	Server struct {
		svc RelayService
		ws  *websocket.Upgrader

		mx       *sync.Mutex
		sessions map[uuid.UUID]*session
		wg       *sync.WaitGroup
		closing  bool

		maxMessageSize int64
		sendBuffer     int
		sendTimeout    time.Duration

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.RelayService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		mx:             &sync.Mutex{},
		sessions:       make(map[uuid.UUID]*session),
		wg:             &sync.WaitGroup{},
		maxMessageSize: cfg.MaxMessageSize,
		sendBuffer:     cfg.SendBuffer,
		sendTimeout:    cfg.SendTimeout,
	}
	if srv.maxMessageSize <= 0 {
		srv.maxMessageSize = defaultWebSocketMaxMessageSize
	}
	if srv.sendBuffer <= 0 {
		srv.sendBuffer = defaultSendBuffer
	}
	if srv.sendTimeout <= 0 {
		srv.sendTimeout = defaultSendTimeout
	}
	return srv
}

func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := newSession(conn, srv.sendBuffer, srv.sendTimeout, &srv.logger)
	srv.mx.Lock()
	if srv.closing {
		srv.mx.Unlock()
		sess.logger.Debug().Msg("connection accepted during shutdown, closing")
		if err = sess.Close(websocket.CloseGoingAway, reasonShutdown); err != nil {
			sess.logger.Debug().Err(err).Msg("failed to send close frame")
		}
		_ = conn.Close()
		return
	}
	srv.sessions[sess.ID()] = sess
	// registered under the lock so Shutdown never misses a session it has to wait for
	srv.wg.Add(1)
	srv.mx.Unlock()

	go srv.handleWSConn(sess)
}

// Count returns the number of live sessions.
func (srv *Server) Count() int {
	srv.mx.Lock()
	defer srv.mx.Unlock()
	return len(srv.sessions)
}

// Shutdown closes every live session and waits until their
// close notifications are processed or ctx expires.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.mx.Lock()
	srv.closing = true
	sessions := make([]*session, 0, len(srv.sessions))
	for _, sess := range srv.sessions {
		sessions = append(sessions, sess)
	}
	srv.mx.Unlock()

	for _, sess := range sessions {
		if err := sess.Close(websocket.CloseGoingAway, reasonShutdown); err != nil {
			sess.logger.Debug().Err(err).Msg("failed to send close frame")
		}
	}

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (srv *Server) handleWSConn(sess *session) {
	defer srv.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}

	srv.svc.Connected(sess)

	wg.Add(2)
	go func() {
		srv.webSocketReceiver(ctx, wg, sess)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, sess)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(sess)

	srv.mx.Lock()
	delete(srv.sessions, sess.ID())
	srv.mx.Unlock()

	dCtx, dCancel := context.WithTimeout(context.Background(), defaultDisconnectTimeout)
	defer dCancel()
	srv.svc.Disconnected(dCtx, sess)
}

func webSocketSender(ctx context.Context, wg *sync.WaitGroup, sess *session) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		// unblock the receiver if the peer never answers our close frame
		_ = sess.conn.SetReadDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-sess.done:
			break SendLoop
		case <-pingTicker.C:
			wsErr := sess.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				sess.logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = sess.conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				sess.logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			sess.logger.Trace().Msg("ping sent")

		case payload := <-sess.tx:
			msgType := websocket.TextMessage
			if payload.Binary {
				msgType = websocket.BinaryMessage
			}
			wsErr := sess.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				sess.logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsW, wsErr := sess.conn.NextWriter(msgType)
			if wsErr != nil {
				sess.logger.Error().Err(wsErr).Msg("failed to get websocket writer")
				break SendLoop
			}
			_, wsErr = wsW.Write(payload.Data)
			if wsErr != nil {
				sess.logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
			wsErr = wsW.Close()
			if wsErr != nil {
				sess.logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				break SendLoop
			}
		}
	}
}

func (srv *Server) webSocketReceiver(ctx context.Context, wg *sync.WaitGroup, sess *session) {
	defer wg.Done()

	sess.conn.SetReadLimit(srv.maxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return sess.conn.SetReadDeadline(time.Now().Add(deadline))
	}
	sess.conn.SetPongHandler(func(string) error {
		sess.logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		sess.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			msgType, msg, wsErr := sess.conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) || !sess.IsOpen() {
					sess.logger.Debug().Err(wsErr).Msg("connection closed")
				} else {
					sess.logger.Warn().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}
			if !sess.IsOpen() {
				break RecvLoop
			}
			srv.svc.Receive(ctx, sess, protocol.Frame{
				Data:   msg,
				Binary: msgType == websocket.BinaryMessage,
			})
		}
	}
}

func webSocketCloser(sess *session) {
	if err := sess.Close(websocket.CloseNormalClosure, ""); err != nil {
		sess.logger.Debug().Err(err).Msg("failed to send close frame")
	}
	if err := sess.conn.Close(); err != nil {
		sess.logger.Error().Err(err).Msg("failed to close websocket connection")
	}
}
