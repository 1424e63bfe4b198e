package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/meetrelay/backend/model"
	sw "github.com/adwski/meetrelay/backend/switch"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 * 1024
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected    = errors.New("unexpected server error")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrMalformedJSON = errors.New("malformed frame")
)

type (
	SignalingService interface {
		Connect() *sw.Endpoint
		Disconnect(connID string)
		Handle(connID string, frame model.Frame) error
		Reject(connID, event string, err error) error
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		ListenAddr       string

		MaxMessageSize    int64
		MessagesPerSecond float64 // 0 disables rate limiting
		Burst             int
		PingInterval      time.Duration
		PongWait          time.Duration
		WriteTimeout      time.Duration
	}

	Server struct {
		svc SignalingService
		ws  *websocket.Upgrader
		*http.Server

		maxMessageSize    int64
		messagesPerSecond float64
		burst             int
		pingInterval      time.Duration
		pongWait          time.Duration
		writeTimeout      time.Duration

		sessMx   *sync.Mutex
		sessions map[string]context.CancelFunc
		sessWG   *sync.WaitGroup
		closing  bool

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.SignalingService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		maxMessageSize:    orDefault(cfg.MaxMessageSize, defaultWebSocketMaxMessageSize),
		messagesPerSecond: cfg.MessagesPerSecond,
		burst:             cfg.Burst,
		pingInterval:      orDefault(cfg.PingInterval, defaultPingInterval),
		pongWait:          orDefault(cfg.PongWait, defaultPongWait),
		writeTimeout:      orDefault(cfg.WriteTimeout, defaultWebSocketWriteDeadline),
		sessMx:            &sync.Mutex{},
		sessions:          make(map[string]context.CancelFunc),
		sessWG:            &sync.WaitGroup{},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", srv.signal)
	r.Get("/socket", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func orDefault[T int64 | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
		if err := srv.CloseSessions(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("signaling sessions did not finish in time")
		}
	}
}

// CloseSessions ends every live signaling session with a close frame and
// waits until their disconnect handling is done. Connections upgraded
// afterwards are closed right away.
func (srv *Server) CloseSessions(ctx context.Context) error {
	srv.sessMx.Lock()
	srv.closing = true
	for _, cancel := range srv.sessions {
		cancel()
	}
	srv.sessMx.Unlock()

	done := make(chan struct{})
	go func() {
		srv.sessWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	ep := srv.svc.Connect()

	// hijacked connections outlive the request context
	ctx, cancel := context.WithCancel(context.Background())

	srv.sessMx.Lock()
	if srv.closing {
		cancel()
	} else {
		srv.sessions[ep.ID()] = cancel
	}
	srv.sessWG.Add(1)
	srv.sessMx.Unlock()

	go func() {
		defer srv.sessWG.Done()
		srv.handleWSConn(ctx, cancel, conn, ep)

		srv.sessMx.Lock()
		delete(srv.sessions, ep.ID())
		srv.sessMx.Unlock()
	}()
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	ep *sw.Endpoint,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("connID", ep.ID()).
		Str("remote", conn.RemoteAddr().String()).
		Logger()

	wg.Add(2)
	go func() {
		srv.webSocketReceiver(ctx, wg, conn, ep.ID(), &logger)
		cancel()
	}()
	go func() {
		srv.webSocketSender(ctx, wg, conn, ep, &logger)
		cancel()
		// unblock the receiver if it is sitting in ReadMessage
		_ = conn.SetReadDeadline(time.Now())
	}()

	wg.Wait()
	webSocketCloser(conn, srv.writeTimeout, &logger)
	srv.svc.Disconnect(ep.ID())
	logger.Debug().Msg("signaling session ended")
}

func (srv *Server) webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	ep *sw.Endpoint,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(srv.pingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-ep.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(srv.writeTimeout))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case frame := <-ep.TX():
			b, wsErr := json.Marshal(&frame)
			if wsErr != nil {
				logger.Error().Err(wsErr).Str("event", frame.Event).Msg("failed to marshall outgoing frame")
				continue
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(srv.writeTimeout))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.TextMessage, b); wsErr != nil {
				logger.Error().Err(wsErr).Str("event", frame.Event).Msg("failed to write outgoing frame")
				break SendLoop
			}
		}
	}
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	connID string,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	limiter := rate.NewLimiter(rate.Inf, 0)
	if srv.messagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(srv.messagesPerSecond), max(srv.burst, int(math.Ceil(srv.messagesPerSecond))))
	}

	conn.SetReadLimit(srv.maxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(srv.pongWait)
	})
	err := readDeadLineFunc(srv.pongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		_, msg, wsErr := conn.ReadMessage()
		if wsErr != nil {
			switch {
			case ctx.Err() != nil:
				logger.Debug().Msg("receiver stopped")
			case websocket.IsCloseError(wsErr, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Debug().Err(wsErr).Msg("connection closed")
			default:
				logger.Warn().Err(wsErr).Msg("connection lost")
			}
			return
		}

		var frame model.Frame
		decodeErr := json.Unmarshal(msg, &frame)
		if !limiter.Allow() {
			// frame.Event stays empty for undecodable frames
			logger.Warn().Str("event", frame.Event).Msg("frame dropped by rate limiter")
			_ = srv.svc.Reject(connID, frame.Event, ErrRateLimited)
			continue
		}
		if decodeErr != nil {
			logger.Debug().Err(decodeErr).Msg("failed to unmarshall incoming frame")
			_ = srv.svc.Reject(connID, "", ErrMalformedJSON)
			continue
		}
		if err = srv.svc.Handle(connID, frame); err != nil {
			logger.Debug().Err(err).Str("event", frame.Event).Msg("frame rejected")
		}
	}
}

func webSocketCloser(conn *websocket.Conn, timeout time.Duration, logger *zerolog.Logger) {
	wsErr := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(min(timeout, defaultWebSocketCloseWriteDeadline)))
	if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
		logger.Debug().Err(wsErr).Msg("failed to send close frame")
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
