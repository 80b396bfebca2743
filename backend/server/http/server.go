package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/frame-relay/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultMaxBodySize      = 10 << 20

	AnyContentType = "*/*"
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	RelayService interface {
		Upload(ctx context.Context, frame []byte) (model.Report, error)
		Stats() model.Stats
	}

	// StreamServer serves the streaming endpoint on the same listener.
	StreamServer interface {
		http.Handler
		Shutdown(ctx context.Context) error
	}

	// UploadPolicy limits what POST /upload accepts. It can be swapped at runtime.
	UploadPolicy struct {
		// ContentTypes lists accepted media types, AnyContentType accepts everything.
		ContentTypes []string
		MaxBodySize  int64
	}

	GenericResponse struct {
		Message string      `json:"message,omitempty"`
		Error   string      `json:"error,omitempty"`
		Data    interface{} `json:"data,omitempty"`
	}

	Server struct {
		logger           zerolog.Logger
		svc              RelayService
		stream           StreamServer
		policy           atomic.Pointer[UploadPolicy]
		shutdownDeadline time.Duration
		*http.Server
	}

	Config struct {
		Logger           *zerolog.Logger
		RelayService     RelayService
		StreamServer     StreamServer
		ListenAddr       string
		UploadPolicy     UploadPolicy
		ShutdownDeadline time.Duration
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:           cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:              cfg.RelayService,
		stream:           cfg.StreamServer,
		shutdownDeadline: cfg.ShutdownDeadline,
	}
	if srv.shutdownDeadline <= 0 {
		srv.shutdownDeadline = defaultShutdownDeadline
	}
	srv.SetUploadPolicy(cfg.UploadPolicy)

	r := http.NewServeMux()
	r.HandleFunc("POST /upload", srv.recoverer(srv.upload))
	r.HandleFunc("GET /healthz", srv.recoverer(srv.healthz))
	r.HandleFunc("OPTIONS /", corsHandler)
	if srv.stream != nil {
		r.Handle("GET /ws", srv.stream)
		r.Handle("GET /{$}", srv.stream)
	}

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

// SetUploadPolicy replaces the upload policy for subsequent requests.
func (srv *Server) SetUploadPolicy(p UploadPolicy) {
	if p.MaxBodySize <= 0 {
		p.MaxBodySize = defaultMaxBodySize
	}
	p.ContentTypes = append([]string(nil), p.ContentTypes...)
	srv.policy.Store(&p)
	srv.logger.Debug().
		Int64("maxBodySize", p.MaxBodySize).
		Strs("contentTypes", p.ContentTypes).
		Msg("upload policy set")
}

func (p *UploadPolicy) accepts(contentType string) bool {
	if len(p.ContentTypes) == 0 {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}
	for _, ct := range p.ContentTypes {
		if ct == AnyContentType || (mediaType != "" && strings.EqualFold(ct, mediaType)) {
			return true
		}
	}
	return false
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				srv.logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("request handler panicked")
				writeResponse(w, http.StatusInternalServerError, &GenericResponse{Error: ErrUnexpected.Error()}, &srv.logger)
			}
		}()
		next(w, r)
	}
}

func (srv *Server) upload(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	defer func() {
		_ = r.Body.Close()
	}()

	policy := srv.policy.Load()
	if !policy.accepts(r.Header.Get("Content-Type")) {
		srv.logger.Debug().Str("contentType", r.Header.Get("Content-Type")).Msg("upload rejected")
		writeResponse(w, http.StatusBadRequest, &GenericResponse{Error: "unsupported content type"}, &srv.logger)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, policy.MaxBodySize))
	if err != nil {
		var mbErr *http.MaxBytesError
		if errors.As(err, &mbErr) {
			writeResponse(w, http.StatusRequestEntityTooLarge, &GenericResponse{Error: "body too large"}, &srv.logger)
			return
		}
		srv.logger.Debug().Err(err).Msg("failed to read upload body")
		writeResponse(w, http.StatusBadRequest, &GenericResponse{Error: "unable to read body"}, &srv.logger)
		return
	}
	if len(body) == 0 {
		writeResponse(w, http.StatusBadRequest, &GenericResponse{Error: "no file received"}, &srv.logger)
		return
	}

	srv.logger.Debug().Int("size", len(body)).Msg("frame uploaded")

	report, err := srv.svc.Upload(r.Context(), body)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to relay uploaded frame")
		writeResponse(w, http.StatusInternalServerError, &GenericResponse{Error: ErrUnexpected.Error()}, &srv.logger)
		return
	}
	writeResponse(w, http.StatusOK, &GenericResponse{
		Message: "frame received and relayed to viewers",
		Data:    report,
	}, &srv.logger)
}

func (srv *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeResponse(w, http.StatusOK, &GenericResponse{Message: "OK", Data: srv.svc.Stats()}, &srv.logger)
}

func writeResponse(w http.ResponseWriter, code int, resp *GenericResponse, logger *zerolog.Logger) {
	b, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), srv.shutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
		// hijacked websocket connections are not tracked by http.Server
		if srv.stream != nil {
			if err := srv.stream.Shutdown(shCtx); err != nil {
				srv.logger.Error().Err(err).Msg("stream server shutdown failed")
			}
		}
	}
}
