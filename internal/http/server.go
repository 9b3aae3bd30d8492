package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nulldb/pkg/consensus"
	"nulldb/pkg/dberrors"
	"nulldb/pkg/encoding"
	"nulldb/pkg/rpc"
)

const (
	contentTypeJSON        = "application/json"
	defaultAddr            = ":8080"
	defaultShutdownTimeout = time.Second * 5
	maxValueBytes          = 4 << 20
)

type iNode interface {
	Put(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (encoding.Record, error)
	Delete(ctx context.Context, key string) error
	Status() consensus.Status

	RequestVote(ctx context.Context, req consensus.VoteRequest) (consensus.VoteReply, error)
	AppendEntries(ctx context.Context, req consensus.AppendEntriesRequest) (consensus.AppendEntriesReply, error)
}

type iCompactor interface {
	Compact(ctx context.Context) error
}

type Config struct {
	Addr string
	Node iNode
	// Compactor may be nil when compaction is disabled.
	Compactor iCompactor
	// Gatherer backs /metrics; the default registry is used when nil.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server serves the client API, the inter-node RPCs and metrics.
type Server struct {
	node       iNode
	compactor  iCompactor
	gatherer   prometheus.Gatherer
	log        *slog.Logger
	httpServer *http.Server
	addr       string
	URL        string
}

func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		node:      cfg.Node,
		compactor: cfg.Compactor,
		gatherer:  cfg.Gatherer,
		log:       cfg.Logger.With("component", "http"),
		addr:      cfg.Addr,
	}
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	s.URL = "http://" + ln.Addr().String()
	s.httpServer = &http.Server{
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", "error", err)
		}
	}()

	s.log.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Put("/data/{key}", s.handlePut)
		r.Get("/data/{key}", s.handleGet)
		r.Delete("/data/{key}", s.handleDelete)
		r.Post("/management/compact", s.handleCompact)
		r.Get("/management/status", s.handleStatus)
	})

	r.Post(rpc.VotePath, s.handleVote)
	r.Post(rpc.AppendPath, s.handleAppend)

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"took", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("Error encoding response", "error", err)
	}
}

// writeError maps storage and consensus errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var nl *dberrors.NotLeaderError
	switch {
	case errors.As(err, &nl):
		s.writeJSON(w, rpc.StatusMisdirected, Response{Status: StatusError, Error: err.Error(), Leader: nl.Leader})
	case errors.Is(err, dberrors.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, failed(err))
	case errors.Is(err, dberrors.ErrValueDeleted):
		s.writeJSON(w, http.StatusGone, failed(err))
	case errors.Is(err, dberrors.ErrInvalidArgument):
		s.writeJSON(w, http.StatusBadRequest, failed(err))
	case errors.Is(err, consensus.ErrStopped):
		s.writeJSON(w, http.StatusServiceUnavailable, failedCode(err, rpc.CodeNodeStopped))
	case errors.Is(err, dberrors.ErrFailedToReplicate):
		s.writeJSON(w, http.StatusServiceUnavailable, failedCode(err, rpc.CodeFailedToReplicate))
	default:
		s.log.Error("request failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, failed(err))
	}
}

// keyParam returns the {key} path parameter. chi matches on RawPath when the
// request has one, so the parameter is still escaped in that case.
func (s *Server) keyParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := chi.URLParam(r, "key")
	var err error
	if r.URL.RawPath != "" {
		key, err = url.PathUnescape(key)
	}
	if err != nil || key == "" {
		s.writeJSON(w, http.StatusBadRequest, failedMsg("Missing key"))
		return "", false
	}
	return key, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthy())
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueBytes))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, failedMsg("Failed to read value"))
		return
	}

	if err := s.node.Put(r.Context(), key, string(body)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, succeeded(""))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r)
	if !ok {
		return
	}

	rec, err := s.node.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	value, ok := rec.Value()
	if !ok {
		s.writeError(w, dberrors.ErrValueDeleted)
		return
	}
	s.writeJSON(w, http.StatusOK, succeeded(value))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r)
	if !ok {
		return
	}

	if err := s.node.Delete(r.Context(), key); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, succeeded(""))
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if s.compactor == nil {
		s.writeJSON(w, http.StatusNotImplemented, failedMsg("No compactor configured"))
		return
	}
	if err := s.compactor.Compact(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, succeeded(""))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req consensus.VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, failed(err))
		return
	}
	reply, err := s.node.RequestVote(r.Context(), req)
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, failed(err))
		return
	}
	s.writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req consensus.AppendEntriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, failed(err))
		return
	}
	reply, err := s.node.AppendEntries(r.Context(), req)
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, failed(err))
		return
	}
	s.writeJSON(w, http.StatusOK, reply)
}
