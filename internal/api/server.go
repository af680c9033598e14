package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/pageaudit/internal/audit"
	"github.com/JakeFAU/pageaudit/internal/metrics"
)

// ResultReader looks up stored results.
type ResultReader interface {
	Get(ctx context.Context, lookup audit.Lookup) (audit.Entry, error)
}

// IDGenerator creates request ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Config tunes the artifact server.
type Config struct {
	// PublicBaseURL prefixes the image links returned by /timings. When empty
	// the links are built from the request's host.
	PublicBaseURL string
	// CacheMaxAge is advertised on immutable artifacts.
	CacheMaxAge time.Duration
	// RequestTimeout bounds each request.
	RequestTimeout time.Duration
}

const (
	defaultCacheMaxAge    = 24 * time.Hour
	defaultRequestTimeout = 30 * time.Second
)

// Server wires HTTP handlers to the result store.
type Server struct {
	router  chi.Router
	results ResultReader
	cfg     Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(results ResultReader, idGen IDGenerator, cfg Config, logger *zap.Logger) *Server {
	if cfg.CacheMaxAge <= 0 {
		cfg.CacheMaxAge = defaultCacheMaxAge
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	cfg.PublicBaseURL = strings.TrimSuffix(cfg.PublicBaseURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		results: results,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware(idGen))
	r.Use(accessLogMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(corsMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Get("/view", s.view)
	r.Get("/scores", s.scores)
	r.Get("/timings", s.timings)
	r.Get("/timing", s.timing)
	r.Get("/screenshot", s.screenshot)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) view(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(entry.HTML)); err != nil {
		s.logger.Debug("write report failed", zap.Error(err))
	}
}

func (s *Server) scores(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]audit.Scores{"scores": entry.Summary.Scores})
}

type timingLink struct {
	Image  string  `json:"image"`
	Timing float64 `json:"timing"`
}

func (s *Server) timings(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	base := s.baseURL(r)
	links := make([]timingLink, 0, len(entry.Summary.Timings))
	for i, t := range entry.Summary.Timings {
		q := url.Values{}
		q.Set("id", entry.ID)
		q.Set("index", strconv.Itoa(i))
		links = append(links, timingLink{Image: base + "/timing?" + q.Encode(), Timing: t.Timing})
	}
	s.cacheable(w)
	writeJSON(w, http.StatusOK, map[string][]timingLink{"timings": links})
}

func (s *Server) timing(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	raw := r.URL.Query().Get("index")
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "index must be a non-negative integer")
		return
	}
	if index >= len(entry.Summary.Timings) {
		writeError(w, http.StatusNotFound, "timing not found")
		return
	}
	s.writeImage(w, entry.Summary.Timings[index].Data)
}

func (s *Server) screenshot(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if entry.Summary.FinalScreenshot == "" {
		writeError(w, http.StatusNotFound, "screenshot not found")
		return
	}
	s.writeImage(w, entry.Summary.FinalScreenshot)
}

func (s *Server) writeImage(w http.ResponseWriter, data string) {
	img, err := audit.DecodeImage(data)
	if err != nil {
		s.logger.Warn("stored image undecodable", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "image undecodable")
		return
	}
	s.cacheable(w)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(img)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img); err != nil {
		s.logger.Debug("write image failed", zap.Error(err))
	}
}

// lookup resolves the id query parameter, writing the error response itself
// when the entry cannot be served.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (audit.Entry, bool) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	entry, err := s.results.Get(r.Context(), audit.Lookup{ID: id})
	if err == nil {
		return entry, true
	}
	switch {
	case errors.Is(err, audit.ErrMissingID):
		writeError(w, http.StatusBadRequest, audit.ErrMissingID.Error())
	case errors.Is(err, audit.ErrInvalidID):
		writeError(w, http.StatusBadRequest, audit.ErrInvalidID.Error())
	case errors.Is(err, audit.ErrNotFound):
		writeError(w, http.StatusNotFound, audit.ErrNotFound.Error())
	default:
		s.logger.Error("result lookup failed", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "result lookup failed")
	}
	return audit.Entry{}, false
}

func (s *Server) cacheable(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(s.cfg.CacheMaxAge.Seconds())))
}

func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.PublicBaseURL != "" {
		return s.cfg.PublicBaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
