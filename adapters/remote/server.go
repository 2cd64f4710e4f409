// Package remote exposes a replicax.Backend over HTTP and consumes it from
// the other side. A region "<port>.<tag>" addresses the backend mounted
// under /<tag> on the node listening at <port>.
package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gostratum/replicax"
)

// RequestIDHeader carries the per-request id in both directions
const RequestIDHeader = "X-Request-Id"

// bucketJSON is the wire form of a listed bucket
type bucketJSON struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// errorJSON is the body of every non-2xx response
type errorJSON struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// Server serves mounted backends, one per service tag
type Server struct {
	logger *zap.Logger
	router chi.Router

	mu       sync.RWMutex
	backends map[string]replicax.Backend
}

// NewServer creates a node server with no backends mounted
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:   logger,
		backends: make(map[string]replicax.Backend),
	}

	r := chi.NewRouter()
	r.Use(escapedRoutePath, s.requestID, s.accessLog, middleware.Recoverer)

	r.Route("/{tag}/buckets", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Delete("/", s.handleDeleteAll)
		r.Put("/{bucket}", s.handleCreate)
		r.Delete("/{bucket}", s.handleDelete)
		r.Put("/{bucket}/objects/*", s.handleUpload)
		r.Get("/{bucket}/objects/*", s.handleDownload)
	})
	s.router = r
	return s
}

// Mount serves backend under /<tag>. Mounting a tag twice is an error.
func (s *Server) Mount(tag string, backend replicax.Backend) error {
	if tag == "" || tag != url.PathEscape(tag) {
		return fmt.Errorf("%w: illegal service tag %q", replicax.ErrInvalidConfig, tag)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backends[tag]; ok {
		return fmt.Errorf("%w: service tag %q already mounted", replicax.ErrConflict, tag)
	}
	s.backends[tag] = backend
	s.logger.Info("Backend mounted", zap.String("tag", tag))
	return nil
}

// Tags returns the mounted service tags
func (s *Server) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tags := make([]string, 0, len(s.backends))
	for tag := range s.backends {
		tags = append(tags, tag)
	}
	return tags
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	backend, ok := s.backend(w, r)
	if !ok {
		return
	}

	buckets := []bucketJSON{}
	for desc, err := range backend.List(r.Context()) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		buckets = append(buckets, bucketJSON{Name: desc.Name, CreatedAt: desc.CreatedAt})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(buckets); err != nil {
		s.logger.Warn("Failed to encode bucket list", zap.Error(err))
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	backend, ok := s.backend(w, r)
	if !ok {
		return
	}
	bucket, ok := s.param(w, r, "bucket")
	if !ok {
		return
	}

	created, err := backend.Create(r.Context(), bucket)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if created {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	backend, ok := s.backend(w, r)
	if !ok {
		return
	}
	bucket, ok := s.param(w, r, "bucket")
	if !ok {
		return
	}

	if err := backend.Delete(r.Context(), bucket); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	backend, ok := s.backend(w, r)
	if !ok {
		return
	}

	if err := backend.DeleteAll(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	backend, ok := s.backend(w, r)
	if !ok {
		return
	}
	bucket, ok := s.param(w, r, "bucket")
	if !ok {
		return
	}
	key, ok := s.param(w, r, "*")
	if !ok {
		return
	}

	if err := backend.Upload(r.Context(), bucket, key, r.Body); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	backend, ok := s.backend(w, r)
	if !ok {
		return
	}
	bucket, ok := s.param(w, r, "bucket")
	if !ok {
		return
	}
	key, ok := s.param(w, r, "*")
	if !ok {
		return
	}

	// buffered so a failed read still maps to an error status
	var buf bytes.Buffer
	if err := backend.Download(r.Context(), bucket, key, &buf); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	if _, err := buf.WriteTo(w); err != nil {
		s.logger.Warn("Failed to write object", zap.String("bucket", bucket), zap.String("key", key), zap.Error(err))
	}
}

func (s *Server) backend(w http.ResponseWriter, r *http.Request) (replicax.Backend, bool) {
	tag, ok := s.param(w, r, "tag")
	if !ok {
		return nil, false
	}

	s.mu.RLock()
	backend, found := s.backends[tag]
	s.mu.RUnlock()
	if !found {
		s.writeError(w, r, fmt.Errorf("service tag %q: %w", tag, replicax.ErrNotFound))
		return nil, false
	}
	return backend, true
}

// param returns the unescaped URL parameter; routing runs on the escaped path
func (s *Server) param(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	value, err := url.PathUnescape(chi.URLParam(r, name))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %s: %v", replicax.ErrInvalidConfig, name, err))
		return "", false
	}
	return value, true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Backend operation failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", w.Header().Get(RequestIDHeader)),
			zap.Error(err),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorJSON{
		Error:     err.Error(),
		RequestID: w.Header().Get(RequestIDHeader),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, replicax.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, replicax.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, replicax.ErrInvalidConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// requestID echoes the caller's request id or assigns a fresh one
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", ww.Header().Get(RequestIDHeader)),
		)
	})
}

// escapedRoutePath makes chi match on the escaped path, so object keys
// containing "/" or "%" survive routing and param unescapes them exactly once
func escapedRoutePath(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			rctx.RoutePath = r.URL.EscapedPath()
		}
		next.ServeHTTP(w, r)
	})
}
