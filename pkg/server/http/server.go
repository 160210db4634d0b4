// Package httpserver exposes ingestion, retrieval and profile operations as a JSON API.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/model"
	"github.com/m-mizutani/memoire/pkg/usecase/memory"
	"github.com/m-mizutani/memoire/pkg/utils/logging"
)

const (
	DefaultAddr = "127.0.0.1:8080"

	// DefaultSearchLimit applies to search requests without a limit
	DefaultSearchLimit = 3
	// PageSize is the number of memories per listing page
	PageSize = 5
)

// UseCase is the set of memory operations served over HTTP
type UseCase interface {
	AddBatch(ctx context.Context, inputs []*memory.AddInput) ([]*model.Memory, error)
	Retrieve(ctx context.Context, input *memory.RetrieveInput) ([]*model.ScoredMemory, error)
	GetMemory(ctx context.Context, id model.MemoryID) (*model.Memory, error)
	ListUsers(ctx context.Context) ([]*model.UserSummary, error)
	GetProfile(ctx context.Context, username string) (*model.UserProfile, error)
	UpdateProfile(ctx context.Context, username string, info map[string]any) (*model.UserProfile, error)
}

type Server struct {
	uc         UseCase
	httpServer *http.Server
	mounts     map[string]http.Handler
}

type Option func(*Server)

// WithHandler serves h under pattern next to the API routes
func WithHandler(pattern string, h http.Handler) Option {
	return func(s *Server) {
		s.mounts[pattern] = h
	}
}

func New(uc UseCase, addr string, opts ...Option) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{
		uc:     uc,
		mounts: map[string]http.Handler{},
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/memories", s.handleAddMemories)
	mux.HandleFunc("GET /api/memories", s.handleListMemories)
	mux.HandleFunc("POST /api/memories/search", s.handleSearch)
	mux.HandleFunc("GET /api/memories/{id}", s.handleGetMemory)
	mux.HandleFunc("GET /api/users", s.handleListUsers)
	mux.HandleFunc("GET /api/users/{username}", s.handleGetUser)
	mux.HandleFunc("POST /api/users/{username}", s.handleUpdateUser)
	for pattern, h := range s.mounts {
		mux.Handle(pattern, h)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           withLogger(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()
	logging.From(ctx).Info("http server listening", "addr", s.httpServer.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return goerr.Wrap(err, "failed to shutdown http server")
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return goerr.Wrap(err, "http server failed", goerr.V("addr", s.httpServer.Addr))
	}
}

func withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := logging.Default().With("method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(logging.With(r.Context(), logger)))
	})
}
