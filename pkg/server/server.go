package server

import (
	"cmp"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"github.com/darkiworld/debrid-blackhole/internal/config"
	"github.com/darkiworld/debrid-blackhole/internal/logger"
	"github.com/darkiworld/debrid-blackhole/pkg/debrid/types"
	"github.com/darkiworld/debrid-blackhole/pkg/manager"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"net/http"
	"time"
)

const (
	shutdownTimeout   = 10 * time.Second
	connectionTimeout = 15 * time.Second
)

// Downloads is the read side of the download manager.
type Downloads interface {
	GetStatus(id string) (*manager.Download, error)
	List(category string) []*manager.Download
}

// Providers is the read side of the debrid registry.
type Providers interface {
	Providers() []types.Client
	TestConnections(ctx context.Context) map[string]error
	CheckLinks(ctx context.Context, links []string) ([]types.LinkStatus, error)
}

type Server struct {
	router    *chi.Mux
	logger    zerolog.Logger
	port      string
	auth      *config.Auth
	downloads Downloads
	providers Providers
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

func WithPort(port string) Option {
	return func(s *Server) {
		s.port = port
	}
}

// WithAuth enables basic auth on everything except /health. Password is a bcrypt hash.
func WithAuth(auth *config.Auth) Option {
	return func(s *Server) {
		if auth != nil && auth.Username != "" {
			s.auth = auth
		}
	}
}

func New(downloads Downloads, providers Providers, opts ...Option) *Server {
	s := &Server{
		logger:    logger.New("http"),
		port:      "8282",
		downloads: downloads,
		providers: providers,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.basicAuth)
		}
		r.Get("/version", s.handleVersion)
		r.Get("/stats", s.handleStats)
		r.Handle("/metrics", promhttp.Handler())
		r.Route("/api", func(r chi.Router) {
			r.Get("/debrids", s.handleDebrids)
			r.Get("/downloads", s.handleDownloads)
			r.Get("/downloads/{id}", s.handleDownload)
			r.Post("/links/check", s.handleCheckLinks)
		})
	})
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%s", cmp.Or(s.port, "8282"))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Msgf("Server started on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("error starting server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	s.logger.Info().Msg("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.auth.Username)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(s.auth.Password), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="decypharr"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
