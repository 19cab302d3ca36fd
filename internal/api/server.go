package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/microlumin/factory-lens/internal/config"
	"github.com/microlumin/factory-lens/internal/metrics"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// Options collects everything the HTTP surface depends on. Apply is invoked
// after any mutation so the running core picks up the change.
type Options struct {
	Config    *config.Config
	Devices   DeviceStore
	Actions   ActionStore
	Registry  SchemaRegistry
	Engine    EngineStates
	DB        HealthChecker
	MQTT      ConnChecker
	Apply     ApplyFunc
	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

func NewServer(opts Options) *Server {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(metrics.InstrumentHandler)

	// Health and metrics endpoints, no auth
	health := NewHealthHandler(opts.DB, opts.MQTT, opts.Version, opts.StartTime)
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	devices := NewDevicesHandler(opts.Devices, opts.Apply, opts.Log)
	actions := NewActionsHandler(opts.Actions, opts.Registry, opts.Engine, opts.Apply, opts.Log)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(opts.Config.AuthToken))
		r.Route("/api/v1/devices", devices.Routes)
		r.Route("/api/v1/actions", actions.Routes)
		r.Get("/api/v1/device-models", devices.Models)
	})

	return &Server{
		http: &http.Server{
			Addr:         opts.Config.HTTPAddr,
			Handler:      r,
			ReadTimeout:  opts.Config.ReadTimeout,
			WriteTimeout: opts.Config.WriteTimeout,
			IdleTimeout:  opts.Config.IdleTimeout,
		},
		log: opts.Log,
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
