package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xela07ax/spaceai-agent-router/internal/audit"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"github.com/xela07ax/spaceai-agent-router/internal/engine"
	"github.com/xela07ax/spaceai-agent-router/internal/infra/auth"
	"github.com/xela07ax/spaceai-agent-router/internal/venue"
	"go.uber.org/zap"
)

// EventLister reads back the audit trail of one grant.
type EventLister interface {
	List(ctx context.Context, key domain.PolicyKey, limit int) ([]audit.Event, error)
}

type Deps struct {
	Router    *engine.Router
	Venue     venue.Venue
	Events    EventLister // optional
	Validator auth.TokenValidator
	Gatherer  prometheus.Gatherer // optional, /metrics is not mounted without it
	Logger    *zap.Logger
}

// Server is the HTTP surface of the router. Principals manage their own
// grants under /v1/strategies and /v1/policies; strategy controllers execute
// under /v1/principals.
type Server struct {
	router *chi.Mux
	deps   Deps
	logger *zap.Logger
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	s := &Server{
		router: chi.NewRouter(),
		deps:   d,
		logger: d.Logger.Named("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(engine.TracingMiddleware)

	r.Group(func(r chi.Router) {
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		if s.deps.Gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.deps.Validator, s.logger))

		r.Get("/v1/templates", s.listTemplates)

		r.Route("/v1/strategies/{id}/authorization", func(r chi.Router) {
			r.Post("/", s.authorize)
			r.Delete("/", s.revoke)
		})

		r.Route("/v1/policies", func(r chi.Router) {
			r.Get("/", s.listPolicies)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getPolicy)
				r.Get("/events", s.listEvents)
				r.Post("/enable", s.enablePolicy)
				r.Post("/disable", s.disablePolicy)
				r.Patch("/{group}", s.updatePolicy)
			})
		})

		r.Route("/v1/principals/{principal}", func(r chi.Router) {
			r.Get("/health", s.principalHealth)
			r.Post("/strategies/{id}/{action}", s.execute)
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
