package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/deliverytrack/internal/pkg/httputil"
)

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.deps.Metrics.Middleware)

	origins := s.config.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	}))

	r.Get("/health", s.HandleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/webhooks", func(r chi.Router) {
		if s.deps.SESWebhook != nil {
			r.Method(http.MethodPost, "/ses", s.deps.SESWebhook)
		}
		if s.deps.SparkPostWebhook != nil {
			r.Method(http.MethodPost, "/sparkpost", s.deps.SparkPostWebhook)
		}
	})

	if t := s.deps.Tracking; t != nil {
		r.Get("/track/open/{data}/{sig}", t.HandleOpen)
		r.Get("/track/click/{data}/{sig}", t.HandleClick)
		r.Get("/track/unsubscribe/{data}/{sig}", t.HandleUnsubscribe)
		r.Post("/track/unsubscribe/{data}/{sig}", t.HandleUnsubscribe)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/send", s.HandleSend)

		r.Route("/deliveries/{messageID}", func(r chi.Router) {
			r.Get("/", s.HandleGetDelivery)
			r.Post("/status", s.HandleUpdateStatus)
			r.Post("/engagement", s.HandleRecordEngagement)
		})

		r.Post("/bounces", s.HandleBounce)
		r.Post("/unsubscribes", s.HandleUnsubscribe)

		r.Route("/suppressions", func(r chi.Router) {
			r.Get("/", s.HandleListSuppressions)
			r.Post("/", s.HandleAddSuppression)
			r.Get("/stats", s.HandleSuppressionStats)
			r.Post("/import", s.HandleImportSuppressions)
			r.Get("/export", s.HandleExportSuppressions)
			r.Get("/{email}/check", s.HandleCheckSuppression)
			r.Delete("/{email}", s.HandleRemoveSuppression)
		})

		r.Route("/realtime", func(r chi.Router) {
			r.Get("/stream", s.deps.Broadcaster.HandleSSE)
			r.Get("/snapshot", s.HandleSnapshot)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httputil.NotFound(w, "no route for "+r.Method+" "+r.URL.Path)
	})
	return r
}

// HandleHealth reports liveness and the current subscriber count.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{
		"status":      "ok",
		"subscribers": s.deps.Broadcaster.SubscriberCount(),
	})
}

// HandleSnapshot returns the broadcaster's current aggregate.
func (s *Server) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, s.deps.Broadcaster.Snapshot())
}
