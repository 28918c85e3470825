package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"giftext/internal/httpapi/handlers"
	"giftext/internal/httpkit"
	"giftext/internal/pkg/logger"
	"giftext/internal/pkg/middleware"
)

type Deps = handlers.Deps

type Options struct {
	// Limiter throttles the image route. Nil disables throttling.
	Limiter *rate.Limiter
	// APITimeout bounds the JSON routes.
	APITimeout time.Duration
	// CORSOrigins may read the responses from a browser. "*" allows any.
	CORSOrigins []string
}

func NewRouter(d Deps, opt Options) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	d.Log = log
	if opt.APITimeout <= 0 {
		opt.APITimeout = 10 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: opt.CORSOrigins,
		ExposedHeaders: []string{"X-Cache", middleware.RequestIDHeader},
	}))

	h := handlers.New(d)

	// ---- API ----
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(opt.APITimeout))

		r.Get("/health", h.Health)
		r.Get("/stats", h.Stats)
		r.Get("/generations", middleware.WrapHandler(log, h.ListGenerations))
		r.Get("/generations/{generationId}", middleware.WrapHandler(log, h.GetGeneration))
	})

	// ---- IMAGES ----
	r.Get("/", h.Root)
	r.With(middleware.RateLimit(opt.Limiter)).Get("/{text}", h.Text)

	return r
}
