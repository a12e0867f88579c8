package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/manpreetbhatti/codecollab/backend/internal/config"
	"github.com/manpreetbhatti/codecollab/backend/internal/ratelimit"
)

const requestTimeout = 15 * time.Second

// Router builds the HTTP surface. limiter may be nil to disable request
// throttling.
func (a *API) Router(cfg config.ServerConfig, limiter *ratelimit.ClientLimiters) http.Handler {
	prefix := cfg.APIPrefix
	if prefix == "" {
		prefix = "/api/v1"
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.CORSOrigins))

	// Hijacked websocket connections must not inherit the request timeout
	r.Get(prefix+"/ws/sessions/{id}", a.WebSocketHandler)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		if limiter != nil {
			r.Use(limiter.Middleware)
		}

		r.Get("/", a.RootHandler)
		r.Get("/health", a.HealthHandler)
		r.Get("/api/stats", a.StatsHandler)

		r.Route(prefix+"/sessions", func(r chi.Router) {
			r.Post("/", a.CreateSessionHandler)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.GetSessionHandler)
				r.Delete("/", a.DeleteSessionHandler)
				r.Put("/code", a.UpdateCodeHandler)
				r.Put("/language", a.UpdateLanguageHandler)
				r.Post("/join", a.JoinSessionHandler)
				r.Post("/leave", a.LeaveSessionHandler)
				r.Put("/typing", a.TypingHandler)
				r.Get("/username/check", a.CheckUsernameHandler)
			})
		})
	})

	return r
}

// corsMiddleware allows the configured origins. A "*" entry allows any.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowed["*"] || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
