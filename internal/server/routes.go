package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomhub/internal/auth"
	"github.com/Tyrowin/roomhub/internal/hub"
	"github.com/Tyrowin/roomhub/internal/store"
)

// Deps are the collaborators the router needs.
type Deps struct {
	Config  *Config
	Store   store.DataStore
	Hub     *hub.Hub
	Tokens  *auth.TokenManager
	Hasher  *auth.PasswordHasher
	Origins *OriginPolicy
	// Redis backs the signup and login rate limit. Optional.
	Redis  *redis.Client
	Logger zerolog.Logger
}

// NewRouter configures the chi router with all application routes.
func NewRouter(deps Deps) http.Handler {
	h := NewHandlers(deps)
	requireUser := auth.NewMiddleware(deps.Tokens, deps.Store, deps.Logger).RequireUser
	limiter := NewRequestLimiter(deps.Redis, "roomhub:ratelimit", RequestLimit{Requests: 10, Window: time.Minute}, deps.Logger)

	r := chi.NewRouter()

	r.Use(requestMetrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(deps.Logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)
	r.Get("/test", TestPageHandler)

	r.Route("/users", func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Post("/signup", h.Signup)
		r.Post("/login", h.Login)
	})

	r.Route("/rooms", func(r chi.Router) {
		r.Use(requireUser)

		r.Post("/", h.CreateRoom)
		r.Route("/{roomID}", func(r chi.Router) {
			r.Delete("/", h.DeleteRoom)
			r.Post("/join", h.JoinRoom)
			r.Get("/messages", h.ListMessages)
			r.Get("/ws", h.WebSocket)
			r.Delete("/members/me", h.LeaveRoom)
			r.Delete("/members/{memberID}", h.RemoveMember)
		})
	})

	return r
}
