package main

import (
	"net/http"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/phrazzld/genflow/internal/api"
	apiMiddleware "github.com/phrazzld/genflow/internal/api/middleware"
	"github.com/phrazzld/genflow/internal/api/shared"
)

// setupRouter creates and configures the application router with all routes and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(apiMiddleware.Trace(app.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", shared.TraceIDHeader},
		ExposedHeaders:   []string{shared.TraceIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	authMiddleware := apiMiddleware.NewAuthMiddleware(app.jwtService)
	taskHandler := api.NewTaskHandler(app.dispatcher)
	notificationHandler := api.NewNotificationHandler(app.fanout, api.WebSocketConfig{
		CheckOrigin: originChecker(app.config.Server.AllowedOrigins),
	})
	healthHandler := api.NewHealthHandler(app.roles.ToSlice(), app.healthChecks())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)

			r.Post("/tasks", taskHandler.SubmitTask)
			r.Get("/tasks/{id}", taskHandler.GetTask)

			r.Get("/notifications", notificationHandler.ListBacklog)
			r.Get("/notifications/unread", notificationHandler.GetUnread)
			r.Post("/notifications/read", notificationHandler.MarkAllRead)
			r.Post("/notifications/{taskID}/read", notificationHandler.MarkRead)
			r.Get("/notifications/ws", notificationHandler.Subscribe)
		})
	})

	// Assets written by adapters are served locally when the public base
	// URL is a path on this server.
	if base := strings.TrimRight(app.config.Storage.BaseURL, "/"); strings.HasPrefix(base, "/") {
		fs := http.StripPrefix(base, http.FileServer(http.Dir(app.files.BasePath())))
		r.Handle(base+"/*", fs)
	}

	r.Get("/health", healthHandler.Health)

	return r
}

// originChecker builds the websocket origin policy from the CORS origins.
// Requests without an Origin header are not from browsers and are allowed.
func originChecker(allowed []string) func(*http.Request) bool {
	origins := mapset.NewThreadUnsafeSet[string]()
	for _, o := range allowed {
		origins.Add(strings.ToLower(strings.TrimRight(o, "/")))
	}
	if origins.Contains("*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return origins.Contains(strings.ToLower(strings.TrimRight(origin, "/")))
	}
}
