// Package api exposes the chat service over HTTP: the REST routes under
// /api, the websocket endpoint and a health check.
package api

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/iwork/iwork/internal/auth"
)

// Config holds the collaborators of the HTTP surface. Chat, Realtime and
// Verifier are required.
type Config struct {
	Chat     Chat
	Realtime Realtime
	Verifier auth.Verifier

	// Websocket serves /ws. If nil, the route is not registered.
	Websocket http.Handler

	// AllowedOrigins is the CORS allow list. Empty allows any origin.
	AllowedOrigins []string

	// Logger receives request logs. If nil, a no-op logger is used.
	Logger *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &handlers{chat: cfg.Chat, realtime: cfg.Realtime, cfg: &cfg}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	if cfg.Websocket != nil {
		r.Handle("/ws", cfg.Websocket).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(requestLogger(cfg.Logger), auth.Middleware(cfg.Verifier))
	api.HandleFunc("/presence", h.online).Methods(http.MethodGet)

	chats := api.PathPrefix("/chats").Subrouter()
	chats.HandleFunc("", h.createConversation).Methods(http.MethodPost)
	chats.HandleFunc("", h.listConversations).Methods(http.MethodGet)
	chats.HandleFunc("/message", h.sendMessage).Methods(http.MethodPost)
	chats.HandleFunc("/{conversationId}/messages", h.listMessages).Methods(http.MethodGet)
	chats.HandleFunc("/{conversationId}/read", h.markRead).Methods(http.MethodPatch)
	chats.HandleFunc("/{conversationId}", h.hideConversation).Methods(http.MethodDelete)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func requestLogger(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
			)
		})
	}
}
