package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gwi.com/local-rag/internal/logging"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", apiHandler.HealthHandler)

		r.Group(func(r chi.Router) {
			r.Use(apiHandler.IdentityMiddleware)

			// Chat routes
			r.Post("/chats", apiHandler.CreateChatHandler)
			r.Get("/chats", apiHandler.ListChatsHandler)
			r.Get("/chats/{chatID}", apiHandler.GetChatDetailsHandler)
			r.Delete("/chats/{chatID}", apiHandler.DeleteChatHandler)
			r.Post("/chats/{chatID}/messages", apiHandler.PostMessageHandler)

			// Feedback routes
			r.Put("/messages/{messageID}/feedback", apiHandler.SetFeedbackHandler)
			r.Delete("/messages/{messageID}/feedback", apiHandler.RemoveFeedbackHandler)
			r.Get("/feedback", apiHandler.ListFeedbackHandler)

			r.Get("/rag", apiHandler.RagContextHandler)

			r.Route("/admin", func(r chi.Router) {
				r.Post("/reindex", apiHandler.ReindexHandler)
				r.Post("/repair", apiHandler.RepairHandler)
				r.Get("/stats", apiHandler.StatsHandler)
			})

			r.Route("/settings", func(r chi.Router) {
				r.Get("/", apiHandler.ListSettingsHandler)
				r.Get("/{key}", apiHandler.GetSettingHandler)
				r.Put("/{key}", apiHandler.SetSettingHandler)
				r.Delete("/{key}", apiHandler.DeleteSettingHandler)
			})
		})
	})

	return r
}

// requestLogger replaces middleware.Logger so access logs go through slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		logging.From(r.Context()).LogAttrs(r.Context(), slog.LevelInfo, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
