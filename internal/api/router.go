package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/dossier/internal/annotate"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *annotate.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)
	uh := NewUploadHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Uploads and cards.
	r.Post("/uploads", uh.Upload)
	r.Get("/cards", h.ListCards)
	r.Route("/cards/{name}", func(r chi.Router) {
		r.Get("/", h.GetCard)
		r.Post("/user-text", h.AppendUserText)
		r.Delete("/user-text", h.ClearUserText)
		r.Get("/integrity", h.VerifyCard)
		r.Post("/restore", h.RestoreCard)
	})

	// Tags.
	r.Get("/tags", h.ListTags)
	r.Post("/tags", h.CreateTag)
	r.Route("/tags/{id}", func(r chi.Router) {
		r.Get("/", h.GetTag)
		r.Patch("/", h.UpdateTag)
		r.Delete("/", h.DeleteTag)
		r.Post("/merge", h.MergeTags)
		r.Get("/references", h.AnalyzeTag)
	})

	// Connections.
	r.Get("/connections", h.ListConnections)
	r.Post("/connections", h.CreateConnection)
	r.Get("/connections/{id}", h.GetConnection)
	r.Put("/connections/{id}", h.UpdateConnection)
	r.Delete("/connections/{id}", h.DeleteConnection)

	// Index.
	r.Get("/index", h.GetIndex)
	r.Post("/index/reindex", h.Reindex)
	r.Get("/index/broken-connections", h.BrokenConnections)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
