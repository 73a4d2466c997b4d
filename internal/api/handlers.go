package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/dossier/internal/annotate"
	"github.com/starford/dossier/internal/connection"
	"github.com/starford/dossier/internal/tagstore"
)

// Handler holds API route handlers.
type Handler struct {
	svc *annotate.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *annotate.Service) *Handler {
	return &Handler{svc: svc}
}

func boolQuery(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

// ListCards handles GET /api/cards.
//
//	@Summary		List card filenames
//	@Tags			cards
//	@Produce		json
//	@Success		200	{object}	CardListResponse
//	@Security		BearerAuth
//	@Router			/cards [get]
func (h *Handler) ListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := h.svc.ListCards(r.Context())
	if err != nil {
		writeError(w, "list cards", err)
		return
	}
	if cards == nil {
		cards = []string{}
	}
	writeJSON(w, http.StatusOK, CardListResponse{Cards: cards})
}

// GetCard handles GET /api/cards/{name}.
//
//	@Summary		Get a card
//	@Tags			cards
//	@Produce		json
//	@Param			name	path		string	true	"Card filename"
//	@Success		200		{object}	models.Card
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cards/{name} [get]
func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.GetCard(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, "get card", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// AppendUserText handles POST /api/cards/{name}/user-text.
//
//	@Summary		Append analyst text to a card
//	@Tags			cards
//	@Accept			json
//	@Produce		json
//	@Param			name	path		string			true	"Card filename"
//	@Param			body	body		UserTextRequest	true	"Text to append"
//	@Success		200		{object}	models.Card
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cards/{name}/user-text [post]
func (h *Handler) AppendUserText(w http.ResponseWriter, r *http.Request) {
	var req UserTextRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := h.svc.AppendUserText(r.Context(), chi.URLParam(r, "name"), req.Text)
	if err != nil {
		writeError(w, "append user text", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ClearUserText handles DELETE /api/cards/{name}/user-text.
//
//	@Summary		Clear the user-added region of a card
//	@Tags			cards
//	@Produce		json
//	@Param			name	path		string	true	"Card filename"
//	@Success		200		{object}	models.Card
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cards/{name}/user-text [delete]
func (h *Handler) ClearUserText(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.ClearUserText(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, "clear user text", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// VerifyCard handles GET /api/cards/{name}/integrity.
//
//	@Summary		Verify a card against its source file
//	@Tags			cards
//	@Produce		json
//	@Param			name	path		string	true	"Card filename"
//	@Success		200		{object}	card.IntegrityReport
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cards/{name}/integrity [get]
func (h *Handler) VerifyCard(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.VerifyCard(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, "verify card", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// RestoreCard handles POST /api/cards/{name}/restore.
//
//	@Summary		Restore a card's original content from its source
//	@Tags			cards
//	@Produce		json
//	@Param			name	path		string	true	"Card filename"
//	@Success		200		{object}	card.RestoreResult
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cards/{name}/restore [post]
func (h *Handler) RestoreCard(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.RestoreCard(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, "restore card", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListTags handles GET /api/tags.
//
//	@Summary		List tags, optionally filtered by type
//	@Tags			tags
//	@Produce		json
//	@Param			type	query		string	false	"Tag type"	Enums(entity, relationship, attribute, comment, kv_pair, label, data)
//	@Success		200		{object}	TagListResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tags [get]
func (h *Handler) ListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.svc.ListTags(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, "list tags", err)
		return
	}
	tags = nonNil(tags)
	writeJSON(w, http.StatusOK, TagListResponse{Tags: tags, Total: len(tags)})
}

// CreateTag handles POST /api/tags.
//
//	@Summary		Create a tag and embed it into its referenced cards
//	@Tags			tags
//	@Accept			json
//	@Produce		json
//	@Param			body	body		tagstore.InsertTag	true	"Tag to create"
//	@Success		201		{object}	models.Tag
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tags [post]
func (h *Handler) CreateTag(w http.ResponseWriter, r *http.Request) {
	var req tagstore.InsertTag
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := h.svc.CreateTag(r.Context(), req)
	if err != nil {
		writeError(w, "create tag", err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTag handles GET /api/tags/{id}.
//
//	@Summary		Get a tag
//	@Tags			tags
//	@Produce		json
//	@Param			id	path		string	true	"Tag id"
//	@Success		200	{object}	models.Tag
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tags/{id} [get]
func (h *Handler) GetTag(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.GetTag(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get tag", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// UpdateTag handles PATCH /api/tags/{id}.
//
//	@Summary		Apply a partial change to a tag
//	@Tags			tags
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Tag id"
//	@Param			body	body		tagstore.Patch	true	"Fields to change"
//	@Success		200		{object}	models.Tag
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tags/{id} [patch]
func (h *Handler) UpdateTag(w http.ResponseWriter, r *http.Request) {
	var req tagstore.Patch
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := h.svc.UpdateTag(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, "update tag", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// DeleteTag handles DELETE /api/tags/{id}.
//
//	@Summary		Delete a tag, or preview the deletion
//	@Tags			tags
//	@Produce		json
//	@Param			id		path		string	true	"Tag id"
//	@Param			dryRun	query		bool	false	"Only report what would change"
//	@Success		200		{object}	DeletePreview
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tags/{id} [delete]
func (h *Handler) DeleteTag(w http.ResponseWriter, r *http.Request) {
	preview, err := h.svc.DeleteTag(r.Context(), chi.URLParam(r, "id"), boolQuery(r, "dryRun"))
	if err != nil {
		writeError(w, "delete tag", err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// MergeTags handles POST /api/tags/{id}/merge.
//
//	@Summary		Merge tags into this master tag
//	@Tags			tags
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Master tag id"
//	@Param			body	body		MergeRequest	true	"Tags to merge"
//	@Success		200		{object}	merge.Result
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tags/{id}/merge [post]
func (h *Handler) MergeTags(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.MergeTags(r.Context(), chi.URLParam(r, "id"), req.MergeIDs)
	if err != nil {
		writeError(w, "merge tags", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AnalyzeTag handles GET /api/tags/{id}/references.
//
//	@Summary		Find tagged and untagged references of a tag
//	@Tags			tags
//	@Produce		json
//	@Param			id		path		string	true	"Tag id"
//	@Param			scope	query		string	false	"Analysis scope"	Enums(similarity, document, repository)
//	@Param			card	query		string	false	"Card filename for document scope"
//	@Success		200		{object}	analysis.Result
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tags/{id}/references [get]
func (h *Handler) AnalyzeTag(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.svc.AnalyzeTag(r.Context(), chi.URLParam(r, "id"), q.Get("scope"), q.Get("card"))
	if err != nil {
		writeError(w, "analyze tag", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListConnections handles GET /api/connections.
//
//	@Summary		List explicit connections
//	@Tags			connections
//	@Produce		json
//	@Success		200	{object}	ConnectionListResponse
//	@Security		BearerAuth
//	@Router			/connections [get]
func (h *Handler) ListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := h.svc.ListConnections(r.Context())
	if err != nil {
		writeError(w, "list connections", err)
		return
	}
	writeJSON(w, http.StatusOK, ConnectionListResponse{Connections: nonNil(conns)})
}

// CreateConnection handles POST /api/connections.
//
//	@Summary		Create a connection between two entity tags
//	@Tags			connections
//	@Accept			json
//	@Produce		json
//	@Param			body	body		connection.Input	true	"Connection"
//	@Success		201		{object}	models.Connection
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/connections [post]
func (h *Handler) CreateConnection(w http.ResponseWriter, r *http.Request) {
	var req connection.Input
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := h.svc.CreateConnection(r.Context(), req)
	if err != nil {
		writeError(w, "create connection", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetConnection handles GET /api/connections/{id}.
//
//	@Summary		Get a connection
//	@Tags			connections
//	@Produce		json
//	@Param			id	path		string	true	"Connection id"
//	@Success		200	{object}	models.Connection
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/connections/{id} [get]
func (h *Handler) GetConnection(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.GetConnection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get connection", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// UpdateConnection handles PUT /api/connections/{id}.
//
//	@Summary		Replace a connection
//	@Tags			connections
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Connection id"
//	@Param			body	body		connection.Input	true	"Connection"
//	@Success		200		{object}	models.Connection
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/connections/{id} [put]
func (h *Handler) UpdateConnection(w http.ResponseWriter, r *http.Request) {
	var req connection.Input
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := h.svc.UpdateConnection(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, "update connection", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// DeleteConnection handles DELETE /api/connections/{id}.
//
//	@Summary		Delete a connection
//	@Tags			connections
//	@Param			id	path	string	true	"Connection id"
//	@Success		204	"Connection deleted"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/connections/{id} [delete]
func (h *Handler) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteConnection(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "delete connection", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetIndex handles GET /api/index.
//
//	@Summary		Get the full index snapshot
//	@Tags			index
//	@Produce		json
//	@Success		200	{object}	index.Snapshot
//	@Failure		503	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/index [get]
func (h *Handler) GetIndex(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Snapshot(r.Context())
	if err != nil {
		writeError(w, "get index", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Reindex handles POST /api/index/reindex.
//
//	@Summary		Rebuild the index, optionally collecting orphaned references
//	@Tags			index
//	@Produce		json
//	@Param			gc		query		bool	false	"Remove orphaned references first"
//	@Param			dryRun	query		bool	false	"Only report what gc would remove"
//	@Success		200		{object}	ReindexResponse
//	@Failure		503		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/index/reindex [post]
func (h *Handler) Reindex(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Reindex(r.Context(), boolQuery(r, "gc"), boolQuery(r, "dryRun"))
	if err != nil {
		writeError(w, "reindex", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BrokenConnections handles GET /api/index/broken-connections.
//
//	@Summary		List connections with a missing endpoint
//	@Tags			index
//	@Produce		json
//	@Success		200	{array}	index.BrokenConnection
//	@Security		BearerAuth
//	@Router			/index/broken-connections [get]
func (h *Handler) BrokenConnections(w http.ResponseWriter, r *http.Request) {
	broken, err := h.svc.BrokenConnections(r.Context())
	if err != nil {
		writeError(w, "broken connections", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"brokenConnections": nonNil(broken)})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
