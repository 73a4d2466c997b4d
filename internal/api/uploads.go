package api

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/starford/dossier/internal/annotate"
)

const maxUploadBytes = 50 << 20 // 50 MB

// UploadHandler accepts raw document uploads and turns them into cards.
type UploadHandler struct {
	svc *annotate.Service
}

// NewUploadHandler creates an upload handler.
func NewUploadHandler(svc *annotate.Service) *UploadHandler {
	return &UploadHandler{svc: svc}
}

// safeName validates that the filename is a plain name with no path
// separators or traversal.
func safeName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("filename is required")
	}
	cleaned := filepath.Clean(name)
	if cleaned != filepath.Base(cleaned) || strings.Contains(cleaned, "..") || strings.HasPrefix(cleaned, ".") {
		return "", fmt.Errorf("invalid filename: %s", name)
	}
	return cleaned, nil
}

// Upload handles POST /api/uploads (multipart/form-data, field "file").
//
//	@Summary		Upload a document and create its card
//	@Tags			cards
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			file	formData	file	true	"Document"
//	@Success		201		{object}	UploadResponse
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/uploads [post]
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	name, err := safeName(header.Filename)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to read file"))
		return
	}

	c, err := h.svc.Upload(r.Context(), name, data)
	if err != nil {
		writeError(w, "upload", err)
		return
	}
	writeJSON(w, http.StatusCreated, UploadResponse{Filename: name, Size: int64(len(data)), Card: c})
}
