package api

import (
	"github.com/starford/dossier/internal/annotate"
	"github.com/starford/dossier/internal/models"
)

// UserTextRequest is the request body for appending analyst text to a card.
type UserTextRequest struct {
	Text string `json:"text" example:"Confirmed by second source." validate:"required"`
}

// MergeRequest is the request body for merging tags into a master tag.
type MergeRequest struct {
	MergeIDs []string `json:"mergeIds" validate:"required"`
}

// TagListResponse wraps tag listings.
type TagListResponse struct {
	Tags  []*models.Tag `json:"tags" validate:"required"`
	Total int           `json:"total" example:"42" validate:"required"`
}

// CardListResponse wraps card listings.
type CardListResponse struct {
	Cards []string `json:"cards" validate:"required"`
}

// ConnectionListResponse wraps connection listings.
type ConnectionListResponse struct {
	Connections []*models.Connection `json:"connections" validate:"required"`
}

// UploadResponse is returned after a successful upload.
type UploadResponse struct {
	Filename string       `json:"filename" example:"brief.txt" validate:"required"`
	Size     int64        `json:"size" example:"12345" validate:"required"`
	Card     *models.Card `json:"card" validate:"required"`
}

// DeletePreview is the tag delete response (aliased from the domain layer).
type DeletePreview = annotate.DeletePreview

// ReindexResponse is the reindex response (aliased from the domain layer).
type ReindexResponse = annotate.ReindexResult
