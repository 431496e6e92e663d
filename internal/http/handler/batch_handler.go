package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/studynest/batchline/internal/domain"
	"github.com/studynest/batchline/internal/http/middleware"
	"github.com/studynest/batchline/internal/service"
)

// BatchHandler serves entitled batch listings and protected content.
type BatchHandler struct {
	Auth    *service.AuthService
	Content *service.ContentService
}

// NewBatchHandler wires the handler.
func NewBatchHandler(auth *service.AuthService, content *service.ContentService) *BatchHandler {
	return &BatchHandler{Auth: auth, Content: content}
}

func (h *BatchHandler) List(c *gin.Context) {
	user, ok := middleware.GetUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_session", "error_description": "No authenticated user."})
		return
	}

	batches, err := h.Auth.EntitledBatches(c.Request.Context(), user.ID)
	if err != nil {
		respondAPIError(c, err)
		return
	}

	out := make([]gin.H, 0, len(batches))
	for _, b := range batches {
		out = append(out, gin.H{
			"batchId":   b.ExternalID,
			"name":      b.Name,
			"thumbnail": b.Thumbnail,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *BatchHandler) FetchContent(c *gin.Context) {
	batchID := c.Param("batchID")
	contentID := c.Param("contentID")
	if batchID == "" || contentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Batch and content ids are required."})
		return
	}

	raw, err := h.Content.FetchContent(c.Request.Context(), batchID, contentID)
	switch {
	case err == nil:
		c.Data(http.StatusOK, "application/json", raw)
	case errors.Is(err, domain.ErrBatchNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "batch_not_found", "error_description": "Unknown batch."})
	case errors.Is(err, domain.ErrBatchUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":             "batch_unavailable",
			"error_description": "No working credential for this batch, please contact an admin.",
		})
	default:
		respondAPIError(c, err)
	}
}
