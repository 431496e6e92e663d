package handler

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/studynest/batchline/internal/reconciler"
)

// Sweeper runs one credential sweep to completion.
type Sweeper interface {
	Sweep(ctx context.Context) (reconciler.Summary, error)
}

// ReconcileHandler triggers the credential sweep. The endpoint is guarded
// by a static shared key, supplied either as the X-Reconcile-Key header or
// the key query parameter.
type ReconcileHandler struct {
	Reconciler Sweeper
	Key        string
}

// NewReconcileHandler wires the handler.
func NewReconcileHandler(rec Sweeper, key string) *ReconcileHandler {
	return &ReconcileHandler{Reconciler: rec, Key: key}
}

func (h *ReconcileHandler) Trigger(c *gin.Context) {
	presented := strings.TrimSpace(c.GetHeader("X-Reconcile-Key"))
	if presented == "" {
		presented = strings.TrimSpace(c.Query("key"))
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(h.Key)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_key", "error_description": "Reconcile key mismatch."})
		return
	}

	// Callers get a bare completion acknowledgement; counts go to the
	// notifier sink.
	if _, err := h.Reconciler.Sweep(c.Request.Context()); err != nil {
		if reconciler.IsBusy(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "sweep_in_progress", "error_description": "A sweep is already running."})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep_failed", "error_description": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}
