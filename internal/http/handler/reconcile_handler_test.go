package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/studynest/batchline/internal/domain"
	"github.com/studynest/batchline/internal/http/handler"
	"github.com/studynest/batchline/internal/reconciler"
)

type stubSweeper struct {
	summary reconciler.Summary
	err     error
	calls   int
}

func (s *stubSweeper) Sweep(ctx context.Context) (reconciler.Summary, error) {
	s.calls++
	return s.summary, s.err
}

func newReconcileRouter(sweeper handler.Sweeper) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := handler.NewReconcileHandler(sweeper, "sweep-key")
	r.POST("/internal/reconcile", h.Trigger)
	return r
}

func TestReconcileRejectsMissingKey(t *testing.T) {
	sweeper := &stubSweeper{}
	router := newReconcileRouter(sweeper)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/reconcile", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Zero(t, sweeper.calls)
}

func TestReconcileRejectsWrongKey(t *testing.T) {
	sweeper := &stubSweeper{}
	router := newReconcileRouter(sweeper)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/reconcile", nil)
	req.Header.Set("X-Reconcile-Key", "not-the-key")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Zero(t, sweeper.calls)
}

func TestReconcileAcceptsHeaderKey(t *testing.T) {
	sweeper := &stubSweeper{summary: reconciler.Summary{Refreshed: 3}}
	router := newReconcileRouter(sweeper)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/reconcile", nil)
	req.Header.Set("X-Reconcile-Key", "sweep-key")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"completed"}`, w.Body.String())
	require.Equal(t, 1, sweeper.calls)
}

func TestReconcileAcceptsQueryKey(t *testing.T) {
	sweeper := &stubSweeper{}
	router := newReconcileRouter(sweeper)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/reconcile?key=sweep-key", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, sweeper.calls)
}

func TestReconcileReportsOverlap(t *testing.T) {
	sweeper := &stubSweeper{err: domain.ErrSweepInProgress}
	router := newReconcileRouter(sweeper)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/reconcile", nil)
	req.Header.Set("X-Reconcile-Key", "sweep-key")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
}
