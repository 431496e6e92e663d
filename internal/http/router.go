package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/studynest/batchline/internal/config"
	"github.com/studynest/batchline/internal/http/handler"
	httpmiddleware "github.com/studynest/batchline/internal/http/middleware"
	"github.com/studynest/batchline/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, authHandler *handler.AuthHandler, batchHandler *handler.BatchHandler, reconcileHandler *handler.ReconcileHandler, sessionMW *httpmiddleware.Session, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	authGroup := r.Group("/auth")
	{
		otp := authGroup.Group("/otp")
		{
			otp.POST("/request", authHandler.OTPRequest)
			otp.POST("/verify", authHandler.OTPVerify)
		}

		authGroup.GET("/me", sessionMW.Authenticate, authHandler.Me)
		authGroup.POST("/logout", sessionMW.Authenticate, authHandler.Logout)
	}

	batches := r.Group("/batches", sessionMW.Authenticate)
	{
		batches.GET("", batchHandler.List)
		batches.GET("/:batchID/contents/:contentID", batchHandler.FetchContent)
	}

	r.POST("/internal/reconcile", reconcileHandler.Trigger)

	return r
}
