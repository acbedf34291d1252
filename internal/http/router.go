// Package http wires the Gin engine: middleware order, route registration,
// and the web-facing surface of the engine (ingress webhooks, the tracking
// redirect, and the admin reporting endpoints).
package http

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/go-outreach-engine/internal/config"
	"github.com/tbourn/go-outreach-engine/internal/http/handlers"
	"github.com/tbourn/go-outreach-engine/internal/http/middleware"
)

// maxBodyBytes caps request bodies. Webhook events are small; anything
// bigger is noise or abuse.
const maxBodyBytes int64 = 1 << 20

// RegisterRoutes mounts all middleware and routes onto the engine.
//
// Ordering matters: request IDs and logging wrap everything, the body cap
// sits before any handler reads, and the rate limiter is applied only to
// the public redirect and admin groups. Webhook endpoints are deliberately
// left unlimited: the ingress relay and the payment gateway retry on
// failure, and throttling them would only delay reconciliation.
func RegisterRoutes(r *gin.Engine, h *handlers.Handler, cfg config.Config) {
	if cfg.OTEL.Enabled {
		r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	}

	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))
	r.Use(middleware.Metrics())
	r.Use(corsMiddleware(cfg.CORS))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
		NoStore:    true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "resource not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Event ingress. Always 200; authentication failures are acknowledged
	// without processing so the relay does not redeliver.
	r.POST("/ingress/webhook", h.PostIngress)
	r.POST("/gateway/webhook", h.PostGatewayWebhook)

	limiter := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClientIP())

	// Public surface: the tracking redirect (two paths for link variety)
	// and the portal's access-key check.
	public := r.Group("/", limiter.Handler())
	public.GET("/r", h.GetRedirect)
	public.GET("/p", h.GetRedirect)
	public.GET("/portal/access", h.GetAccessStatus)

	admin := r.Group("/admin", limiter.Handler(), h.AdminAuth(), gzip.Gzip(gzip.DefaultCompression))
	admin.GET("/ops", h.GetOps)
	admin.GET("/funnel", h.GetFunnel)
}

// limitBody rejects request bodies larger than n bytes. MaxBytesReader
// makes the first oversized read fail inside the handler.
func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

func corsMiddleware(cc config.CORSConfig) gin.HandlerFunc {
	if len(cc.AllowedOrigins) == 0 {
		cfg := cors.DefaultConfig()
		cfg.AllowAllOrigins = true
		cfg.AllowHeaders = append(cfg.AllowHeaders, "X-Request-ID", "X-Admin-Token")
		return cors.New(cfg)
	}
	cfg := cors.DefaultConfig()
	cfg.AllowOrigins = cc.AllowedOrigins
	cfg.AllowHeaders = append(cfg.AllowHeaders, "X-Request-ID", "X-Admin-Token")
	cfg.AllowCredentials = true
	return cors.New(cfg)
}
