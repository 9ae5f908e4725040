// Package rest is the HTTP API: the client-facing upload and token-check
// endpoints, the provisioning endpoint of the token authority, health and
// metrics.
package rest

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/logging"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/auth"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/config"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/metrics"
)

type Handler struct {
	ingestion ingestionAPI
	tokens    tokenAPI
	cfg       config.IngestionConfig
	metrics   *metrics.Metrics
	log       logging.Logger
}

func NewHandler(ingestion ingestionAPI, tokens tokenAPI, cfg config.IngestionConfig, met *metrics.Metrics, log logging.Logger) *Handler {
	return &Handler{
		ingestion: ingestion,
		tokens:    tokens,
		cfg:       cfg,
		metrics:   met,
		log:       log.With("module", "http"),
	}
}

// NewRouter mounts all routes. gatherer backs /metrics.
func NewRouter(h *Handler, secretKey string, gatherer prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(h.log))

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	r.POST("/upload", h.Upload)
	r.POST("/check-token", h.CheckToken)

	internal := r.Group("/internal")
	internal.Use(requireRole([]byte(secretKey), auth.RoleAuthority))
	{
		internal.POST("/tokens", h.ProvisionTokens)
	}
	return r
}
