package rest

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/common"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/services"
)

// keysBodyOverhead bounds the non-padding part of an upload body.
const keysBodyOverhead = 64 << 10

type keyBody struct {
	Key           string `json:"key"`
	RollingPeriod uint32 `json:"rolling_period"`
	RiskLevel     uint8  `json:"risk_level"`
}

type uploadBody struct {
	Token   string    `json:"token"`
	Keys    []keyBody `json:"keys"`
	Padding string    `json:"padding"`
}

type checkTokenBody struct {
	Token   string `json:"token"`
	Padding string `json:"padding"`
}

type tokenBody struct {
	ID         string    `json:"id" binding:"required"`
	ValidFrom  time.Time `json:"valid_from" binding:"required"`
	ValidUntil time.Time `json:"valid_until" binding:"required"`
	MaxKeys    int       `json:"max_keys"`
}

type provisionBody struct {
	Tokens []tokenBody `json:"tokens" binding:"required"`
}

func isDecoy(c *gin.Context) bool {
	v := c.GetHeader(common.DecoyHeaderName)
	return v == "1" || v == "true"
}

func (h *Handler) limitBody(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(h.cfg.MaxPaddingSize+keysBodyOverhead))
}

func (h *Handler) respond(c *gin.Context, o models.Outcome, observe func(decoy bool, status int)) {
	status := statusOf(o)
	observe(isDecoy(c), status)
	c.Data(status, "application/json", encodeOutcome(o, h.cfg.ResponseSize))
}

// Upload handles POST /upload. Every answer, including one for a body
// that cannot be parsed, goes through the equalizer.
func (h *Handler) Upload(c *gin.Context) {
	ctx := c.Request.Context()
	h.limitBody(c)

	kind := models.UploadReal
	if isDecoy(c) {
		kind = models.UploadDecoy
	}

	req, ok := h.parseUpload(c, kind)
	var out models.Outcome
	if ok {
		out = h.ingestion.Ingest(ctx, req)
	} else {
		out = h.ingestion.RejectMalformed(ctx)
	}
	h.respond(c, out, h.metrics.ObserveUpload)
}

func (h *Handler) parseUpload(c *gin.Context, kind models.UploadKind) (models.UploadRequest, bool) {
	var body uploadBody
	if err := c.ShouldBindJSON(&body); err != nil {
		return models.UploadRequest{}, false
	}
	if len(body.Padding) > h.cfg.MaxPaddingSize {
		return models.UploadRequest{}, false
	}

	keys := make([]models.DiagnosisKey, len(body.Keys))
	for i, k := range body.Keys {
		data, err := base64.StdEncoding.DecodeString(k.Key)
		if err != nil {
			return models.UploadRequest{}, false
		}
		keys[i] = models.DiagnosisKey{KeyData: data, RollingPeriod: k.RollingPeriod, RiskLevel: k.RiskLevel}
	}
	return models.UploadRequest{Kind: kind, Token: body.Token, Keys: keys, PaddingLen: len(body.Padding)}, true
}

// CheckToken handles POST /check-token.
func (h *Handler) CheckToken(c *gin.Context) {
	ctx := c.Request.Context()
	h.limitBody(c)

	kind := models.UploadReal
	if isDecoy(c) {
		kind = models.UploadDecoy
	}

	var (
		body checkTokenBody
		out  models.Outcome
	)
	if err := c.ShouldBindJSON(&body); err != nil || len(body.Padding) > h.cfg.MaxPaddingSize {
		out = h.ingestion.RejectMalformed(ctx)
	} else {
		out = h.ingestion.CheckToken(ctx, kind, body.Token)
	}
	h.respond(c, out, h.metrics.ObserveCheckToken)
}

// ProvisionTokens handles POST /internal/tokens for the token authority.
func (h *Handler) ProvisionTokens(c *gin.Context) {
	var body provisionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	toks := make([]models.AuthorizationToken, len(body.Tokens))
	for i, t := range body.Tokens {
		toks[i] = models.AuthorizationToken{ID: t.ID, ValidFrom: t.ValidFrom, ValidUntil: t.ValidUntil, MaxKeys: t.MaxKeys}
	}

	stored, err := h.tokens.Provision(c.Request.Context(), toks)
	if err != nil {
		var ve *services.ValidationError
		if errors.As(err, &ve) {
			c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
			return
		}
		h.log.Error(c.Request.Context(), "token provisioning failed", "subject", c.GetString(subjectKey), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"received": len(toks), "stored": stored})
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ingestionAPI is the part of the ingestion service the handlers use.
type ingestionAPI interface {
	Ingest(ctx context.Context, req models.UploadRequest) models.Outcome
	RejectMalformed(ctx context.Context) models.Outcome
	CheckToken(ctx context.Context, kind models.UploadKind, token string) models.Outcome
}

type tokenAPI interface {
	Provision(ctx context.Context, tokens []models.AuthorizationToken) (int64, error)
}
