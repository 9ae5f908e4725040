package grpc

import (
	"time"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
)

type ListBatchesRequest struct {
	AfterID uint64 `json:"after_id"`
	Limit   int    `json:"limit"`
}

type ListBatchesResponse struct {
	Batches []models.IndexEntry `json:"batches"`
}

type GetBatchRequest struct {
	BatchID uint64 `json:"batch_id"`
}

type BatchInfo struct {
	BatchID     uint64    `json:"batch_id"`
	Digest      string    `json:"digest"`
	KeyCount    uint32    `json:"key_count"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	CreatedAt   time.Time `json:"created_at"`
}

type Key struct {
	KeyData       []byte `json:"key_data"`
	RollingPeriod uint32 `json:"rolling_period"`
	RiskLevel     uint8  `json:"risk_level"`
}

type GetBatchResponse struct {
	Batch BatchInfo `json:"batch"`
	Keys  []Key     `json:"keys"`
}

type GetBatchContentResponse struct {
	Batch   BatchInfo `json:"batch"`
	Content []byte    `json:"content"`
}

func batchInfo(b *models.Batch) BatchInfo {
	return BatchInfo{
		BatchID:     b.ID,
		Digest:      b.Digest,
		KeyCount:    b.KeyCount,
		PeriodStart: b.PeriodStart,
		PeriodEnd:   b.PeriodEnd,
		CreatedAt:   b.CreatedAt,
	}
}
