package models

import (
	"time"

	"github.com/google/uuid"
)

type BatchState string

const (
	BatchWritten   BatchState = "written"
	BatchPublished BatchState = "published"
)

// Batch is an immutable group of keys. ID stays zero until the batch is
// published and enters the index.
type Batch struct {
	RunID       uuid.UUID
	ID          uint64
	Digest      string
	KeyCount    uint32
	PeriodStart time.Time
	PeriodEnd   time.Time
	State       BatchState
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// IndexEntry is one row of the published batch index.
type IndexEntry struct {
	BatchID   uint64    `json:"batch_id"`
	CreatedAt time.Time `json:"created_at"`
	KeyCount  uint32    `json:"key_count"`
	Digest    string    `json:"digest"`
}

func (b *Batch) IndexEntry() IndexEntry {
	return IndexEntry{BatchID: b.ID, CreatedAt: b.CreatedAt, KeyCount: b.KeyCount, Digest: b.Digest}
}
