// Package models holds the domain types shared by repositories, services
// and transports.
package models

import (
	"time"

	"github.com/google/uuid"
)

// DiagnosisKey is one key submitted by a client. RollingPeriod is the
// rolling start interval number (10-minute epochs since Unix time zero).
type DiagnosisKey struct {
	KeyData       []byte
	RollingPeriod uint32
	RiskLevel     uint8
}

type KeyStatus string

const (
	KeyPending KeyStatus = "pending"
	KeyClaimed KeyStatus = "claimed"
	KeyBatched KeyStatus = "batched"
)

// StoredKey is a DiagnosisKey as persisted by the key store.
type StoredKey struct {
	ID       int64
	UploadID uuid.UUID
	DiagnosisKey
	SubmittedDay time.Time
	Status       KeyStatus
	ClaimRun     uuid.UUID
	ClaimedAt    time.Time
	CreatedAt    time.Time
}
