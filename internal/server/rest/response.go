package rest

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
)

type outcomeBody struct {
	Outcome models.OutcomeKind `json:"outcome"`
	Reason  models.ReasonCode  `json:"reason,omitempty"`
	Padding string             `json:"padding"`
}

// statusOf maps an outcome to its HTTP status.
func statusOf(o models.Outcome) int {
	switch o.Kind {
	case models.Accepted:
		return http.StatusOK
	case models.Retryable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// encodeOutcome renders o as JSON padded to exactly size bytes, so the
// length of a response says nothing about its content.
func encodeOutcome(o models.Outcome, size int) []byte {
	body := outcomeBody{Outcome: o.Kind, Reason: o.Reason}
	b, _ := json.Marshal(body)
	if pad := size - len(b); pad > 0 {
		body.Padding = string(bytes.Repeat([]byte{'0'}, pad))
		b, _ = json.Marshal(body)
	}
	return b
}
