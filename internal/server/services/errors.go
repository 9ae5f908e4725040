package services

import (
	"fmt"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
)

// ValidationError is a key set that failed the upload policy.
type ValidationError struct {
	Reason models.ReasonCode
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// AuthorizationError is a token that could not be redeemed.
type AuthorizationError struct {
	Outcome models.RedeemOutcome
}

func (e *AuthorizationError) Error() string {
	return "token not redeemable: " + string(e.Outcome)
}

// Reason maps the redemption outcome to its client-visible code.
func (e *AuthorizationError) Reason() models.ReasonCode {
	switch e.Outcome {
	case models.RedeemAlreadyRedeemed:
		return models.ReasonAlreadyRedeemed
	case models.RedeemExpired:
		return models.ReasonExpiredToken
	default:
		return models.ReasonUnknownToken
	}
}
