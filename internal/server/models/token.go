package models

import "time"

// AuthorizationToken is a single-use upload credential provisioned by the
// token authority. MaxKeys is the expected-key-count hint; zero means no hint.
type AuthorizationToken struct {
	ID         string
	ValidFrom  time.Time
	ValidUntil time.Time
	MaxKeys    int
	RedeemedAt *time.Time
	CreatedAt  time.Time
}

// Redeemable reports whether the token could be granted at now.
func (t *AuthorizationToken) Redeemable(now time.Time) bool {
	return t.RedeemedAt == nil && !now.Before(t.ValidFrom) && now.Before(t.ValidUntil)
}

type RedeemOutcome string

const (
	RedeemGranted         RedeemOutcome = "granted"
	RedeemAlreadyRedeemed RedeemOutcome = "already_redeemed"
	RedeemExpired         RedeemOutcome = "expired"
	RedeemUnknown         RedeemOutcome = "unknown"
)

// Classify tells why a token that failed the conditional redeem was refused.
// A nil token is unknown.
func Classify(t *AuthorizationToken, now time.Time) RedeemOutcome {
	switch {
	case t == nil:
		return RedeemUnknown
	case t.RedeemedAt != nil:
		return RedeemAlreadyRedeemed
	case now.Before(t.ValidFrom) || !now.Before(t.ValidUntil):
		return RedeemExpired
	default:
		return RedeemGranted
	}
}
