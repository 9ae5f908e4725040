package services

import (
	"fmt"
	"slices"
	"time"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/config"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/timex"
)

// Validator checks a key set against the upload policy. It has no side
// effects and is used unchanged for real and decoy uploads.
type Validator struct {
	cfg config.IngestionConfig
}

func NewValidator(cfg config.IngestionConfig) *Validator {
	return &Validator{cfg: cfg}
}

// MaxKeys is the count bound for token: the configured maximum, lowered by
// the token's own hint when it has one and by the number of key periods that
// can be fresh at some moment of the token's validity window.
func (v *Validator) MaxKeys(token *models.AuthorizationToken) int {
	bound := v.cfg.MaxKeysPerUpload
	if token == nil {
		return bound
	}
	if token.MaxKeys > 0 && token.MaxKeys < bound {
		bound = token.MaxKeys
	}
	if w, ok := v.windowBound(token); ok && w < bound {
		bound = w
	}
	return bound
}

// windowBound counts the rolling periods a key may start in when uploaded
// anywhere between the token's ValidFrom and ValidUntil.
func (v *Validator) windowBound(token *models.AuthorizationToken) (int, bool) {
	if token.ValidFrom.IsZero() || token.ValidUntil.IsZero() || v.cfg.RollingPeriodLength == 0 {
		return 0, false
	}
	oldest, _ := v.keyWindow(token.ValidFrom)
	_, newest := v.keyWindow(token.ValidUntil)
	if newest < oldest {
		return 0, true
	}
	return int((newest-oldest)/v.cfg.RollingPeriodLength) + 1, true
}

// keyWindow returns the first and last interval numbers a key uploaded at t
// may start at. The stale edge is the start of the day MaxKeyAge ago, so a
// key of that whole day is still accepted.
func (v *Validator) keyWindow(t time.Time) (oldest, newest uint32) {
	oldest = timex.IntervalNumber(timex.Day(t.Add(-v.cfg.MaxKeyAge)))
	newest = timex.IntervalNumber(t.Add(v.cfg.MaxFutureSkew))
	return oldest, newest
}

// Validate returns a *ValidationError for the first rule keys break.
func (v *Validator) Validate(token *models.AuthorizationToken, keys []models.DiagnosisKey, now time.Time) error {
	if len(keys) == 0 {
		return &ValidationError{Reason: models.ReasonEmptyKeySet}
	}
	if bound := v.MaxKeys(token); len(keys) > bound {
		return &ValidationError{Reason: models.ReasonTooManyKeys, Detail: fmt.Sprintf("%d > %d", len(keys), bound)}
	}

	oldest, newest := v.keyWindow(now)

	for i, k := range keys {
		if len(k.KeyData) != v.cfg.KeyLength {
			return &ValidationError{Reason: models.ReasonInvalidKeyLength, Detail: fmt.Sprintf("key %d has %d bytes", i, len(k.KeyData))}
		}
		if int(k.RiskLevel) < v.cfg.MinRiskLevel || int(k.RiskLevel) > v.cfg.MaxRiskLevel {
			return &ValidationError{Reason: models.ReasonInvalidRiskLevel, Detail: fmt.Sprintf("key %d risk %d", i, k.RiskLevel)}
		}
		if k.RollingPeriod < oldest {
			return &ValidationError{Reason: models.ReasonStaleRollingPeriod, Detail: fmt.Sprintf("key %d", i)}
		}
		if k.RollingPeriod > newest {
			return &ValidationError{Reason: models.ReasonFutureRollingPeriod, Detail: fmt.Sprintf("key %d", i)}
		}
	}

	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[string(k.KeyData)]; dup {
			return &ValidationError{Reason: models.ReasonDuplicateKey}
		}
		seen[string(k.KeyData)] = struct{}{}
	}

	periods := make([]uint32, len(keys))
	for i, k := range keys {
		periods[i] = k.RollingPeriod
	}
	slices.Sort(periods)
	for i := 1; i < len(periods); i++ {
		if periods[i]-periods[i-1] < v.cfg.RollingPeriodLength {
			return &ValidationError{Reason: models.ReasonOverlappingRollingPeriod}
		}
	}
	return nil
}

// SyntheticKeys builds n keys that pass Validate at now. Decoys validate
// these so their work matches a real upload of the same size.
func (v *Validator) SyntheticKeys(n int, now time.Time, random func(int) []byte) []models.DiagnosisKey {
	newest := timex.IntervalNumber(now.Add(v.cfg.MaxFutureSkew))
	newest -= newest % v.cfg.RollingPeriodLength
	keys := make([]models.DiagnosisKey, n)
	for i := range keys {
		keys[i] = models.DiagnosisKey{
			KeyData:       random(v.cfg.KeyLength),
			RollingPeriod: newest - uint32(i)*v.cfg.RollingPeriodLength,
			RiskLevel:     uint8(v.cfg.MinRiskLevel),
		}
	}
	return keys
}
