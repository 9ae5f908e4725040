package models

type UploadKind int

const (
	UploadReal UploadKind = iota
	UploadDecoy
)

func (k UploadKind) String() string {
	if k == UploadDecoy {
		return "decoy"
	}
	return "real"
}

// UploadRequest exists only while one upload is handled.
type UploadRequest struct {
	Kind       UploadKind
	Token      string
	Keys       []DiagnosisKey
	PaddingLen int
}

type OutcomeKind string

const (
	Accepted  OutcomeKind = "accepted"
	Rejected  OutcomeKind = "rejected"
	Retryable OutcomeKind = "retryable"
)

// ReasonCode is the stable, client-visible cause of a non-accepted outcome.
type ReasonCode string

const (
	ReasonNone                     ReasonCode = ""
	ReasonInvalidRequest           ReasonCode = "invalid_request"
	ReasonUnknownToken             ReasonCode = "unknown_token"
	ReasonExpiredToken             ReasonCode = "expired_token"
	ReasonAlreadyRedeemed          ReasonCode = "already_redeemed"
	ReasonEmptyKeySet              ReasonCode = "empty_key_set"
	ReasonTooManyKeys              ReasonCode = "too_many_keys"
	ReasonInvalidKeyLength         ReasonCode = "invalid_key_length"
	ReasonInvalidRiskLevel         ReasonCode = "invalid_risk_level"
	ReasonStaleRollingPeriod       ReasonCode = "stale_rolling_period"
	ReasonFutureRollingPeriod      ReasonCode = "future_rolling_period"
	ReasonDuplicateKey             ReasonCode = "duplicate_key"
	ReasonOverlappingRollingPeriod ReasonCode = "overlapping_rolling_period"
	ReasonStorageUnavailable       ReasonCode = "storage_unavailable"
	ReasonKeyPersistenceFailed     ReasonCode = "key_persistence_failed"
	ReasonOverloaded               ReasonCode = "overloaded"
)

type Outcome struct {
	Kind   OutcomeKind
	Reason ReasonCode
}

func Accept() Outcome                 { return Outcome{Kind: Accepted} }
func Reject(r ReasonCode) Outcome     { return Outcome{Kind: Rejected, Reason: r} }
func RetryLater(r ReasonCode) Outcome { return Outcome{Kind: Retryable, Reason: r} }
