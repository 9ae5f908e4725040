// Package common contains shared constants and sentinel errors used across
// the ingestion service components.
package common

// AccessTokenHeaderName is the gRPC metadata key used to carry the
// access token on batch feed requests.
const AccessTokenHeaderName = "access_token"

// DecoyHeaderName marks an upload or token check as decoy traffic.
const DecoyHeaderName = "X-Dummy-Data"
