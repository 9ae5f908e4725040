package config

import (
	"encoding/json"
	"os"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/flagx"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/timex"
)

// JsonConfig mirrors Config for JSON files. Durations use timex.Duration so
// both "150ms" and integer nanoseconds are accepted.
//
// It is seeded from the current Config before unmarshalling, so keys absent
// from the file keep their defaults.
type JsonConfig struct {
	EndpointAddrHTTP string `json:"endpoint_addr_http"`
	EndpointAddrGRPC string `json:"endpoint_addr_grpc"`
	LogLevel         string `json:"log_level"`
	StorageBackend   string `json:"storage_backend"`
	TokenBackend     string `json:"token_backend"`
	BlobBackend      string `json:"blob_backend"`
	DatabaseDSN      string `json:"database_dsn"`
	RedisAddr        string `json:"redis_addr"`
	RedisPassword    string `json:"redis_password"`
	SecretKey        string `json:"secret_key"`
	S3RootUser       string `json:"s3_root_user"`
	S3RootPassword   string `json:"s3_root_password"`
	S3Bucket         string `json:"s3_bucket"`
	S3Region         string `json:"s3_region"`
	S3BaseEndpoint   string `json:"s3_base_endpoint"`

	Ingestion jsonIngestion `json:"ingestion"`
	Cutter    jsonCutter    `json:"cutter"`
	Export    ExportConfig  `json:"export"`
	Retention jsonRetention `json:"retention"`
}

type jsonIngestion struct {
	MaxKeysPerUpload     int            `json:"max_keys_per_upload"`
	KeyLength            int            `json:"key_length"`
	MinRiskLevel         int            `json:"min_risk_level"`
	MaxRiskLevel         int            `json:"max_risk_level"`
	MaxKeyAge            timex.Duration `json:"max_key_age"`
	MaxFutureSkew        timex.Duration `json:"max_future_skew"`
	RollingPeriodLength  uint32         `json:"rolling_period_length"`
	MaxPaddingSize       int            `json:"max_padding_size"`
	ResponseSize         int            `json:"response_size"`
	FloorDelay           timex.Duration `json:"floor_delay"`
	Jitter               timex.Duration `json:"jitter"`
	DecoyRejectPercent   int            `json:"decoy_reject_percent"`
	StorageTimeout       timex.Duration `json:"storage_timeout"`
	StorageRetries       int            `json:"storage_retries"`
	RetryBaseDelay       timex.Duration `json:"retry_base_delay"`
	MaxConcurrentUploads int            `json:"max_concurrent_uploads"`
	AdmissionWait        timex.Duration `json:"admission_wait"`
}

type jsonCutter struct {
	Schedule         string         `json:"schedule"`
	MinBatchSize     int            `json:"min_batch_size"`
	MaxBatchSize     int            `json:"max_batch_size"`
	MaxBatchInterval timex.Duration `json:"max_batch_interval"`
	TickTimeout      timex.Duration `json:"tick_timeout"`
	StaleClaimAfter  timex.Duration `json:"stale_claim_after"`
	PublishRetries   int            `json:"publish_retries"`
}

type jsonRetention struct {
	Schedule string `json:"schedule"`
	Days     int    `json:"days"`
}

func newJsonConfig(c *Config) *JsonConfig {
	in, cu := c.Ingestion, c.Cutter
	return &JsonConfig{
		EndpointAddrHTTP: c.EndpointAddrHTTP,
		EndpointAddrGRPC: c.EndpointAddrGRPC,
		LogLevel:         c.LogLevel,
		StorageBackend:   c.StorageBackend,
		TokenBackend:     c.TokenBackend,
		BlobBackend:      c.BlobBackend,
		DatabaseDSN:      c.DatabaseDSN,
		RedisAddr:        c.RedisAddr,
		RedisPassword:    c.RedisPassword,
		SecretKey:        c.SecretKey,
		S3RootUser:       c.S3RootUser,
		S3RootPassword:   c.S3RootPassword,
		S3Bucket:         c.S3Bucket,
		S3Region:         c.S3Region,
		S3BaseEndpoint:   c.S3BaseEndpoint,
		Ingestion: jsonIngestion{
			MaxKeysPerUpload:     in.MaxKeysPerUpload,
			KeyLength:            in.KeyLength,
			MinRiskLevel:         in.MinRiskLevel,
			MaxRiskLevel:         in.MaxRiskLevel,
			MaxKeyAge:            timex.Duration{Duration: in.MaxKeyAge},
			MaxFutureSkew:        timex.Duration{Duration: in.MaxFutureSkew},
			RollingPeriodLength:  in.RollingPeriodLength,
			MaxPaddingSize:       in.MaxPaddingSize,
			ResponseSize:         in.ResponseSize,
			FloorDelay:           timex.Duration{Duration: in.FloorDelay},
			Jitter:               timex.Duration{Duration: in.Jitter},
			DecoyRejectPercent:   in.DecoyRejectPercent,
			StorageTimeout:       timex.Duration{Duration: in.StorageTimeout},
			StorageRetries:       in.StorageRetries,
			RetryBaseDelay:       timex.Duration{Duration: in.RetryBaseDelay},
			MaxConcurrentUploads: in.MaxConcurrentUploads,
			AdmissionWait:        timex.Duration{Duration: in.AdmissionWait},
		},
		Cutter: jsonCutter{
			Schedule:         cu.Schedule,
			MinBatchSize:     cu.MinBatchSize,
			MaxBatchSize:     cu.MaxBatchSize,
			MaxBatchInterval: timex.Duration{Duration: cu.MaxBatchInterval},
			TickTimeout:      timex.Duration{Duration: cu.TickTimeout},
			StaleClaimAfter:  timex.Duration{Duration: cu.StaleClaimAfter},
			PublishRetries:   cu.PublishRetries,
		},
		Export:    c.Export,
		Retention: jsonRetention{Schedule: c.Retention.Schedule, Days: c.Retention.Days},
	}
}

func (j *JsonConfig) apply(c *Config) {
	c.EndpointAddrHTTP = j.EndpointAddrHTTP
	c.EndpointAddrGRPC = j.EndpointAddrGRPC
	c.LogLevel = j.LogLevel
	c.StorageBackend = j.StorageBackend
	c.TokenBackend = j.TokenBackend
	c.BlobBackend = j.BlobBackend
	c.DatabaseDSN = j.DatabaseDSN
	c.RedisAddr = j.RedisAddr
	c.RedisPassword = j.RedisPassword
	c.SecretKey = j.SecretKey
	c.S3RootUser = j.S3RootUser
	c.S3RootPassword = j.S3RootPassword
	c.S3Bucket = j.S3Bucket
	c.S3Region = j.S3Region
	c.S3BaseEndpoint = j.S3BaseEndpoint

	in := j.Ingestion
	c.Ingestion = IngestionConfig{
		MaxKeysPerUpload:     in.MaxKeysPerUpload,
		KeyLength:            in.KeyLength,
		MinRiskLevel:         in.MinRiskLevel,
		MaxRiskLevel:         in.MaxRiskLevel,
		MaxKeyAge:            in.MaxKeyAge.Duration,
		MaxFutureSkew:        in.MaxFutureSkew.Duration,
		RollingPeriodLength:  in.RollingPeriodLength,
		MaxPaddingSize:       in.MaxPaddingSize,
		ResponseSize:         in.ResponseSize,
		FloorDelay:           in.FloorDelay.Duration,
		Jitter:               in.Jitter.Duration,
		DecoyRejectPercent:   in.DecoyRejectPercent,
		StorageTimeout:       in.StorageTimeout.Duration,
		StorageRetries:       in.StorageRetries,
		RetryBaseDelay:       in.RetryBaseDelay.Duration,
		MaxConcurrentUploads: in.MaxConcurrentUploads,
		AdmissionWait:        in.AdmissionWait.Duration,
	}
	cu := j.Cutter
	c.Cutter = CutterConfig{
		Schedule:         cu.Schedule,
		MinBatchSize:     cu.MinBatchSize,
		MaxBatchSize:     cu.MaxBatchSize,
		MaxBatchInterval: cu.MaxBatchInterval.Duration,
		TickTimeout:      cu.TickTimeout.Duration,
		StaleClaimAfter:  cu.StaleClaimAfter.Duration,
		PublishRetries:   cu.PublishRetries,
	}
	c.Export = j.Export
	c.Retention = RetentionConfig{Schedule: j.Retention.Schedule, Days: j.Retention.Days}
}

// parseJson overlays values from a JSON file onto config.
//
// The file path comes from the -c or -config command-line flags; without
// them nothing is loaded. An unreadable file or invalid JSON panics, like a
// bad flag does.
func parseJson(config *Config) {

	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := newJsonConfig(config)
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	c.apply(config)
}
