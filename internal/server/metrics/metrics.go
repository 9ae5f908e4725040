// Package metrics defines the Prometheus instruments of the service.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ingestion"

type Metrics struct {
	UploadRequests     *prometheus.CounterVec
	CheckTokenRequests *prometheus.CounterVec
	KeysIngested       prometheus.Counter
	KeyLoss            prometheus.Counter
	BatchesCreated     prometheus.Counter
	KeysBatched        prometheus.Counter
	KeysPending        prometheus.Gauge
	InvariantViolation prometheus.Counter
	RetentionDeleted   *prometheus.CounterVec
}

// New registers every instrument with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		UploadRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_requests_total",
			Help:      "Upload requests by decoy flag and HTTP status.",
		}, []string{"dummy", "http_status"}),
		CheckTokenRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_token_requests_total",
			Help:      "Token check requests by decoy flag and HTTP status.",
		}, []string{"dummy", "http_status"}),
		KeysIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_ingested_total",
			Help:      "Keys persisted as pending.",
		}),
		KeyLoss: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_loss_total",
			Help:      "Uploads whose token was spent but whose keys could not be stored.",
		}),
		BatchesCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_created_total",
			Help:      "Batches published to the index.",
		}),
		KeysBatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_batched_total",
			Help:      "Keys included in published batches.",
		}),
		KeysPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keys_pending",
			Help:      "Keys waiting for the next batch, sampled at each cutter tick.",
		}),
		InvariantViolation: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cutter_invariant_violations_total",
			Help:      "Cutter runs halted on a key count mismatch.",
		}),
		RetentionDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Records removed by retention, by kind.",
		}, []string{"kind"}),
	}
}

// NewNop returns instruments registered nowhere.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) ObserveUpload(decoy bool, status int) {
	m.UploadRequests.WithLabelValues(strconv.FormatBool(decoy), strconv.Itoa(status)).Inc()
}

func (m *Metrics) ObserveCheckToken(decoy bool, status int) {
	m.CheckTokenRequests.WithLabelValues(strconv.FormatBool(decoy), strconv.Itoa(status)).Inc()
}
