// Package metrics exposes prometheus instrumentation for the release pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var stageBuckets = []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200}

// Recorder aggregates the service's prometheus collectors. A nil Recorder is
// safe to call, so glue code can stay unconditional.
type Recorder struct {
	deployments   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	uploads       *prometheus.CounterVec
	certChurn     *prometheus.CounterVec
}

// NewRecorder registers the pipeline collectors on the given registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploy",
			Name:      "deployments_total",
			Help:      "Count of deployments by type and terminal status",
		}, []string{"type", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deploy",
			Name:      "stage_duration_seconds",
			Help:      "Time spent per workflow stage",
			Buckets:   stageBuckets,
		}, []string{"stage"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploy",
			Name:      "upload_attempts_total",
			Help:      "Upload attempts by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		certChurn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploy",
			Name:      "certificate_events_total",
			Help:      "Certificate create/revoke events by type",
		}, []string{"event", "cert_type"}),
	}
	collectors := []prometheus.Collector{r.deployments, r.stageDuration, r.uploads, r.certChurn}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch v := are.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					switch collector {
					case r.deployments:
						r.deployments = v
					case r.uploads:
						r.uploads = v
					case r.certChurn:
						r.certChurn = v
					}
				case *prometheus.HistogramVec:
					r.stageDuration = v
				}
			}
		}
	}
	return r
}

// DeploymentFinished counts a terminal deployment.
func (r *Recorder) DeploymentFinished(depType, status string) {
	if r == nil {
		return
	}
	r.deployments.With(prometheus.Labels{"type": depType, "status": status}).Inc()
}

// StageObserved records a stage duration.
func (r *Recorder) StageObserved(stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.With(prometheus.Labels{"stage": stage}).Observe(d.Seconds())
}

// UploadAttempt counts one strategy attempt.
func (r *Recorder) UploadAttempt(strategy, outcome string) {
	if r == nil {
		return
	}
	r.uploads.With(prometheus.Labels{"strategy": strategy, "outcome": outcome}).Inc()
}

// CertificateEvent counts certificate churn.
func (r *Recorder) CertificateEvent(event, certType string) {
	if r == nil {
		return
	}
	r.certChurn.With(prometheus.Labels{"event": event, "cert_type": certType}).Inc()
}
