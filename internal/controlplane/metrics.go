package controlplane

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics owns the project's Prometheus registry. Unlike the teacher's
// MetricsManager, this is not a package-level singleton: each Plane
// gets its own registry, which keeps tests free of shared global
// state while still exposing the same gauge/counter shapes over
// /metrics.
type Metrics struct {
	registry *prometheus.Registry

	scpUp            prometheus.Gauge
	ingestQueueDepth prometheus.Gauge
	instancesStored  prometheus.Gauge

	movePending   *prometheus.GaugeVec
	moveAborted   prometheus.Counter
	exportPending *prometheus.GaugeVec
	exportAborted prometheus.Counter
}

// NewMetrics builds and registers every gauge/counter the control
// plane exposes.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.scpUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anonymizer_scp_up",
		Help: "1 if the local SCP worker pool is running, 0 otherwise.",
	})
	m.ingestQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anonymizer_ingest_queue_depth",
		Help: "Number of C-STORE arrivals currently queued for anonymization.",
	})
	m.instancesStored = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anonymizer_instances_stored",
		Help: "Total anonymized instances recorded in the PHI index store.",
	})
	m.movePending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "anonymizer_move_pending_instances",
		Help: "Instances still outstanding for the in-flight retrieval, by study UID.",
	}, []string{"study_uid"})
	m.moveAborted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anonymizer_move_aborted_total",
		Help: "Total abort_move invocations.",
	})
	m.exportPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "anonymizer_export_files_sent",
		Help: "Files sent so far for the in-flight export, by patient id.",
	}, []string{"patient_id"})
	m.exportAborted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anonymizer_export_aborted_total",
		Help: "Total abort_export invocations.",
	})

	m.registry.MustRegister(
		m.scpUp,
		m.ingestQueueDepth,
		m.instancesStored,
		m.movePending,
		m.moveAborted,
		m.exportPending,
		m.exportAborted,
	)
	return m
}

// Registry returns the Prometheus registry for mounting behind
// promhttp.Handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) SetSCPUp(up bool) {
	if up {
		m.scpUp.Set(1)
	} else {
		m.scpUp.Set(0)
	}
}

func (m *Metrics) SetIngestQueueDepth(n int) { m.ingestQueueDepth.Set(float64(n)) }
func (m *Metrics) SetInstancesStored(n int)  { m.instancesStored.Set(float64(n)) }
func (m *Metrics) IncMoveAborted()           { m.moveAborted.Inc() }
func (m *Metrics) IncExportAborted()         { m.exportAborted.Inc() }

func (m *Metrics) SetMovePending(studyUID string, pending int) {
	m.movePending.WithLabelValues(studyUID).Set(float64(pending))
}

func (m *Metrics) SetExportFilesSent(patientID string, sent int) {
	m.exportPending.WithLabelValues(patientID).Set(float64(sent))
}
