// Package metrics holds the Prometheus collectors of the ingestion pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the domain collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	fetches     *prometheus.CounterVec
	fetchedDocs *prometheus.CounterVec
	ingests     *prometheus.CounterVec
	stages      *prometheus.CounterVec
	cursorNSU   *prometheus.GaugeVec
	queueDepth  prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dfe_fetch_total",
			Help: "Distribution fetch runs by document type and outcome.",
		}, []string{"document_type", "outcome"}),
		fetchedDocs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dfe_fetched_documents_total",
			Help: "Raw payloads received from the distribution service.",
		}, []string{"document_type"}),
		ingests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dfe_ingest_total",
			Help: "Import ledger entries by channel and outcome.",
		}, []string{"channel", "outcome"}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dfe_stage_transitions_total",
			Help: "Processing stage transitions by stage and resulting status.",
		}, []string{"stage", "status"}),
		cursorNSU: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dfe_cursor_nsu",
			Help: "Last persisted NSU per taxpayer and document type.",
		}, []string{"taxpayer_id", "document_type"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dfe_processing_queue_depth",
			Help: "Documents waiting for the processing workers.",
		}),
	}
	for _, c := range []prometheus.Collector{m.fetches, m.fetchedDocs, m.ingests, m.stages, m.cursorNSU, m.queueDepth} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObserveFetch(docType, outcome string, documents int) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(docType, outcome).Inc()
	if documents > 0 {
		m.fetchedDocs.WithLabelValues(docType).Add(float64(documents))
	}
}

func (m *Metrics) ObserveIngest(channel, outcome string) {
	if m == nil {
		return
	}
	m.ingests.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) ObserveStage(stage, status string) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(stage, status).Inc()
}

func (m *Metrics) SetCursor(taxpayerID, docType string, nsu uint64) {
	if m == nil {
		return
	}
	m.cursorNSU.WithLabelValues(taxpayerID, docType).Set(float64(nsu))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
