// Package metrics exposes prometheus counters for remote command handling.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/g960059/remotecmd/internal/model"
)

const namespace = "remotecmd"

// Metrics owns its registry so several daemons (or tests) can coexist in one
// process.
type Metrics struct {
	registry *prometheus.Registry

	commandsTotal      *prometheus.CounterVec
	duplicatesTotal    *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	notesUploaded      prometheus.Counter
	noteUploadFailures prometheus.Counter
	notifications      *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		commandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Remote commands that reached a terminal state, by source and state.",
			},
			[]string{"source", "state"},
		),
		duplicatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_commands_total",
				Help:      "Remote commands rejected because their id was already handled.",
			},
			[]string{"source"},
		),
		validationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_failures_total",
				Help:      "Remote commands rejected by a validator, by reason.",
			},
			[]string{"source", "reason"},
		),
		notesUploaded: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notes_uploaded_total",
				Help:      "Audit notes uploaded to the data backend.",
			},
		),
		noteUploadFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "note_upload_failures_total",
				Help:      "Audit note uploads that failed and will be retried.",
			},
		),
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Push notifications received, by routed protocol version.",
			},
			[]string{"version"},
		),
	}
}

func (m *Metrics) CommandFinished(source string, state model.CommandState) {
	m.commandsTotal.WithLabelValues(source, string(state)).Inc()
}

func (m *Metrics) DuplicateRejected(source string) {
	m.duplicatesTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) ValidationFailed(source, reason string) {
	m.validationFailures.WithLabelValues(source, reason).Inc()
}

func (m *Metrics) NoteUploaded(ok bool) {
	if ok {
		m.notesUploaded.Inc()
		return
	}
	m.noteUploadFailures.Inc()
}

func (m *Metrics) NotificationReceived(version string) {
	m.notifications.WithLabelValues(version).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
