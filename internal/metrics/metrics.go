// Package metrics exposes the bot's scheduler and session counters in the
// Prometheus text format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Common label keys.
const (
	LabelOutcome = "outcome"
	LabelReason  = "reason"
	LabelKind    = "kind"
)

// Recorder owns a private registry. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	reg *prometheus.Registry

	queued      prometheus.Gauge
	busy        prometheus.Gauge
	queueLength prometheus.Gauge

	challenges *prometheus.CounterVec
	reconnects *prometheus.CounterVec
	sessions   *prometheus.CounterVec
	moves      *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		reg: reg,
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lishogi_bot_slots_queued",
			Help: "Challenges accepted whose game has not started yet.",
		}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lishogi_bot_slots_busy",
			Help: "Sessions currently running.",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lishogi_bot_challenge_queue_length",
			Help: "Admitted challenges waiting for a free slot.",
		}),
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lishogi_bot_challenges_total",
			Help: "Challenge decisions by outcome.",
		}, []string{LabelOutcome}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lishogi_bot_control_reconnects_total",
			Help: "Control stream reopen attempts by reason.",
		}, []string{LabelReason}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lishogi_bot_sessions_total",
			Help: "Finished sessions by kind and outcome.",
		}, []string{LabelKind, LabelOutcome}),
		moves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lishogi_bot_moves_total",
			Help: "Submitted moves by source.",
		}, []string{LabelReason}),
	}
	reg.MustRegister(r.queued, r.busy, r.queueLength, r.challenges, r.reconnects, r.sessions, r.moves)
	return r
}

// Handler serves the registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

func (r *Recorder) SetSlots(queued, busy int) {
	if r == nil {
		return
	}
	r.queued.Set(float64(queued))
	r.busy.Set(float64(busy))
}

func (r *Recorder) SetQueueLength(n int) {
	if r == nil {
		return
	}
	r.queueLength.Set(float64(n))
}

// Challenge counts one of accepted, declined, skipped, queued.
func (r *Recorder) Challenge(outcome string) {
	if r == nil {
		return
	}
	r.challenges.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Reconnect(reason string) {
	if r == nil {
		return
	}
	r.reconnects.WithLabelValues(reason).Inc()
}

func (r *Recorder) SessionDone(kind, outcome string) {
	if r == nil {
		return
	}
	r.sessions.WithLabelValues(kind, outcome).Inc()
}

// Move counts a submitted move by source (book, first, search).
func (r *Recorder) Move(source string) {
	if r == nil {
		return
	}
	r.moves.WithLabelValues(source).Inc()
}
