package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// PipelineMetrics publishes the business counters for the chat
// pipeline. All observers are nil-safe so tests can run without a
// registry.
type PipelineMetrics struct {
	chatTurns       *prometheus.CounterVec
	turnDuration    *prometheus.HistogramVec
	questionsAsked  *prometheus.CounterVec
	recommendations *prometheus.CounterVec
	refineIntents   *prometheus.CounterVec
}

func NewPipelineMetrics(logger *logrus.Logger) *PipelineMetrics {
	pm := &PipelineMetrics{}

	pm.chatTurns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_turns_total",
		Help: "Chat turns handled, by response type",
	}, []string{"response_type"})

	pm.turnDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_turn_duration_seconds",
		Help:    "End-to-end chat turn latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.4, 0.8, 1.6, 3.2, 6.4},
	}, []string{"response_type"})

	pm.questionsAsked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_questions_total",
		Help: "Interview questions asked, by domain and slot",
	}, []string{"domain", "topic"})

	pm.recommendations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recommendations_served_total",
		Help: "Recommendation grids served, by domain and ranking method",
	}, []string{"domain", "method"})

	pm.refineIntents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "refinement_intents_total",
		Help: "Post-recommendation intents, by classification",
	}, []string{"intent"})

	collectors := map[string]prometheus.Collector{
		"chat_turns_total":             pm.chatTurns,
		"chat_turn_duration_seconds":   pm.turnDuration,
		"interview_questions_total":    pm.questionsAsked,
		"recommendations_served_total": pm.recommendations,
		"refinement_intents_total":     pm.refineIntents,
	}
	for name, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				logger.WithError(err).Warnf("Failed to register %s metric", name)
			}
		}
	}

	return pm
}

func (pm *PipelineMetrics) ObserveTurn(responseType string, elapsed time.Duration) {
	if pm == nil {
		return
	}
	pm.chatTurns.WithLabelValues(responseType).Inc()
	pm.turnDuration.WithLabelValues(responseType).Observe(elapsed.Seconds())
}

func (pm *PipelineMetrics) ObserveQuestion(domain, topic string) {
	if pm == nil {
		return
	}
	pm.questionsAsked.WithLabelValues(domain, topic).Inc()
}

func (pm *PipelineMetrics) ObserveRecommendation(domain, method string) {
	if pm == nil {
		return
	}
	pm.recommendations.WithLabelValues(domain, method).Inc()
}

func (pm *PipelineMetrics) ObserveIntent(intent string) {
	if pm == nil {
		return
	}
	pm.refineIntents.WithLabelValues(intent).Inc()
}
