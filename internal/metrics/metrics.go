// Package metrics exposes the agent's Prometheus instrumentation. Runtime
// components record through package-level helpers against a shared registry,
// and the CLI serves it over promhttp when enabled.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type agentMetrics struct {
	registry *prometheus.Registry

	connectAttemptsTotal prometheus.Counter
	sessionState         prometheus.Gauge
	sessionLossesTotal   prometheus.Counter

	messagesDispatchedTotal *prometheus.CounterVec
	handlerErrorsTotal      prometheus.Counter

	publishQueueDepth     prometheus.Gauge
	publishedTotal        prometheus.Counter
	publishRetriesTotal   prometheus.Counter
	deliveryFailuresTotal prometheus.Counter
	backpressureHitsTotal prometheus.Counter

	callsInFlight prometheus.Gauge
	callsTotal    *prometheus.CounterVec
}

var (
	instance *agentMetrics
	once     sync.Once
)

func get() *agentMetrics {
	once.Do(func() {
		registry := prometheus.NewRegistry()

		m := &agentMetrics{
			registry: registry,

			connectAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "agent_connect_attempts_total",
				Help: "Total number of broker connection attempts",
			}),
			sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "agent_session_state",
				Help: "Current session state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 closed)",
			}),
			sessionLossesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "agent_session_losses_total",
				Help: "Total number of unsolicited disconnects",
			}),

			messagesDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "agent_messages_dispatched_total",
				Help: "Total inbound messages dispatched to handlers",
			}, []string{"topic"}),
			handlerErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "agent_handler_errors_total",
				Help: "Total isolated handler failures",
			}),

			publishQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "agent_publish_queue_depth",
				Help: "Current depth of the outbound telemetry queue",
			}),
			publishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "agent_published_total",
				Help: "Total messages confirmed by the transport",
			}),
			publishRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "agent_publish_retries_total",
				Help: "Total publish retry attempts",
			}),
			deliveryFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "agent_delivery_failures_total",
				Help: "Total jobs dropped after the retry ceiling",
			}),
			backpressureHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "agent_backpressure_hits_total",
				Help: "Total enqueue attempts rejected by a full queue",
			}),

			callsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "agent_calls_in_flight",
				Help: "Calls currently awaiting correlated responses",
			}),
			callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "agent_calls_total",
				Help: "Completed calls by outcome",
			}, []string{"outcome"}),
		}

		registry.MustRegister(
			m.connectAttemptsTotal,
			m.sessionState,
			m.sessionLossesTotal,
			m.messagesDispatchedTotal,
			m.handlerErrorsTotal,
			m.publishQueueDepth,
			m.publishedTotal,
			m.publishRetriesTotal,
			m.deliveryFailuresTotal,
			m.backpressureHitsTotal,
			m.callsInFlight,
			m.callsTotal,
		)

		instance = m
	})
	return instance
}

// Handler returns an HTTP handler serving the agent registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(get().registry, promhttp.HandlerOpts{})
}

func RecordConnectAttempt()        { get().connectAttemptsTotal.Inc() }
func SetSessionState(state int)    { get().sessionState.Set(float64(state)) }
func RecordSessionLoss()           { get().sessionLossesTotal.Inc() }
func RecordDispatch(topic string)  { get().messagesDispatchedTotal.WithLabelValues(topic).Inc() }
func RecordHandlerError()          { get().handlerErrorsTotal.Inc() }
func SetPublishQueueDepth(n int)   { get().publishQueueDepth.Set(float64(n)) }
func RecordPublished()             { get().publishedTotal.Inc() }
func RecordPublishRetry()          { get().publishRetriesTotal.Inc() }
func RecordDeliveryFailure()       { get().deliveryFailuresTotal.Inc() }
func RecordBackpressure()          { get().backpressureHitsTotal.Inc() }
func SetCallsInFlight(n int)       { get().callsInFlight.Set(float64(n)) }
func RecordCallOutcome(out string) { get().callsTotal.WithLabelValues(out).Inc() }
