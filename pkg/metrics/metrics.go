package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/ctpgw/pkg/ctp"
	"github.com/luxfi/ctpgw/pkg/events"
	"github.com/luxfi/ctpgw/pkg/session"
)

// GatewayMetrics exports gateway activity to Prometheus
type GatewayMetrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Channel metrics
	requests       *prometheus.CounterVec
	submitRejected *prometheus.CounterVec
	sessionState   *prometheus.GaugeVec

	// Dispatch metrics
	eventsFired    *prometheus.CounterVec
	listenerFaults *prometheus.CounterVec

	// Fan-out metrics
	zmqMessagesOut prometheus.Counter
	natsPublished  prometheus.Counter
	natsReceived   prometheus.Counter
	wsClients      prometheus.Gauge

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// NewGatewayMetrics creates a registry with every gateway metric registered
func NewGatewayMetrics(namespace string, logger log.Logger) *GatewayMetrics {
	registry := prometheus.NewRegistry()

	m := &GatewayMetrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger.New("module", "metrics"),

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests issued to the front by channel and method",
		}, []string{"channel", "method"}),

		submitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submit_rejected_total",
			Help:      "Requests the front refused to transmit",
		}, []string{"channel", "method"}),

		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session state per channel (0=Disconnected ... 8=Ready, 9=AuthFailed)",
		}, []string{"channel"}),

		eventsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events fired by kind",
		}, []string{"kind"}),

		listenerFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_faults_total",
			Help:      "Listeners that returned an error or panicked, by event kind",
		}, []string{"kind"}),

		zmqMessagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "zmq_messages_sent_total",
			Help:      "Total ZeroMQ frames published",
		}),

		natsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_requests_total",
			Help:      "Total NATS requests sent to the front bridge",
		}),

		natsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_callbacks_total",
			Help:      "Total NATS callbacks received from the front bridge",
		}),

		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected WebSocket clients",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.requests,
		m.submitRejected,
		m.sessionState,
		m.eventsFired,
		m.listenerFaults,
		m.zmqMessagesOut,
		m.natsPublished,
		m.natsReceived,
		m.wsClients,
		m.memoryUsage,
		m.goroutines,
	)

	m.logger.Info("Gateway metrics initialized", "namespace", namespace)
	return m
}

// Registry exposes the underlying registry
func (m *GatewayMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *GatewayMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is done
func (m *GatewayMetrics) StartServer(ctx context.Context, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	m.logger.Info("Prometheus metrics available", "endpoint", "http://"+addr+"/metrics")
	return srv
}

// RequestSent records a request and its submit code
func (m *GatewayMetrics) RequestSent(ch ctp.Channel, method string, code int) {
	m.requests.WithLabelValues(string(ch), method).Inc()
	if code != 0 {
		m.submitRejected.WithLabelValues(string(ch), method).Inc()
	}
}

// StateChanged records a session transition
func (m *GatewayMetrics) StateChanged(ch ctp.Channel, s session.State) {
	m.sessionState.WithLabelValues(string(ch)).Set(float64(s))
}

// EventFired counts dispatched events
func (m *GatewayMetrics) EventFired(kind events.Kind) {
	m.eventsFired.WithLabelValues(string(kind)).Inc()
}

// ListenerFault counts failing listeners
func (m *GatewayMetrics) ListenerFault(kind events.Kind, err error) {
	m.listenerFaults.WithLabelValues(string(kind)).Inc()
}

// RecordZMQMessage counts a published ZeroMQ frame
func (m *GatewayMetrics) RecordZMQMessage() {
	m.zmqMessagesOut.Inc()
}

// RecordNATSMessage records NATS message metrics
func (m *GatewayMetrics) RecordNATSMessage(direction string) {
	switch direction {
	case "published":
		m.natsPublished.Inc()
	case "received":
		m.natsReceived.Inc()
	}
}

// SetWebSocketClients updates the connected client gauge
func (m *GatewayMetrics) SetWebSocketClients(n int) {
	m.wsClients.Set(float64(n))
}

// CollectSystemMetrics collects system-level metrics
func (m *GatewayMetrics) CollectSystemMetrics(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleRuntime()
		}
	}
}

func (m *GatewayMetrics) sampleRuntime() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.memoryUsage.Set(float64(memStats.Alloc))
	m.goroutines.Set(float64(runtime.NumGoroutine()))
}

// LogMetrics logs current runtime stats using luxfi/log
func (m *GatewayMetrics) LogMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.logger.Info("Current metrics snapshot",
		"memory_mb", memStats.Alloc/1024/1024,
		"goroutines", runtime.NumGoroutine(),
	)
}
