package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "basidia"

// Metrics holds the Prometheus collectors shared by brokers and services
type Metrics struct {
	messagesTotal      *prometheus.CounterVec
	brokerConnected    prometheus.Gauge
	brokerReconnects   prometheus.Counter
	consumerTasks      prometheus.Gauge
	queueDepth         *prometheus.GaugeVec
	rpcRequestsTotal   *prometheus.CounterVec
	rpcCallsTotal      *prometheus.CounterVec
	rpcCallDuration    *prometheus.HistogramVec
	rpcPendingRequests prometheus.Gauge
}

// NewMetrics creates and registers the collectors. A nil registerer creates
// unregistered collectors, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Broker messages by status (published, delivered, error, dropped)",
		}, []string{"status"}),
		brokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connection_status",
			Help:      "1 when the broker is connected, 0 otherwise",
		}),
		brokerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_reconnects_total",
			Help:      "Number of broker reconnection attempts",
		}),
		consumerTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_tasks",
			Help:      "Number of running consumer tasks",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Messages waiting in an in-process queue",
		}, []string{"queue"}),
		rpcRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Inbound RPC requests by method and status",
		}, []string{"service", "method", "status"}),
		rpcCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "Outbound RPC calls by target and status",
		}, []string{"target", "status"}),
		rpcCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_call_duration_seconds",
			Help:      "Latency of outbound RPC calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target"}),
		rpcPendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_pending_requests",
			Help:      "Outbound RPC calls awaiting a response",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.messagesTotal,
			m.brokerConnected,
			m.brokerReconnects,
			m.consumerTasks,
			m.queueDepth,
			m.rpcRequestsTotal,
			m.rpcCallsTotal,
			m.rpcCallDuration,
			m.rpcPendingRequests,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

func (m *Metrics) IncMessagesTotal(status string) {
	m.messagesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) SetBrokerConnectionStatus(connected bool) {
	if connected {
		m.brokerConnected.Set(1)
		return
	}
	m.brokerConnected.Set(0)
}

func (m *Metrics) IncBrokerReconnects() {
	m.brokerReconnects.Inc()
}

func (m *Metrics) SetConsumerTasks(n float64) {
	m.consumerTasks.Set(n)
}

func (m *Metrics) SetQueueDepth(queue string, depth float64) {
	m.queueDepth.WithLabelValues(queue).Set(depth)
}

func (m *Metrics) IncRPCRequests(service, method, status string) {
	m.rpcRequestsTotal.WithLabelValues(service, method, status).Inc()
}

func (m *Metrics) ObserveRPCCall(target, status string, d time.Duration) {
	m.rpcCallsTotal.WithLabelValues(target, status).Inc()
	m.rpcCallDuration.WithLabelValues(target).Observe(d.Seconds())
}

func (m *Metrics) AddPendingRequests(delta float64) {
	m.rpcPendingRequests.Add(delta)
}

// MetricsCollector runs registered update funcs on a fixed interval, for
// gauges that are sampled rather than updated inline (queue depth).
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration
	mu       sync.Mutex
	updaters []func(*Metrics)
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a collector ticking every interval
func NewMetricsCollector(m *Metrics, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		metrics:  m,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Register adds an update func run on every tick
func (c *MetricsCollector) Register(fn func(*Metrics)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updaters = append(c.updaters, fn)
}

// Start begins periodic collection
func (c *MetricsCollector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stop:
				return
			}
		}
	}()
}

func (c *MetricsCollector) collect() {
	c.mu.Lock()
	updaters := make([]func(*Metrics), len(c.updaters))
	copy(updaters, c.updaters)
	c.mu.Unlock()

	for _, fn := range updaters {
		fn(c.metrics)
	}
}

// Stop halts collection and waits for the collector goroutine
func (c *MetricsCollector) Stop() {
	close(c.stop)
	c.wg.Wait()
}
