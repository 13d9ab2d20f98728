package connect

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsNamespace = "sync_connect"

// point in time copy of the counters
type PerformanceMetrics struct {
	MessagesSent      int64
	MessagesReceived  int64
	MessagesQueued    int64
	QueueEvictions    int64
	QueueExpired      int64
	ReconnectAttempts int64

	ConflictsDetected     int64
	ConflictsResolved     int64
	ConflictsAutoResolved int64
	ConflictsUserResolved int64
	ConflictsFailed       int64

	AverageResolutionTime time.Duration
	AverageMessageLatency time.Duration
}

type metricsCollectors struct {
	messagesSent      prometheus.Counter
	messagesReceived  *prometheus.CounterVec
	messagesQueued    prometheus.Counter
	queueEvictions    prometheus.Counter
	queueExpired      prometheus.Counter
	reconnectAttempts prometheus.Counter

	conflictsDetected prometheus.Counter
	conflictsResolved *prometheus.CounterVec
	conflictsFailed   prometheus.Counter
	resolutionTime    prometheus.Histogram
	messageLatency    prometheus.Histogram
}

func newMetricsCollectors(registerer prometheus.Registerer) *metricsCollectors {
	// `With(nil)` creates collectors without registering them
	factory := promauto.With(registerer)
	return &metricsCollectors{
		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "messages_sent_total",
			Help:      "Messages written to the transport",
		}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "messages_received_total",
			Help:      "Messages read from the transport by type",
		}, []string{"type"}),
		messagesQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "messages_queued_total",
			Help:      "Messages queued because immediate transmission failed",
		}),
		queueEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "queue_evictions_total",
			Help:      "Queued messages evicted on overflow",
		}),
		queueExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "queue_expired_total",
			Help:      "Queued messages discarded on drain because they were too old",
		}),
		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts",
		}),
		conflictsDetected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "conflicts_detected_total",
			Help:      "Conflicts handed to the resolution engine",
		}),
		conflictsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "conflicts_resolved_total",
			Help:      "Resolved conflicts by mode",
		}, []string{"mode"}),
		conflictsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "conflicts_failed_total",
			Help:      "Conflicts that ended in the failed state",
		}),
		resolutionTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "conflict_resolution_seconds",
			Help:      "Time from detection to a terminal conflict status",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 1, 5, 15, 30, 60},
		}),
		messageLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "message_latency_seconds",
			Help:      "Heartbeat round trip time",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// shared by the supervisor and the conflict engine of one client.
// each instance owns its collectors. pass a registerer to export them.
type Metrics struct {
	collectors *metricsCollectors

	stateLock sync.Mutex
	metrics   PerformanceMetrics

	resolutionCount int64
	latencyCount    int64
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	return &Metrics{
		collectors: newMetricsCollectors(registerer),
	}
}

func NewUnregisteredMetrics() *Metrics {
	return NewMetrics(nil)
}

func (self *Metrics) Snapshot() PerformanceMetrics {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.metrics
}

func (self *Metrics) MessageSent() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.metrics.MessagesSent += 1
	self.collectors.messagesSent.Inc()
}

func (self *Metrics) MessageReceived(messageType MessageType) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.metrics.MessagesReceived += 1
	self.collectors.messagesReceived.WithLabelValues(string(messageType)).Inc()
}

func (self *Metrics) MessageQueued() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.metrics.MessagesQueued += 1
	self.collectors.messagesQueued.Inc()
}

func (self *Metrics) QueueEvicted() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.metrics.QueueEvictions += 1
	self.collectors.queueEvictions.Inc()
}

func (self *Metrics) QueueExpired(n int64) {
	if n <= 0 {
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.metrics.QueueExpired += n
	self.collectors.queueExpired.Add(float64(n))
}

func (self *Metrics) ReconnectAttempt() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.metrics.ReconnectAttempts += 1
	self.collectors.reconnectAttempts.Inc()
}

func (self *Metrics) MessageLatency(latency time.Duration) {
	if latency < 0 {
		latency = 0
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.latencyCount += 1
	self.metrics.AverageMessageLatency = runningAverage(self.metrics.AverageMessageLatency, latency, self.latencyCount)
	self.collectors.messageLatency.Observe(latency.Seconds())
}

func (self *Metrics) ConflictDetected() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.metrics.ConflictsDetected += 1
	self.collectors.conflictsDetected.Inc()
}

func (self *Metrics) ConflictResolved(user bool, resolutionTime time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.metrics.ConflictsResolved += 1
	mode := "auto"
	if user {
		self.metrics.ConflictsUserResolved += 1
		mode = "user"
	} else {
		self.metrics.ConflictsAutoResolved += 1
	}
	self.collectors.conflictsResolved.WithLabelValues(mode).Inc()
	self.observeResolutionTime(resolutionTime)
}

func (self *Metrics) ConflictFailed(resolutionTime time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.metrics.ConflictsFailed += 1
	self.collectors.conflictsFailed.Inc()
	self.observeResolutionTime(resolutionTime)
}

// must be called with `stateLock`
func (self *Metrics) observeResolutionTime(resolutionTime time.Duration) {
	self.resolutionCount += 1
	self.metrics.AverageResolutionTime = runningAverage(self.metrics.AverageResolutionTime, resolutionTime, self.resolutionCount)
	self.collectors.resolutionTime.Observe(resolutionTime.Seconds())
}

// average after adding the `n`th sample
func runningAverage(average time.Duration, sample time.Duration, n int64) time.Duration {
	if n <= 1 {
		return sample
	}
	return average + (sample-average)/time.Duration(n)
}
