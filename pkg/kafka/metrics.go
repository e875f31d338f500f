package kafka

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds consumer and producer collectors.
type Metrics struct {
	received     *prometheus.CounterVec
	processed    *prometheus.CounterVec
	failed       *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	published    *prometheus.CounterVec
	publishErrs  *prometheus.CounterVec
}

// NewMetrics creates the kafka collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	topicGroup := []string{"topic", "consumer_group"}
	m := &Metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "search_kafka_messages_received_total",
			Help: "Messages fetched from the broker.",
		}, topicGroup),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "search_kafka_messages_processed_total",
			Help: "Messages handled successfully.",
		}, topicGroup),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "search_kafka_messages_failed_total",
			Help: "Messages that exhausted their handler retries or could not be decoded.",
		}, topicGroup),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "search_kafka_messages_dead_lettered_total",
			Help: "Messages forwarded to a dead-letter topic.",
		}, topicGroup),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "search_kafka_handler_duration_seconds",
			Help:    "Time spent handling one message, retries included.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}, topicGroup),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "search_kafka_messages_published_total",
			Help: "Messages published.",
		}, []string{"topic"}),
		publishErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "search_kafka_publish_errors_total",
			Help: "Failed publish attempts.",
		}, []string{"topic"}),
	}
	reg.MustRegister(m.received, m.processed, m.failed, m.deadLettered, m.duration, m.published, m.publishErrs)
	return m
}

func (m *Metrics) incConsumer(vec func(*Metrics) *prometheus.CounterVec, topic, group string) {
	if m == nil {
		return
	}
	vec(m).WithLabelValues(topic, group).Inc()
}

func (m *Metrics) observe(topic, group string, seconds float64) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(topic, group).Observe(seconds)
}

func (m *Metrics) publishResult(topic string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.publishErrs.WithLabelValues(topic).Inc()
		return
	}
	m.published.WithLabelValues(topic).Inc()
}

func received(m *Metrics) *prometheus.CounterVec     { return m.received }
func processed(m *Metrics) *prometheus.CounterVec    { return m.processed }
func failed(m *Metrics) *prometheus.CounterVec       { return m.failed }
func deadLettered(m *Metrics) *prometheus.CounterVec { return m.deadLettered }
