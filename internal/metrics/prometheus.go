package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	onlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mallflow_online_clients",
		Help: "Number of connected notification stream clients",
	})
	deliveredCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mallflow_stream_deliveries_total",
		Help: "Envelopes handed to connected stream clients",
	})
	taskCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mallflow_tasks_total",
		Help: "Task executions by outcome",
	}, []string{"outcome"})
	outboxCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mallflow_outbox_total",
		Help: "Outbox dispatch attempts by result",
	}, []string{"result"})
	pushCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mallflow_push_total",
		Help: "Notification push attempts by result",
	}, []string{"result"})
)

type PrometheusObserver struct{}

func NewPrometheusObserver() *PrometheusObserver {
	return &PrometheusObserver{}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func (p *PrometheusObserver) IncOnline() {
	onlineGauge.Inc()
}

func (p *PrometheusObserver) DecOnline() {
	onlineGauge.Dec()
}

func (p *PrometheusObserver) RecordPush() {
	deliveredCounter.Inc()
}

func (p *PrometheusObserver) TaskFinished(outcome string) {
	taskCounter.WithLabelValues(outcome).Inc()
}

func (p *PrometheusObserver) OutboxDispatched(result string) {
	outboxCounter.WithLabelValues(result).Inc()
}

func (p *PrometheusObserver) PushAttempted(result string) {
	pushCounter.WithLabelValues(result).Inc()
}
