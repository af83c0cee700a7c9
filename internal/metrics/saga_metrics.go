package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SagaMetrics содержит метрики выполнения саг.
type SagaMetrics struct {
	// Счётчики исходов
	sagaStarted     prometheus.Counter
	sagaConfirmed   prometheus.Counter
	sagaCompensated prometheus.Counter
	sagaFailed      prometheus.Counter

	// Гистограммы времени выполнения
	sagaDuration prometheus.Histogram
	stepDuration *prometheus.HistogramVec

	// Счётчики событий лога и нотификаций
	orderEvents   prometheus.Counter
	notifications prometheus.Counter

	// Gauge для активных саг
	activeSagas prometheus.Gauge
}

// NewSagaMetrics создаёт новый экземпляр метрик саги.
func NewSagaMetrics() *SagaMetrics {
	return newSagaMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newSagaMetricsWithRegisterer(registerer prometheus.Registerer) *SagaMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SagaMetrics{
		sagaStarted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "cloudflow_saga_started_total",
			Help: "Total number of saga executions started",
		}),
		sagaConfirmed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "cloudflow_saga_confirmed_total",
			Help: "Total number of sagas finished in CONFIRMED",
		}),
		sagaCompensated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "cloudflow_saga_compensated_total",
			Help: "Total number of sagas finished in COMPENSATED",
		}),
		sagaFailed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "cloudflow_saga_failed_total",
			Help: "Total number of sagas finished in FAILED",
		}),
		sagaDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "cloudflow_saga_duration_seconds",
			Help:    "Duration of saga executions in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "cloudflow_saga_step_duration_seconds",
			Help:    "Duration of individual saga steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step", "outcome"}),
		orderEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "cloudflow_order_events_total",
			Help: "Total number of order events appended to the log",
		}),
		notifications: registerCounter(registerer, prometheus.CounterOpts{
			Name: "cloudflow_notifications_enqueued_total",
			Help: "Total number of terminal notifications enqueued",
		}),
		activeSagas: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "cloudflow_active_sagas",
			Help: "Number of currently executing sagas",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordSagaStarted увеличивает счётчик запущенных саг.
func (m *SagaMetrics) RecordSagaStarted() {
	m.sagaStarted.Inc()
	m.activeSagas.Inc()
}

// RecordSagaFinished уменьшает количество активных саг.
func (m *SagaMetrics) RecordSagaFinished() {
	m.activeSagas.Dec()
}

// RecordSagaConfirmed увеличивает счётчик успешных саг.
func (m *SagaMetrics) RecordSagaConfirmed() {
	m.sagaConfirmed.Inc()
}

// RecordSagaCompensated увеличивает счётчик компенсированных саг.
func (m *SagaMetrics) RecordSagaCompensated() {
	m.sagaCompensated.Inc()
}

// RecordSagaFailed увеличивает счётчик саг, прерванных без компенсации.
func (m *SagaMetrics) RecordSagaFailed() {
	m.sagaFailed.Inc()
}

// RecordSagaDuration записывает время выполнения саги.
func (m *SagaMetrics) RecordSagaDuration(duration time.Duration) {
	m.sagaDuration.Observe(duration.Seconds())
}

// RecordStepDuration записывает время выполнения шага саги с его исходом.
func (m *SagaMetrics) RecordStepDuration(step, outcome string, duration time.Duration) {
	m.stepDuration.WithLabelValues(step, outcome).Observe(duration.Seconds())
}

// RecordOrderEvent увеличивает счётчик событий лога заказов.
func (m *SagaMetrics) RecordOrderEvent() {
	m.orderEvents.Inc()
}

// RecordNotification увеличивает счётчик поставленных в очередь нотификаций.
func (m *SagaMetrics) RecordNotification() {
	m.notifications.Inc()
}
