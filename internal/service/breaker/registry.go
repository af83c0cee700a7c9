package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/UTKARSH698/CloudFlow/internal/domain"
	"github.com/UTKARSH698/CloudFlow/internal/storage"
)

const (
	keyPrefix = "cb#"

	// StateClosed — вызовы проходят, считаются подряд идущие неудачи.
	StateClosed = "CLOSED"
	// StateOpen — вызовы отклоняются до истечения cooldown.
	StateOpen = "OPEN"
	// StateHalfOpen — разрешен ровно один пробный вызов за раз.
	StateHalfOpen = "HALF_OPEN"

	// casAttempts ограничивает гонку конкурентных переходов на одной записи.
	casAttempts = 4
)

var (
	breakerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudflow_breaker_transitions_total",
		Help: "Total number of circuit breaker state transitions.",
	}, []string{"dependency", "to"})
	breakerRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudflow_breaker_rejections_total",
		Help: "Total number of calls rejected by the circuit breaker.",
	}, []string{"dependency"})
)

// Settings задает пороги и тайминги breaker-а для одной зависимости.
type Settings struct {
	FailThreshold    int64
	SuccessThreshold int64
	Cooldown         time.Duration
	ProbeTimeout     time.Duration
}

// DefaultSettings возвращает пороги по умолчанию.
func DefaultSettings() Settings {
	return Settings{
		FailThreshold:    5,
		SuccessThreshold: 2,
		Cooldown:         60 * time.Second,
		ProbeTimeout:     10 * time.Second,
	}
}

// Options задает параметры реестра breaker-ов.
type Options struct {
	Logger   *log.Entry
	Defaults Settings
	PerName  map[string]Settings
	Clock    func() time.Time
}

// Option настраивает Registry.
type Option func(*Options)

// WithLogger задает logger реестра.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithDefaults задает пороги по умолчанию для всех зависимостей.
func WithDefaults(settings Settings) Option {
	return func(opts *Options) {
		opts.Defaults = settings
	}
}

// WithSettings задает пороги для конкретной зависимости.
func WithSettings(name string, settings Settings) Option {
	return func(opts *Options) {
		if opts.PerName == nil {
			opts.PerName = make(map[string]Settings)
		}
		opts.PerName[name] = settings
	}
}

// WithClock подменяет источник времени (для cooldown-тестов).
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// Registry — реестр circuit breaker-ов с разделяемым состоянием в record
// store: все экземпляры сервиса видят одну и ту же запись на зависимость.
// Переходы выполняются через compare_and_set; при недоступности самого
// хранилища реестр fail-open — вызовы пропускаются.
type Registry struct {
	store    storage.RecordStore
	logger   *log.Entry
	defaults Settings
	perName  map[string]Settings
	now      func() time.Time
}

// NewRegistry создает реестр breaker-ов поверх record store.
func NewRegistry(store storage.RecordStore, options ...Option) *Registry {
	opts := Options{
		Defaults: DefaultSettings(),
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "breaker-registry")
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Registry{
		store:    store,
		logger:   logger,
		defaults: opts.Defaults,
		perName:  opts.PerName,
		now:      now,
	}
}

func (r *Registry) settings(name string) Settings {
	if s, ok := r.perName[name]; ok {
		return s
	}
	return r.defaults
}

// Allow решает, пропускать ли вызов к зависимости. nil означает PERMIT;
// отклонение возвращается как CircuitOpenError с оценкой retry_after.
// Попутно выполняются назревшие переходы OPEN→HALF_OPEN и захват probe-слота.
func (r *Registry) Allow(ctx context.Context, name string) error {
	settings := r.settings(name)

	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, err := r.load(ctx, name)
		if err != nil {
			if errors.Is(err, storage.ErrUnavailable) {
				r.logger.WithError(err).WithField("dependency", name).
					Warn("record store unavailable, circuit breaker fails open")
				return nil
			}
			return err
		}

		state := docString(rec.Doc, "state")
		now := r.now()

		switch state {
		case StateClosed:
			return nil

		case StateOpen:
			openedAt := docTime(rec.Doc, "opened_at")
			retryAt := openedAt.Add(settings.Cooldown)
			if now.Before(retryAt) {
				return r.reject(name, retryAt.Sub(now))
			}

			// Cooldown истек: первый дошедший переводит запись в HALF_OPEN
			// и забирает probe-слот; проигравшие CAS перечитывают запись.
			next := breakerDoc(StateHalfOpen, time.Time{}, now)
			if _, casErr := r.store.CompareAndSet(ctx, keyPrefix+name, rec.Version, next); casErr == nil {
				breakerTransitionsTotal.WithLabelValues(name, StateHalfOpen).Inc()
				r.logger.WithField("dependency", name).Info("circuit breaker half-open, probing")
				return nil
			} else if !errors.Is(casErr, storage.ErrVersionMismatch) {
				return r.failOpen(name, casErr)
			}

		case StateHalfOpen:
			probeAt := docTime(rec.Doc, "probe_in_flight_at")
			if !probeAt.IsZero() && now.Sub(probeAt) < settings.ProbeTimeout {
				return r.reject(name, settings.ProbeTimeout-now.Sub(probeAt))
			}

			// Слот свободен (или предыдущий probe завис дольше таймаута).
			next := breakerRec(StateHalfOpen, time.Time{}, now, rec.Fields)
			if _, casErr := r.store.CompareAndSet(ctx, keyPrefix+name, rec.Version, next); casErr == nil {
				return nil
			} else if !errors.Is(casErr, storage.ErrVersionMismatch) {
				return r.failOpen(name, casErr)
			}

		default:
			return fmt.Errorf("%w: circuit %q has unknown state %q", domain.ErrInternal, name, state)
		}
	}

	return r.reject(name, time.Second)
}

// Record фиксирует исход вызова к зависимости и выполняет вытекающие
// переходы состояния. Ошибки хранилища глотаются: breaker деградирует
// в сторону пропуска вызовов, а не их блокировки.
func (r *Registry) Record(ctx context.Context, name string, success bool) {
	settings := r.settings(name)

	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, err := r.load(ctx, name)
		if err != nil {
			r.logger.WithError(err).WithField("dependency", name).
				Warn("failed to record circuit breaker outcome")
			return
		}

		state := docString(rec.Doc, "state")
		now := r.now()
		var next storage.Record

		switch state {
		case StateClosed:
			if success {
				if rec.Fields["consecutive_failures"] == 0 {
					return
				}
				next = breakerDoc(StateClosed, time.Time{}, time.Time{})
			} else {
				failures := rec.Fields["consecutive_failures"] + 1
				if failures >= settings.FailThreshold {
					next = breakerDoc(StateOpen, now, time.Time{})
				} else {
					next = breakerRec(StateClosed, time.Time{}, time.Time{},
						map[string]int64{"consecutive_failures": failures})
				}
			}

		case StateHalfOpen:
			if success {
				successes := rec.Fields["consecutive_successes"] + 1
				if successes >= settings.SuccessThreshold {
					next = breakerDoc(StateClosed, time.Time{}, time.Time{})
				} else {
					next = breakerRec(StateHalfOpen, time.Time{}, time.Time{},
						map[string]int64{"consecutive_successes": successes})
				}
			} else {
				next = breakerDoc(StateOpen, now, time.Time{})
			}

		case StateOpen:
			// Поздний исход вызова, стартовавшего до открытия: игнорируем.
			return

		default:
			r.logger.WithFields(log.Fields{"dependency": name, "state": state}).
				Error("circuit breaker record has unknown state")
			return
		}

		if _, casErr := r.store.CompareAndSet(ctx, keyPrefix+name, rec.Version, next); casErr == nil {
			nextState := docString(next.Doc, "state")
			if nextState != state {
				breakerTransitionsTotal.WithLabelValues(name, nextState).Inc()
				r.logger.WithFields(log.Fields{
					"dependency": name,
					"from":       state,
					"to":         nextState,
				}).Info("circuit breaker state changed")
			}
			return
		} else if !errors.Is(casErr, storage.ErrVersionMismatch) {
			r.logger.WithError(casErr).WithField("dependency", name).
				Warn("failed to record circuit breaker outcome")
			return
		}
	}
}

// Call пропускает fn через breaker: Allow перед вызовом, Record после.
// Неудачей считается транзиентная ошибка (UNAVAILABLE/TIMEOUT); бизнес-отказы
// зависимости означают, что она жива, и засчитываются как успех.
func (r *Registry) Call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := r.Allow(ctx, name); err != nil {
		return err
	}

	err := fn(ctx)
	r.Record(ctx, name, !countsAsFailure(err))
	return err
}

func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	return domain.Retryable(err) || errors.Is(err, context.DeadlineExceeded)
}

// load читает запись breaker-а, лениво создавая ее в CLOSED.
func (r *Registry) load(ctx context.Context, name string) (storage.Record, error) {
	rec, err := r.store.Get(ctx, keyPrefix+name, storage.Strong)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Record{}, err
	}

	initial := breakerDoc(StateClosed, time.Time{}, time.Time{})
	initial.Key = keyPrefix + name
	created, err := r.store.PutIfAbsent(ctx, initial, 0)
	if err == nil {
		return created, nil
	}
	if errors.Is(err, storage.ErrConflict) {
		return r.store.Get(ctx, keyPrefix+name, storage.Strong)
	}
	return storage.Record{}, err
}

func (r *Registry) reject(name string, retryAfter time.Duration) error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	breakerRejectionsTotal.WithLabelValues(name).Inc()
	return &domain.CircuitOpenError{Dependency: name, RetryAfter: retryAfter}
}

func (r *Registry) failOpen(name string, err error) error {
	if errors.Is(err, storage.ErrUnavailable) {
		r.logger.WithError(err).WithField("dependency", name).
			Warn("record store unavailable, circuit breaker fails open")
		return nil
	}
	return err
}

// breakerDoc собирает запись с обнуленными счетчиками.
func breakerDoc(state string, openedAt, probeAt time.Time) storage.Record {
	return breakerRec(state, openedAt, probeAt, nil)
}

func breakerRec(state string, openedAt, probeAt time.Time, fields map[string]int64) storage.Record {
	doc := map[string]any{"state": state}
	if !openedAt.IsZero() {
		doc["opened_at"] = openedAt.Format(time.RFC3339Nano)
	}
	if !probeAt.IsZero() {
		doc["probe_in_flight_at"] = probeAt.Format(time.RFC3339Nano)
	}

	if fields == nil {
		fields = map[string]int64{}
	}
	if _, ok := fields["consecutive_failures"]; !ok {
		fields["consecutive_failures"] = 0
	}
	if _, ok := fields["consecutive_successes"]; !ok {
		fields["consecutive_successes"] = 0
	}

	return storage.Record{Doc: doc, Fields: fields}
}

func docString(doc map[string]any, key string) string {
	if doc == nil {
		return ""
	}
	if v, ok := doc[key].(string); ok {
		return v
	}
	return ""
}

func docTime(doc map[string]any, key string) time.Time {
	raw := docString(doc, key)
	if raw == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
