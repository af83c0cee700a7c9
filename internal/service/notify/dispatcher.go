package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/UTKARSH698/CloudFlow/internal/domain"
	"github.com/UTKARSH698/CloudFlow/internal/storage"
)

const (
	keyPrefix = "notify#"

	// DefaultDedupeTTL ограничивает жизнь записи уведомления:
	// дольше суток терминальный статус заказа никто не переигрывает.
	DefaultDedupeTTL = 24 * time.Hour

	// DefaultPollInterval — период фонового обхода неотправленных записей.
	DefaultPollInterval = 5 * time.Second

	publishAttempts  = 5
	publishBaseDelay = 200 * time.Millisecond

	markSentAttempts = 3
	sweepBatch       = 100
)

// Options задает параметры диспетчера уведомлений.
type Options struct {
	Logger       *log.Entry
	QueueSize    int
	DedupeTTL    time.Duration
	PollInterval time.Duration
	Clock        func() time.Time
}

// Option настраивает Dispatcher.
type Option func(*Options)

// WithLogger задает logger диспетчера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithQueueSize задает емкость внутренней очереди.
func WithQueueSize(size int) Option {
	return func(opts *Options) {
		opts.QueueSize = size
	}
}

// WithDedupeTTL задает срок жизни записей уведомлений.
func WithDedupeTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.DedupeTTL = ttl
	}
}

// WithPollInterval задает период фонового обхода неотправленных записей.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.PollInterval = interval
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// Dispatcher доставляет терминальные уведомления во внешнюю очередь
// не чаще одного раза на пару (order_id, type). Запись уведомления
// создается put_if_absent-ом до публикации и несет весь payload вместе
// с флагом sent: внутренняя очередь лишь ускоряет доставку, а фоновый
// обход неотправленных записей дотягивает то, что очередь потеряла —
// после исчерпания повторов публикации или падения процесса.
// Пограничный дубль доставки возможен; потребители дедуплицируют по
// паре (order_id, type).
type Dispatcher struct {
	store        storage.RecordStore
	scanner      storage.Scanner
	publisher    domain.NotificationPublisher
	logger       *log.Entry
	dedupeTTL    time.Duration
	pollInterval time.Duration
	now          func() time.Time

	queue  chan domain.Notification
	stopCh chan struct{}
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewDispatcher создает диспетчер уведомлений.
func NewDispatcher(store storage.RecordStore, publisher domain.NotificationPublisher, options ...Option) *Dispatcher {
	opts := Options{
		QueueSize:    256,
		DedupeTTL:    DefaultDedupeTTL,
		PollInterval: DefaultPollInterval,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "notify-dispatcher")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = DefaultDedupeTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	scanner, _ := store.(storage.Scanner)
	if scanner == nil {
		logger.Warn("record store cannot scan, unsent notification recovery disabled")
	}

	return &Dispatcher{
		store:        store,
		scanner:      scanner,
		publisher:    publisher,
		logger:       logger,
		dedupeTTL:    opts.DedupeTTL,
		pollInterval: opts.PollInterval,
		now:          now,
		queue:        make(chan domain.Notification, opts.QueueSize),
		stopCh:       make(chan struct{}),
	}
}

func dedupeKey(n domain.Notification) string {
	return keyPrefix + n.OrderID + "#" + string(n.Type)
}

// Start запускает воркер доставки.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.worker(ctx)
		d.logger.Info("notify dispatcher started")
	})
}

// Stop останавливает воркер, добрав очередь.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.wg.Wait()
		d.logger.Info("notify dispatcher stopped")
	})
}

// Enqueue ставит уведомление на доставку. Повтор той же пары
// (order_id, type) — no-op: запись уведомления уже существует.
func (d *Dispatcher) Enqueue(ctx context.Context, n domain.Notification) error {
	rec := storage.Record{
		Key: dedupeKey(n),
		Doc: map[string]any{
			"type":           string(n.Type),
			"order_id":       n.OrderID,
			"correlation_id": n.CorrelationID,
			"customer_id":    n.CustomerID,
			"enqueued_at":    d.now().Format(time.RFC3339Nano),
			"sent":           false,
		},
	}
	if _, err := d.store.PutIfAbsent(ctx, rec, d.dedupeTTL); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			d.logger.WithFields(log.Fields{
				"order_id": n.OrderID,
				"type":     string(n.Type),
			}).Debug("notification already enqueued, skipping")
			return nil
		}
		return fmt.Errorf("claim notification %s/%s: %w", n.OrderID, n.Type, err)
	}

	select {
	case d.queue <- n:
		return nil
	default:
		// Очередь переполнена — публикуем синхронно, доставка важнее задержки.
		d.logger.WithField("order_id", n.OrderID).Warn("notify queue full, publishing synchronously")
		if err := d.publish(ctx, n); err != nil {
			return err
		}
		d.markSent(ctx, dedupeKey(n))
		return nil
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	var tick <-chan time.Time
	if d.scanner != nil {
		ticker := time.NewTicker(d.pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			for {
				select {
				case n := <-d.queue:
					d.deliver(ctx, n)
				default:
					return
				}
			}
		case <-tick:
			d.sweep(ctx)
		case n := <-d.queue:
			d.deliver(ctx, n)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n domain.Notification) {
	if err := d.publish(ctx, n); err != nil {
		d.logger.WithError(err).WithFields(log.Fields{
			"order_id": n.OrderID,
			"type":     string(n.Type),
		}).Error("failed to publish notification, sweep will retry")
		return
	}
	d.markSent(ctx, dedupeKey(n))
}

// sweep дотягивает неотправленные записи: по одной попытке публикации на
// запись, остальное сделает следующий проход.
func (d *Dispatcher) sweep(ctx context.Context) {
	records, err := d.scanner.Scan(ctx, keyPrefix, sweepBatch)
	if err != nil {
		d.logger.WithError(err).Warn("failed to scan unsent notifications")
		return
	}

	for _, rec := range records {
		if docBool(rec.Doc, "sent") {
			continue
		}
		n := notificationFromDoc(rec.Doc)
		if n.OrderID == "" || n.Type == "" {
			d.logger.WithField("key", rec.Key).Warn("skipping malformed notification record")
			continue
		}
		if err := d.publisher.Publish(ctx, n); err != nil {
			d.logger.WithError(err).WithFields(log.Fields{
				"order_id": n.OrderID,
				"type":     string(n.Type),
			}).Warn("unsent notification publish failed, will retry on next sweep")
			continue
		}
		d.markSent(ctx, rec.Key)
	}
}

// markSent помечает запись доставленной. Проигранный CAS означает, что
// отметку поставил конкурентный путь доставки — исход тот же.
func (d *Dispatcher) markSent(ctx context.Context, key string) {
	for attempt := 0; attempt < markSentAttempts; attempt++ {
		rec, err := d.store.Get(ctx, key, storage.Strong)
		if err != nil {
			d.logger.WithError(err).WithField("key", key).Warn("failed to read notification record for sent mark")
			return
		}
		if docBool(rec.Doc, "sent") {
			return
		}

		doc := make(map[string]any, len(rec.Doc)+1)
		for k, v := range rec.Doc {
			doc[k] = v
		}
		doc["sent"] = true
		doc["sent_at"] = d.now().Format(time.RFC3339Nano)

		_, casErr := d.store.CompareAndSet(ctx, key, rec.Version, storage.Record{Doc: doc})
		if casErr == nil {
			return
		}
		if errors.Is(casErr, storage.ErrVersionMismatch) {
			continue
		}
		d.logger.WithError(casErr).WithField("key", key).Warn("failed to mark notification sent")
		return
	}
}

// publish доставляет уведомление с ограниченным бэкоффом: брокер может
// моргнуть. Исчерпанные попытки не теряют уведомление — запись осталась
// неотправленной, и ее подберет фоновый обход.
func (d *Dispatcher) publish(ctx context.Context, n domain.Notification) error {
	var lastErr error
	delay := publishBaseDelay

	for attempt := 1; attempt <= publishAttempts; attempt++ {
		lastErr = d.publisher.Publish(ctx, n)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if attempt == publishAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}

func notificationFromDoc(doc map[string]any) domain.Notification {
	return domain.Notification{
		Type:          domain.NotificationType(docString(doc, "type")),
		OrderID:       docString(doc, "order_id"),
		CorrelationID: docString(doc, "correlation_id"),
		CustomerID:    docString(doc, "customer_id"),
	}
}

func docString(doc map[string]any, key string) string {
	if v, ok := doc[key].(string); ok {
		return v
	}
	return ""
}

func docBool(doc map[string]any, key string) bool {
	if v, ok := doc[key].(bool); ok {
		return v
	}
	return false
}
