package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/UTKARSH698/CloudFlow/internal/domain"
	"github.com/UTKARSH698/CloudFlow/internal/storage"
)

// appendAttempts ограничивает гонку конкурентных переходов на одном заказе.
const appendAttempts = 8

// EventPublisher зеркалирует события заказа во внешний топик. Публикация
// идет после фиксации перехода и не влияет на его исход: авторитетная
// история живет в record store, зеркало — best-effort поток для внешних
// потребителей.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event domain.OrderEvent, correlationID string) error
}

// Options задает параметры event log.
type Options struct {
	Logger    *log.Entry
	Clock     func() time.Time
	Publisher EventPublisher
}

// Option настраивает Log.
type Option func(*Options)

// WithLogger задает logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// WithPublisher задает зеркало событий; nil отключает его.
func WithPublisher(publisher EventPublisher) Option {
	return func(opts *Options) {
		opts.Publisher = publisher
	}
}

// Log — авторитетная история заказа плюс денормализованный summary.
// Каждый переход — два связанных write-а: append события под ключом
// (order_id, seq) и compare_and_set summary с version = seq. Summary
// всегда догоняет последний успешный append; кросс-записьная транзакция
// не нужна.
type Log struct {
	store     storage.RecordStore
	logger    *log.Entry
	now       func() time.Time
	publisher EventPublisher
}

// NewLog создает event log поверх record store.
func NewLog(store storage.RecordStore, options ...Option) *Log {
	opts := Options{}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "event-log")
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Log{
		store:     store,
		logger:    logger,
		now:       now,
		publisher: opts.Publisher,
	}
}

func metaKey(orderID string) string {
	return "order#" + orderID + "#meta"
}

func eventKey(orderID string, seq int64) string {
	return "order#" + orderID + "#event#" + strconv.FormatInt(seq, 10)
}

// CreateOrder открывает историю заказа: событие ORDER_CREATED под seq=1 и
// summary в статусе PENDING под version=1. Повторное создание того же
// заказа возвращает существующий summary и domain.ErrConflict — вызывающий
// схлопывает дубль сабмита в один заказ.
func (l *Log) CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	now := l.now()
	order.Status = domain.OrderStatusPending
	order.CreatedAt = now
	order.UpdatedAt = now
	order.Version = 1

	event := storage.Record{
		Key: eventKey(order.ID, 1),
		Doc: map[string]any{
			"type":           string(domain.EventOrderCreated),
			"occurred_at":    now.Format(time.RFC3339Nano),
			"correlation_id": order.CorrelationID,
			"payload":        map[string]any{},
		},
	}
	if _, err := l.store.PutIfAbsent(ctx, event, 0); err != nil && !errors.Is(err, storage.ErrConflict) {
		return domain.Order{}, fmt.Errorf("append ORDER_CREATED for %s: %w", order.ID, err)
	}

	meta := storage.Record{
		Key: metaKey(order.ID),
		Doc: marshalOrder(order),
	}
	_, err := l.store.PutIfAbsent(ctx, meta, 0)
	if err == nil {
		l.mirror(ctx, domain.OrderEvent{
			OrderID:    order.ID,
			Seq:        1,
			Type:       domain.EventOrderCreated,
			OccurredAt: now,
			Payload:    map[string]any{},
		}, order.CorrelationID)
		return order, nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return domain.Order{}, fmt.Errorf("create order summary %s: %w", order.ID, err)
	}

	existing, getErr := l.Current(ctx, order.ID, true)
	if getErr != nil {
		return domain.Order{}, fmt.Errorf("read duplicate order %s: %w", order.ID, getErr)
	}
	return existing, fmt.Errorf("order %s: %w", order.ID, domain.ErrConflict)
}

// Transition выполняет двухзаписной протокол перехода: append события на
// seq = version+1, затем CAS summary на новую версию. mutate применяется к
// summary между чтением и CAS (резервы, payment id, причина исхода).
// Проигранный CAS означает конкурентный переход: append остается
// информационным, возвращаются актуальный summary и domain.ErrConflict.
func (l *Log) Transition(ctx context.Context, orderID string, eventType domain.EventType, payload map[string]any, mutate func(*domain.Order)) (domain.Order, error) {
	if !eventType.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown event type %q", domain.ErrInternal, eventType)
	}

	for attempt := 0; attempt < appendAttempts; attempt++ {
		rec, order, err := l.readMeta(ctx, orderID, storage.Strong)
		if err != nil {
			return domain.Order{}, err
		}
		if order.Status.Terminal() {
			return order, fmt.Errorf("order %s is %s: %w", orderID, order.Status, domain.ErrOrderTerminal)
		}

		now := l.now()
		seq := rec.Version + 1

		if payload == nil {
			payload = map[string]any{}
		}
		event := storage.Record{
			Key: eventKey(orderID, seq),
			Doc: map[string]any{
				"type":           string(eventType),
				"occurred_at":    now.Format(time.RFC3339Nano),
				"correlation_id": order.CorrelationID,
				"payload":        payload,
			},
		}
		if _, err := l.store.PutIfAbsent(ctx, event, 0); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				// Кто-то занял наш seq: перечитываем summary и пробуем следующий.
				continue
			}
			return domain.Order{}, fmt.Errorf("append %s for %s: %w", eventType, orderID, err)
		}

		if mutate != nil {
			mutate(&order)
		}
		order.Status = eventType.TerminalStatus()
		order.UpdatedAt = now

		_, casErr := l.store.CompareAndSet(ctx, metaKey(orderID), rec.Version, storage.Record{
			Doc: marshalOrder(order),
		})
		if casErr == nil {
			order.Version = seq
			l.mirror(ctx, domain.OrderEvent{
				OrderID:    orderID,
				Seq:        seq,
				Type:       eventType,
				OccurredAt: now,
				Payload:    payload,
			}, order.CorrelationID)
			return order, nil
		}
		if !errors.Is(casErr, storage.ErrVersionMismatch) {
			return domain.Order{}, fmt.Errorf("advance summary for %s: %w", orderID, casErr)
		}

		// Summary ушел вперед: наш append информационный, решение за вызывающим.
		current, getErr := l.Current(ctx, orderID, true)
		if getErr != nil {
			return domain.Order{}, getErr
		}
		l.logger.WithFields(log.Fields{
			"order_id": orderID,
			"event":    string(eventType),
			"seq":      seq,
			"status":   string(current.Status),
		}).Warn("lost summary cas, append kept as informational")
		return current, fmt.Errorf("transition %s on %s: %w", eventType, orderID, domain.ErrConflict)
	}

	return domain.Order{}, fmt.Errorf("%w: transition %s on %s lost every append attempt",
		domain.ErrConflict, eventType, orderID)
}

// Current возвращает summary заказа. По умолчанию чтение eventual —
// для статусных опросов этого достаточно; strong=true дает read-your-writes.
func (l *Log) Current(ctx context.Context, orderID string, strong bool) (domain.Order, error) {
	consistency := storage.Eventual
	if strong {
		consistency = storage.Strong
	}
	_, order, err := l.readMeta(ctx, orderID, consistency)
	return order, err
}

// History возвращает полную последовательность событий заказа в порядке seq.
// Последовательность непрерывна с 1 по version summary; дыра — нарушение
// инварианта лога.
func (l *Log) History(ctx context.Context, orderID string) ([]domain.OrderEvent, error) {
	rec, _, err := l.readMeta(ctx, orderID, storage.Strong)
	if err != nil {
		return nil, err
	}

	events := make([]domain.OrderEvent, 0, rec.Version)
	for seq := int64(1); seq <= rec.Version; seq++ {
		eventRec, err := l.store.Get(ctx, eventKey(orderID, seq), storage.Strong)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: order %s history has a gap at seq %d", domain.ErrInternal, orderID, seq)
		}
		if err != nil {
			return nil, fmt.Errorf("read event %d for %s: %w", seq, orderID, err)
		}

		events = append(events, domain.OrderEvent{
			OrderID:    orderID,
			Seq:        seq,
			Type:       domain.EventType(docString(eventRec.Doc, "type")),
			OccurredAt: docTime(eventRec.Doc, "occurred_at"),
			Payload:    docMap(eventRec.Doc, "payload"),
		})
	}
	return events, nil
}

// mirror отдает зафиксированное событие во внешний топик. Отказ зеркала
// переход не откатывает: потребители восстановят пропуск из History.
func (l *Log) mirror(ctx context.Context, event domain.OrderEvent, correlationID string) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.PublishOrderEvent(ctx, event, correlationID); err != nil {
		l.logger.WithError(err).WithFields(log.Fields{
			"order_id": event.OrderID,
			"event":    string(event.Type),
			"seq":      event.Seq,
		}).Warn("failed to mirror order event")
	}
}

func (l *Log) readMeta(ctx context.Context, orderID string, c storage.Consistency) (storage.Record, domain.Order, error) {
	rec, err := l.store.Get(ctx, metaKey(orderID), c)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Record{}, domain.Order{}, fmt.Errorf("order %s: %w", orderID, domain.ErrOrderNotFound)
	}
	if err != nil {
		return storage.Record{}, domain.Order{}, fmt.Errorf("read order summary %s: %w", orderID, err)
	}

	order := unmarshalOrder(rec.Doc)
	order.ID = orderID
	order.Version = rec.Version
	return rec, order, nil
}

func marshalOrder(order domain.Order) map[string]any {
	items := make([]any, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, map[string]any{
			"product_id":       item.ProductID,
			"quantity":         int64(item.Quantity),
			"unit_price_minor": item.UnitPriceMinor,
		})
	}

	return map[string]any{
		"customer_id":     order.CustomerID,
		"status":          string(order.Status),
		"items":           items,
		"total_minor":     order.TotalMinor,
		"correlation_id":  order.CorrelationID,
		"reason":          order.Reason,
		"reservation_ids": order.ReservationIDs,
		"payment_id":      order.PaymentID,
		"created_at":      order.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":      order.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func unmarshalOrder(doc map[string]any) domain.Order {
	order := domain.Order{
		CustomerID:     docString(doc, "customer_id"),
		Status:         domain.OrderStatus(docString(doc, "status")),
		TotalMinor:     docInt(doc, "total_minor"),
		CorrelationID:  docString(doc, "correlation_id"),
		Reason:         docString(doc, "reason"),
		ReservationIDs: toStringSlice(doc["reservation_ids"]),
		PaymentID:      docString(doc, "payment_id"),
		CreatedAt:      docTime(doc, "created_at"),
		UpdatedAt:      docTime(doc, "updated_at"),
	}

	if rawItems, ok := doc["items"].([]any); ok {
		order.Items = make([]domain.OrderItem, 0, len(rawItems))
		for _, raw := range rawItems {
			itemDoc, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			order.Items = append(order.Items, domain.OrderItem{
				ProductID:      docString(itemDoc, "product_id"),
				Quantity:       int32(docInt(itemDoc, "quantity")),
				UnitPriceMinor: docInt(itemDoc, "unit_price_minor"),
			})
		}
	}

	return order
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

func docInt(doc map[string]any, key string) int64 {
	if doc == nil {
		return 0
	}
	switch v := doc[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func docMap(doc map[string]any, key string) map[string]any {
	if doc == nil {
		return nil
	}
	if v, ok := doc[key].(map[string]any); ok {
		return v
	}
	return nil
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

func toStringSlice(v any) []string {
	switch typed := v.(type) {
	case []string:
		return typed
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
