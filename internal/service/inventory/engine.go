package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/UTKARSH698/CloudFlow/internal/domain"
	"github.com/UTKARSH698/CloudFlow/internal/service/idempotency"
	"github.com/UTKARSH698/CloudFlow/internal/storage"
)

const (
	itemKeyPrefix        = "inv#"
	reservationKeyPrefix = "rsv#"

	// DefaultReservationTTL — запасной предохранитель: если компенсация так
	// и не добралась до резерва, он исчезает сам и товар остается списанным
	// не дольше этого срока.
	DefaultReservationTTL = 30 * time.Minute

	availableField = "available"

	casAttempts = 4
)

// Options задает параметры движка инвентаря.
type Options struct {
	Logger         *log.Entry
	ReservationTTL time.Duration
	Clock          func() time.Time
}

// Option настраивает Engine.
type Option func(*Options)

// WithLogger задает logger движка.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithReservationTTL задает срок жизни резервов.
func WithReservationTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.ReservationTTL = ttl
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// Engine — атомарное резервирование склада поверх record store.
// Остаток хранится числовым полем и мутируется только guarded add-ом,
// поэтому oversell невозможен by-construction: либо условное списание
// прошло, либо вернулся GUARD_FAILED.
type Engine struct {
	store          storage.RecordStore
	ledger         *idempotency.Ledger
	logger         *log.Entry
	reservationTTL time.Duration
	now            func() time.Time
}

// NewEngine создает движок инвентаря.
func NewEngine(store storage.RecordStore, ledger *idempotency.Ledger, options ...Option) *Engine {
	opts := Options{
		ReservationTTL: DefaultReservationTTL,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "inventory-engine")
	}
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = DefaultReservationTTL
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Engine{
		store:          store,
		ledger:         ledger,
		logger:         logger,
		reservationTTL: opts.ReservationTTL,
		now:            now,
	}
}

// Seed создает или перезаписывает складскую позицию. Используется
// сидированием окружений и тестами; ядро позиции не создает.
func (e *Engine) Seed(ctx context.Context, productID string, available int64, unitPriceMinor int64) error {
	if productID == "" {
		return fmt.Errorf("%w: %v", domain.ErrValidation, domain.ErrProductIDRequired)
	}
	if available < 0 {
		return fmt.Errorf("%w: available must not be negative", domain.ErrValidation)
	}

	rec := storage.Record{
		Key: itemKeyPrefix + productID,
		Doc: map[string]any{
			"unit_price_minor": unitPriceMinor,
			"updated_at":       e.now().Format(time.RFC3339Nano),
		},
		Fields: map[string]int64{availableField: available},
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		_, err := e.store.PutIfAbsent(ctx, rec, 0)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("seed inventory %s: %w", productID, err)
		}

		existing, err := e.store.Get(ctx, rec.Key, storage.Strong)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("seed inventory %s: %w", productID, err)
		}
		if _, err := e.store.CompareAndSet(ctx, rec.Key, existing.Version, rec); err == nil {
			return nil
		} else if !errors.Is(err, storage.ErrVersionMismatch) {
			return fmt.Errorf("seed inventory %s: %w", productID, err)
		}
	}
	return fmt.Errorf("%w: seed inventory %s lost every cas attempt", domain.ErrConflict, productID)
}

// Item возвращает складскую позицию целиком.
func (e *Engine) Item(ctx context.Context, productID string) (domain.InventoryItem, error) {
	rec, err := e.store.Get(ctx, itemKeyPrefix+productID, storage.Strong)
	if err != nil {
		return domain.InventoryItem{}, fmt.Errorf("read inventory %s: %w", productID, err)
	}
	return domain.InventoryItem{
		ProductID:      productID,
		Available:      rec.Fields[availableField],
		UnitPriceMinor: docInt(rec.Doc, "unit_price_minor"),
		UpdatedAt:      docTime(rec.Doc, "updated_at"),
	}, nil
}

// Available возвращает текущий остаток позиции.
func (e *Engine) Available(ctx context.Context, productID string) (int64, error) {
	item, err := e.Item(ctx, productID)
	if err != nil {
		return 0, err
	}
	return item.Available, nil
}

// Reserve атомарно резервирует все позиции заказа и возвращает handles
// резервов. Вызов идемпотентен по stepID: повтор возвращает те же
// reservation_id без повторного списания. Частично выполненное
// резервирование откатывается целиком — либо весь заказ, либо ничего.
func (e *Engine) Reserve(ctx context.Context, orderID, stepID string, items []domain.OrderItem) ([]string, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, domain.ErrItemsRequired)
	}

	result, err := e.ledger.Run(ctx, "reserve:"+stepID, func(ctx context.Context) (map[string]any, error) {
		ids, err := e.reserveAll(ctx, orderID, items)
		if err != nil {
			return nil, err
		}
		return map[string]any{"reservation_ids": ids}, nil
	})
	if err != nil {
		return nil, err
	}
	return toStringSlice(result["reservation_ids"]), nil
}

func (e *Engine) reserveAll(ctx context.Context, orderID string, items []domain.OrderItem) ([]string, error) {
	reservationIDs := make([]string, 0, len(items))
	decremented := make([]domain.OrderItem, 0, len(items))

	rollback := func() {
		for _, item := range decremented {
			if _, err := e.store.Add(ctx, itemKeyPrefix+item.ProductID, availableField, int64(item.Quantity), nil); err != nil {
				e.logger.WithError(err).WithFields(log.Fields{
					"order_id":   orderID,
					"product_id": item.ProductID,
				}).Error("failed to roll back inventory decrement")
			}
		}
		for _, id := range reservationIDs {
			if err := e.store.Delete(ctx, reservationKeyPrefix+id); err != nil {
				e.logger.WithError(err).WithField("reservation_id", id).
					Error("failed to roll back reservation record")
			}
		}
	}

	for _, item := range items {
		rsv := domain.Reservation{
			ID:        uuid.NewString(),
			OrderID:   orderID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			State:     domain.ReservationHeld,
			CreatedAt: e.now(),
		}
		if errs := rsv.Validate(); len(errs) > 0 {
			rollback()
			return nil, fmt.Errorf("%w: %v", domain.ErrValidation, errs[0])
		}

		qty := int64(item.Quantity)
		_, err := e.store.Add(ctx, itemKeyPrefix+item.ProductID, availableField, -qty,
			&storage.Guard{Min: 0})
		if err != nil {
			rollback()
			return nil, e.reserveError(ctx, item, err)
		}
		decremented = append(decremented, item)

		_, err = e.store.PutIfAbsent(ctx, storage.Record{
			Key: reservationKeyPrefix + rsv.ID,
			Doc: map[string]any{
				"order_id":   rsv.OrderID,
				"product_id": rsv.ProductID,
				"quantity":   qty,
				"state":      string(rsv.State),
				"created_at": rsv.CreatedAt.Format(time.RFC3339Nano),
			},
		}, e.reservationTTL)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("create reservation for %s: %w", item.ProductID, err)
		}
		reservationIDs = append(reservationIDs, rsv.ID)
	}

	return reservationIDs, nil
}

func (e *Engine) reserveError(ctx context.Context, item domain.OrderItem, err error) error {
	switch {
	case errors.Is(err, storage.ErrGuardFailed):
		observed, getErr := e.Available(ctx, item.ProductID)
		if getErr != nil {
			observed = 0
		}
		return &domain.InsufficientStockError{
			ProductID: item.ProductID,
			Requested: int64(item.Quantity),
			Available: observed,
		}
	case errors.Is(err, storage.ErrNotFound):
		// Несуществующая позиция неотличима для клиента от нулевого остатка.
		return &domain.InsufficientStockError{
			ProductID: item.ProductID,
			Requested: int64(item.Quantity),
			Available: 0,
		}
	default:
		return fmt.Errorf("reserve %s: %w", item.ProductID, err)
	}
}

// Release возвращает товар резерва на склад. Идемпотентен: повторный
// release уже отпущенного резерва — успех без эффекта; release по
// consumed-резерву — ошибка инварианта. Исчезнувший по TTL резерв
// считается уже отпущенным.
func (e *Engine) Release(ctx context.Context, reservationID string) error {
	key := reservationKeyPrefix + reservationID

	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, err := e.store.Get(ctx, key, storage.Strong)
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.WithField("reservation_id", reservationID).
				Warn("reservation expired before release, stock restored by ttl backstop")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read reservation %s: %w", reservationID, err)
		}

		switch domain.ReservationState(docString(rec.Doc, "state")) {
		case domain.ReservationReleased:
			return nil
		case domain.ReservationConsumed:
			return fmt.Errorf("reservation %s: %w", reservationID, domain.ErrReleaseAfterConsume)
		case domain.ReservationHeld:
		default:
			return fmt.Errorf("%w: reservation %s has unknown state %q",
				domain.ErrInternal, reservationID, docString(rec.Doc, "state"))
		}

		productID := docString(rec.Doc, "product_id")
		qty := docInt(rec.Doc, "quantity")

		if _, err := e.store.Add(ctx, itemKeyPrefix+productID, availableField, qty, nil); err != nil {
			return fmt.Errorf("restore stock for %s: %w", productID, err)
		}

		next := rec
		next.Doc = cloneShallow(rec.Doc)
		next.Doc["state"] = string(domain.ReservationReleased)
		next.Doc["released_at"] = e.now().Format(time.RFC3339Nano)

		_, casErr := e.store.CompareAndSet(ctx, key, rec.Version, next)
		if casErr == nil {
			return nil
		}
		if !errors.Is(casErr, storage.ErrVersionMismatch) {
			return fmt.Errorf("mark reservation %s released: %w", reservationID, casErr)
		}

		// Конкурентный release успел первым: наш инкремент лишний, снимаем
		// его обратно и перечитываем запись.
		if _, err := e.store.Add(ctx, itemKeyPrefix+productID, availableField, -qty, nil); err != nil {
			e.logger.WithError(err).WithField("reservation_id", reservationID).
				Error("failed to undo duplicate stock restore")
		}
	}

	return fmt.Errorf("%w: release %s lost every cas attempt", domain.ErrConflict, reservationID)
}

// Consume закрывает резерв на успехе саги: товар остается списанным.
func (e *Engine) Consume(ctx context.Context, reservationID string) error {
	key := reservationKeyPrefix + reservationID

	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, err := e.store.Get(ctx, key, storage.Strong)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: reservation %s expired before consume", domain.ErrInternal, reservationID)
		}
		if err != nil {
			return fmt.Errorf("read reservation %s: %w", reservationID, err)
		}

		switch domain.ReservationState(docString(rec.Doc, "state")) {
		case domain.ReservationConsumed:
			return nil
		case domain.ReservationReleased:
			return fmt.Errorf("%w: reservation %s was released before consume", domain.ErrInternal, reservationID)
		case domain.ReservationHeld:
		default:
			return fmt.Errorf("%w: reservation %s has unknown state %q",
				domain.ErrInternal, reservationID, docString(rec.Doc, "state"))
		}

		next := rec
		next.Doc = cloneShallow(rec.Doc)
		next.Doc["state"] = string(domain.ReservationConsumed)
		next.Doc["consumed_at"] = e.now().Format(time.RFC3339Nano)

		_, casErr := e.store.CompareAndSet(ctx, key, rec.Version, next)
		if casErr == nil {
			return nil
		}
		if !errors.Is(casErr, storage.ErrVersionMismatch) {
			return fmt.Errorf("mark reservation %s consumed: %w", reservationID, casErr)
		}
	}

	return fmt.Errorf("%w: consume %s lost every cas attempt", domain.ErrConflict, reservationID)
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

func cloneShallow(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc)+2)
	for k, v := range doc {
		out[k] = v
	}
	return out
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
