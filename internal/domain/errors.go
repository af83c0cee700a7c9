package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerRequired = errors.New("customer_id is required")
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка отсутствующего идентификатора товара в позиции или резерве.
	ErrProductIDRequired = errors.New("product_id is required")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item quantity must be greater than zero")
	// Ошибка, если цена позиции меньше одной минимальной единицы.
	ErrItemPriceInvalid = errors.New("item unit price must be at least 1")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order total does not match items sum")
	// Ошибка некорректной суммы заказа.
	ErrAmountInvalid = errors.New("order total must be at least 1")
	// Ошибка отсутствующего идентификатора заказа в резервах/платежах.
	ErrOrderIDRequired = errors.New("order_id is required")
	// Ошибка некорректного количества в резерве.
	ErrReservationQtyInvalid = errors.New("reservation quantity must be greater than zero")

	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderTerminal сигнализирует попытку перехода из терминального статуса.
	ErrOrderTerminal = errors.New("order is in terminal state")
	// ErrConflict — конкурентная или дублирующая логическая операция.
	ErrConflict = errors.New("conflict")
	// ErrInsufficientStock — на складе недостаточно товара (не ретраится).
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrPaymentDeclined — платёж отклонён провайдером (бизнес-ошибка).
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrCircuitOpen — вызов отклонён circuit breaker-ом.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrUnavailable — временная инфраструктурная ошибка, можно повторить попытку.
	ErrUnavailable = errors.New("temporarily unavailable")
	// ErrTimeout — шаг не уложился в дедлайн.
	ErrTimeout = errors.New("operation timed out")
	// ErrInternal — нарушение инварианта; фатально для текущей саги.
	ErrInternal = errors.New("internal invariant violation")
	// ErrReleaseAfterConsume — попытка release по уже consumed-резерву.
	ErrReleaseAfterConsume = errors.New("release after consume")
	// ErrInProgress — операция с тем же идемпотентным ключом ещё выполняется.
	ErrInProgress = errors.New("operation already in progress")
	// ErrValidation — некорректный клиентский ввод; наружу, никогда внутрь саги.
	ErrValidation = errors.New("validation failed")
)

// InsufficientStockError уточняет нехватку товара конкретной позиции.
type InsufficientStockError struct {
	ProductID string
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// PaymentDeclinedError несёт причину отказа провайдера.
type PaymentDeclinedError struct {
	Reason string
}

func (e *PaymentDeclinedError) Error() string {
	return fmt.Sprintf("payment declined: %s", e.Reason)
}

func (e *PaymentDeclinedError) Unwrap() error { return ErrPaymentDeclined }

// CircuitOpenError сообщает, когда можно повторить обращение к зависимости.
type CircuitOpenError struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q is open, retry after %s", e.Dependency, e.RetryAfter)
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// ErrorKind — вид ошибки из таксономии §7; используется для сериализации
// исходов в идемпотентных записях и для классификации ретраев.
type ErrorKind string

const (
	KindValidation        ErrorKind = "VALIDATION"
	KindConflict          ErrorKind = "CONFLICT"
	KindInsufficientStock ErrorKind = "INSUFFICIENT_STOCK"
	KindPaymentDeclined   ErrorKind = "PAYMENT_DECLINED"
	KindCircuitOpen       ErrorKind = "CIRCUIT_OPEN"
	KindUnavailable       ErrorKind = "UNAVAILABLE"
	KindTimeout           ErrorKind = "TIMEOUT"
	KindInternal          ErrorKind = "INTERNAL"
)

// Kind классифицирует произвольную ошибку по таксономии.
func Kind(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInsufficientStock):
		return KindInsufficientStock
	case errors.Is(err, ErrPaymentDeclined):
		return KindPaymentDeclined
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInProgress):
		return KindConflict
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	default:
		return KindInternal
	}
}

// Retryable реализует политику по умолчанию: инфраструктурные ошибки
// ретраятся, нарушения бизнес-правил — нет.
func Retryable(err error) bool {
	switch Kind(err) {
	case KindUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

// FromKind восстанавливает ошибку из сериализованного вида. Детали
// структурных ошибок переживают replay идемпотентной записи.
func FromKind(kind ErrorKind, msg string, details map[string]any) error {
	switch kind {
	case KindValidation:
		return fmt.Errorf("%w: %s", ErrValidation, msg)
	case KindInsufficientStock:
		return &InsufficientStockError{
			ProductID: detailString(details, "product_id"),
			Requested: detailInt(details, "requested"),
			Available: detailInt(details, "available"),
		}
	case KindPaymentDeclined:
		return &PaymentDeclinedError{Reason: detailString(details, "reason")}
	case KindCircuitOpen:
		return &CircuitOpenError{
			Dependency: detailString(details, "dependency"),
			RetryAfter: time.Duration(detailInt(details, "retry_after_ms")) * time.Millisecond,
		}
	case KindConflict:
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	case KindUnavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, msg)
	case KindTimeout:
		return fmt.Errorf("%w: %s", ErrTimeout, msg)
	default:
		return fmt.Errorf("%w: %s", ErrInternal, msg)
	}
}

// Details сериализует структурные поля ошибки для хранения рядом с kind.
func Details(err error) map[string]any {
	var stock *InsufficientStockError
	if errors.As(err, &stock) {
		return map[string]any{
			"product_id": stock.ProductID,
			"requested":  stock.Requested,
			"available":  stock.Available,
		}
	}
	var declined *PaymentDeclinedError
	if errors.As(err, &declined) {
		return map[string]any{"reason": declined.Reason}
	}
	var open *CircuitOpenError
	if errors.As(err, &open) {
		return map[string]any{
			"dependency":     open.Dependency,
			"retry_after_ms": open.RetryAfter.Milliseconds(),
		}
	}
	return nil
}

func detailString(details map[string]any, key string) string {
	if details == nil {
		return ""
	}
	if v, ok := details[key].(string); ok {
		return v
	}
	return ""
}

func detailInt(details map[string]any, key string) int64 {
	if details == nil {
		return 0
	}
	switch v := details[key].(type) {
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
