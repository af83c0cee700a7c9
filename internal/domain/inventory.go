package domain

import "time"

// InventoryItem описывает складскую позицию.
// Инвариант available >= 0 обеспечивается guarded-декрементом хранилища.
type InventoryItem struct {
	ProductID      string
	Available      int64
	UnitPriceMinor int64
	UpdatedAt      time.Time
}

// ReservationState отражает состояние резерва товара под заказ.
type ReservationState string

const (
	// ReservationHeld — декремент склада выполнен и ещё не компенсирован.
	ReservationHeld ReservationState = "HELD"
	// ReservationReleased — резерв снят, количество возвращено на склад.
	ReservationReleased ReservationState = "RELEASED"
	// ReservationConsumed — резерв закрыт успешной сагой без возврата на склад.
	ReservationConsumed ReservationState = "CONSUMED"
)

// Reservation описывает резервирование одной позиции под заказ.
type Reservation struct {
	ID        string
	OrderID   string
	ProductID string
	Quantity  int32
	State     ReservationState
	CreatedAt time.Time
	// ExpiresAt — TTL резерва; последний рубеж, если компенсация так и не прошла.
	ExpiresAt time.Time
}

// Validate проверяет, корректно ли заполнены ключевые поля резервирования.
func (r *Reservation) Validate() []error {
	var errs []error

	if r.OrderID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if r.ProductID == "" {
		errs = append(errs, ErrProductIDRequired)
	}
	if r.Quantity <= 0 {
		errs = append(errs, ErrReservationQtyInvalid)
	}

	return errs
}
