package storage

import (
	"context"
	"errors"
	"time"
)

// Типизированные ошибки хранилища. Всё остальное, что возвращает адаптер,
// оборачивается в ErrUnavailable (транзиентная инфраструктура).
var (
	// ErrConflict — put_if_absent по уже существующему ключу.
	ErrConflict = errors.New("record already exists")
	// ErrVersionMismatch — compare_and_set с устаревшей версией.
	ErrVersionMismatch = errors.New("record version mismatch")
	// ErrGuardFailed — атомарный add нарушил бы guard-предикат.
	ErrGuardFailed = errors.New("guard predicate failed")
	// ErrNotFound — записи с таким ключом нет.
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable — транзиентная ошибка инфраструктуры, можно повторить.
	ErrUnavailable = errors.New("store unavailable")
)

// Consistency задаёт требуемую согласованность чтения.
type Consistency int

const (
	// Eventual — допускается отставшее чтение.
	Eventual Consistency = iota
	// Strong — read-your-writes для всех клиентов.
	Strong
)

// Record — единица хранения. Doc несёт документ произвольной структуры,
// Fields — числовые поля, доступные атомарному Add. Version монотонно
// растёт при каждом успешном compare_and_set.
type Record struct {
	Key       string
	Doc       map[string]any
	Fields    map[string]int64
	Version   int64
	ExpiresAt time.Time
}

// Guard — предикат для Add: значение изменяемого поля после применения
// дельты обязано остаться не меньше Min. Вычисляется атомарно с записью.
type Guard struct {
	Min int64
}

// RecordStore — строго согласованное keyed-хранилище, фундамент всех
// компонентов ядра. Контенция между писателями сериализуется по ключу;
// ключи уникальны для каждой операции, кроме намеренно разделяемых
// записей circuit breaker-а.
type RecordStore interface {
	// PutIfAbsent пишет запись, только если ключа ещё нет; иначе ErrConflict.
	// ttl == 0 означает запись без срока жизни.
	PutIfAbsent(ctx context.Context, rec Record, ttl time.Duration) (Record, error)
	// CompareAndSet перезаписывает запись при совпадении версии; на успехе
	// версия инкрементируется. Иначе ErrVersionMismatch.
	CompareAndSet(ctx context.Context, key string, expectedVersion int64, rec Record) (Record, error)
	// Add атомарно прибавляет delta к числовому полю; guard (если задан)
	// проверяется в той же операции. Возвращает новое значение поля.
	Add(ctx context.Context, key, field string, delta int64, guard *Guard) (int64, error)
	// Get читает запись с заданной согласованностью.
	Get(ctx context.Context, key string, c Consistency) (Record, error)
	// Delete удаляет запись; отсутствие ключа не считается ошибкой.
	Delete(ctx context.Context, key string) error
}

// Pinger опционально реализуется адаптерами для health-проверок.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Scanner опционально реализуется адаптерами, умеющими перечислять живые
// записи по префиксу ключа. Порядок записей не гарантируется; limit <= 0
// отдается на усмотрение реализации.
type Scanner interface {
	Scan(ctx context.Context, prefix string, limit int) ([]Record, error)
}
