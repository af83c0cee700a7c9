package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/UTKARSH698/CloudFlow/internal/storage"
)

// Store — in-memory реализация RecordStore для локальной разработки и тестов.
// Все операции атомарны под одним мьютексом; TTL применяется лениво при
// обращении к ключу.
type Store struct {
	mu    sync.Mutex
	items map[string]storage.Record
	now   func() time.Time
}

// NewStore возвращает пустое in-memory хранилище.
func NewStore() *Store {
	return NewStoreWithClock(nil)
}

// NewStoreWithClock позволяет подменить источник времени (для TTL-тестов).
func NewStoreWithClock(now func() time.Time) *Store {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		items: make(map[string]storage.Record),
		now:   now,
	}
}

// PutIfAbsent пишет запись, только если живого ключа ещё нет.
func (s *Store) PutIfAbsent(ctx context.Context, rec storage.Record, ttl time.Duration) (storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return storage.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(rec.Key)
	if _, exists := s.items[rec.Key]; exists {
		return storage.Record{}, storage.ErrConflict
	}

	stored := cloneRecord(rec)
	stored.Version = 1
	if ttl > 0 {
		stored.ExpiresAt = s.now().Add(ttl)
	}
	s.items[rec.Key] = stored
	return cloneRecord(stored), nil
}

// CompareAndSet перезаписывает запись при совпадении версии.
func (s *Store) CompareAndSet(ctx context.Context, key string, expectedVersion int64, rec storage.Record) (storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return storage.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	current, ok := s.items[key]
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	if current.Version != expectedVersion {
		return storage.Record{}, storage.ErrVersionMismatch
	}

	stored := cloneRecord(rec)
	stored.Key = key
	stored.Version = expectedVersion + 1
	if stored.ExpiresAt.IsZero() {
		stored.ExpiresAt = current.ExpiresAt
	}
	s.items[key] = stored
	return cloneRecord(stored), nil
}

// Add атомарно прибавляет delta к числовому полю с опциональным guard-ом.
func (s *Store) Add(ctx context.Context, key, field string, delta int64, guard *storage.Guard) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	current, ok := s.items[key]
	if !ok {
		return 0, storage.ErrNotFound
	}

	next := current.Fields[field] + delta
	if guard != nil && next < guard.Min {
		return current.Fields[field], storage.ErrGuardFailed
	}

	if current.Fields == nil {
		current.Fields = make(map[string]int64)
	}
	current.Fields[field] = next
	s.items[key] = current
	return next, nil
}

// Get читает запись. In-memory хранилище всегда строго согласованно,
// поэтому consistency не влияет на результат.
func (s *Store) Get(ctx context.Context, key string, _ storage.Consistency) (storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return storage.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	rec, ok := s.items[key]
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Delete удаляет запись; отсутствующий ключ — не ошибка.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)
	return nil
}

// Ping всегда успешен для in-memory хранилища.
func (s *Store) Ping(context.Context) error { return nil }

// Scan возвращает живые записи с ключами, начинающимися с prefix.
func (s *Store) Scan(ctx context.Context, prefix string, limit int) ([]storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]storage.Record, 0)
	for key, rec := range s.items {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !rec.ExpiresAt.IsZero() && !rec.ExpiresAt.After(now) {
			continue
		}
		out = append(out, cloneRecord(rec))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// DeleteExpired удаляет записи с истёкшим TTL (до limit за проход).
// Используется cleanup-воркером; ленивое истечение при чтении остаётся
// основным механизмом.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if before.IsZero() {
		before = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.items {
		if rec.ExpiresAt.IsZero() || rec.ExpiresAt.After(before) {
			continue
		}
		delete(s.items, key)
		removed++
		if limit > 0 && removed >= limit {
			break
		}
	}
	return removed, nil
}

// Len возвращает число живых записей (используется в тестах).
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store) expireLocked(key string) {
	rec, ok := s.items[key]
	if !ok {
		return
	}
	if !rec.ExpiresAt.IsZero() && !rec.ExpiresAt.After(s.now()) {
		delete(s.items, key)
	}
}

// cloneRecord копирует запись, чтобы избежать непредсказуемых мутаций извне.
func cloneRecord(src storage.Record) storage.Record {
	dst := src
	if src.Doc != nil {
		dst.Doc = cloneDoc(src.Doc)
	}
	if src.Fields != nil {
		dst.Fields = make(map[string]int64, len(src.Fields))
		for k, v := range src.Fields {
			dst.Fields[k] = v
		}
	}
	return dst
}

func cloneDoc(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneDoc(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(typed))
		copy(out, typed)
		return out
	default:
		return v
	}
}

var (
	_ storage.RecordStore = (*Store)(nil)
	_ storage.Scanner     = (*Store)(nil)
)
