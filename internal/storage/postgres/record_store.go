package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/UTKARSH698/CloudFlow/internal/storage"
)

// notExpired отсекает записи с истёкшим TTL: для клиентов они не существуют.
const notExpired = "(expires_at IS NULL OR expires_at > now())"

// RecordStore — реализация storage.RecordStore поверх одной таблицы records.
// Атомарность put_if_absent / compare_and_set / guarded add обеспечивается
// условными INSERT/UPDATE самой базы; PostgreSQL даёт строгую согласованность
// чтений, поэтому параметр consistency не влияет на запросы.
type RecordStore struct {
	db *sql.DB
}

// NewRecordStore создаёт адаптер record store на открытом подключении.
func NewRecordStore(store *Store) *RecordStore {
	return &RecordStore{db: store.DB()}
}

func (r *RecordStore) PutIfAbsent(ctx context.Context, rec storage.Record, ttl time.Duration) (storage.Record, error) {
	doc, fields, err := marshalRecord(rec)
	if err != nil {
		return storage.Record{}, err
	}

	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().UTC().Add(ttl)
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// Сначала убираем мёртвую запись, чтобы ключ с истёкшим TTL можно было занять заново.
	if _, err := r.db.ExecContext(opCtx,
		`DELETE FROM records WHERE k = $1 AND expires_at IS NOT NULL AND expires_at <= now()`,
		rec.Key,
	); err != nil {
		return storage.Record{}, unavailable("purge expired record", err)
	}

	res, err := r.db.ExecContext(opCtx, `
		INSERT INTO records (k, doc, fields, version, expires_at, updated_at)
		VALUES ($1, $2, $3, 1, $4, now())
		ON CONFLICT (k) DO NOTHING
	`, rec.Key, doc, fields, expiresAt)
	if err != nil {
		return storage.Record{}, unavailable("put record", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storage.Record{}, unavailable("put record", err)
	}
	if affected == 0 {
		return storage.Record{}, storage.ErrConflict
	}

	stored := rec
	stored.Version = 1
	if ttl > 0 {
		stored.ExpiresAt = expiresAt.(time.Time)
	}
	return stored, nil
}

func (r *RecordStore) CompareAndSet(ctx context.Context, key string, expectedVersion int64, rec storage.Record) (storage.Record, error) {
	doc, fields, err := marshalRecord(rec)
	if err != nil {
		return storage.Record{}, err
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var newVersion int64
	err = r.db.QueryRowContext(opCtx, `
		UPDATE records
		SET doc = $2, fields = $3, version = version + 1, updated_at = now()
		WHERE k = $1 AND version = $4 AND `+notExpired+`
		RETURNING version
	`, key, doc, fields, expectedVersion).Scan(&newVersion)
	if err == nil {
		stored := rec
		stored.Key = key
		stored.Version = newVersion
		return stored, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return storage.Record{}, unavailable("cas record", err)
	}

	// UPDATE не нашёл строку: различаем отсутствие ключа и конфликт версий.
	if _, getErr := r.Get(ctx, key, storage.Strong); getErr != nil {
		return storage.Record{}, getErr
	}
	return storage.Record{}, storage.ErrVersionMismatch
}

func (r *RecordStore) Add(ctx context.Context, key, field string, delta int64, guard *storage.Guard) (int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		UPDATE records
		SET fields = jsonb_set(fields, ARRAY[$2],
			to_jsonb(COALESCE((fields->>$2)::bigint, 0) + $3)),
			updated_at = now()
		WHERE k = $1 AND ` + notExpired
	args := []any{key, field, delta}
	if guard != nil {
		// Guard проверяется тем же UPDATE, что и запись: никакая конкурентная
		// транзакция не может пройти проверку на одном и том же остатке дважды.
		query += ` AND COALESCE((fields->>$2)::bigint, 0) + $3 >= $4`
		args = append(args, guard.Min)
	}
	query += ` RETURNING (fields->>$2)::bigint`

	var next int64
	err := r.db.QueryRowContext(opCtx, query, args...).Scan(&next)
	if err == nil {
		return next, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, unavailable("add record field", err)
	}

	rec, getErr := r.Get(ctx, key, storage.Strong)
	if getErr != nil {
		return 0, getErr
	}
	return rec.Fields[field], storage.ErrGuardFailed
}

func (r *RecordStore) Get(ctx context.Context, key string, _ storage.Consistency) (storage.Record, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		docRaw    []byte
		fieldsRaw []byte
		version   int64
		expiresAt sql.NullTime
	)
	err := r.db.QueryRowContext(opCtx, `
		SELECT doc, fields, version, expires_at
		FROM records
		WHERE k = $1 AND `+notExpired+`
	`, key).Scan(&docRaw, &fieldsRaw, &version, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Record{}, storage.ErrNotFound
		}
		return storage.Record{}, unavailable("get record", err)
	}

	rec := storage.Record{Key: key, Version: version}
	if expiresAt.Valid {
		rec.ExpiresAt = expiresAt.Time
	}
	if len(docRaw) > 0 {
		if err := json.Unmarshal(docRaw, &rec.Doc); err != nil {
			return storage.Record{}, fmt.Errorf("decode record doc %s: %w", key, err)
		}
	}
	if len(fieldsRaw) > 0 {
		if err := json.Unmarshal(fieldsRaw, &rec.Fields); err != nil {
			return storage.Record{}, fmt.Errorf("decode record fields %s: %w", key, err)
		}
	}
	return rec, nil
}

func (r *RecordStore) Delete(ctx context.Context, key string) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(opCtx, `DELETE FROM records WHERE k = $1`, key); err != nil {
		return unavailable("delete record", err)
	}
	return nil
}

// DeleteExpired удаляет записи с истёкшим TTL (до limit за проход).
// PostgreSQL не реаперит TTL сам, поэтому воркер очистки обязателен.
func (r *RecordStore) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}
	if limit <= 0 {
		limit = 500
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(opCtx, `
		DELETE FROM records
		WHERE k IN (
			SELECT k FROM records
			WHERE expires_at IS NOT NULL AND expires_at <= $1
			LIMIT $2
		)
	`, before, limit)
	if err != nil {
		return 0, unavailable("delete expired records", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("delete expired records", err)
	}
	return int(affected), nil
}

// Scan возвращает живые записи с ключами, начинающимися с prefix.
// Префиксы ключей ядра не содержат LIKE-метасимволов.
func (r *RecordStore) Scan(ctx context.Context, prefix string, limit int) ([]storage.Record, error) {
	if limit <= 0 {
		limit = 100
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(opCtx, `
		SELECT k, doc, fields, version, expires_at
		FROM records
		WHERE k LIKE $1 || '%' AND `+notExpired+`
		ORDER BY k
		LIMIT $2
	`, prefix, limit)
	if err != nil {
		return nil, unavailable("scan records", err)
	}
	defer rows.Close()

	var out []storage.Record
	for rows.Next() {
		var (
			key       string
			docRaw    []byte
			fieldsRaw []byte
			version   int64
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&key, &docRaw, &fieldsRaw, &version, &expiresAt); err != nil {
			return nil, unavailable("scan records", err)
		}

		rec := storage.Record{Key: key, Version: version}
		if expiresAt.Valid {
			rec.ExpiresAt = expiresAt.Time
		}
		if len(docRaw) > 0 {
			if err := json.Unmarshal(docRaw, &rec.Doc); err != nil {
				return nil, fmt.Errorf("decode record doc %s: %w", key, err)
			}
		}
		if len(fieldsRaw) > 0 {
			if err := json.Unmarshal(fieldsRaw, &rec.Fields); err != nil {
				return nil, fmt.Errorf("decode record fields %s: %w", key, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("scan records", err)
	}
	return out, nil
}

// Ping пробрасывается в health-проверки приложения.
func (r *RecordStore) Ping(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.db.PingContext(opCtx)
}

func marshalRecord(rec storage.Record) ([]byte, []byte, error) {
	docValue := rec.Doc
	if docValue == nil {
		docValue = map[string]any{}
	}
	doc, err := json.Marshal(docValue)
	if err != nil {
		return nil, nil, fmt.Errorf("encode record doc %s: %w", rec.Key, err)
	}

	fieldsValue := rec.Fields
	if fieldsValue == nil {
		fieldsValue = map[string]int64{}
	}
	fields, err := json.Marshal(fieldsValue)
	if err != nil {
		return nil, nil, fmt.Errorf("encode record fields %s: %w", rec.Key, err)
	}
	return doc, fields, nil
}

// unavailable приводит ошибки драйвера к транзиентной категории хранилища.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", storage.ErrUnavailable, op, err)
}

var (
	_ storage.RecordStore = (*RecordStore)(nil)
	_ storage.Scanner     = (*RecordStore)(nil)
)
