package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/domain/lifecycle"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/domain/model"
)

// EnvelopeRepository — хранилище конвертов (Envelope Store).
// Дедупликация по (source, idempotency_key); статусные переходы
// выполняются условными UPDATE, гарантируя FSM на уровне БД.
type EnvelopeRepository interface {
	// Insert сохраняет новый конверт. ErrConflict при повторном ключе.
	Insert(ctx context.Context, e *model.Envelope) error
	// Get возвращает конверт по источнику и ключу идемпотентности.
	Get(ctx context.Context, source, key string) (*model.Envelope, error)
	// ClaimForProcessing переводит pending/retry_scheduled конверт в processing
	// и инкрементирует счётчик попыток. ErrInvalidState, если конверт
	// не готов к обработке (уже обрабатывается или терминален).
	ClaimForProcessing(ctx context.Context, source, key string) (*model.Envelope, error)
	// MarkCommitted фиксирует успешный коммит версии.
	MarkCommitted(ctx context.Context, source, key, versionID string) error
	// MarkRetryScheduled откладывает конверт до nextAttemptAt.
	MarkRetryScheduled(ctx context.Context, source, key string, nextAttemptAt time.Time, lastError string) error
	// MarkDeadLettered переводит конверт в терминальное dead_lettered.
	MarkDeadLettered(ctx context.Context, source, key, lastError string) error
	// ResetForReplay возвращает dead_lettered конверт в pending.
	// Только для ручного административного replay.
	ResetForReplay(ctx context.Context, source, key string) error
	// ListDeadLettered возвращает dead_lettered конверты для инспекции.
	ListDeadLettered(ctx context.Context, limit, offset int) ([]*model.Envelope, int, error)
	// ListDueRetries возвращает конверты, у которых наступил срок повтора.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*model.Envelope, error)
	// RecoverStale возвращает в pending конверты, застрявшие в pending или
	// processing дольше staleAfter (восстановление после рестарта: внутренняя
	// очередь не переживает перезапуск процесса, durable-состояние — БД).
	RecoverStale(ctx context.Context, staleAfter time.Duration, limit int) ([]*model.Envelope, error)
}

// envelopeRepo — реализация EnvelopeRepository.
type envelopeRepo struct {
	db DBTX
}

// NewEnvelopeRepository создаёт репозиторий конвертов.
func NewEnvelopeRepository(db DBTX) EnvelopeRepository {
	return &envelopeRepo{db: db}
}

// envelopeColumns — список колонок для SELECT конверта.
const envelopeColumns = `source, idempotency_key, operation, content_id, payload,
	status, attempts, next_attempt_at, last_error, result_version_id,
	received_at, updated_at`

func (r *envelopeRepo) Insert(ctx context.Context, e *model.Envelope) error {
	// Пустая operation допустима только для rejected конвертов:
	// сырое значение, не прошедшее валидацию, хранится в last_error.
	query := `
		INSERT INTO envelopes (source, idempotency_key, operation, content_id,
			payload, status, last_error, received_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, '')::uuid, $5, $6, $7, $8)
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		e.Source, e.IdempotencyKey, e.Operation, e.ContentID,
		e.Payload, e.Status, e.LastError, e.ReceivedAt,
	).Scan(&e.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: конверт с таким ключом уже принят", ErrConflict)
		}
		return fmt.Errorf("ошибка сохранения конверта: %w", err)
	}
	return nil
}

func (r *envelopeRepo) Get(ctx context.Context, source, key string) (*model.Envelope, error) {
	query := `SELECT ` + envelopeColumns + `
		FROM envelopes
		WHERE source = $1 AND idempotency_key = $2`

	return scanEnvelope(r.db.QueryRow(ctx, query, source, key))
}

func (r *envelopeRepo) ClaimForProcessing(ctx context.Context, source, key string) (*model.Envelope, error) {
	// Условный UPDATE — единственная точка перехода в processing.
	// Конкурентный claim того же конверта вернёт ErrInvalidState.
	query := `
		UPDATE envelopes
		SET status = 'processing', attempts = attempts + 1, updated_at = now()
		WHERE source = $1 AND idempotency_key = $2
			AND status IN ('pending', 'retry_scheduled')
		RETURNING ` + envelopeColumns

	e, err := scanEnvelope(r.db.QueryRow(ctx, query, source, key))
	if err == nil {
		return e, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	// Конверт существует, но не в подходящем статусе?
	if _, getErr := r.Get(ctx, source, key); getErr == nil {
		return nil, ErrInvalidState
	}
	return nil, ErrNotFound
}

func (r *envelopeRepo) MarkCommitted(ctx context.Context, source, key, versionID string) error {
	query := `
		UPDATE envelopes
		SET status = 'committed', result_version_id = $3, last_error = '', updated_at = now()
		WHERE source = $1 AND idempotency_key = $2 AND status = 'processing'`

	return r.conditionalUpdate(ctx, query, source, key, versionID)
}

func (r *envelopeRepo) MarkRetryScheduled(ctx context.Context, source, key string, nextAttemptAt time.Time, lastError string) error {
	query := `
		UPDATE envelopes
		SET status = 'retry_scheduled', next_attempt_at = $3, last_error = $4, updated_at = now()
		WHERE source = $1 AND idempotency_key = $2 AND status = 'processing'`

	return r.conditionalUpdate(ctx, query, source, key, nextAttemptAt, lastError)
}

func (r *envelopeRepo) MarkDeadLettered(ctx context.Context, source, key, lastError string) error {
	query := `
		UPDATE envelopes
		SET status = 'dead_lettered', next_attempt_at = NULL, last_error = $3, updated_at = now()
		WHERE source = $1 AND idempotency_key = $2
			AND status IN ('pending', 'processing', 'retry_scheduled')`

	return r.conditionalUpdate(ctx, query, source, key, lastError)
}

func (r *envelopeRepo) ResetForReplay(ctx context.Context, source, key string) error {
	query := `
		UPDATE envelopes
		SET status = 'pending', attempts = 0, next_attempt_at = NULL,
			last_error = '', updated_at = now()
		WHERE source = $1 AND idempotency_key = $2 AND status = 'dead_lettered'`

	return r.conditionalUpdate(ctx, query, source, key)
}

// conditionalUpdate выполняет условный UPDATE и различает
// «не найден» и «не в том статусе».
func (r *envelopeRepo) conditionalUpdate(ctx context.Context, query, source, key string, extraArgs ...any) error {
	args := append([]any{source, key}, extraArgs...)

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса конверта: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	if _, getErr := r.Get(ctx, source, key); getErr == nil {
		return ErrInvalidState
	}
	return ErrNotFound
}

func (r *envelopeRepo) ListDeadLettered(ctx context.Context, limit, offset int) ([]*model.Envelope, int, error) {
	var total int
	if err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM envelopes WHERE status = 'dead_lettered'`,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ошибка подсчёта dead-letter конвертов: %w", err)
	}

	query := `SELECT ` + envelopeColumns + `
		FROM envelopes
		WHERE status = 'dead_lettered'
		ORDER BY updated_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка получения dead-letter конвертов: %w", err)
	}
	defer rows.Close()

	result, err := collectEnvelopes(rows)
	if err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

func (r *envelopeRepo) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*model.Envelope, error) {
	query := `SELECT ` + envelopeColumns + `
		FROM envelopes
		WHERE status = 'retry_scheduled' AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки конвертов для повтора: %w", err)
	}
	defer rows.Close()

	return collectEnvelopes(rows)
}

func (r *envelopeRepo) RecoverStale(ctx context.Context, staleAfter time.Duration, limit int) ([]*model.Envelope, error) {
	query := `
		UPDATE envelopes
		SET status = 'pending', updated_at = now()
		WHERE (source, idempotency_key) IN (
			SELECT source, idempotency_key FROM envelopes
			WHERE status IN ('pending', 'processing')
				AND updated_at < now() - $1::interval
			ORDER BY updated_at
			LIMIT $2
		)
		RETURNING ` + envelopeColumns

	rows, err := r.db.Query(ctx, query, staleAfter, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка восстановления застрявших конвертов: %w", err)
	}
	defer rows.Close()

	return collectEnvelopes(rows)
}

// scanEnvelope читает конверт из строки результата.
// Статус проверяется конечным автоматом жизненного цикла.
func scanEnvelope(row pgx.Row) (*model.Envelope, error) {
	e := &model.Envelope{}
	var operation, contentID, resultVersionID *string
	var status string

	err := row.Scan(
		&e.Source, &e.IdempotencyKey, &operation, &contentID, &e.Payload,
		&status, &e.Attempts, &e.NextAttemptAt, &e.LastError, &resultVersionID,
		&e.ReceivedAt, &e.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка чтения конверта: %w", err)
	}

	e.Status, err = lifecycle.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения конверта: %w", err)
	}
	if operation != nil {
		e.Operation = model.Operation(*operation)
	}
	if contentID != nil {
		e.ContentID = *contentID
	}
	if resultVersionID != nil {
		e.ResultVersionID = *resultVersionID
	}
	return e, nil
}

// collectEnvelopes читает все конверты из результата запроса.
func collectEnvelopes(rows pgx.Rows) ([]*model.Envelope, error) {
	var result []*model.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка обхода конвертов: %w", err)
	}
	return result, nil
}
