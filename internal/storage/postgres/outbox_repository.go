package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

const (
	outboxStatusPending = "pending"
	outboxStatusSent    = "sent"
	outboxStatusFailed  = "failed"

	defaultOutboxBatch = 100
)

// rentalOutbox — transactional outbox событий аренды и компенсаций в таблице outbox_messages.
// Тело события хранится как JSONB, чтобы по нему можно было искать из SQL.
type rentalOutbox struct {
	db  *sql.DB
	now func() time.Time
}

// NewOutboxRepository создаёт PostgreSQL-реализацию OutboxRepository.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &rentalOutbox{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue проверяет событие и ставит его в очередь; порядок выдачи задаёт seq, а не время.
func (o *rentalOutbox) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if err := msg.Validate(); err != nil {
		return domain.OutboxMessage{}, err
	}
	if len(msg.Payload) == 0 {
		msg.Payload = []byte("{}")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	ctx, cancel := withTimeout(context.Background())
	defer cancel()

	now := o.now()
	if _, err := o.db.ExecContext(ctx, `
		INSERT INTO outbox_messages (
			id, aggregate_type, aggregate_id, event_type, payload, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $7)
	`,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, string(msg.Payload), outboxStatusPending, now,
	); err != nil {
		if isUniqueViolation(err) {
			return domain.OutboxMessage{}, fmt.Errorf("%w: outbox id %s already enqueued", domain.ErrOutboxMessageInvalid, msg.ID)
		}
		return domain.OutboxMessage{}, fmt.Errorf("enqueue %s for %s %s: %w", msg.EventType, msg.AggregateType, msg.AggregateID, err)
	}
	return msg, nil
}

// PullPending возвращает до limit pending-событий в порядке постановки.
func (o *rentalOutbox) PullPending(limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultOutboxBatch
	}

	ctx, cancel := withTimeout(context.Background())
	defer cancel()

	rows, err := o.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload::text
		FROM outbox_messages
		WHERE status = $1
		ORDER BY seq
		LIMIT $2
	`, outboxStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("pull pending outbox messages: %w", err)
	}
	defer rows.Close()

	events := make([]domain.OutboxMessage, 0, limit)
	for rows.Next() {
		msg, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return events, nil
}

func scanOutboxMessage(rows *sql.Rows) (domain.OutboxMessage, error) {
	var (
		msg     domain.OutboxMessage
		payload string
	)
	if err := rows.Scan(&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &payload); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("scan outbox message: %w", err)
	}
	msg.Payload = []byte(payload)
	return msg, nil
}

// Stats считает backlog и события, исчерпавшие попытки публикации, одним запросом.
func (o *rentalOutbox) Stats() (domain.OutboxStats, error) {
	ctx, cancel := withTimeout(context.Background())
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	if err := o.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = $1),
			MIN(created_at) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2)
		FROM outbox_messages
	`, outboxStatusPending, outboxStatusFailed).Scan(&stats.PendingCount, &oldest, &stats.FailedCount); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats query failed: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (o *rentalOutbox) MarkSent(id string) error {
	return o.transition(id, outboxStatusSent)
}

// MarkFailed переводит событие в failed: дальше его ведёт DLQ и ручной replay.
func (o *rentalOutbox) MarkFailed(id string) error {
	return o.transition(id, outboxStatusFailed)
}

// transition меняет статус только pending-события; повторная отметка даёт ErrOutboxPublish.
func (o *rentalOutbox) transition(id, status string) error {
	ctx, cancel := withTimeout(context.Background())
	defer cancel()

	res, err := o.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $2,
		    attempt_count = attempt_count + 1,
		    updated_at = $3
		WHERE id = $1 AND status = $4
	`, id, status, o.now(), outboxStatusPending)
	if err != nil {
		return fmt.Errorf("mark outbox message %s as %s: %w", id, status, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for outbox %s: %w", status, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: outbox message %s is not pending", domain.ErrOutboxPublish, id)
	}
	return nil
}

var _ domain.OutboxRepository = (*rentalOutbox)(nil)
