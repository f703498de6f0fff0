package storage

import (
	"context"
	"fmt"
	"time"
)

// OutboxRepository is the relay's view of the outbox table. Rows move
// pending -> processing -> published, or back to pending on failure until
// max_retries is spent.
type OutboxRepository struct {
	db *DB
}

func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// FetchPending returns pending rows in insertion order.
func (r *OutboxRepository) FetchPending(ctx context.Context, limit int) ([]OutboxMessage, error) {
	const sql = `
		SELECT id, event_id, transfer_id, payload, status, retry_count, max_retries,
		       last_error, created_at, processed_at, published_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY id ASC
		LIMIT $1`

	rows, err := r.db.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		err := rows.Scan(
			&msg.ID, &msg.EventID, &msg.TransferID, &msg.Payload, &msg.Status,
			&msg.RetryCount, &msg.MaxRetries, &msg.LastError,
			&msg.CreatedAt, &msg.ProcessedAt, &msg.PublishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkProcessing claims pending rows and returns the ids this caller won.
func (r *OutboxRepository) MarkProcessing(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	const sql = `
		UPDATE outbox
		SET status = 'processing', processed_at = $1
		WHERE id = ANY($2) AND status = 'pending'
		RETURNING id`
	rows, err := r.db.pool.Query(ctx, sql, time.Now().UTC(), ids)
	if err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}
	defer rows.Close()

	var claimed []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		claimed = append(claimed, id)
	}
	return claimed, rows.Err()
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.pool.Exec(ctx,
		`UPDATE outbox SET status = 'published', published_at = $1 WHERE id = ANY($2)`,
		time.Now().UTC(), ids,
	)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// Unclaim returns claimed rows to pending without spending a retry.
func (r *OutboxRepository) Unclaim(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.pool.Exec(ctx,
		`UPDATE outbox SET status = 'pending', processed_at = NULL WHERE id = ANY($1) AND status = 'processing'`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("unclaim: %w", err)
	}
	return nil
}

// MarkFailed returns the row to pending, or parks it as failed once its
// retries are spent.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	const sql = `
		UPDATE outbox
		SET status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
		    retry_count = retry_count + 1,
		    last_error = $1,
		    processed_at = NULL
		WHERE id = $2`
	if _, err := r.db.pool.Exec(ctx, sql, errMsg, id); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// RequeueStale returns rows stuck in processing for longer than age to
// pending. A relay that died between claim and publish leaves such rows.
func (r *OutboxRepository) RequeueStale(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := r.db.pool.Exec(ctx,
		`UPDATE outbox SET status = 'pending', processed_at = NULL
		 WHERE status = 'processing' AND processed_at < $1`,
		time.Now().UTC().Add(-age),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	return tag.RowsAffected(), nil
}
