package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/marko911/layerbridge/internal/transfer"
	protov1 "github.com/marko911/layerbridge/pkg/proto/v1"
)

var _ transfer.OutboxStore = (*TransferRepository)(nil)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// TransferRepository stores each record as a JSONB document next to the
// columns the coordinator filters on. Writes that carry an event append it
// to the outbox in the same transaction.
type TransferRepository struct {
	db *DB
}

func NewTransferRepository(db *DB) *TransferRepository {
	return &TransferRepository{db: db}
}

func (r *TransferRepository) Create(ctx context.Context, rec *transfer.Record) error {
	return insertTransfer(ctx, r.db.pool, rec)
}

func (r *TransferRepository) CreateWithEvent(ctx context.Context, rec *transfer.Record, event *protov1.TransferEvent) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := insertTransfer(ctx, tx, rec); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, event)
	})
}

func (r *TransferRepository) Put(ctx context.Context, rec *transfer.Record) error {
	return updateTransfer(ctx, r.db.pool, rec)
}

func (r *TransferRepository) PutWithEvent(ctx context.Context, rec *transfer.Record, event *protov1.TransferEvent) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := updateTransfer(ctx, tx, rec); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, event)
	})
}

func (r *TransferRepository) Get(ctx context.Context, id string) (*transfer.Record, error) {
	var doc []byte
	err := r.db.pool.QueryRow(ctx, `SELECT record FROM transfers WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, transfer.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query transfer %s: %w", id, err)
	}
	return decodeRecord(doc)
}

func (r *TransferRepository) Scan(ctx context.Context, phases ...transfer.Phase) ([]*transfer.Record, error) {
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = p.String()
	}

	const sql = `
		SELECT record FROM transfers
		WHERE cardinality($1::text[]) = 0 OR phase = ANY($1)
		ORDER BY created_at, id`
	rows, err := r.db.pool.Query(ctx, sql, names)
	if err != nil {
		return nil, fmt.Errorf("scan transfers: %w", err)
	}
	defer rows.Close()

	var out []*transfer.Record
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rec, err := decodeRecord(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func insertTransfer(ctx context.Context, q execer, rec *transfer.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode transfer %s: %w", rec.ID, err)
	}

	const sql = `
		INSERT INTO transfers (id, source, destination, phase, reason, record, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`
	tag, err := q.Exec(ctx, sql,
		rec.ID,
		rec.Source.String(),
		rec.Destination.String(),
		rec.Phase.String(),
		string(rec.Reason),
		doc,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return transfer.ErrDuplicateTransfer
	}
	return nil
}

func updateTransfer(ctx context.Context, q execer, rec *transfer.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode transfer %s: %w", rec.ID, err)
	}

	const sql = `
		UPDATE transfers
		SET phase = $2, reason = $3, record = $4, updated_at = $5
		WHERE id = $1`
	tag, err := q.Exec(ctx, sql, rec.ID, rec.Phase.String(), string(rec.Reason), doc, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update transfer %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return transfer.ErrNotFound
	}
	return nil
}

func insertOutbox(ctx context.Context, q execer, event *protov1.TransferEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.EventId, err)
	}
	_, err = q.Exec(ctx,
		`INSERT INTO outbox (event_id, transfer_id, payload) VALUES ($1, $2, $3)`,
		event.EventId, event.TransferId, payload,
	)
	if err != nil {
		return fmt.Errorf("insert outbox %s: %w", event.EventId, err)
	}
	return nil
}

func decodeRecord(doc []byte) (*transfer.Record, error) {
	var rec transfer.Record
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("decode transfer: %w", err)
	}
	return &rec, nil
}
