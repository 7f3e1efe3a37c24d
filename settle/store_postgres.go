package settle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"compensa/ledger"
)

// PGStore implements Store on Postgres. Conclusion and rollback updates guard
// on concluded_at IS NULL so a concluded settlement can never be rewritten.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Insert(ctx context.Context, rec Record) error {
	deltas, err := json.Marshal(rec.Deltas)
	if err != nil {
		return fmt.Errorf("settle: marshal deltas: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO settlements (id, target_id, kind, amount, deltas, rolled_back, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)`,
		rec.ID, rec.TargetID, string(rec.Kind), rec.Amount, deltas, rec.RolledBack, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("settle: insert settlement: %w", err)
	}
	return nil
}

func (s *PGStore) Conclude(ctx context.Context, id, protocolNumber, anchorHash string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE settlements
		SET protocol_number = $2, anchor_hash = $3, concluded_at = $4
		WHERE id = $1 AND concluded_at IS NULL`,
		id, protocolNumber, anchorHash, at)
	if err != nil {
		return fmt.Errorf("settle: conclude settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PGStore) MarkRolledBack(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE settlements
		SET rolled_back = TRUE
		WHERE id = $1 AND concluded_at IS NULL`,
		id)
	if err != nil {
		return fmt.Errorf("settle: mark rolled back: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Record, error) {
	var (
		rec       Record
		kind      string
		deltas    []byte
		concluded *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, target_id, kind, amount, deltas, COALESCE(protocol_number, ''),
		       COALESCE(anchor_hash, ''), rolled_back, created_at, concluded_at
		FROM settlements WHERE id = $1`, id).Scan(
		&rec.ID, &rec.TargetID, &kind, &rec.Amount, &deltas,
		&rec.ProtocolNumber, &rec.AnchorHash, &rec.RolledBack, &rec.CreatedAt, &concluded)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("settle: get settlement: %w", err)
	}
	rec.Kind = TargetKind(kind)
	rec.ConcludedAt = concluded
	if len(deltas) > 0 {
		var ds []ledger.Delta
		if err := json.Unmarshal(deltas, &ds); err != nil {
			return Record{}, fmt.Errorf("settle: decode deltas: %w", err)
		}
		rec.Deltas = ds
	}
	return rec, nil
}
