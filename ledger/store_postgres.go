package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore implements Store backed by PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) LoadRecords(ctx context.Context, filter Filter) ([]CreditRecord, []DebtRecord, error) {
	where, args := filterClause(filter)

	creditSQL := `
		SELECT id, tax_type, sphere, jurisdiction_code, face_value, available_balance,
		       discount_pct, issued_at, expires_at, owner_id, status, version
		FROM tax_credits` + where + ` ORDER BY id`

	rows, err := s.pool.Query(ctx, creditSQL, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: load credits: %w", err)
	}
	defer rows.Close()

	credits := make([]CreditRecord, 0, 16)
	for rows.Next() {
		var c CreditRecord
		if err := rows.Scan(&c.ID, &c.TaxType, &c.Sphere, &c.JurisdictionCode, &c.FaceValue,
			&c.AvailableBalance, &c.DiscountPct, &c.IssuedAt, &c.ExpiresAt, &c.OwnerID, &c.Status, &c.Version); err != nil {
			return nil, nil, fmt.Errorf("ledger: scan credit: %w", err)
		}
		credits = append(credits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("ledger: iterate credits: %w", err)
	}

	debtSQL := `
		SELECT id, tax_type, sphere, jurisdiction_code, principal, accrued,
		       outstanding_balance, due_at, owner_id, status, version
		FROM tax_debts` + where + ` ORDER BY id`

	drows, err := s.pool.Query(ctx, debtSQL, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: load debts: %w", err)
	}
	defer drows.Close()

	debts := make([]DebtRecord, 0, 16)
	for drows.Next() {
		var d DebtRecord
		if err := drows.Scan(&d.ID, &d.TaxType, &d.Sphere, &d.JurisdictionCode, &d.Principal,
			&d.Accrued, &d.OutstandingBalance, &d.DueAt, &d.OwnerID, &d.Status, &d.Version); err != nil {
			return nil, nil, fmt.Errorf("ledger: scan debt: %w", err)
		}
		debts = append(debts, d)
	}
	if err := drows.Err(); err != nil {
		return nil, nil, fmt.Errorf("ledger: iterate debts: %w", err)
	}

	return credits, debts, nil
}

func (s *PGStore) CommitCreditDelta(ctx context.Context, id string, newBalance int64, newStatus CreditStatus, expectedVersion int64) error {
	const q = `
		UPDATE tax_credits
		SET available_balance = $2, status = $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $4
	`
	tag, err := s.pool.Exec(ctx, q, id, newBalance, newStatus, expectedVersion)
	if err != nil {
		return fmt.Errorf("ledger: commit credit delta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: credit %s expected version %d", ErrVersionConflict, id, expectedVersion)
	}
	return nil
}

func (s *PGStore) CommitDebtDelta(ctx context.Context, id string, newBalance int64, newStatus DebtStatus, expectedVersion int64) error {
	const q = `
		UPDATE tax_debts
		SET outstanding_balance = $2, status = $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $4
	`
	tag, err := s.pool.Exec(ctx, q, id, newBalance, newStatus, expectedVersion)
	if err != nil {
		return fmt.Errorf("ledger: commit debt delta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: debt %s expected version %d", ErrVersionConflict, id, expectedVersion)
	}
	return nil
}

func filterClause(f Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(col, val string) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.OwnerID != "" {
		add("owner_id", f.OwnerID)
	}
	if f.TaxType != "" {
		add("tax_type", f.TaxType)
	}
	if f.Sphere != "" {
		add("sphere", string(f.Sphere))
	}
	if f.JurisdictionCode != "" {
		add("jurisdiction_code", f.JurisdictionCode)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
