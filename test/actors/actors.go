// Package actors holds the concurrent workers the stress test runs against a
// shared book of credits and debts. Every actor loops until stop closes;
// domain conflicts (lock contention, version conflicts, balance moves) are
// expected outcomes, not errors.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"compensa/engine"
	"compensa/ledger"
	"compensa/match"
	"compensa/settle"
)

// Analyst runs analysis cycles, reloading its engine's registry from the
// shared database each time.
func Analyst(ctx context.Context, eng *engine.Engine, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := eng.Analyze(ctx, ledger.Filter{}); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("analyst: %w", err)
		}
		time.Sleep(time.Duration(100+rand.Intn(150)) * time.Millisecond)
	}
}

// Approver approves every viable candidate sitting in analyzing. Transition
// races with other actors are expected and ignored.
func Approver(ctx context.Context, orch *settle.Orchestrator, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		for _, m := range orch.Matches() {
			if m.Status == match.StatusAnalyzing && m.Viable {
				_ = orch.Approve(m.ID, "stress-approver", false)
			}
		}
		for _, c := range orch.Chains() {
			if c.Status == match.StatusAnalyzing && c.Viable {
				_ = orch.Approve(c.ID, "stress-approver", false)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Executor drives approved candidates to a terminal state. Several executors
// run at once, so lock conflicts and downgrades are part of the exercise.
func Executor(ctx context.Context, orch *settle.Orchestrator, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		for _, m := range orch.Matches() {
			if m.Status == match.StatusApproved {
				_ = orch.Execute(ctx, m.ID)
			}
		}
		for _, c := range orch.Chains() {
			if c.Status == match.StatusApproved {
				_ = orch.Execute(ctx, c.ID)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(60)) * time.Millisecond)
	}
}

// Replenisher keeps the book from draining: it inserts fresh credit and debt
// pairs for a rotating set of owners in the same tax authority so new
// candidates keep appearing.
func Replenisher(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		owner := fmt.Sprintf("owner-%d", rand.Intn(8))
		counterparty := fmt.Sprintf("owner-%d", rand.Intn(8))
		face := int64(50_000_00 + rand.Intn(200_000_00))

		_, err := pool.Exec(ctx, `
			INSERT INTO tax_credits (id, tax_type, sphere, jurisdiction_code, face_value,
			                         available_balance, discount_pct, issued_at, expires_at, owner_id, status, version)
			VALUES ($1, 'ICMS', 'state', 'SP', $2, $2, 0.08, now(), now() + interval '120 days', $3, 'available', 0)`,
			uuid.NewString(), face, owner)
		if err != nil {
			return fmt.Errorf("replenisher credit: %w", err)
		}

		_, err = pool.Exec(ctx, `
			INSERT INTO tax_debts (id, tax_type, sphere, jurisdiction_code, principal, accrued,
			                       outstanding_balance, due_at, owner_id, status, version)
			VALUES ($1, 'ICMS', 'state', 'SP', $2, 0, $2, now() + interval '30 days', $3, 'outstanding', 0)`,
			uuid.NewString(), face/2, counterparty)
		if err != nil {
			return fmt.Errorf("replenisher debt: %w", err)
		}

		time.Sleep(time.Duration(200+rand.Intn(300)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox rows with SKIP LOCKED, marking them
// processed, with a simulated transient failure rate.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE processed_at IS NULL ORDER BY id FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]int64, 0, 10)
		for rows.Next() {
			var id int64
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				continue // simulate a delivery failure, row stays pending
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET processed_at = now() WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
