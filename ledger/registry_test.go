package ledger

import (
	"errors"
	"testing"
	"time"
)

func testCredit(id, owner string, balance int64) CreditRecord {
	return CreditRecord{
		ID:               id,
		TaxType:          "ICMS",
		Sphere:           SphereState,
		JurisdictionCode: "SP",
		FaceValue:        balance,
		AvailableBalance: balance,
		IssuedAt:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ExpiresAt:        time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
		OwnerID:          owner,
		Status:           CreditAvailable,
	}
}

func testDebt(id, owner string, balance int64) DebtRecord {
	return DebtRecord{
		ID:                 id,
		TaxType:            "ICMS",
		Sphere:             SphereState,
		JurisdictionCode:   "SP",
		Principal:          balance,
		OutstandingBalance: balance,
		DueAt:              time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC),
		OwnerID:            owner,
		Status:             DebtOutstanding,
	}
}

func TestRegistry_ReserveConflict(t *testing.T) {
	r := NewRegistry()
	r.Load(
		[]CreditRecord{testCredit("c1", "alpha", 1000)},
		[]DebtRecord{testDebt("d1", "beta", 500)},
	)

	if err := r.Reserve([]string{"c1"}, []string{"d1"}); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	err := r.Reserve([]string{"c1"}, nil)
	if !errors.Is(err, ErrLockConflict) {
		t.Fatalf("expected ErrLockConflict, got %v", err)
	}

	r.Abort([]string{"c1"}, []string{"d1"})
	if err := r.Reserve([]string{"c1"}, []string{"d1"}); err != nil {
		t.Fatalf("reserve after abort: %v", err)
	}
}

func TestRegistry_ReserveUnknownRecord(t *testing.T) {
	r := NewRegistry()
	err := r.Reserve([]string{"ghost"}, nil)
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestRegistry_CommitAppliesDeltas(t *testing.T) {
	r := NewRegistry()
	r.Load(
		[]CreditRecord{testCredit("c1", "alpha", 1000)},
		[]DebtRecord{testDebt("d1", "beta", 600)},
	)

	if err := r.Reserve([]string{"c1"}, []string{"d1"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	err := r.Commit([]Delta{
		{RecordID: "c1", Kind: DeltaCredit, Amount: 600},
		{RecordID: "d1", Kind: DeltaDebt, Amount: 600},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	c, _ := r.Credit("c1")
	if c.AvailableBalance != 400 || c.Status != CreditAvailable || c.Version != 1 {
		t.Fatalf("credit after commit: balance=%d status=%s version=%d", c.AvailableBalance, c.Status, c.Version)
	}
	d, _ := r.Debt("d1")
	if d.OutstandingBalance != 0 || d.Status != DebtSettled || d.Version != 1 {
		t.Fatalf("debt after commit: balance=%d status=%s version=%d", d.OutstandingBalance, d.Status, d.Version)
	}
}

func TestRegistry_CommitValidatesBeforeApplying(t *testing.T) {
	r := NewRegistry()
	r.Load(
		[]CreditRecord{testCredit("c1", "alpha", 500)},
		[]DebtRecord{testDebt("d1", "beta", 600)},
	)
	if err := r.Reserve([]string{"c1"}, []string{"d1"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// second delta exceeds the credit balance, nothing may move
	err := r.Commit([]Delta{
		{RecordID: "d1", Kind: DeltaDebt, Amount: 600},
		{RecordID: "c1", Kind: DeltaCredit, Amount: 600},
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	d, _ := r.Debt("d1")
	if d.OutstandingBalance != 600 {
		t.Fatalf("debt balance moved on failed commit: %d", d.OutstandingBalance)
	}
	if d.Status != DebtReserved {
		t.Fatalf("debt reservation dropped on failed commit: %s", d.Status)
	}
}

func TestRegistry_CommitRequiresReservation(t *testing.T) {
	r := NewRegistry()
	r.Load([]CreditRecord{testCredit("c1", "alpha", 500)}, nil)

	err := r.Commit([]Delta{{RecordID: "c1", Kind: DeltaCredit, Amount: 100}})
	if err == nil {
		t.Fatal("expected commit on unreserved credit to fail")
	}
}

func TestRegistry_RevertRestoresBalances(t *testing.T) {
	r := NewRegistry()
	r.Load(
		[]CreditRecord{testCredit("c1", "alpha", 1000)},
		[]DebtRecord{testDebt("d1", "beta", 400)},
	)
	deltas := []Delta{
		{RecordID: "c1", Kind: DeltaCredit, Amount: 400},
		{RecordID: "d1", Kind: DeltaDebt, Amount: 400},
	}

	if err := r.Reserve([]string{"c1"}, []string{"d1"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := r.Commit(deltas); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := r.Revert(deltas); err != nil {
		t.Fatalf("revert: %v", err)
	}

	c, _ := r.Credit("c1")
	if c.AvailableBalance != 1000 || c.Status != CreditAvailable {
		t.Fatalf("credit after revert: balance=%d status=%s", c.AvailableBalance, c.Status)
	}
	if c.Version != 2 {
		t.Fatalf("credit version after commit+revert: %d", c.Version)
	}
	d, _ := r.Debt("d1")
	if d.OutstandingBalance != 400 || d.Status != DebtOutstanding {
		t.Fatalf("debt after revert: balance=%d status=%s", d.OutstandingBalance, d.Status)
	}
}

func TestRegistry_RevertKeepsForeignReservations(t *testing.T) {
	r := NewRegistry()
	r.Load(
		[]CreditRecord{testCredit("c1", "alpha", 1000)},
		[]DebtRecord{testDebt("d1", "beta", 400)},
	)
	deltas := []Delta{
		{RecordID: "c1", Kind: DeltaCredit, Amount: 400},
		{RecordID: "d1", Kind: DeltaDebt, Amount: 400},
	}

	if err := r.Reserve([]string{"c1"}, []string{"d1"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := r.Commit(deltas); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// another settlement grabs the credit between our commit and the revert
	if err := r.Reserve([]string{"c1"}, nil); err != nil {
		t.Fatalf("foreign reserve: %v", err)
	}

	if err := r.Revert(deltas); err != nil {
		t.Fatalf("revert: %v", err)
	}

	c, _ := r.Credit("c1")
	if c.AvailableBalance != 1000 {
		t.Fatalf("credit balance after revert: %d", c.AvailableBalance)
	}
	if c.Status != CreditReserved {
		t.Fatalf("foreign reservation dropped by revert: %s", c.Status)
	}
	d, _ := r.Debt("d1")
	if d.Status != DebtOutstanding {
		t.Fatalf("debt after revert: %s", d.Status)
	}

	// the holder's own commit still finds its reservation intact
	if err := r.Commit([]Delta{{RecordID: "c1", Kind: DeltaCredit, Amount: 200}}); err != nil {
		t.Fatalf("holder commit after revert: %v", err)
	}
	c, _ = r.Credit("c1")
	if c.AvailableBalance != 800 || c.Status != CreditAvailable {
		t.Fatalf("credit after holder commit: balance=%d status=%s", c.AvailableBalance, c.Status)
	}
}

func TestRegistry_RevertCannotExceedFaceValue(t *testing.T) {
	r := NewRegistry()
	r.Load([]CreditRecord{testCredit("c1", "alpha", 1000)}, nil)

	err := r.Revert([]Delta{{RecordID: "c1", Kind: DeltaCredit, Amount: 1}})
	if !errors.Is(err, ErrInvalidBalance) {
		t.Fatalf("expected ErrInvalidBalance, got %v", err)
	}
}

func TestRegistry_MarkExpired(t *testing.T) {
	r := NewRegistry()
	fresh := testCredit("c1", "alpha", 100)
	stale := testCredit("c2", "alpha", 100)
	stale.ExpiresAt = time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	held := testCredit("c3", "beta", 100)
	held.ExpiresAt = stale.ExpiresAt
	r.Load([]CreditRecord{fresh, stale, held}, nil)

	if err := r.Reserve([]string{"c3"}, nil); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	expired := r.MarkExpired(now)
	if len(expired) != 1 || expired[0] != "c2" {
		t.Fatalf("expected [c2], got %v", expired)
	}

	c2, _ := r.Credit("c2")
	if c2.Status != CreditExpired {
		t.Fatalf("c2 status: %s", c2.Status)
	}
	// reserved credits are left for the holder to re-check at lock time
	c3, _ := r.Credit("c3")
	if c3.Status != CreditReserved {
		t.Fatalf("c3 status: %s", c3.Status)
	}
}
