package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"compensa/auth"
	"compensa/chain"
	"compensa/engine"
	"compensa/event"
	"compensa/external"
	"compensa/ledger"
	"compensa/match"
	"compensa/rules"
	"compensa/settle"
	"compensa/viability"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeAuthRepo struct {
	byEmail map[string]auth.Operator
	byID    map[string]auth.Operator
	nextID  int
}

func newFakeAuthRepo() *fakeAuthRepo {
	return &fakeAuthRepo{
		byEmail: make(map[string]auth.Operator),
		byID:    make(map[string]auth.Operator),
		nextID:  1,
	}
}

func (f *fakeAuthRepo) CreateOperator(_ context.Context, params auth.CreateOperatorParams) (auth.Operator, error) {
	if _, exists := f.byEmail[strings.ToLower(params.Email)]; exists {
		return auth.Operator{}, auth.ErrDuplicateEmail
	}
	op := auth.Operator{
		ID:           fmt.Sprintf("op-%d", f.nextID),
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	}
	f.nextID++
	f.byEmail[strings.ToLower(op.Email)] = op
	f.byID[op.ID] = op
	return op, nil
}

func (f *fakeAuthRepo) GetOperatorByEmail(_ context.Context, email string) (auth.Operator, error) {
	op, ok := f.byEmail[strings.ToLower(email)]
	if !ok {
		return auth.Operator{}, auth.ErrOperatorNotFound
	}
	return op, nil
}

func (f *fakeAuthRepo) GetOperatorByID(_ context.Context, id string) (auth.Operator, error) {
	op, ok := f.byID[id]
	if !ok {
		return auth.Operator{}, auth.ErrOperatorNotFound
	}
	return op, nil
}

type testServer struct {
	router  http.Handler
	authSvc *auth.Service
	store   *ledger.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return testNow }

	table, err := rules.NewTable("test", nil)
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	scorer := viability.NewScorer(viability.Profiles{
		DefaultReliability: 0.8,
		DefaultRisk:        0.2,
	}, viability.Costs{}).WithClock(clock)

	store := ledger.NewMemoryStore()
	registry := ledger.NewRegistry()
	events := event.NewRecorder().WithClock(clock)

	seq := 0
	idGen := func() string { seq++; return fmt.Sprintf("id-%03d", seq) }

	orch := settle.NewOrchestrator(registry, store, settle.NewMemoryStore(), scorer,
		external.NewStaticGovRegistry(), external.NewStaticLedgerAnchor(), events, nil, log,
		settle.Config{ViabilityThreshold: 0.3}).
		WithClock(clock).WithIDGenerator(idGen)

	finder := match.NewFinder(table, scorer, 0).WithClock(clock).WithIDGenerator(idGen)
	builder := chain.NewBuilder(table, scorer, 0, 1_00, log).WithClock(clock).WithIDGenerator(idGen)
	eng := engine.New(store, registry, finder, builder, orch, nil, log, engine.Config{}).WithClock(clock)

	authSvc := auth.NewService(newFakeAuthRepo(), "test-secret", time.Hour)
	srv := NewServer(log, authSvc, eng, orch, events, prometheus.NewRegistry())
	return &testServer{router: srv.Router(), authSvc: authSvc, store: store}
}

func (ts *testServer) token(t *testing.T, email string, role auth.Role) string {
	t.Helper()
	_, err := ts.authSvc.Register(context.Background(), auth.RegisterRequest{
		Email:    email,
		Password: "supersafe",
		FullName: "Test Account",
		Role:     role,
	})
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	res, err := ts.authSvc.Login(context.Background(), auth.LoginRequest{Email: email, Password: "supersafe"})
	if err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	return res.Token
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func seedPair(ts *testServer) {
	ts.store.SeedCredit(ledger.CreditRecord{
		ID: "c1", TaxType: "ICMS", Sphere: ledger.SphereState, JurisdictionCode: "SP",
		FaceValue: 200_000_00, AvailableBalance: 200_000_00, DiscountPct: 0.08,
		IssuedAt: testNow.AddDate(0, -6, 0), ExpiresAt: testNow.AddDate(0, 6, 0),
		OwnerID: "alpha", Status: ledger.CreditAvailable,
	})
	ts.store.SeedDebt(ledger.DebtRecord{
		ID: "d1", TaxType: "ICMS", Sphere: ledger.SphereState, JurisdictionCode: "SP",
		Principal: 150_000_00, OutstandingBalance: 150_000_00,
		DueAt: testNow.AddDate(0, 1, 0), OwnerID: "beta", Status: ledger.DebtOutstanding,
	})
}

func TestRouter_OpenAndProtectedEndpoints(t *testing.T) {
	ts := newTestServer(t)

	if w := ts.do(t, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("health: %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/metrics", "", nil); w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/candidates", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("candidates without token: %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/candidates", "not-a-jwt", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("candidates with garbage token: %d", w.Code)
	}
}

func TestRouter_CandidateLifecycle(t *testing.T) {
	ts := newTestServer(t)
	seedPair(ts)
	tok := ts.token(t, "op@fazenda.example.com", auth.RoleOperator)

	w := ts.do(t, http.MethodPost, "/analysis/run", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("analysis: %d %s", w.Code, w.Body.String())
	}
	analysis := decode[struct {
		Matches []matchDTO `json:"matches"`
	}](t, w)
	if len(analysis.Matches) != 1 {
		t.Fatalf("matches: %d", len(analysis.Matches))
	}
	id := analysis.Matches[0].ID
	if analysis.Matches[0].Status != "analyzing" {
		t.Fatalf("submitted status: %s", analysis.Matches[0].Status)
	}

	w = ts.do(t, http.MethodGet, "/candidates?status=analyzing", tok, nil)
	listed := decode[struct {
		Matches []matchDTO `json:"matches"`
	}](t, w)
	if len(listed.Matches) != 1 || listed.Matches[0].ID != id {
		t.Fatalf("listing: %+v", listed.Matches)
	}

	w = ts.do(t, http.MethodPost, "/candidates/"+id+"/approve", tok, map[string]any{})
	if w.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", w.Code, w.Body.String())
	}
	if got := decode[matchDTO](t, w); got.Status != "approved" {
		t.Fatalf("after approve: %s", got.Status)
	}

	w = ts.do(t, http.MethodPost, "/candidates/"+id+"/execute", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("execute: %d %s", w.Code, w.Body.String())
	}
	if got := decode[matchDTO](t, w); got.Status != "concluded" {
		t.Fatalf("after execute: %s", got.Status)
	}

	w = ts.do(t, http.MethodGet, "/settlements/"+id, tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("settlement: %d", w.Code)
	}
	rec := decode[settlementDTO](t, w)
	if rec.TargetID != id || rec.ProtocolNumber == "" || rec.ConcludedAt == nil {
		t.Fatalf("settlement body: %+v", rec)
	}

	w = ts.do(t, http.MethodGet, "/events/"+id, tok, nil)
	trail := decode[struct {
		Events []event.Event `json:"events"`
	}](t, w)
	if len(trail.Events) == 0 || trail.Events[len(trail.Events)-1].To != "concluded" {
		t.Fatalf("event trail: %+v", trail.Events)
	}
}

func TestRouter_RoleEnforcement(t *testing.T) {
	ts := newTestServer(t)
	seedPair(ts)
	operator := ts.token(t, "op@fazenda.example.com", auth.RoleOperator)
	auditor := ts.token(t, "audit@fazenda.example.com", auth.RoleAuditor)
	admin := ts.token(t, "chief@fazenda.example.com", auth.RoleAdmin)

	// auditors read, never act
	if w := ts.do(t, http.MethodGet, "/candidates", auditor, nil); w.Code != http.StatusOK {
		t.Fatalf("auditor list: %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/analysis/run", auditor, nil); w.Code != http.StatusForbidden {
		t.Fatalf("auditor analysis: %d", w.Code)
	}

	// account creation is admin-only
	newAccount := auth.RegisterRequest{Email: "new@fazenda.example.com", Password: "supersafe", FullName: "New Operator"}
	if w := ts.do(t, http.MethodPost, "/auth/register", operator, newAccount); w.Code != http.StatusForbidden {
		t.Fatalf("operator register: %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/auth/register", admin, newAccount); w.Code != http.StatusCreated {
		t.Fatalf("admin register: %d", w.Code)
	}

	// a viability override needs admin even though operators approve
	w := ts.do(t, http.MethodPost, "/analysis/run", operator, nil)
	analysis := decode[struct {
		Matches []matchDTO `json:"matches"`
	}](t, w)
	if len(analysis.Matches) != 1 {
		t.Fatalf("matches: %d", len(analysis.Matches))
	}
	id := analysis.Matches[0].ID
	if w := ts.do(t, http.MethodPost, "/candidates/"+id+"/approve", operator, map[string]any{"override": true}); w.Code != http.StatusForbidden {
		t.Fatalf("operator override: %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/candidates/"+id+"/approve", admin, map[string]any{"override": true}); w.Code != http.StatusOK {
		t.Fatalf("admin override: %d %s", w.Code, w.Body.String())
	}
}

func TestRouter_RejectRequiresReason(t *testing.T) {
	ts := newTestServer(t)
	seedPair(ts)
	tok := ts.token(t, "op@fazenda.example.com", auth.RoleOperator)

	w := ts.do(t, http.MethodPost, "/analysis/run", tok, nil)
	analysis := decode[struct {
		Matches []matchDTO `json:"matches"`
	}](t, w)
	id := analysis.Matches[0].ID

	if w := ts.do(t, http.MethodPost, "/candidates/"+id+"/reject", tok, map[string]any{}); w.Code != http.StatusBadRequest {
		t.Fatalf("reject without reason: %d", w.Code)
	}
	w = ts.do(t, http.MethodPost, "/candidates/"+id+"/reject", tok, map[string]any{"reason": "duplicate filing"})
	if w.Code != http.StatusOK {
		t.Fatalf("reject: %d %s", w.Code, w.Body.String())
	}
	if got := decode[matchDTO](t, w); got.Status != "rejected" || got.FailReason != "duplicate filing" {
		t.Fatalf("after reject: %+v", got)
	}

	// terminal: nothing else may happen to it
	if w := ts.do(t, http.MethodPost, "/candidates/"+id+"/approve", tok, nil); w.Code != http.StatusConflict {
		t.Fatalf("approve rejected candidate: %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/candidates/ghost", tok, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown candidate: %d", w.Code)
	}
}
