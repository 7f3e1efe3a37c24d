package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"compensa/auth"
	"compensa/chain"
	"compensa/ledger"
	"compensa/match"
	"compensa/settle"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	res, err := s.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeJSON(w, http.StatusUnauthorized, errorBody("invalid credentials"))
			return
		}
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": res.Token,
		"operator": map[string]any{
			"id":        res.Operator.ID,
			"email":     res.Operator.Email,
			"full_name": res.Operator.FullName,
			"role":      res.Operator.Role,
		},
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	op, err := s.auth.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrDuplicateEmail):
			writeJSON(w, http.StatusUnprocessableEntity, errorBody(err.Error()))
		default:
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        op.ID,
		"email":     op.Email,
		"full_name": op.FullName,
		"role":      op.Role,
	})
}

func (s *Server) handleRunAnalysis(w http.ResponseWriter, r *http.Request) {
	filter := ledger.Filter{
		OwnerID:          r.URL.Query().Get("owner_id"),
		TaxType:          r.URL.Query().Get("tax_type"),
		Sphere:           ledger.Sphere(r.URL.Query().Get("sphere")),
		JurisdictionCode: r.URL.Query().Get("jurisdiction"),
	}
	res, err := s.engine.Analyze(r.Context(), filter)
	if err != nil {
		s.serverError(w, r, err)
		return
	}

	matches := make([]matchDTO, 0, len(res.Matches))
	for _, m := range res.Matches {
		matches = append(matches, toMatchDTO(m))
	}
	chains := make([]chainDTO, 0, len(res.Chains))
	for _, c := range res.Chains {
		chains = append(chains, toChainDTO(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"matches":         matches,
		"chains":          chains,
		"expired_credits": res.Expired,
	})
}

func (s *Server) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	statusFilter := match.Status(r.URL.Query().Get("status"))

	matches := make([]matchDTO, 0)
	for _, m := range s.orch.Matches() {
		if statusFilter != "" && m.Status != statusFilter {
			continue
		}
		matches = append(matches, toMatchDTO(m))
	}
	chains := make([]chainDTO, 0)
	for _, c := range s.orch.Chains() {
		if statusFilter != "" && c.Status != statusFilter {
			continue
		}
		chains = append(chains, toChainDTO(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"matches": matches,
		"chains":  chains,
	})
}

func (s *Server) handleGetCandidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if m, err := s.orch.Match(id); err == nil {
		writeJSON(w, http.StatusOK, toMatchDTO(m))
		return
	}
	if c, err := s.orch.Chain(id); err == nil {
		writeJSON(w, http.StatusOK, toChainDTO(c))
		return
	}
	writeJSON(w, http.StatusNotFound, errorBody("candidate not found"))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Override bool `json:"override"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body means no override
	}
	if req.Override && roleFrom(r.Context()) != auth.RoleAdmin {
		writeJSON(w, http.StatusForbidden, errorBody("viability override requires admin"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.orch.Approve(id, operatorID(r.Context()), req.Override); err != nil {
		s.domainError(w, r, err)
		return
	}
	s.writeCandidate(w, id)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("reason is required"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.orch.Reject(id, operatorID(r.Context()), req.Reason); err != nil {
		s.domainError(w, r, err)
		return
	}
	s.writeCandidate(w, id)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.Execute(r.Context(), id); err != nil {
		s.domainError(w, r, err)
		return
	}
	s.writeCandidate(w, id)
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	rec, err := s.orch.Settlement(chi.URLParam(r, "id"))
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(rec))
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	writeJSON(w, http.StatusOK, map[string]any{
		"events": s.events.History(key),
	})
}

func (s *Server) writeCandidate(w http.ResponseWriter, id string) {
	if m, err := s.orch.Match(id); err == nil {
		writeJSON(w, http.StatusOK, toMatchDTO(m))
		return
	}
	if c, err := s.orch.Chain(id); err == nil {
		writeJSON(w, http.StatusOK, toChainDTO(c))
		return
	}
	writeJSON(w, http.StatusNotFound, errorBody("candidate not found"))
}

// domainError maps domain sentinels to HTTP statuses. Execution failures are
// reported as 502 because the candidate itself was valid; its terminal state
// is in the body.
func (s *Server) domainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, settle.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, settle.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, settle.ErrBelowThreshold):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody(err.Error()))
	case errors.Is(err, ledger.ErrLockConflict):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrExpiredRecord):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, settle.ErrRegistrationFailure), errors.Is(err, settle.ErrAnchorFailure):
		writeJSON(w, http.StatusBadGateway, errorBody(err.Error()))
	default:
		s.serverError(w, r, err)
	}
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("handler failure", "path", r.URL.Path, "err", err)
	writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// DTOs keep JSON shape out of the domain structs.

type matchDTO struct {
	ID               string    `json:"id"`
	Kind             string    `json:"kind"`
	CreditID         string    `json:"credit_id"`
	DebtID           string    `json:"debt_id"`
	CreditOwnerID    string    `json:"credit_owner_id"`
	DebtOwnerID      string    `json:"debt_owner_id"`
	TaxType          string    `json:"tax_type"`
	ConversionFactor float64   `json:"conversion_factor"`
	Amount           int64     `json:"amount"`
	CreditConsumed   int64     `json:"credit_consumed"`
	Savings          int64     `json:"savings"`
	Viability        float64   `json:"viability"`
	Viable           bool      `json:"viable"`
	DebtDueAt        time.Time `json:"debt_due_at"`
	CreditExpiresAt  time.Time `json:"credit_expires_at"`
	Status           string    `json:"status"`
	ManualOverride   bool      `json:"manual_override,omitempty"`
	FailReason       string    `json:"fail_reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func toMatchDTO(m match.Match) matchDTO {
	return matchDTO{
		ID:               m.ID,
		Kind:             "match",
		CreditID:         m.CreditID,
		DebtID:           m.DebtID,
		CreditOwnerID:    m.CreditOwnerID,
		DebtOwnerID:      m.DebtOwnerID,
		TaxType:          m.TaxType,
		ConversionFactor: m.ConversionFactor,
		Amount:           m.Amount,
		CreditConsumed:   m.CreditConsumed,
		Savings:          m.Savings,
		Viability:        m.Viability,
		Viable:           m.Viable,
		DebtDueAt:        m.DebtDueAt,
		CreditExpiresAt:  m.CreditExpiresAt,
		Status:           string(m.Status),
		ManualOverride:   m.ManualOverride,
		FailReason:       m.FailReason,
		CreatedAt:        m.CreatedAt,
	}
}

type stepDTO struct {
	CreditID       string  `json:"credit_id"`
	DebtID         string  `json:"debt_id"`
	SourceOwnerID  string  `json:"source_owner_id"`
	TargetOwnerID  string  `json:"target_owner_id"`
	TaxType        string  `json:"tax_type"`
	Sphere         string  `json:"sphere"`
	Factor         float64 `json:"factor"`
	Amount         int64   `json:"amount"`
	CreditConsumed int64   `json:"credit_consumed"`
}

type chainDTO struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	RootDebtID     string    `json:"root_debt_id"`
	Steps          []stepDTO `json:"steps"`
	Amount         int64     `json:"amount"`
	Savings        int64     `json:"savings"`
	Viability      float64   `json:"viability"`
	Viable         bool      `json:"viable"`
	Status         string    `json:"status"`
	ManualOverride bool      `json:"manual_override,omitempty"`
	FailReason     string    `json:"fail_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func toChainDTO(c chain.Chain) chainDTO {
	steps := make([]stepDTO, 0, len(c.Steps))
	for _, st := range c.Steps {
		steps = append(steps, stepDTO{
			CreditID:       st.CreditID,
			DebtID:         st.DebtID,
			SourceOwnerID:  st.SourceOwnerID,
			TargetOwnerID:  st.TargetOwnerID,
			TaxType:        st.TaxType,
			Sphere:         string(st.Sphere),
			Factor:         st.Factor,
			Amount:         st.Amount,
			CreditConsumed: st.CreditConsumed,
		})
	}
	return chainDTO{
		ID:             c.ID,
		Kind:           "chain",
		RootDebtID:     c.RootDebtID,
		Steps:          steps,
		Amount:         c.Amount,
		Savings:        c.Savings,
		Viability:      c.Viability,
		Viable:         c.Viable,
		Status:         string(c.Status),
		ManualOverride: c.ManualOverride,
		FailReason:     c.FailReason,
		CreatedAt:      c.CreatedAt,
	}
}

type deltaDTO struct {
	RecordID string `json:"record_id"`
	Kind     string `json:"kind"`
	Amount   int64  `json:"amount"`
}

type settlementDTO struct {
	ID             string     `json:"id"`
	TargetID       string     `json:"target_id"`
	Kind           string     `json:"kind"`
	Amount         int64      `json:"amount"`
	Deltas         []deltaDTO `json:"deltas"`
	ProtocolNumber string     `json:"protocol_number,omitempty"`
	AnchorHash     string     `json:"anchor_hash,omitempty"`
	RolledBack     bool       `json:"rolled_back"`
	CreatedAt      time.Time  `json:"created_at"`
	ConcludedAt    *time.Time `json:"concluded_at,omitempty"`
}

func toSettlementDTO(rec settle.Record) settlementDTO {
	deltas := make([]deltaDTO, 0, len(rec.Deltas))
	for _, d := range rec.Deltas {
		deltas = append(deltas, deltaDTO{
			RecordID: d.RecordID,
			Kind:     string(d.Kind),
			Amount:   d.Amount,
		})
	}
	return settlementDTO{
		ID:             rec.ID,
		TargetID:       rec.TargetID,
		Kind:           string(rec.Kind),
		Amount:         rec.Amount,
		Deltas:         deltas,
		ProtocolNumber: rec.ProtocolNumber,
		AnchorHash:     rec.AnchorHash,
		RolledBack:     rec.RolledBack,
		CreatedAt:      rec.CreatedAt,
		ConcludedAt:    rec.ConcludedAt,
	}
}
