package auth

import "time"

type Role string

const (
	// RoleOperator runs analysis and drives settlements.
	RoleOperator Role = "operator"
	// RoleAuditor has read-only access to candidates, events, and settlements.
	RoleAuditor Role = "auditor"
	// RoleAdmin manages operator accounts and can override viability gates.
	RoleAdmin Role = "admin"
)

// Operator is the domain representation of an authenticated account.
// It mirrors the operators table and carries no JSON annotations so it can be
// reused by different presentation layers.
type Operator struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
