package models

import (
	"strings"
	"time"
)

type Role string

const (
	RoleAdmin Role = "Admin"
	RoleUser  Role = "User"
)

type Account struct {
	ID              string     `json:"id" dynamodbav:"id"`
	Email           string     `json:"email" dynamodbav:"email"`
	PasswordHash    string     `json:"-" dynamodbav:"password_hash"`
	Role            Role       `json:"role" dynamodbav:"role"`
	IsActive        bool       `json:"is_active" dynamodbav:"is_active"`
	VerifiedAt      *time.Time `json:"verified_at,omitempty" dynamodbav:"verified_at,omitempty"`
	PasswordResetAt *time.Time `json:"password_reset_at,omitempty" dynamodbav:"password_reset_at,omitempty"`
	AcceptTerms     bool       `json:"accept_terms" dynamodbav:"accept_terms"`
	CreatedAt       time.Time  `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" dynamodbav:"updated_at"`
}

func (a *Account) GetPK() string {
	return "ACCOUNT#" + a.ID
}

func (a *Account) GetSK() string {
	return "METADATA"
}

func (a *Account) IsVerified() bool {
	return a.VerifiedAt != nil
}

// CanSignIn reports whether an account in its current status may open a session.
// Admins are never locked out by the active flag.
func (a *Account) CanSignIn() bool {
	return a.IsActive || a.Role == RoleAdmin
}

// NormalizeEmail returns the canonical form used for uniqueness checks.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
