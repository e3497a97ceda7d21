package models

import "time"

type TokenState string

const (
	TokenActive  TokenState = "active"
	TokenRotated TokenState = "rotated"
	TokenRevoked TokenState = "revoked"
	TokenExpired TokenState = "expired"
)

// RefreshToken is a ledger record. Only the SHA-256 hash of the opaque token is kept.
type RefreshToken struct {
	TokenHash      string     `json:"-" dynamodbav:"TokenHash"`
	AccountID      string     `json:"account_id" dynamodbav:"AccountID"`
	FamilyID       string     `json:"family_id" dynamodbav:"FamilyID"`
	CreatedAt      time.Time  `json:"created_at" dynamodbav:"CreatedAt"`
	CreatedByIP    string     `json:"created_by_ip,omitempty" dynamodbav:"CreatedByIP,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at" dynamodbav:"ExpiresAt"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty" dynamodbav:"RevokedAt,omitempty"`
	RevokedByIP    string     `json:"revoked_by_ip,omitempty" dynamodbav:"RevokedByIP,omitempty"`
	ReplacedByHash string     `json:"-" dynamodbav:"ReplacedByHash,omitempty"`
}

// State derives the chain state at now. Expiry is detected lazily here rather than by a sweep.
func (t *RefreshToken) State(now time.Time) TokenState {
	switch {
	case t.RevokedAt != nil && t.ReplacedByHash != "":
		return TokenRotated
	case t.RevokedAt != nil:
		return TokenRevoked
	case !now.Before(t.ExpiresAt):
		return TokenExpired
	default:
		return TokenActive
	}
}

func (t *RefreshToken) IsActive(now time.Time) bool {
	return t.State(now) == TokenActive
}

// Session is the outcome of a successful login or refresh.
type Session struct {
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
	Account               *Account
}
