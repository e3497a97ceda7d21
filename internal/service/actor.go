package service

import "github.com/qcom/accounts/internal/models"

// Actor is the authenticated caller of an operation, taken from a verified access token.
type Actor struct {
	AccountID string
	Role      models.Role
}

func (a Actor) IsAdmin() bool {
	return a.Role == models.RoleAdmin
}

// CanAccess reports whether the actor may act on the given account's data.
func (a Actor) CanAccess(accountID string) bool {
	return a.IsAdmin() || (a.AccountID != "" && a.AccountID == accountID)
}
