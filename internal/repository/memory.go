package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/qcom/accounts/internal/models"
)

// In-memory stores for local development and tests. Records are copied on the way in
// and out so callers never share state with the store.

type MemoryAccountRepository struct {
	mu       sync.RWMutex
	accounts map[string]models.Account
	byEmail  map[string]string
	admin    string
}

func NewMemoryAccountRepository() *MemoryAccountRepository {
	return &MemoryAccountRepository{
		accounts: make(map[string]models.Account),
		byEmail:  make(map[string]string),
	}
}

func (r *MemoryAccountRepository) Create(_ context.Context, account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byEmail[account.Email]; ok {
		return ErrConflict
	}
	if _, ok := r.accounts[account.ID]; ok {
		return ErrConflict
	}
	if account.Role == models.RoleAdmin {
		if r.admin != "" {
			return ErrAdminExists
		}
		r.admin = account.ID
	}

	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	r.accounts[account.ID] = *account
	r.byEmail[account.Email] = account.ID
	return nil
}

func (r *MemoryAccountRepository) GetByID(_ context.Context, id string) (*models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	account, ok := r.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &account, nil
}

func (r *MemoryAccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	r.mu.RLock()
	id, ok := r.byEmail[email]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *MemoryAccountRepository) Update(_ context.Context, account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[account.ID]; !ok {
		return ErrNotFound
	}
	account.UpdatedAt = time.Now().UTC()
	r.accounts[account.ID] = *account
	return nil
}

func (r *MemoryAccountRepository) Count(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.accounts), nil
}

type MemoryRefreshTokenLedger struct {
	mu     sync.Mutex
	tokens map[string]models.RefreshToken
}

func NewMemoryRefreshTokenLedger() *MemoryRefreshTokenLedger {
	return &MemoryRefreshTokenLedger{tokens: make(map[string]models.RefreshToken)}
}

func (l *MemoryRefreshTokenLedger) Create(_ context.Context, token *models.RefreshToken) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.tokens[token.TokenHash]; ok {
		return ErrConflict
	}
	l.tokens[token.TokenHash] = *token
	return nil
}

func (l *MemoryRefreshTokenLedger) Find(_ context.Context, tokenHash string) (*models.RefreshToken, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	token, ok := l.tokens[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	return &token, nil
}

func (l *MemoryRefreshTokenLedger) Rotate(_ context.Context, oldHash string, next *models.RefreshToken, now time.Time, ip string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	old, ok := l.tokens[oldHash]
	if !ok {
		return ErrNotFound
	}
	if !old.IsActive(now) {
		return ErrConflict
	}
	if _, exists := l.tokens[next.TokenHash]; exists {
		return ErrConflict
	}

	revokedAt := now
	old.RevokedAt = &revokedAt
	old.RevokedByIP = ip
	old.ReplacedByHash = next.TokenHash
	l.tokens[oldHash] = old
	l.tokens[next.TokenHash] = *next
	return nil
}

func (l *MemoryRefreshTokenLedger) Revoke(_ context.Context, tokenHash string, now time.Time, ip string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if token, ok := l.tokens[tokenHash]; ok {
		l.revokeLocked(&token, now, ip)
	}
	return nil
}

func (l *MemoryRefreshTokenLedger) RevokeFamily(_ context.Context, accountID, familyID string, now time.Time, ip string) (int, error) {
	return l.revokeWhere(func(t *models.RefreshToken) bool {
		return t.AccountID == accountID && t.FamilyID == familyID
	}, now, ip), nil
}

func (l *MemoryRefreshTokenLedger) RevokeAll(_ context.Context, accountID string, now time.Time, ip string) (int, error) {
	return l.revokeWhere(func(t *models.RefreshToken) bool {
		return t.AccountID == accountID
	}, now, ip), nil
}

func (l *MemoryRefreshTokenLedger) ListByAccount(_ context.Context, accountID string) ([]models.RefreshToken, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var tokens []models.RefreshToken
	for _, token := range l.tokens {
		if token.AccountID == accountID {
			tokens = append(tokens, token)
		}
	}
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].CreatedAt.Before(tokens[j].CreatedAt)
	})
	return tokens, nil
}

// DeleteExpired drops records that expired before the cutoff, whatever their state.
func (l *MemoryRefreshTokenLedger) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	deleted := 0
	for hash, token := range l.tokens {
		if token.ExpiresAt.Before(before) {
			delete(l.tokens, hash)
			deleted++
		}
	}
	return deleted, nil
}

func (l *MemoryRefreshTokenLedger) revokeWhere(match func(*models.RefreshToken) bool, now time.Time, ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	revoked := 0
	for _, token := range l.tokens {
		if match(&token) && l.revokeLocked(&token, now, ip) {
			revoked++
		}
	}
	return revoked
}

func (l *MemoryRefreshTokenLedger) revokeLocked(token *models.RefreshToken, now time.Time, ip string) bool {
	if !token.IsActive(now) {
		return false
	}
	revokedAt := now
	token.RevokedAt = &revokedAt
	token.RevokedByIP = ip
	l.tokens[token.TokenHash] = *token
	return true
}

type MemoryLoginActivityRepository struct {
	mu         sync.RWMutex
	activities map[string][]models.LoginActivity
}

func NewMemoryLoginActivityRepository() *MemoryLoginActivityRepository {
	return &MemoryLoginActivityRepository{activities: make(map[string][]models.LoginActivity)}
}

func (r *MemoryLoginActivityRepository) Record(_ context.Context, activity *models.LoginActivity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities[activity.AccountID] = append(r.activities[activity.AccountID], *activity)
	return nil
}

func (r *MemoryLoginActivityRepository) ListByAccount(_ context.Context, accountID string, limit int) ([]models.LoginActivity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.activities[accountID]
	activities := make([]models.LoginActivity, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		if limit > 0 && len(activities) == limit {
			break
		}
		activities = append(activities, stored[i])
	}
	return activities, nil
}

type oneTimeToken struct {
	accountID string
	expiresAt time.Time
}

type MemoryOneTimeTokenRepository struct {
	mu     sync.Mutex
	tokens map[string]oneTimeToken
}

func NewMemoryOneTimeTokenRepository() *MemoryOneTimeTokenRepository {
	return &MemoryOneTimeTokenRepository{tokens: make(map[string]oneTimeToken)}
}

func (r *MemoryOneTimeTokenRepository) Store(_ context.Context, purpose TokenPurpose, tokenHash, accountID string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[oneTimeTokenPK(purpose, tokenHash)] = oneTimeToken{accountID: accountID, expiresAt: expiresAt}
	return nil
}

func (r *MemoryOneTimeTokenRepository) Get(_ context.Context, purpose TokenPurpose, tokenHash string, now time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.tokens[oneTimeTokenPK(purpose, tokenHash)]
	if !ok || !now.Before(token.expiresAt) {
		return "", ErrNotFound
	}
	return token.accountID, nil
}

func (r *MemoryOneTimeTokenRepository) Delete(_ context.Context, purpose TokenPurpose, tokenHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, oneTimeTokenPK(purpose, tokenHash))
	return nil
}
