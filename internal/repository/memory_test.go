package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/qcom/accounts/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type MemoryLedgerSuite struct {
	suite.Suite
	ledger *MemoryRefreshTokenLedger
	now    time.Time
}

func TestMemoryLedgerSuite(t *testing.T) {
	suite.Run(t, new(MemoryLedgerSuite))
}

func (s *MemoryLedgerSuite) SetupTest() {
	s.ledger = NewMemoryRefreshTokenLedger()
	s.now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

func (s *MemoryLedgerSuite) newToken(accountID, familyID string) *models.RefreshToken {
	return &models.RefreshToken{
		TokenHash: uuid.NewString(),
		AccountID: accountID,
		FamilyID:  familyID,
		CreatedAt: s.now,
		ExpiresAt: s.now.Add(time.Hour),
	}
}

func (s *MemoryLedgerSuite) TestCreateAndFind() {
	ctx := context.Background()
	token := s.newToken("acc-1", "fam-1")

	s.Require().NoError(s.ledger.Create(ctx, token))
	s.ErrorIs(s.ledger.Create(ctx, token), ErrConflict)

	found, err := s.ledger.Find(ctx, token.TokenHash)
	s.Require().NoError(err)
	s.Equal(token, found)

	_, err = s.ledger.Find(ctx, "missing")
	s.ErrorIs(err, ErrNotFound)
}

func (s *MemoryLedgerSuite) TestRotate() {
	ctx := context.Background()
	old := s.newToken("acc-1", "fam-1")
	next := s.newToken("acc-1", "fam-1")
	s.Require().NoError(s.ledger.Create(ctx, old))

	s.Require().NoError(s.ledger.Rotate(ctx, old.TokenHash, next, s.now, "10.0.0.1"))

	retired, err := s.ledger.Find(ctx, old.TokenHash)
	s.Require().NoError(err)
	s.Equal(models.TokenRotated, retired.State(s.now))
	s.Equal(next.TokenHash, retired.ReplacedByHash)
	s.Equal("10.0.0.1", retired.RevokedByIP)

	created, err := s.ledger.Find(ctx, next.TokenHash)
	s.Require().NoError(err)
	s.Equal(models.TokenActive, created.State(s.now))

	s.ErrorIs(s.ledger.Rotate(ctx, old.TokenHash, s.newToken("acc-1", "fam-1"), s.now, ""), ErrConflict)
	s.ErrorIs(s.ledger.Rotate(ctx, "missing", s.newToken("acc-1", "fam-1"), s.now, ""), ErrNotFound)
}

func (s *MemoryLedgerSuite) TestRotateExpired() {
	ctx := context.Background()
	old := s.newToken("acc-1", "fam-1")
	s.Require().NoError(s.ledger.Create(ctx, old))

	err := s.ledger.Rotate(ctx, old.TokenHash, s.newToken("acc-1", "fam-1"), old.ExpiresAt, "")
	s.ErrorIs(err, ErrConflict)
}

func (s *MemoryLedgerSuite) TestConcurrentRotateHasOneWinner() {
	ctx := context.Background()
	old := s.newToken("acc-1", "fam-1")
	s.Require().NoError(s.ledger.Create(ctx, old))

	const attempts = 20
	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.ledger.Rotate(ctx, old.TokenHash, s.newToken("acc-1", "fam-1"), s.now, "")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())
	s.Equal(int32(attempts-1), conflicts.Load())
}

func (s *MemoryLedgerSuite) TestRevokeIsIdempotent() {
	ctx := context.Background()
	token := s.newToken("acc-1", "fam-1")
	s.Require().NoError(s.ledger.Create(ctx, token))

	s.Require().NoError(s.ledger.Revoke(ctx, token.TokenHash, s.now, "ip"))
	s.Require().NoError(s.ledger.Revoke(ctx, token.TokenHash, s.now.Add(time.Minute), "other"))
	s.Require().NoError(s.ledger.Revoke(ctx, "missing", s.now, "ip"))

	found, err := s.ledger.Find(ctx, token.TokenHash)
	s.Require().NoError(err)
	s.Equal(models.TokenRevoked, found.State(s.now))
	s.Equal(s.now, *found.RevokedAt)
	s.Equal("ip", found.RevokedByIP)
}

func (s *MemoryLedgerSuite) TestRevokeFamilyAndAll() {
	ctx := context.Background()
	a1 := s.newToken("acc-1", "fam-1")
	a2 := s.newToken("acc-1", "fam-2")
	b1 := s.newToken("acc-2", "fam-3")
	for _, token := range []*models.RefreshToken{a1, a2, b1} {
		s.Require().NoError(s.ledger.Create(ctx, token))
	}

	revoked, err := s.ledger.RevokeFamily(ctx, "acc-1", "fam-1", s.now, "")
	s.Require().NoError(err)
	s.Equal(1, revoked)

	revoked, err = s.ledger.RevokeAll(ctx, "acc-1", s.now, "")
	s.Require().NoError(err)
	s.Equal(1, revoked)

	other, err := s.ledger.Find(ctx, b1.TokenHash)
	s.Require().NoError(err)
	s.True(other.IsActive(s.now))

	tokens, err := s.ledger.ListByAccount(ctx, "acc-1")
	s.Require().NoError(err)
	s.Len(tokens, 2)
	for _, token := range tokens {
		s.Equal(models.TokenRevoked, token.State(s.now))
	}
}

func (s *MemoryLedgerSuite) TestDeleteExpired() {
	ctx := context.Background()
	live := s.newToken("acc-1", "fam-1")
	stale := s.newToken("acc-1", "fam-1")
	stale.ExpiresAt = s.now.Add(-time.Minute)
	s.Require().NoError(s.ledger.Create(ctx, live))
	s.Require().NoError(s.ledger.Create(ctx, stale))

	deleted, err := s.ledger.DeleteExpired(ctx, s.now)
	s.Require().NoError(err)
	s.Equal(1, deleted)

	_, err = s.ledger.Find(ctx, stale.TokenHash)
	s.ErrorIs(err, ErrNotFound)
	_, err = s.ledger.Find(ctx, live.TokenHash)
	s.NoError(err)
}

func TestMemoryAccountRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAccountRepository()

	account := &models.Account{ID: "acc-1", Email: "jane@example.com", Role: models.RoleUser}
	require.NoError(t, repo.Create(ctx, account))
	assert.False(t, account.CreatedAt.IsZero())

	dup := &models.Account{ID: "acc-2", Email: "jane@example.com"}
	assert.ErrorIs(t, repo.Create(ctx, dup), ErrConflict)

	found, err := repo.GetByEmail(ctx, "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", found.ID)

	found.IsActive = true
	require.NoError(t, repo.Update(ctx, found))

	reloaded, err := repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, reloaded.IsActive)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.ErrorIs(t, repo.Update(ctx, &models.Account{ID: "missing"}), ErrNotFound)
}

func TestMemoryAccountRepository_SingleAdmin(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAccountRepository()

	require.NoError(t, repo.Create(ctx, &models.Account{ID: "acc-1", Email: "root@example.com", Role: models.RoleAdmin}))

	second := &models.Account{ID: "acc-2", Email: "other@example.com", Role: models.RoleAdmin}
	assert.ErrorIs(t, repo.Create(ctx, second), ErrAdminExists)

	_, err := repo.GetByEmail(ctx, "other@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	second.Role = models.RoleUser
	assert.NoError(t, repo.Create(ctx, second))
}

func TestMemoryLoginActivityNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryLoginActivityRepository()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Record(ctx, &models.LoginActivity{
			ID:        uuid.NewString(),
			AccountID: "acc-1",
			LoginTime: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	activities, err := repo.ListByAccount(ctx, "acc-1", 2)
	require.NoError(t, err)
	require.Len(t, activities, 2)
	assert.Equal(t, base.Add(2*time.Minute), activities[0].LoginTime)
	assert.Equal(t, base.Add(time.Minute), activities[1].LoginTime)
}

func TestMemoryOneTimeTokens(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryOneTimeTokenRepository()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Store(ctx, PurposeResetPassword, "hash", "acc-1", now.Add(time.Hour)))

	accountID, err := repo.Get(ctx, PurposeResetPassword, "hash", now)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", accountID)

	_, err = repo.Get(ctx, PurposeVerifyEmail, "hash", now)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.Get(ctx, PurposeResetPassword, "hash", now.Add(time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.Delete(ctx, PurposeResetPassword, "hash"))
	_, err = repo.Get(ctx, PurposeResetPassword, "hash", now)
	assert.ErrorIs(t, err, ErrNotFound)
}
