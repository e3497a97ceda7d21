package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"
	"github.com/qcom/accounts/internal/metrics"
	"github.com/qcom/accounts/internal/models"
	"github.com/qcom/accounts/internal/repository"
	"github.com/sirupsen/logrus"
)

// SessionService owns login, refresh-token rotation and revocation.
type SessionService struct {
	accounts repository.AccountRepository
	ledger   repository.RefreshTokenLedger
	activity repository.LoginActivityRepository
	jwt      *JWTService
	metrics  *metrics.Metrics
	logger   *logrus.Logger
	now      func() time.Time
}

func NewSessionService(
	accounts repository.AccountRepository,
	ledger repository.RefreshTokenLedger,
	activity repository.LoginActivityRepository,
	jwtService *JWTService,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *SessionService {
	return &SessionService{
		accounts: accounts,
		ledger:   ledger,
		activity: activity,
		jwt:      jwtService,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

type LoginRequest struct {
	Email     string
	Password  string
	IPAddress string
	UserAgent string
}

// Login verifies credentials and opens a new refresh token chain.
func (s *SessionService) Login(ctx context.Context, req LoginRequest) (*models.Session, error) {
	email := models.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		s.metrics.ObserveLogin("invalid_credentials")
		return nil, ErrInvalidCredentials
	}

	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			comparePassword("", req.Password)
			s.metrics.ObserveLogin("invalid_credentials")
			return nil, ErrInvalidCredentials
		}
		s.logger.WithError(err).Error("Failed to load account for login")
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	if !comparePassword(account.PasswordHash, req.Password) || !account.IsVerified() {
		s.metrics.ObserveLogin("invalid_credentials")
		return nil, ErrInvalidCredentials
	}

	if !account.CanSignIn() {
		s.metrics.ObserveLogin("inactive")
		return nil, ErrAccountInactive
	}

	session, err := s.issueSession(ctx, account, uuid.NewString(), "", req.IPAddress, s.now())
	if err != nil {
		return nil, err
	}

	s.recordActivity(ctx, account.ID, req.IPAddress, req.UserAgent)
	s.metrics.ObserveLogin("success")

	s.logger.WithFields(logrus.Fields{
		"account_id": account.ID,
		"ip":         req.IPAddress,
	}).Info("Account authenticated")

	return session, nil
}

// Refresh exchanges an active refresh token for a new token pair. Presenting a token that was
// already rotated revokes every token of the account.
func (s *SessionService) Refresh(ctx context.Context, rawToken, ip string) (*models.Session, error) {
	if rawToken == "" {
		s.metrics.ObserveRefresh("invalid")
		return nil, ErrSessionInvalid
	}

	now := s.now()
	current, err := s.ledger.Find(ctx, HashToken(rawToken))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.metrics.ObserveRefresh("invalid")
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("failed to find refresh token: %w", err)
	}

	switch current.State(now) {
	case models.TokenRotated:
		return nil, s.handleReuse(ctx, current, ip)
	case models.TokenRevoked, models.TokenExpired:
		s.metrics.ObserveRefresh("invalid")
		return nil, ErrSessionInvalid
	}

	account, err := s.accounts.GetByID(ctx, current.AccountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.metrics.ObserveRefresh("invalid")
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	if !account.CanSignIn() {
		if _, err := s.ledger.RevokeFamily(ctx, account.ID, current.FamilyID, now, ip); err != nil {
			s.logger.WithError(err).WithField("account_id", account.ID).Error("Failed to revoke inactive account session")
		}
		s.metrics.ObserveRefresh("inactive")
		return nil, ErrAccountInactive
	}

	session, err := s.issueSession(ctx, account, current.FamilyID, current.TokenHash, ip, now)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			return nil, s.handleRotateConflict(ctx, current, ip)
		case errors.Is(err, repository.ErrNotFound):
			s.metrics.ObserveRefresh("invalid")
			return nil, ErrSessionInvalid
		}
		return nil, err
	}

	s.metrics.ObserveRefresh("success")
	return session, nil
}

// Revoke retires the chain the token belongs to. Unknown and already retired tokens are a
// no-op. A non-admin actor may only revoke their own tokens.
func (s *SessionService) Revoke(ctx context.Context, rawToken, ip string, actor Actor) error {
	if rawToken == "" {
		return nil
	}

	record, err := s.ledger.Find(ctx, HashToken(rawToken))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to find refresh token: %w", err)
	}

	if !actor.CanAccess(record.AccountID) {
		return ErrForbidden
	}

	return s.revokeChain(ctx, record, ip)
}

// Logout revokes the chain of the presented token. Possession of the token is enough.
func (s *SessionService) Logout(ctx context.Context, rawToken, ip string) error {
	if rawToken == "" {
		return nil
	}

	record, err := s.ledger.Find(ctx, HashToken(rawToken))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to find refresh token: %w", err)
	}

	return s.revokeChain(ctx, record, ip)
}

// RevokeAll retires every refresh token of the account and returns how many were active.
func (s *SessionService) RevokeAll(ctx context.Context, accountID, ip string, actor Actor) (int, error) {
	if !actor.CanAccess(accountID) {
		return 0, ErrForbidden
	}

	revoked, err := s.ledger.RevokeAll(ctx, accountID, s.now(), ip)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	s.metrics.AddRevoked(revoked)

	s.logger.WithFields(logrus.Fields{
		"account_id": accountID,
		"actor_id":   actor.AccountID,
		"revoked":    revoked,
	}).Info("Revoked all refresh tokens")

	return revoked, nil
}

func (s *SessionService) ListRefreshTokens(ctx context.Context, accountID string, actor Actor) ([]models.RefreshToken, error) {
	if !actor.CanAccess(accountID) {
		return nil, ErrForbidden
	}

	tokens, err := s.ledger.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh tokens: %w", err)
	}
	return tokens, nil
}

// issueSession signs a new access token and stores a new refresh token in the given chain.
// With a previousHash the store step is a rotation of that record.
func (s *SessionService) issueSession(ctx context.Context, account *models.Account, familyID, previousHash, ip string, now time.Time) (*models.Session, error) {
	accessToken, accessExpiresAt, err := s.jwt.IssueAccessToken(account)
	if err != nil {
		return nil, err
	}

	rawRefresh, err := s.jwt.IssueRefreshToken()
	if err != nil {
		return nil, err
	}

	now = now.UTC()
	record := &models.RefreshToken{
		TokenHash:   HashToken(rawRefresh),
		AccountID:   account.ID,
		FamilyID:    familyID,
		CreatedAt:   now,
		CreatedByIP: ip,
		ExpiresAt:   now.Add(s.jwt.RefreshExpiry()),
	}

	if previousHash == "" {
		err = s.ledger.Create(ctx, record)
	} else {
		err = s.ledger.Rotate(ctx, previousHash, record, now, ip)
	}
	if err != nil {
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		s.logger.WithError(err).WithField("account_id", account.ID).Error("Failed to store refresh token")
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return &models.Session{
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  accessExpiresAt,
		RefreshToken:          rawRefresh,
		RefreshTokenExpiresAt: record.ExpiresAt,
		Account:               account,
	}, nil
}

// handleRotateConflict rereads a record whose rotation was refused. Only a record that was
// rotated by someone else is reuse; a record that expired or was revoked in the meantime is
// just an invalid session.
func (s *SessionService) handleRotateConflict(ctx context.Context, previous *models.RefreshToken, ip string) error {
	current, err := s.ledger.Find(ctx, previous.TokenHash)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.metrics.ObserveRefresh("invalid")
			return ErrSessionInvalid
		}
		return fmt.Errorf("failed to find refresh token: %w", err)
	}

	if current.State(s.now()) == models.TokenRotated {
		return s.handleReuse(ctx, current, ip)
	}

	s.metrics.ObserveRefresh("invalid")
	return ErrSessionInvalid
}

// handleReuse locks the account out of every chain. It always yields ErrSessionInvalid unless
// the revocation itself fails.
func (s *SessionService) handleReuse(ctx context.Context, record *models.RefreshToken, ip string) error {
	s.metrics.ReuseDetections.Inc()
	s.metrics.ObserveRefresh("reuse")

	s.logger.WithFields(logrus.Fields{
		"account_id": record.AccountID,
		"family_id":  record.FamilyID,
		"ip":         ip,
	}).Warn("Refresh token reuse detected, revoking all account tokens")

	revoked, err := s.ledger.RevokeAll(ctx, record.AccountID, s.now(), ip)
	if err != nil {
		s.logger.WithError(err).WithField("account_id", record.AccountID).Error("Failed to revoke tokens after reuse")
		return fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	s.metrics.AddRevoked(revoked)

	return ErrSessionInvalid
}

func (s *SessionService) revokeChain(ctx context.Context, record *models.RefreshToken, ip string) error {
	revoked, err := s.ledger.RevokeFamily(ctx, record.AccountID, record.FamilyID, s.now(), ip)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	s.metrics.AddRevoked(revoked)

	s.logger.WithFields(logrus.Fields{
		"account_id": record.AccountID,
		"family_id":  record.FamilyID,
		"revoked":    revoked,
	}).Info("Refresh token revoked")

	return nil
}

func (s *SessionService) recordActivity(ctx context.Context, accountID, ip, userAgent string) {
	activity := &models.LoginActivity{
		ID:        uuid.NewString(),
		AccountID: accountID,
		IPAddress: ip,
		UserAgent: userAgent,
		LoginTime: s.now().UTC(),
	}

	if userAgent != "" {
		ua := useragent.New(userAgent)
		name, version := ua.Browser()
		activity.Browser = strings.TrimSpace(name + " " + version)
		activity.OS = ua.OS()
	}

	if err := s.activity.Record(ctx, activity); err != nil {
		s.logger.WithError(err).WithField("account_id", accountID).Warn("Failed to record login activity")
	}
}
