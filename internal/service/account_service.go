package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qcom/accounts/internal/config"
	mailer "github.com/qcom/accounts/internal/mail"
	"github.com/qcom/accounts/internal/metrics"
	"github.com/qcom/accounts/internal/models"
	"github.com/qcom/accounts/internal/repository"
	"github.com/sirupsen/logrus"
)

const (
	minPasswordLength  = 6
	maxPasswordLength  = 72
	oneTimeTokenBytes  = 40
	defaultActivityMax = 50
)

// AccountService covers registration, email verification and password reset.
type AccountService struct {
	accounts repository.AccountRepository
	tokens   repository.OneTimeTokenRepository
	ledger   repository.RefreshTokenLedger
	activity repository.LoginActivityRepository
	mailer   mailer.Mailer
	metrics  *metrics.Metrics
	cfg      *config.AccountConfig
	logger   *logrus.Logger
	now      func() time.Time
}

func NewAccountService(
	accounts repository.AccountRepository,
	tokens repository.OneTimeTokenRepository,
	ledger repository.RefreshTokenLedger,
	activity repository.LoginActivityRepository,
	m mailer.Mailer,
	met *metrics.Metrics,
	cfg *config.AccountConfig,
	logger *logrus.Logger,
) *AccountService {
	return &AccountService{
		accounts: accounts,
		tokens:   tokens,
		ledger:   ledger,
		activity: activity,
		mailer:   m,
		metrics:  met,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

type RegisterRequest struct {
	Email           string
	Password        string
	ConfirmPassword string
	AcceptTerms     bool
	// Origin is the browser origin used to build links in emails.
	Origin string
}

type ResetPasswordRequest struct {
	Token           string
	Password        string
	ConfirmPassword string
	IPAddress       string
}

// Register creates an unverified account and mails a verification link. A duplicate email
// gets a notice mail instead and the call still succeeds, so registration does not reveal
// which emails exist.
func (s *AccountService) Register(ctx context.Context, req RegisterRequest) error {
	email := models.NormalizeEmail(req.Email)
	if err := validateEmail(email); err != nil {
		return err
	}
	if err := validatePassword(req.Password, req.ConfirmPassword); err != nil {
		return err
	}
	if !req.AcceptTerms {
		return fmt.Errorf("%w: terms must be accepted", ErrValidation)
	}

	if _, err := s.accounts.GetByEmail(ctx, email); err == nil {
		return s.sendAlreadyRegistered(ctx, email, req.Origin)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to check email: %w", err)
	}

	count, err := s.accounts.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count accounts: %w", err)
	}

	role := models.RoleUser
	if count == 0 {
		role = models.RoleAdmin
	}

	passwordHash, err := hashPassword(req.Password, s.cfg.BcryptCost)
	if err != nil {
		return err
	}

	account := &models.Account{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
		IsActive:     true,
		AcceptTerms:  req.AcceptTerms,
	}

	err = s.accounts.Create(ctx, account)
	if errors.Is(err, repository.ErrAdminExists) {
		// Another registration bootstrapped the admin since the count.
		account.Role = models.RoleUser
		err = s.accounts.Create(ctx, account)
	}
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return s.sendAlreadyRegistered(ctx, email, req.Origin)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	token, err := s.issueOneTimeToken(ctx, repository.PurposeVerifyEmail, account.ID, s.cfg.VerifyTokenExpiry)
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"account_id": account.ID,
		"role":       account.Role,
	}).Info("Account registered")

	return s.send(ctx, mailer.Message{
		To:      email,
		Subject: "Sign-up Verification - Verify Email",
		Body:    "Please verify your email address: " + link(req.Origin, "/account/verify-email", token),
	})
}

func (s *AccountService) VerifyEmail(ctx context.Context, token string) error {
	account, err := s.resolveOneTimeToken(ctx, repository.PurposeVerifyEmail, token)
	if err != nil {
		return err
	}

	if !account.IsVerified() {
		verifiedAt := s.now().UTC()
		account.VerifiedAt = &verifiedAt
		if err := s.accounts.Update(ctx, account); err != nil {
			return fmt.Errorf("failed to update account: %w", err)
		}
	}

	if err := s.tokens.Delete(ctx, repository.PurposeVerifyEmail, HashToken(token)); err != nil {
		s.logger.WithError(err).Warn("Failed to delete verification token")
	}

	s.logger.WithField("account_id", account.ID).Info("Email verified")
	return nil
}

// ForgotPassword always succeeds for well-formed input; unknown emails are silently ignored.
func (s *AccountService) ForgotPassword(ctx context.Context, email, origin string) error {
	email = models.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return err
	}

	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load account: %w", err)
	}

	token, err := s.issueOneTimeToken(ctx, repository.PurposeResetPassword, account.ID, s.cfg.ResetTokenExpiry)
	if err != nil {
		return err
	}

	return s.send(ctx, mailer.Message{
		To:      account.Email,
		Subject: "Reset Password",
		Body: fmt.Sprintf("The link below is valid for %s: %s",
			s.cfg.ResetTokenExpiry, link(origin, "/account/reset-password", token)),
	})
}

func (s *AccountService) ValidateResetToken(ctx context.Context, token string) error {
	_, err := s.resolveOneTimeToken(ctx, repository.PurposeResetPassword, token)
	return err
}

// ResetPassword sets a new password and revokes every refresh token of the account. Sessions
// are revoked and the token is consumed before the password changes, so a failed call leaves
// the old password in place.
func (s *AccountService) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	if err := validatePassword(req.Password, req.ConfirmPassword); err != nil {
		return err
	}

	account, err := s.resolveOneTimeToken(ctx, repository.PurposeResetPassword, req.Token)
	if err != nil {
		return err
	}

	passwordHash, err := hashPassword(req.Password, s.cfg.BcryptCost)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	revoked, err := s.ledger.RevokeAll(ctx, account.ID, now, req.IPAddress)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	s.metrics.AddRevoked(revoked)

	if err := s.tokens.Delete(ctx, repository.PurposeResetPassword, HashToken(req.Token)); err != nil {
		return fmt.Errorf("failed to delete reset token: %w", err)
	}

	account.PasswordHash = passwordHash
	account.PasswordResetAt = &now
	if err := s.accounts.Update(ctx, account); err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	// Sessions opened with the old password while the update was in flight.
	late, err := s.ledger.RevokeAll(ctx, account.ID, s.now().UTC(), req.IPAddress)
	if err != nil {
		s.logger.WithError(err).WithField("account_id", account.ID).Warn("Failed to revoke refresh tokens after password reset")
	}
	s.metrics.AddRevoked(late)

	s.logger.WithFields(logrus.Fields{
		"account_id": account.ID,
		"revoked":    revoked + late,
	}).Info("Password reset")

	return nil
}

func (s *AccountService) GetAccount(ctx context.Context, id string, actor Actor) (*models.Account, error) {
	if !actor.CanAccess(id) {
		return nil, ErrForbidden
	}

	account, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return account, nil
}

// LoginActivity returns the most recent logins first. limit <= 0 uses the default page size.
func (s *AccountService) LoginActivity(ctx context.Context, id string, limit int, actor Actor) ([]models.LoginActivity, error) {
	if !actor.CanAccess(id) {
		return nil, ErrForbidden
	}
	if limit <= 0 || limit > defaultActivityMax {
		limit = defaultActivityMax
	}

	activities, err := s.activity.ListByAccount(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list login activity: %w", err)
	}
	return activities, nil
}

func (s *AccountService) issueOneTimeToken(ctx context.Context, purpose repository.TokenPurpose, accountID string, ttl time.Duration) (string, error) {
	token, err := randomToken(oneTimeTokenBytes)
	if err != nil {
		return "", err
	}

	expiresAt := s.now().UTC().Add(ttl)
	if err := s.tokens.Store(ctx, purpose, HashToken(token), accountID, expiresAt); err != nil {
		return "", fmt.Errorf("failed to store %s token: %w", strings.ToLower(string(purpose)), err)
	}
	return token, nil
}

// resolveOneTimeToken maps a token to its account. The token is left in place.
func (s *AccountService) resolveOneTimeToken(ctx context.Context, purpose repository.TokenPurpose, token string) (*models.Account, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	accountID, err := s.tokens.Get(ctx, purpose, HashToken(token), s.now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return account, nil
}

func (s *AccountService) sendAlreadyRegistered(ctx context.Context, email, origin string) error {
	s.logger.Info("Registration attempted for existing email")
	return s.send(ctx, mailer.Message{
		To:      email,
		Subject: "Sign-up Verification - Email Already Registered",
		Body:    "Your email is already registered. If you forgot your password visit " + link(origin, "/account/forgot-password", ""),
	})
}

func (s *AccountService) send(ctx context.Context, msg mailer.Message) error {
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.logger.WithError(err).WithField("subject", msg.Subject).Error("Failed to send email")
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: email is invalid", ErrValidation)
	}
	return nil
}

func validatePassword(password, confirm string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLength)
	}
	if len(password) > maxPasswordLength {
		return fmt.Errorf("%w: password must be at most %d bytes", ErrValidation, maxPasswordLength)
	}
	if password != confirm {
		return fmt.Errorf("%w: passwords must match", ErrValidation)
	}
	return nil
}

func link(origin, path, token string) string {
	u := strings.TrimRight(origin, "/") + path
	if token != "" {
		u += "?token=" + token
	}
	return u
}
