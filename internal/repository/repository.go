package repository

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/qcom/accounts/internal/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional write lost: a duplicate key on create,
	// or an already-retired refresh token on rotate.
	ErrConflict = errors.New("conflict")
	// ErrAdminExists is returned by AccountRepository.Create when an Admin account was
	// already bootstrapped.
	ErrAdminExists = errors.New("admin already exists")
)

// AccountRepository is the credential store the session core reads from.
type AccountRepository interface {
	// Create inserts a new account. ErrConflict if the email is already registered.
	// Only one account is ever created with the Admin role; later ones get ErrAdminExists.
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id string) (*models.Account, error)
	// GetByEmail expects an already normalized email.
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	Update(ctx context.Context, account *models.Account) error
	Count(ctx context.Context) (int, error)
}

// RefreshTokenLedger records issued refresh tokens keyed by token hash.
type RefreshTokenLedger interface {
	// Create stores a new active record. ErrConflict if the hash already exists.
	Create(ctx context.Context, token *models.RefreshToken) error

	// Find returns the record in any state. ErrNotFound if absent.
	Find(ctx context.Context, tokenHash string) (*models.RefreshToken, error)

	// Rotate retires oldHash (RevokedAt, ReplacedByHash) and stores next in one atomic step.
	// ErrConflict if oldHash is no longer active, ErrNotFound if it does not exist.
	Rotate(ctx context.Context, oldHash string, next *models.RefreshToken, now time.Time, ip string) error

	// Revoke retires a single active record. Inactive or missing records are left as they are.
	Revoke(ctx context.Context, tokenHash string, now time.Time, ip string) error

	// RevokeFamily retires every active record of one chain and returns how many were retired.
	RevokeFamily(ctx context.Context, accountID, familyID string, now time.Time, ip string) (int, error)

	// RevokeAll retires every active record of the account and returns how many were retired.
	RevokeAll(ctx context.Context, accountID string, now time.Time, ip string) (int, error)

	ListByAccount(ctx context.Context, accountID string) ([]models.RefreshToken, error)
}

// Sweeper is implemented by ledgers without native expiry.
type Sweeper interface {
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

type LoginActivityRepository interface {
	Record(ctx context.Context, activity *models.LoginActivity) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]models.LoginActivity, error)
}

type TokenPurpose string

const (
	PurposeVerifyEmail   TokenPurpose = "VERIFY_EMAIL"
	PurposeResetPassword TokenPurpose = "RESET_PASSWORD"
)

// OneTimeTokenRepository holds hashed single-use tokens for email verification and password reset.
type OneTimeTokenRepository interface {
	Store(ctx context.Context, purpose TokenPurpose, tokenHash, accountID string, expiresAt time.Time) error
	// Get returns the owning account id. ErrNotFound if absent or expired.
	Get(ctx context.Context, purpose TokenPurpose, tokenHash string, now time.Time) (string, error)
	Delete(ctx context.Context, purpose TokenPurpose, tokenHash string) error
}

// DynamoDBAPI is the subset of *dynamodb.Client used by the DynamoDB repositories.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}
