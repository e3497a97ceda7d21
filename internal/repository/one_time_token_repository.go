package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"
)

type OneTimeTokenDynamoRepository struct {
	client    DynamoDBAPI
	tableName string
	logger    *logrus.Logger
}

func NewOneTimeTokenRepository(client DynamoDBAPI, tableName string, logger *logrus.Logger) *OneTimeTokenDynamoRepository {
	return &OneTimeTokenDynamoRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func oneTimeTokenPK(purpose TokenPurpose, tokenHash string) string {
	return fmt.Sprintf("%s#%s", purpose, tokenHash)
}

// Store stores the token with a TTL so DynamoDB drops it after expiry.
func (r *OneTimeTokenDynamoRepository) Store(ctx context.Context, purpose TokenPurpose, tokenHash, accountID string, expiresAt time.Time) error {
	item := map[string]types.AttributeValue{
		"PK":        stringAttr(oneTimeTokenPK(purpose, tokenHash)),
		"SK":        stringAttr(metadataSK),
		"AccountID": stringAttr(accountID),
		"ExpiresAt": stringAttr(expiresAt.UTC().Format(time.RFC3339)),
		"TTL":       numberAttr(expiresAt.Unix()),
	}

	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})

	if err != nil {
		r.logger.WithError(err).WithField("purpose", purpose).Error("Failed to store one-time token in DynamoDB")
		return fmt.Errorf("failed to store one-time token: %w", err)
	}

	return nil
}

// Get checks expiry itself because TTL deletion in DynamoDB is only eventual.
func (r *OneTimeTokenDynamoRepository) Get(ctx context.Context, purpose TokenPurpose, tokenHash string, now time.Time) (string, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            itemKey(oneTimeTokenPK(purpose, tokenHash), metadataSK),
		ConsistentRead: aws.Bool(true),
	})

	if err != nil {
		return "", fmt.Errorf("failed to get one-time token: %w", err)
	}

	if result.Item == nil {
		return "", ErrNotFound
	}

	expiresAt, err := time.Parse(time.RFC3339, stringValue(result.Item, "ExpiresAt"))
	if err != nil {
		return "", fmt.Errorf("failed to parse one-time token expiry: %w", err)
	}

	if !now.Before(expiresAt) {
		return "", ErrNotFound
	}

	return stringValue(result.Item, "AccountID"), nil
}

func (r *OneTimeTokenDynamoRepository) Delete(ctx context.Context, purpose TokenPurpose, tokenHash string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       itemKey(oneTimeTokenPK(purpose, tokenHash), metadataSK),
	})

	if err != nil {
		return fmt.Errorf("failed to delete one-time token: %w", err)
	}

	return nil
}
