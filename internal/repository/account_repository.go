package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/qcom/accounts/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	emailLookupPrefix = "EMAIL#"
	adminBootstrapPK  = "BOOTSTRAP#ADMIN"
)

type AccountDynamoRepository struct {
	client    DynamoDBAPI
	tableName string
	logger    *logrus.Logger
}

func NewAccountRepository(client DynamoDBAPI, tableName string, logger *logrus.Logger) *AccountDynamoRepository {
	return &AccountDynamoRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

// Create writes the account item and its email lookup item in one transaction so
// that two registrations racing on the same email cannot both succeed. An Admin account
// also claims the bootstrap item in the same transaction.
func (r *AccountDynamoRepository) Create(ctx context.Context, account *models.Account) error {
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	item, err := r.marshalAccount(account)
	if err != nil {
		return err
	}

	items := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			},
		},
		{
			Put: &types.Put{
				TableName: aws.String(r.tableName),
				Item: map[string]types.AttributeValue{
					"PK":        stringAttr(emailLookupPrefix + account.Email),
					"SK":        stringAttr(metadataSK),
					"AccountID": stringAttr(account.ID),
				},
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			},
		},
	}

	if account.Role == models.RoleAdmin {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(r.tableName),
				Item: map[string]types.AttributeValue{
					"PK":        stringAttr(adminBootstrapPK),
					"SK":        stringAttr(metadataSK),
					"AccountID": stringAttr(account.ID),
				},
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			},
		})
	}

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})

	if err != nil {
		switch {
		case conditionFailedAt(err, 0), conditionFailedAt(err, 1):
			return ErrConflict
		case conditionFailedAt(err, 2):
			return ErrAdminExists
		case isConditionalCheckFailed(err):
			return ErrConflict
		}
		r.logger.WithError(err).Error("Failed to create account in DynamoDB")
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

func (r *AccountDynamoRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	account := &models.Account{ID: id}

	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            itemKey(account.GetPK(), account.GetSK()),
		ConsistentRead: aws.Bool(true),
	})

	if err != nil {
		r.logger.WithError(err).Error("Failed to get account from DynamoDB")
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	if result.Item == nil {
		return nil, ErrNotFound
	}

	var dbAccount models.Account
	if err := attributevalue.UnmarshalMap(result.Item, &dbAccount); err != nil {
		r.logger.WithError(err).Error("Failed to unmarshal account from DynamoDB")
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}

	return &dbAccount, nil
}

func (r *AccountDynamoRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            itemKey(emailLookupPrefix+email, metadataSK),
		ConsistentRead: aws.Bool(true),
	})

	if err != nil {
		r.logger.WithError(err).Error("Failed to get email lookup from DynamoDB")
		return nil, fmt.Errorf("failed to get account by email: %w", err)
	}

	if result.Item == nil {
		return nil, ErrNotFound
	}

	accountID := stringValue(result.Item, "AccountID")
	if accountID == "" {
		return nil, fmt.Errorf("email lookup item for %s has no account id", email)
	}

	return r.GetByID(ctx, accountID)
}

// Update replaces the account item. Email is immutable, so the lookup item is untouched.
func (r *AccountDynamoRepository) Update(ctx context.Context, account *models.Account) error {
	account.UpdatedAt = time.Now().UTC()

	item, err := r.marshalAccount(account)
	if err != nil {
		return err
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})

	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrNotFound
		}
		r.logger.WithError(err).Error("Failed to update account in DynamoDB")
		return fmt.Errorf("failed to update account: %w", err)
	}

	return nil
}

// Count scans for account items. It only backs the first-account check at registration.
func (r *AccountDynamoRepository) Count(ctx context.Context) (int, error) {
	input := &dynamodb.ScanInput{
		TableName:        aws.String(r.tableName),
		FilterExpression: aws.String("begins_with(PK, :pk_prefix) AND SK = :sk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk_prefix": stringAttr("ACCOUNT#"),
			":sk":        stringAttr(metadataSK),
		},
		Select: types.SelectCount,
	}

	total := 0
	for {
		result, err := r.client.Scan(ctx, input)
		if err != nil {
			return 0, fmt.Errorf("failed to count accounts: %w", err)
		}
		total += int(result.Count)

		if len(result.LastEvaluatedKey) == 0 {
			return total, nil
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
}

func (r *AccountDynamoRepository) marshalAccount(account *models.Account) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(account)
	if err != nil {
		r.logger.WithError(err).Error("Failed to marshal account for DynamoDB")
		return nil, fmt.Errorf("failed to marshal account: %w", err)
	}

	item["PK"] = stringAttr(account.GetPK())
	item["SK"] = stringAttr(account.GetSK())
	return item, nil
}
