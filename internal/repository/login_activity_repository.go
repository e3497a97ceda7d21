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

const loginActivitySKPrefix = "LOGIN#"

// LoginActivityDynamoRepository stores login activity under the owning account's partition.
type LoginActivityDynamoRepository struct {
	client    DynamoDBAPI
	tableName string
	logger    *logrus.Logger
}

func NewLoginActivityRepository(client DynamoDBAPI, tableName string, logger *logrus.Logger) *LoginActivityDynamoRepository {
	return &LoginActivityDynamoRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func (r *LoginActivityDynamoRepository) Record(ctx context.Context, activity *models.LoginActivity) error {
	item, err := attributevalue.MarshalMap(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal login activity: %w", err)
	}

	item["PK"] = stringAttr("ACCOUNT#" + activity.AccountID)
	item["SK"] = stringAttr(fmt.Sprintf("%s%s#%s",
		loginActivitySKPrefix,
		activity.LoginTime.UTC().Format(time.RFC3339Nano),
		activity.ID,
	))

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})

	if err != nil {
		r.logger.WithError(err).Error("Failed to store login activity in DynamoDB")
		return fmt.Errorf("failed to store login activity: %w", err)
	}

	return nil
}

// ListByAccount returns the most recent activity first.
func (r *LoginActivityDynamoRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.LoginActivity, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk_prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":        stringAttr("ACCOUNT#" + accountID),
			":sk_prefix": stringAttr(loginActivitySKPrefix),
		},
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	result, err := r.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to query login activity: %w", err)
	}

	var activities []models.LoginActivity
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &activities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal login activity: %w", err)
	}

	return activities, nil
}
