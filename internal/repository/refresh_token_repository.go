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
	refreshTokenPKPrefix = "REFRESH_TOKEN#"
	accountIndexName     = "GSI1"

	// A record is active while it has not been retired and its expiry is still ahead. TTL is
	// whole seconds for DynamoDB's sweep, so the check runs against the millisecond copy.
	activeCondition = "attribute_exists(PK) AND attribute_not_exists(RevokedAt) AND #expires_ms > :now"
	expiresMsAttr   = "ExpiresAtMs"
)

// RefreshTokenRepository is the DynamoDB refresh token ledger. Records are keyed by token
// hash and indexed by account through GSI1; the TTL attribute lets DynamoDB drop them
// once they can no longer be presented.
type RefreshTokenRepository struct {
	client    DynamoDBAPI
	tableName string
	logger    *logrus.Logger
}

func NewRefreshTokenRepository(client DynamoDBAPI, tableName string, logger *logrus.Logger) *RefreshTokenRepository {
	return &RefreshTokenRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func refreshTokenKey(tokenHash string) map[string]types.AttributeValue {
	return itemKey(refreshTokenPKPrefix+tokenHash, metadataSK)
}

func (r *RefreshTokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	item, err := r.marshalToken(token)
	if err != nil {
		return err
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})

	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrConflict
		}
		r.logger.WithError(err).Error("Failed to store refresh token in DynamoDB")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	return nil
}

func (r *RefreshTokenRepository) Find(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            refreshTokenKey(tokenHash),
		ConsistentRead: aws.Bool(true),
	})

	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	if result.Item == nil {
		return nil, ErrNotFound
	}

	var token models.RefreshToken
	if err := attributevalue.UnmarshalMap(result.Item, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token data: %w", err)
	}

	return &token, nil
}

// Rotate retires the old record and inserts the new one in a single transaction. The
// condition on the old record makes a second concurrent rotation of the same token fail.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, oldHash string, next *models.RefreshToken, now time.Time, ip string) error {
	nextItem, err := r.marshalToken(next)
	if err != nil {
		return err
	}

	revokedAt, err := attributevalue.Marshal(now.UTC())
	if err != nil {
		return fmt.Errorf("failed to marshal revocation time: %w", err)
	}

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:           aws.String(r.tableName),
					Key:                 refreshTokenKey(oldHash),
					UpdateExpression:    aws.String("SET RevokedAt = :revoked_at, RevokedByIP = :ip, ReplacedByHash = :replaced_by"),
					ConditionExpression: aws.String(activeCondition),
					ExpressionAttributeNames: map[string]string{
						"#expires_ms": expiresMsAttr,
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":revoked_at":  revokedAt,
						":ip":          stringAttr(ip),
						":replaced_by": stringAttr(next.TokenHash),
						":now":         numberAttr(now.UnixMilli()),
					},
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(r.tableName),
					Item:                nextItem,
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
		},
	})

	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrConflict
		}
		r.logger.WithError(err).Error("Failed to rotate refresh token in DynamoDB")
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	return nil
}

func (r *RefreshTokenRepository) Revoke(ctx context.Context, tokenHash string, now time.Time, ip string) error {
	_, err := r.revoke(ctx, tokenHash, now, ip)
	return err
}

func (r *RefreshTokenRepository) RevokeFamily(ctx context.Context, accountID, familyID string, now time.Time, ip string) (int, error) {
	return r.revokeMatching(ctx, accountID, familyID, now, ip)
}

func (r *RefreshTokenRepository) RevokeAll(ctx context.Context, accountID string, now time.Time, ip string) (int, error) {
	return r.revokeMatching(ctx, accountID, "", now, ip)
}

func (r *RefreshTokenRepository) ListByAccount(ctx context.Context, accountID string) ([]models.RefreshToken, error) {
	var tokens []models.RefreshToken
	err := r.queryAccount(ctx, accountID, func(page []models.RefreshToken) error {
		tokens = append(tokens, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// revoke reports whether this call retired the record.
func (r *RefreshTokenRepository) revoke(ctx context.Context, tokenHash string, now time.Time, ip string) (bool, error) {
	revokedAt, err := attributevalue.Marshal(now.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to marshal revocation time: %w", err)
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 refreshTokenKey(tokenHash),
		UpdateExpression:    aws.String("SET RevokedAt = :revoked_at, RevokedByIP = :ip"),
		ConditionExpression: aws.String(activeCondition),
		ExpressionAttributeNames: map[string]string{
			"#expires_ms": expiresMsAttr,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":revoked_at": revokedAt,
			":ip":         stringAttr(ip),
			":now":        numberAttr(now.UnixMilli()),
		},
	})

	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	return true, nil
}

// revokeMatching walks the account index; GSI reads are eventually consistent, so a
// record written a moment ago may be missed and stays bounded by its own expiry.
func (r *RefreshTokenRepository) revokeMatching(ctx context.Context, accountID, familyID string, now time.Time, ip string) (int, error) {
	revoked := 0
	err := r.queryAccount(ctx, accountID, func(page []models.RefreshToken) error {
		for i := range page {
			token := &page[i]
			if familyID != "" && token.FamilyID != familyID {
				continue
			}
			if !token.IsActive(now) {
				continue
			}
			ok, err := r.revoke(ctx, token.TokenHash, now, ip)
			if err != nil {
				return err
			}
			if ok {
				revoked++
			}
		}
		return nil
	})
	if err != nil {
		r.logger.WithError(err).WithField("account_id", accountID).Error("Failed to revoke refresh tokens")
		return revoked, err
	}
	return revoked, nil
}

func (r *RefreshTokenRepository) queryAccount(ctx context.Context, accountID string, fn func([]models.RefreshToken) error) error {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(accountIndexName),
		KeyConditionExpression: aws.String("GSI1PK = :pk AND begins_with(GSI1SK, :sk_prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":        stringAttr("ACCOUNT#" + accountID),
			":sk_prefix": stringAttr(refreshTokenPKPrefix),
		},
	}

	for {
		result, err := r.client.Query(ctx, input)
		if err != nil {
			return fmt.Errorf("failed to query tokens by account: %w", err)
		}

		var page []models.RefreshToken
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &page); err != nil {
			return fmt.Errorf("failed to unmarshal tokens: %w", err)
		}

		if err := fn(page); err != nil {
			return err
		}

		if len(result.LastEvaluatedKey) == 0 {
			return nil
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
}

func (r *RefreshTokenRepository) marshalToken(token *models.RefreshToken) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(token)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	item["PK"] = stringAttr(refreshTokenPKPrefix + token.TokenHash)
	item["SK"] = stringAttr(metadataSK)
	item["GSI1PK"] = stringAttr("ACCOUNT#" + token.AccountID)
	item["GSI1SK"] = stringAttr(refreshTokenPKPrefix + token.CreatedAt.UTC().Format(time.RFC3339Nano))
	item["TTL"] = numberAttr(token.ExpiresAt.Unix())
	item[expiresMsAttr] = numberAttr(token.ExpiresAt.UnixMilli())
	return item, nil
}
