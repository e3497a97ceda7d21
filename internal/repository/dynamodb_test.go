package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/qcom/accounts/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamoDB records inputs and returns whatever the test configured.
type fakeDynamoDB struct {
	getItem     func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	putItem     func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	updateItem  func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
	query       func(*dynamodb.QueryInput) (*dynamodb.QueryOutput, error)
	scan        func(*dynamodb.ScanInput) (*dynamodb.ScanOutput, error)
	transact    func(*dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error)
	updates     []*dynamodb.UpdateItemInput
	puts        []*dynamodb.PutItemInput
	transacts   []*dynamodb.TransactWriteItemsInput
	deletedKeys []map[string]types.AttributeValue
}

func (f *fakeDynamoDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getItem == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return f.getItem(in)
}

func (f *fakeDynamoDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, in)
	if f.putItem == nil {
		return &dynamodb.PutItemOutput{}, nil
	}
	return f.putItem(in)
}

func (f *fakeDynamoDB) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	if f.updateItem == nil {
		return &dynamodb.UpdateItemOutput{}, nil
	}
	return f.updateItem(in)
}

func (f *fakeDynamoDB) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.deletedKeys = append(f.deletedKeys, in.Key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamoDB) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if f.query == nil {
		return &dynamodb.QueryOutput{}, nil
	}
	return f.query(in)
}

func (f *fakeDynamoDB) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if f.scan == nil {
		return &dynamodb.ScanOutput{}, nil
	}
	return f.scan(in)
}

func (f *fakeDynamoDB) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.transacts = append(f.transacts, in)
	if f.transact == nil {
		return &dynamodb.TransactWriteItemsOutput{}, nil
	}
	return f.transact(in)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func conditionalCheckFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func transactionCancelled(codes ...string) error {
	reasons := make([]types.CancellationReason, 0, len(codes))
	for _, code := range codes {
		reasons = append(reasons, types.CancellationReason{Code: aws.String(code)})
	}
	return &types.TransactionCanceledException{CancellationReasons: reasons}
}

func TestIsConditionalCheckFailed(t *testing.T) {
	assert.True(t, isConditionalCheckFailed(conditionalCheckFailed()))
	assert.True(t, isConditionalCheckFailed(transactionCancelled("None", "ConditionalCheckFailed")))
	assert.False(t, isConditionalCheckFailed(transactionCancelled("None", "TransactionConflict")))
	assert.False(t, isConditionalCheckFailed(errors.New("timeout")))
}

func TestRefreshTokenRepository_Create(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	token := &models.RefreshToken{
		TokenHash: "hash-1",
		AccountID: "acc-1",
		FamilyID:  "fam-1",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}

	t.Run("stores keys and ttl", func(t *testing.T) {
		db := &fakeDynamoDB{}
		repo := NewRefreshTokenRepository(db, "accounts", testLogger())

		require.NoError(t, repo.Create(context.Background(), token))
		require.Len(t, db.puts, 1)

		item := db.puts[0].Item
		assert.Equal(t, "REFRESH_TOKEN#hash-1", stringValue(item, "PK"))
		assert.Equal(t, "ACCOUNT#acc-1", stringValue(item, "GSI1PK"))
		assert.Equal(t, &types.AttributeValueMemberN{Value: "1714568400"}, item["TTL"])
		assert.Equal(t, &types.AttributeValueMemberN{Value: "1714568400000"}, item["ExpiresAtMs"])
		assert.Equal(t, "attribute_not_exists(PK)", aws.ToString(db.puts[0].ConditionExpression))
	})

	t.Run("duplicate hash", func(t *testing.T) {
		db := &fakeDynamoDB{putItem: func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			return nil, conditionalCheckFailed()
		}}
		repo := NewRefreshTokenRepository(db, "accounts", testLogger())

		assert.ErrorIs(t, repo.Create(context.Background(), token), ErrConflict)
	})
}

func TestRefreshTokenRepository_Find(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	stored := models.RefreshToken{
		TokenHash: "hash-1",
		AccountID: "acc-1",
		FamilyID:  "fam-1",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	item, err := attributevalue.MarshalMap(stored)
	require.NoError(t, err)

	db := &fakeDynamoDB{getItem: func(in *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
		if stringValue(in.Key, "PK") == "REFRESH_TOKEN#hash-1" {
			return &dynamodb.GetItemOutput{Item: item}, nil
		}
		return &dynamodb.GetItemOutput{}, nil
	}}
	repo := NewRefreshTokenRepository(db, "accounts", testLogger())

	found, err := repo.Find(context.Background(), "hash-1")
	require.NoError(t, err)
	assert.Equal(t, stored.AccountID, found.AccountID)
	assert.Equal(t, stored.FamilyID, found.FamilyID)
	assert.True(t, stored.ExpiresAt.Equal(found.ExpiresAt))

	_, err = repo.Find(context.Background(), "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshTokenRepository_Rotate(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	next := &models.RefreshToken{
		TokenHash: "hash-2",
		AccountID: "acc-1",
		FamilyID:  "fam-1",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}

	t.Run("single transaction", func(t *testing.T) {
		db := &fakeDynamoDB{}
		repo := NewRefreshTokenRepository(db, "accounts", testLogger())

		require.NoError(t, repo.Rotate(context.Background(), "hash-1", next, now, "10.0.0.1"))
		require.Len(t, db.transacts, 1)

		items := db.transacts[0].TransactItems
		require.Len(t, items, 2)

		update := items[0].Update
		require.NotNil(t, update)
		assert.Equal(t, "REFRESH_TOKEN#hash-1", stringValue(update.Key, "PK"))
		assert.Equal(t, activeCondition, aws.ToString(update.ConditionExpression))
		assert.Equal(t, "ExpiresAtMs", update.ExpressionAttributeNames["#expires_ms"])
		assert.Equal(t, &types.AttributeValueMemberN{Value: "1714564800000"}, update.ExpressionAttributeValues[":now"])
		assert.Equal(t, "hash-2", stringValue(update.ExpressionAttributeValues, ":replaced_by"))
		assert.Equal(t, "10.0.0.1", stringValue(update.ExpressionAttributeValues, ":ip"))

		put := items[1].Put
		require.NotNil(t, put)
		assert.Equal(t, "REFRESH_TOKEN#hash-2", stringValue(put.Item, "PK"))
	})

	t.Run("sub-second expiry is not truncated", func(t *testing.T) {
		db := &fakeDynamoDB{}
		repo := NewRefreshTokenRepository(db, "accounts", testLogger())

		at := now.Add(200 * time.Millisecond)
		require.NoError(t, repo.Rotate(context.Background(), "hash-1", next, at, ""))
		update := db.transacts[0].TransactItems[0].Update
		assert.Equal(t, &types.AttributeValueMemberN{Value: "1714564800200"}, update.ExpressionAttributeValues[":now"])
	})

	t.Run("old token no longer active", func(t *testing.T) {
		db := &fakeDynamoDB{transact: func(*dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error) {
			return nil, transactionCancelled("ConditionalCheckFailed", "None")
		}}
		repo := NewRefreshTokenRepository(db, "accounts", testLogger())

		assert.ErrorIs(t, repo.Rotate(context.Background(), "hash-1", next, now, ""), ErrConflict)
	})

	t.Run("storage failure", func(t *testing.T) {
		db := &fakeDynamoDB{transact: func(*dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error) {
			return nil, errors.New("connection reset")
		}}
		repo := NewRefreshTokenRepository(db, "accounts", testLogger())

		err := repo.Rotate(context.Background(), "hash-1", next, now, "")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrConflict)
	})
}

func TestRefreshTokenRepository_RevokeFamily(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	revokedAt := now.Add(-time.Minute)
	records := []models.RefreshToken{
		{TokenHash: "a", AccountID: "acc-1", FamilyID: "fam-1", ExpiresAt: now.Add(time.Hour)},
		{TokenHash: "b", AccountID: "acc-1", FamilyID: "fam-1", ExpiresAt: now.Add(time.Hour), RevokedAt: &revokedAt},
		{TokenHash: "c", AccountID: "acc-1", FamilyID: "fam-2", ExpiresAt: now.Add(time.Hour)},
		{TokenHash: "d", AccountID: "acc-1", FamilyID: "fam-1", ExpiresAt: now.Add(time.Hour)},
	}

	pages := make([][]map[string]types.AttributeValue, 2)
	for i, record := range records {
		item, err := attributevalue.MarshalMap(record)
		require.NoError(t, err)
		pages[i/2] = append(pages[i/2], item)
	}

	db := &fakeDynamoDB{
		query: func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			assert.Equal(t, accountIndexName, aws.ToString(in.IndexName))
			if in.ExclusiveStartKey == nil {
				return &dynamodb.QueryOutput{
					Items:            pages[0],
					LastEvaluatedKey: itemKey("REFRESH_TOKEN#b", metadataSK),
				}, nil
			}
			return &dynamodb.QueryOutput{Items: pages[1]}, nil
		},
		updateItem: func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			// d was retired concurrently between the query and the update.
			if stringValue(in.Key, "PK") == "REFRESH_TOKEN#d" {
				return nil, conditionalCheckFailed()
			}
			return &dynamodb.UpdateItemOutput{}, nil
		},
	}
	repo := NewRefreshTokenRepository(db, "accounts", testLogger())

	revoked, err := repo.RevokeFamily(context.Background(), "acc-1", "fam-1", now, "ip")
	require.NoError(t, err)
	assert.Equal(t, 1, revoked)

	var keys []string
	for _, update := range db.updates {
		keys = append(keys, stringValue(update.Key, "PK"))
	}
	assert.Equal(t, []string{"REFRESH_TOKEN#a", "REFRESH_TOKEN#d"}, keys)
}

func TestAccountRepository_Create(t *testing.T) {
	account := &models.Account{ID: "acc-1", Email: "jane@example.com", Role: models.RoleUser}

	t.Run("writes account and email lookup", func(t *testing.T) {
		db := &fakeDynamoDB{}
		repo := NewAccountRepository(db, "accounts", testLogger())

		require.NoError(t, repo.Create(context.Background(), account))
		require.Len(t, db.transacts, 1)

		items := db.transacts[0].TransactItems
		require.Len(t, items, 2)
		assert.Equal(t, "ACCOUNT#acc-1", stringValue(items[0].Put.Item, "PK"))
		assert.Equal(t, "EMAIL#jane@example.com", stringValue(items[1].Put.Item, "PK"))
		assert.Equal(t, "acc-1", stringValue(items[1].Put.Item, "AccountID"))
		assert.False(t, account.CreatedAt.IsZero())
	})

	t.Run("email taken", func(t *testing.T) {
		db := &fakeDynamoDB{transact: func(*dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error) {
			return nil, transactionCancelled("None", "ConditionalCheckFailed")
		}}
		repo := NewAccountRepository(db, "accounts", testLogger())

		assert.ErrorIs(t, repo.Create(context.Background(), account), ErrConflict)
	})

	admin := &models.Account{ID: "acc-9", Email: "root@example.com", Role: models.RoleAdmin}

	t.Run("admin claims bootstrap item", func(t *testing.T) {
		db := &fakeDynamoDB{}
		repo := NewAccountRepository(db, "accounts", testLogger())

		require.NoError(t, repo.Create(context.Background(), admin))
		items := db.transacts[0].TransactItems
		require.Len(t, items, 3)
		assert.Equal(t, "BOOTSTRAP#ADMIN", stringValue(items[2].Put.Item, "PK"))
		assert.Equal(t, "acc-9", stringValue(items[2].Put.Item, "AccountID"))
		assert.Equal(t, "attribute_not_exists(PK)", aws.ToString(items[2].Put.ConditionExpression))
	})

	t.Run("admin already bootstrapped", func(t *testing.T) {
		db := &fakeDynamoDB{transact: func(*dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error) {
			return nil, transactionCancelled("None", "None", "ConditionalCheckFailed")
		}}
		repo := NewAccountRepository(db, "accounts", testLogger())

		assert.ErrorIs(t, repo.Create(context.Background(), admin), ErrAdminExists)
	})

	t.Run("admin email taken wins over bootstrap", func(t *testing.T) {
		db := &fakeDynamoDB{transact: func(*dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error) {
			return nil, transactionCancelled("None", "ConditionalCheckFailed", "ConditionalCheckFailed")
		}}
		repo := NewAccountRepository(db, "accounts", testLogger())

		assert.ErrorIs(t, repo.Create(context.Background(), admin), ErrConflict)
	})
}

func TestAccountRepository_GetByEmail(t *testing.T) {
	stored := models.Account{ID: "acc-1", Email: "jane@example.com", Role: models.RoleAdmin, IsActive: true}
	accountItem, err := attributevalue.MarshalMap(stored)
	require.NoError(t, err)

	db := &fakeDynamoDB{getItem: func(in *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
		switch stringValue(in.Key, "PK") {
		case "EMAIL#jane@example.com":
			return &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
				"AccountID": stringAttr("acc-1"),
			}}, nil
		case "ACCOUNT#acc-1":
			return &dynamodb.GetItemOutput{Item: accountItem}, nil
		}
		return &dynamodb.GetItemOutput{}, nil
	}}
	repo := NewAccountRepository(db, "accounts", testLogger())

	found, err := repo.GetByEmail(context.Background(), "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, found.ID)
	assert.Equal(t, models.RoleAdmin, found.Role)

	_, err = repo.GetByEmail(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAccountRepository_CountPaginates(t *testing.T) {
	calls := 0
	db := &fakeDynamoDB{scan: func(in *dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
		calls++
		assert.Equal(t, types.SelectCount, in.Select)
		if in.ExclusiveStartKey == nil {
			return &dynamodb.ScanOutput{Count: 3, LastEvaluatedKey: itemKey("ACCOUNT#x", metadataSK)}, nil
		}
		return &dynamodb.ScanOutput{Count: 2}, nil
	}}
	repo := NewAccountRepository(db, "accounts", testLogger())

	count, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, count)
	assert.Equal(t, 2, calls)
}

func TestOneTimeTokenRepository(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	db := &fakeDynamoDB{}
	repo := NewOneTimeTokenRepository(db, "accounts", testLogger())

	require.NoError(t, repo.Store(context.Background(), PurposeResetPassword, "hash", "acc-1", now.Add(time.Hour)))
	require.Len(t, db.puts, 1)
	stored := db.puts[0].Item
	assert.Equal(t, "RESET_PASSWORD#hash", stringValue(stored, "PK"))

	db.getItem = func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
		return &dynamodb.GetItemOutput{Item: stored}, nil
	}

	accountID, err := repo.Get(context.Background(), PurposeResetPassword, "hash", now)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", accountID)

	// Expired items can linger until DynamoDB's TTL sweep removes them.
	_, err = repo.Get(context.Background(), PurposeResetPassword, "hash", now.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.Delete(context.Background(), PurposeResetPassword, "hash"))
	require.Len(t, db.deletedKeys, 1)
	assert.Equal(t, "RESET_PASSWORD#hash", stringValue(db.deletedKeys[0], "PK"))
}

func TestLoginActivityRepository(t *testing.T) {
	loginTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	db := &fakeDynamoDB{}
	repo := NewLoginActivityRepository(db, "accounts", testLogger())

	require.NoError(t, repo.Record(context.Background(), &models.LoginActivity{
		ID:        "act-1",
		AccountID: "acc-1",
		IPAddress: "10.0.0.1",
		LoginTime: loginTime,
	}))
	require.Len(t, db.puts, 1)
	assert.Equal(t, "ACCOUNT#acc-1", stringValue(db.puts[0].Item, "PK"))
	assert.Equal(t, "LOGIN#2024-05-01T12:00:00Z#act-1", stringValue(db.puts[0].Item, "SK"))

	db.query = func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
		assert.False(t, aws.ToBool(in.ScanIndexForward))
		assert.Equal(t, int32(10), aws.ToInt32(in.Limit))
		return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{db.puts[0].Item}}, nil
	}

	activities, err := repo.ListByAccount(context.Background(), "acc-1", 10)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, "10.0.0.1", activities[0].IPAddress)
}
