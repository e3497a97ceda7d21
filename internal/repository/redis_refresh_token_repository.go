package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/qcom/accounts/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	redisRefreshTokenPrefix  = "refresh_token:"
	redisAccountTokensPrefix = "account_refresh_tokens:"
)

// Each record is a hash whose key expires at the token's ExpiresAt, so an existing key is
// never expired. All state transitions run as Lua scripts to stay atomic on the server.
var (
	createTokenScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'token_hash', ARGV[1], 'account_id', ARGV[2], 'family_id', ARGV[3],
  'created_at', ARGV[4], 'expires_at', ARGV[5], 'created_by_ip', ARGV[6])
redis.call('PEXPIREAT', KEYS[1], ARGV[5])
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('PEXPIREAT', KEYS[2], ARGV[5])
return 1
`)

	rotateTokenScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HEXISTS', KEYS[1], 'revoked_at') == 1 then
  return 0
end
if tonumber(redis.call('HGET', KEYS[1], 'expires_at')) <= tonumber(ARGV[1]) then
  return 0
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'revoked_at', ARGV[1], 'revoked_by_ip', ARGV[2], 'replaced_by', ARGV[3])
redis.call('HSET', KEYS[2], 'token_hash', ARGV[3], 'account_id', ARGV[4], 'family_id', ARGV[5],
  'created_at', ARGV[1], 'expires_at', ARGV[6], 'created_by_ip', ARGV[2])
redis.call('PEXPIREAT', KEYS[2], ARGV[6])
redis.call('SADD', KEYS[3], ARGV[3])
redis.call('PEXPIREAT', KEYS[3], ARGV[6])
return 1
`)

	revokeTokenScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if redis.call('HEXISTS', KEYS[1], 'revoked_at') == 1 then
  return 0
end
if ARGV[3] ~= '' and redis.call('HGET', KEYS[1], 'family_id') ~= ARGV[3] then
  return 0
end
redis.call('HSET', KEYS[1], 'revoked_at', ARGV[1], 'revoked_by_ip', ARGV[2])
return 1
`)
)

type RedisRefreshTokenRepository struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewRedisRefreshTokenRepository(client *redis.Client, logger *logrus.Logger) *RedisRefreshTokenRepository {
	return &RedisRefreshTokenRepository{
		client: client,
		logger: logger,
	}
}

func redisTokenKey(tokenHash string) string {
	return redisRefreshTokenPrefix + tokenHash
}

func redisAccountKey(accountID string) string {
	return redisAccountTokensPrefix + accountID
}

func (s *RedisRefreshTokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	created, err := createTokenScript.Run(ctx, s.client,
		[]string{redisTokenKey(token.TokenHash), redisAccountKey(token.AccountID)},
		token.TokenHash,
		token.AccountID,
		token.FamilyID,
		token.CreatedAt.UnixMilli(),
		token.ExpiresAt.UnixMilli(),
		token.CreatedByIP,
	).Int()
	if err != nil {
		s.logger.WithError(err).Error("Failed to store refresh token")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	if created == 0 {
		return ErrConflict
	}
	return nil
}

func (s *RedisRefreshTokenRepository) Find(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	fields, err := s.client.HGetAll(ctx, redisTokenKey(tokenHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	return decodeRedisToken(fields)
}

func (s *RedisRefreshTokenRepository) Rotate(ctx context.Context, oldHash string, next *models.RefreshToken, now time.Time, ip string) error {
	result, err := rotateTokenScript.Run(ctx, s.client,
		[]string{redisTokenKey(oldHash), redisTokenKey(next.TokenHash), redisAccountKey(next.AccountID)},
		now.UnixMilli(),
		ip,
		next.TokenHash,
		next.AccountID,
		next.FamilyID,
		next.ExpiresAt.UnixMilli(),
	).Int()
	if err != nil {
		s.logger.WithError(err).Error("Failed to rotate refresh token")
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	switch result {
	case 1:
		return nil
	case -1:
		return ErrNotFound
	default:
		return ErrConflict
	}
}

func (s *RedisRefreshTokenRepository) Revoke(ctx context.Context, tokenHash string, now time.Time, ip string) error {
	_, err := s.revoke(ctx, tokenHash, "", now, ip)
	return err
}

func (s *RedisRefreshTokenRepository) RevokeFamily(ctx context.Context, accountID, familyID string, now time.Time, ip string) (int, error) {
	return s.revokeMatching(ctx, accountID, familyID, now, ip)
}

func (s *RedisRefreshTokenRepository) RevokeAll(ctx context.Context, accountID string, now time.Time, ip string) (int, error) {
	return s.revokeMatching(ctx, accountID, "", now, ip)
}

// ListByAccount also prunes set members whose record has already expired.
func (s *RedisRefreshTokenRepository) ListByAccount(ctx context.Context, accountID string) ([]models.RefreshToken, error) {
	hashes, err := s.client.SMembers(ctx, redisAccountKey(accountID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh tokens: %w", err)
	}

	tokens := make([]models.RefreshToken, 0, len(hashes))
	var stale []interface{}
	for _, hash := range hashes {
		token, err := s.Find(ctx, hash)
		if errors.Is(err, ErrNotFound) {
			stale = append(stale, hash)
			continue
		}
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *token)
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, redisAccountKey(accountID), stale...).Err(); err != nil {
			s.logger.WithError(err).Warn("Failed to prune expired refresh token references")
		}
	}

	return tokens, nil
}

func (s *RedisRefreshTokenRepository) revoke(ctx context.Context, tokenHash, familyID string, now time.Time, ip string) (bool, error) {
	result, err := revokeTokenScript.Run(ctx, s.client,
		[]string{redisTokenKey(tokenHash)},
		now.UnixMilli(),
		ip,
		familyID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return result == 1, nil
}

func (s *RedisRefreshTokenRepository) revokeMatching(ctx context.Context, accountID, familyID string, now time.Time, ip string) (int, error) {
	hashes, err := s.client.SMembers(ctx, redisAccountKey(accountID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list refresh tokens: %w", err)
	}

	revoked := 0
	for _, hash := range hashes {
		ok, err := s.revoke(ctx, hash, familyID, now, ip)
		if err != nil {
			s.logger.WithError(err).WithField("account_id", accountID).Error("Failed to revoke refresh tokens")
			return revoked, err
		}
		if ok {
			revoked++
		}
	}

	return revoked, nil
}

func decodeRedisToken(fields map[string]string) (*models.RefreshToken, error) {
	createdAt, err := parseMillis(fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to decode created_at: %w", err)
	}
	expiresAt, err := parseMillis(fields["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to decode expires_at: %w", err)
	}

	token := &models.RefreshToken{
		TokenHash:      fields["token_hash"],
		AccountID:      fields["account_id"],
		FamilyID:       fields["family_id"],
		CreatedAt:      createdAt,
		CreatedByIP:    fields["created_by_ip"],
		ExpiresAt:      expiresAt,
		RevokedByIP:    fields["revoked_by_ip"],
		ReplacedByHash: fields["replaced_by"],
	}

	if raw, ok := fields["revoked_at"]; ok {
		revokedAt, err := parseMillis(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode revoked_at: %w", err)
		}
		token.RevokedAt = &revokedAt
	}

	return token, nil
}

func parseMillis(value string) (time.Time, error) {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
