package payout

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/upb/consent-ledger/models"
)

const velocityKeyPrefix = "payout:velocity:"

// zsetClient is the subset of *redis.Client the velocity source uses
type zsetClient interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisVelocity keeps one sorted set per data sovereign, scored by request
// time in milliseconds. Members are "<payoutID>|<amount>".
type RedisVelocity struct {
	client zsetClient
	window time.Duration
}

// NewRedisVelocity creates a Redis backed velocity source
func NewRedisVelocity(client *redis.Client, window time.Duration) *RedisVelocity {
	return &RedisVelocity{client: client, window: window}
}

// Connect initializes a Redis client from URL or host:port input
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

func velocityKey(dsID string) string {
	return velocityKeyPrefix + dsID
}

func velocityMember(p *models.PayoutInstruction) string {
	return p.ID.String() + "|" + p.Amount.String()
}

// WindowStats implements VelocitySource
func (v *RedisVelocity) WindowStats(ctx context.Context, dsID string, since time.Time) (int, decimal.Decimal, error) {
	members, err := v.client.ZRangeByScore(ctx, velocityKey(dsID), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, decimal.Zero, fmt.Errorf("read velocity of %s: %w", dsID, err)
	}

	sum := decimal.Zero
	for _, m := range members {
		_, raw, ok := strings.Cut(m, "|")
		if !ok {
			continue
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		sum = sum.Add(amount)
	}
	return len(members), sum, nil
}

// Record implements VelocitySource. Entries older than the window are trimmed.
func (v *RedisVelocity) Record(ctx context.Context, p *models.PayoutInstruction) error {
	key := velocityKey(p.DSID)
	if err := v.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(p.CreatedAt.UnixMilli()),
		Member: velocityMember(p),
	}).Err(); err != nil {
		return fmt.Errorf("record velocity of %s: %w", p.DSID, err)
	}

	cutoff := p.CreatedAt.Add(-v.window).UnixMilli()
	if err := v.client.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return fmt.Errorf("trim velocity of %s: %w", p.DSID, err)
	}
	return v.client.Expire(ctx, key, v.window+time.Hour).Err()
}

// Forget implements VelocitySource
func (v *RedisVelocity) Forget(ctx context.Context, p *models.PayoutInstruction) error {
	if err := v.client.ZRem(ctx, velocityKey(p.DSID), velocityMember(p)).Err(); err != nil {
		return fmt.Errorf("forget velocity of %s: %w", p.DSID, err)
	}
	return nil
}
