package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/credix/internal/config"
)

const (
	keyDeductOrg     = "credits:deduct:org:%s"
	keyDeductOrgLock = "credits:deduct:lock:%s"
)

// DeductLimiter throttles internal deduct traffic per organization so a
// runaway caller cannot monopolize the conditional-write path. The lock
// bounds in-flight deducts per org; correctness still rests on the store's
// conditional updates.
type DeductLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	orgRate  float64
	orgBurst int
	lockTTL  time.Duration
}

func NewDeductLimiter(cfg config.Config) (*DeductLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.DeductOrgRate <= 0 || limitCfg.DeductOrgBurst <= 0 {
		return nil, errors.New("deduct org rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &DeductLimiter{
		enabled:  true,
		bucket:   NewTokenBucket(client),
		locker:   NewLocker(client),
		orgRate:  limitCfg.DeductOrgRate,
		orgBurst: limitCfg.DeductOrgBurst,
		lockTTL:  time.Duration(limitCfg.DeductConcurrencyTTLSeconds) * time.Second,
	}, nil
}

func (l *DeductLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *DeductLimiter) AllowOrg(ctx context.Context, orgID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyDeductOrg, strings.TrimSpace(orgID)), l.orgRate, l.orgBurst)
}

func (l *DeductLimiter) TryLockOrg(ctx context.Context, orgID string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, fmt.Sprintf(keyDeductOrgLock, strings.TrimSpace(orgID)), l.lockTTL)
}

func (l *DeductLimiter) ReleaseOrg(ctx context.Context, orgID, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, fmt.Sprintf(keyDeductOrgLock, strings.TrimSpace(orgID)), token)
}
