package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultOtpMaxAttempts = 5
	defaultOtpWindow      = 15 * time.Minute
)

var (
	ErrOtpRateLimited = errors.New("otp attempts exhausted")
	ErrOtpUnavailable = errors.New("otp limiter unavailable")
)

// OtpLimiter counts failed OTP validations per user in Redis. Once the
// counter reaches the maximum, further validations are refused until the
// window that started with the first failure expires.
type OtpLimiter struct {
	redis       redis.UniversalClient
	maxAttempts int64
	window      time.Duration
}

// NewOtpLimiter creates an OTP attempt limiter. Non-positive values fall back
// to defaults (5 attempts / 15m).
func NewOtpLimiter(redisClient redis.UniversalClient, maxAttempts int, window time.Duration) *OtpLimiter {
	if maxAttempts <= 0 {
		maxAttempts = defaultOtpMaxAttempts
	}
	if window <= 0 {
		window = defaultOtpWindow
	}
	return &OtpLimiter{redis: redisClient, maxAttempts: int64(maxAttempts), window: window}
}

func (l *OtpLimiter) key(userID string) string {
	return "otp:att:" + userID
}

// Check returns ErrOtpRateLimited if the user has no attempts left.
func (l *OtpLimiter) Check(ctx context.Context, userID string) error {
	count, err := l.redis.Get(ctx, l.key(userID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrOtpUnavailable, err)
	}
	if count >= l.maxAttempts {
		return ErrOtpRateLimited
	}
	return nil
}

// RecordFailure increments the failure counter, starting the window on the first failure.
func (l *OtpLimiter) RecordFailure(ctx context.Context, userID string) error {
	count, err := l.redis.Incr(ctx, l.key(userID)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOtpUnavailable, err)
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, l.key(userID), l.window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrOtpUnavailable, err)
		}
	}
	if count >= l.maxAttempts {
		return ErrOtpRateLimited
	}
	return nil
}

// Reset clears the counter after a successful validation.
func (l *OtpLimiter) Reset(ctx context.Context, userID string) error {
	if err := l.redis.Del(ctx, l.key(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrOtpUnavailable, err)
	}
	return nil
}
