// Package redisx holds the Redis shortcuts of the API: checkout
// idempotency keys, a cache of settled pending-order statuses and event
// dedup. PostgreSQL stays the source of truth for all of them.
package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrInFlight = errors.New("request with this idempotency key is still running")

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// ClaimIdempotency reserves key for the caller. When the key was already
// used it returns the stored response, or ErrInFlight while the first
// request is still running.
func ClaimIdempotency(ctx context.Context, rdb *redis.Client, userID, key string) (stored []byte, claimed bool, err error) {
	k := fmt.Sprintf(KeyIdemCheckout, userID, key)
	ok, err := rdb.SetNX(ctx, k, inFlight, TTLIdempotency).Result()
	if err != nil {
		return nil, false, err
	}
	if ok {
		return nil, true, nil
	}
	v, err := rdb.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		// expired di antara SETNX dan GET; coba klaim lagi
		return ClaimIdempotency(ctx, rdb, userID, key)
	}
	if err != nil {
		return nil, false, err
	}
	if string(v) == inFlight {
		return nil, false, ErrInFlight
	}
	return v, false, nil
}

func StoreIdempotency(ctx context.Context, rdb *redis.Client, userID, key string, response []byte) error {
	return rdb.Set(ctx, fmt.Sprintf(KeyIdemCheckout, userID, key), response, TTLIdempotency).Err()
}

// ReleaseIdempotency frees a claimed key after a failed request so the
// client may retry with it.
func ReleaseIdempotency(ctx context.Context, rdb *redis.Client, userID, key string) error {
	return rdb.Del(ctx, fmt.Sprintf(KeyIdemCheckout, userID, key)).Err()
}

func CacheStatus(ctx context.Context, rdb *redis.Client, pendingID string, body []byte) error {
	return rdb.Set(ctx, fmt.Sprintf(KeyPendingStatus, pendingID), body, TTLStatusCache).Err()
}

// CachedStatus returns ok=false on a miss.
func CachedStatus(ctx context.Context, rdb *redis.Client, pendingID string) ([]byte, bool, error) {
	b, err := rdb.Get(ctx, fmt.Sprintf(KeyPendingStatus, pendingID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// FirstDelivery records eventID for service and reports whether this is the
// first time it was seen.
func FirstDelivery(ctx context.Context, rdb *redis.Client, service, eventID string) (bool, error) {
	return rdb.SetNX(ctx, fmt.Sprintf(KeyDedup, service, eventID), "1", TTLDedup).Result()
}

// ForgetDelivery lets a failed event be processed again on redelivery.
func ForgetDelivery(ctx context.Context, rdb *redis.Client, service, eventID string) error {
	return rdb.Del(ctx, fmt.Sprintf(KeyDedup, service, eventID)).Err()
}
