package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ms-purchase/internal/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	HoldKeyPrefix = "purchase_hold:"
	LockKeyPrefix = "payment_lock:"
)

var ErrLockBusy = errors.New("payment lock held by another request")

// compare-and-delete so a request never frees a lock it no longer owns
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Redis struct {
	Client  *redis.Client
	Logger  *logger.Logger
	LockTTL time.Duration
	// LockWait bounds how long Lock polls for a busy lock.
	LockWait time.Duration
}

func NewRedis(client *redis.Client, lockTTL time.Duration, log *logger.Logger) *Redis {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Redis{
		Client:   client,
		Logger:   log,
		LockTTL:  lockTTL,
		LockWait: lockTTL,
	}
}

// TryLock takes the payment lock for a purchase once. It returns the owner
// token on success and ok=false when someone else holds it.
func (r *Redis) TryLock(ctx context.Context, purchaseID string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.Client.SetNX(ctx, LockKeyPrefix+purchaseID, token, r.LockTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("lock purchase %s: %w", purchaseID, err)
	}
	return token, ok, nil
}

func (r *Redis) Unlock(ctx context.Context, purchaseID, token string) error {
	return unlockScript.Run(ctx, r.Client, []string{LockKeyPrefix + purchaseID}, token).Err()
}

// Lock waits up to LockWait for the payment lock and returns a function
// releasing it.
func (r *Redis) Lock(ctx context.Context, purchaseID string) (func(), error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 25 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond
	eb.MaxElapsedTime = r.LockWait

	var token string
	err := backoff.Retry(func() error {
		t, ok, err := r.TryLock(ctx, purchaseID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrLockBusy
		}
		token = t
		return nil
	}, backoff.WithContext(eb, ctx))
	if err != nil {
		return nil, err
	}

	return func() {
		// the caller's ctx may already be done
		if err := r.Unlock(context.Background(), purchaseID, token); err != nil {
			r.Logger.Warn("REDIS", fmt.Sprintf("Failed to release payment lock for purchase %s: %v", purchaseID, err))
		}
	}, nil
}

// SetHold starts the payment window of a purchase. Expiry of the key is the
// signal to cancel it.
func (r *Redis) SetHold(ctx context.Context, purchaseID string, ttl time.Duration) error {
	return r.Client.Set(ctx, HoldKeyPrefix+purchaseID, purchaseID, ttl).Err()
}

func (r *Redis) ClearHold(ctx context.Context, purchaseID string) error {
	return r.Client.Del(ctx, HoldKeyPrefix+purchaseID).Err()
}

// EnableExpiryEvents turns on expired-key notifications. Managed Redis
// often forbids CONFIG SET, so failure is only logged.
func (r *Redis) EnableExpiryEvents(ctx context.Context) {
	if _, err := r.Client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Result(); err != nil {
		r.Logger.Warn("REDIS", fmt.Sprintf("Failed to enable keyspace notifications: %v", err))
		return
	}

	val, err := r.Client.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil || len(val) < 2 {
		return
	}
	if s, _ := val[1].(string); !strings.Contains(s, "x") || !strings.Contains(s, "E") {
		r.Logger.Warn("REDIS", "Keyspace notifications not properly configured for expiry events!")
	}
}

// SubscribeExpiredHolds calls onExpired with the purchase ID of every hold
// key that expires, until ctx is done.
func (r *Redis) SubscribeExpiredHolds(ctx context.Context, onExpired func(ctx context.Context, purchaseID string)) {
	channel := fmt.Sprintf("__keyevent@%d__:expired", r.Client.Options().DB)
	pubsub := r.Client.PSubscribe(ctx, channel)
	r.Logger.Info("REDIS", fmt.Sprintf("Subscribed to %s", channel))

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if !strings.HasPrefix(msg.Payload, HoldKeyPrefix) {
					continue
				}
				purchaseID := strings.TrimPrefix(msg.Payload, HoldKeyPrefix)
				r.Logger.Info("HOLD_EXPIRED", fmt.Sprintf("Payment window closed for purchase %s", purchaseID))
				onExpired(ctx, purchaseID)
			}
		}
	}()
}
