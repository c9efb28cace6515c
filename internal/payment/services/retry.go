package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-purchase/internal/logger"
	"ms-purchase/internal/metrics"
	"ms-purchase/internal/models"

	"github.com/cenkalti/backoff/v4"
)

type RetryConfig struct {
	// MaxRetries is the number of extra attempts after the first one.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// AttemptTimeout bounds each single call to the provider.
	AttemptTimeout time.Duration
}

// RetryingGateway retries ErrGatewayUnavailable with exponential backoff.
// Retrying is only safe because the wrapped gateway deduplicates on the
// idempotency key. Rejections are returned immediately.
type RetryingGateway struct {
	next Gateway
	cfg  RetryConfig
	log  *logger.Logger
}

func NewRetryingGateway(next Gateway, cfg RetryConfig, log *logger.Logger) *RetryingGateway {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	return &RetryingGateway{next: next, cfg: cfg, log: log}
}

func (r *RetryingGateway) Name() string { return r.next.Name() }

func (r *RetryingGateway) CreatePaymentRequest(ctx context.Context, req models.PaymentRequest) (*models.PaymentSession, error) {
	var session *models.PaymentSession
	err := r.retry(ctx, "create", func(ctx context.Context) error {
		var err error
		session, err = r.next.CreatePaymentRequest(ctx, req)
		return err
	})
	return session, err
}

func (r *RetryingGateway) GetPaymentStatus(ctx context.Context, externalReference string) (*models.PaymentOutcome, error) {
	var outcome *models.PaymentOutcome
	err := r.retry(ctx, "status", func(ctx context.Context) error {
		var err error
		outcome, err = r.next.GetPaymentStatus(ctx, externalReference)
		return err
	})
	return outcome, err
}

func (r *RetryingGateway) retry(ctx context.Context, op string, call func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialInterval
	eb.MaxInterval = r.cfg.MaxInterval
	eb.MaxElapsedTime = 0

	var policy backoff.BackOff = eb
	if r.cfg.MaxRetries >= 0 {
		policy = backoff.WithMaxRetries(eb, uint64(r.cfg.MaxRetries))
	}
	policy = backoff.WithContext(policy, ctx)

	attempt := 0
	operation := func() error {
		attempt++
		callCtx := ctx
		if r.cfg.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.cfg.AttemptTimeout)
			defer cancel()
		}

		start := time.Now()
		err := call(callCtx)
		took := time.Since(start)

		switch {
		case err == nil:
			metrics.TrackGatewayCall(r.Name(), op+"_ok", took)
			return nil
		case errors.Is(err, models.ErrGatewayRejected):
			metrics.TrackGatewayCall(r.Name(), op+"_rejected", took)
			return backoff.Permanent(err)
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			return backoff.Permanent(err)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, models.ErrGatewayUnavailable):
			metrics.TrackGatewayCall(r.Name(), op+"_unavailable", took)
			if !errors.Is(err, models.ErrGatewayUnavailable) {
				err = fmt.Errorf("%w: %v", models.ErrGatewayUnavailable, err)
			}
			r.log.Warn("GATEWAY", fmt.Sprintf("%s %s attempt %d failed: %v", r.Name(), op, attempt, err))
			return err
		default:
			metrics.TrackGatewayCall(r.Name(), op+"_error", took)
			return backoff.Permanent(err)
		}
	}

	err := backoff.Retry(operation, policy)
	if err != nil && ctx.Err() != nil && !errors.Is(err, models.ErrGatewayUnavailable) {
		return fmt.Errorf("%w: %v", models.ErrGatewayUnavailable, ctx.Err())
	}
	return err
}
