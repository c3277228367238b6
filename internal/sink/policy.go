package sink

import (
	"context"
	"time"
)

// DefaultBackoff is the wait before a transient failure is retried
const DefaultBackoff = time.Second

// Policy wraps uploads with token recovery and a single bounded retry.
// It never drops a batch silently: every unrecovered failure is returned
// as a *DeliveryError.
type Policy struct {
	backoff time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewPolicy creates a policy waiting backoff before retrying transient failures
func NewPolicy(backoff time.Duration) *Policy {
	return &Policy{backoff: backoff, sleep: sleepContext}
}

// Deliver uploads b through c, recovering from token conflicts and transient failures
func (p *Policy) Deliver(ctx context.Context, c *Client, b Batch) error {
	if b.Len() == 0 {
		return nil
	}

	_, err := c.Upload(ctx, b)
	if err == nil {
		return nil
	}

	switch KindOf(err) {
	case KindDataAlreadyAccepted:
		// The sink already holds this batch; resending would duplicate it.
		c.adoptCorrected(err)
		c.delivered(b)
		return nil

	case KindStaleToken:
		c.adoptCorrected(err)
		return p.retry(ctx, c, b)

	case KindTransient:
		c.log.WithError(err).WithField("backoff", p.backoff).Warn("Transient sink failure, retrying")
		if serr := p.sleep(ctx, p.backoff); serr != nil {
			return c.deliveryError(b, err)
		}
		return p.retry(ctx, c, b)

	default:
		return c.deliveryError(b, err)
	}
}

// retry resends b exactly once
func (p *Policy) retry(ctx context.Context, c *Client, b Batch) error {
	c.retries.Add(1)

	_, err := c.Upload(ctx, b)
	if err == nil {
		return nil
	}
	if KindOf(err) == KindDataAlreadyAccepted {
		c.adoptCorrected(err)
		c.delivered(b)
		return nil
	}
	return c.deliveryError(b, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
