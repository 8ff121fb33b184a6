package drive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// withRetry runs call up to the client's attempt budget. Only throttled
// outcomes are retried, waiting base, 2*base, 4*base, ... between attempts.
// The loop is explicit and bounded; it never recurses. Exhausting the budget
// returns the last throttled error so callers can classify it.
func (c *Client) withRetry(ctx context.Context, op string, call func() error) error {
	var err error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = call()
		if err == nil || !errors.Is(err, ErrThrottled) {
			return err
		}
		if attempt == c.maxAttempts-1 {
			break
		}
		wait := c.backoffBase << attempt
		c.log.Warn("throttled by document store",
			zap.String("op", op),
			zap.Duration("wait", wait),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.maxAttempts),
		)
		if serr := c.sleep(ctx, wait); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("drive: %s: %d attempts exhausted: %w", op, c.maxAttempts, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
