// Package batch fans independent long-running remote operations out to a
// bounded worker pool and accounts for every item's outcome across a first
// pass plus a bounded number of whole-batch retry passes.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Item is one unit of work. Key is the stable identity threaded through
// export, upload, link generation, and the run log; Value is the raw report
// parameter. Items are immutable once submitted.
type Item struct {
	Key   string
	Value string
}

// ExportFunc runs one item's remote operation to completion and returns the
// artifact bytes, or a classified error. It must never panic the batch: any
// error resolves to a failed outcome for that item only.
type ExportFunc func(ctx context.Context, item Item) ([]byte, error)

type Runner struct {
	exportFn    ExportFunc
	concurrency int
	maxRetries  int
	retryDelay  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	log         *zap.Logger
}

type RunnerOption func(*Runner)

// WithSleep replaces the inter-pass wait; tests use it to run without delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) RunnerOption {
	return func(r *Runner) { r.sleep = sleep }
}

func NewRunner(exportFn ExportFunc, concurrency, maxRetries int, retryDelay time.Duration, log *zap.Logger, opts ...RunnerOption) (*Runner, error) {
	if exportFn == nil {
		return nil, errors.New("batch: export func is nil")
	}
	if concurrency <= 0 {
		return nil, fmt.Errorf("batch: concurrency must be >= 1, got %d", concurrency)
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("batch: max retries must be >= 0, got %d", maxRetries)
	}
	if retryDelay < 0 {
		return nil, fmt.Errorf("batch: retry delay must be >= 0, got %v", retryDelay)
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runner{
		exportFn:    exportFn,
		concurrency: concurrency,
		maxRetries:  maxRetries,
		retryDelay:  retryDelay,
		sleep:       sleepCtx,
		log:         log,
	}
	for _, apply := range opts {
		if apply != nil {
			apply(r)
		}
	}
	return r, nil
}

// retryConcurrency is the reduced pool size for recovery passes: half the
// first-pass pool, floored at 1 so retry passes always make progress.
func (r *Runner) retryConcurrency() int {
	if half := r.concurrency / 2; half > 1 {
		return half
	}
	return 1
}

// Run sweeps all items once at full concurrency, then reruns the still-failing
// subset for up to maxRetries reduced-concurrency passes, each preceded by the
// fixed retry delay. It terminates when the failed set is empty or the pass
// budget is spent; items still failing at that point are reported in the
// ledger, never dropped. The final ledger partitions the input exactly:
// every key is in the success set or the failure set, never both.
func (r *Runner) Run(ctx context.Context, items []Item) (*Ledger, error) {
	if ctx == nil {
		return nil, errors.New("batch: context is nil")
	}

	ledger := NewLedger(items)
	total, _, _ := ledger.Counts()
	if total == 0 {
		return ledger, nil
	}

	r.log.Info("starting batch",
		zap.Int("items", total),
		zap.Int("concurrency", r.concurrency),
		zap.Int("max_retries", r.maxRetries),
	)
	r.runPass(ctx, ledger, 0, items, r.concurrency)

	for pass := 1; pass <= r.maxRetries; pass++ {
		remaining := ledger.FailedItems()
		if len(remaining) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return ledger, err
		}

		r.log.Info("retrying failed items",
			zap.Int("pass", pass),
			zap.Int("max_retries", r.maxRetries),
			zap.Int("items", len(remaining)),
			zap.String("keys", strings.Join(ledger.FailedKeys(), ",")),
			zap.Duration("delay", r.retryDelay),
		)
		if err := r.sleep(ctx, r.retryDelay); err != nil {
			return ledger, err
		}
		r.runPass(ctx, ledger, pass, remaining, r.retryConcurrency())
	}

	total, ok, failed := ledger.Counts()
	r.log.Info("batch finished",
		zap.Int("items", total),
		zap.Int("succeeded", ok),
		zap.Int("failed", failed),
	)
	if failed > 0 {
		r.log.Warn("items failed after all passes",
			zap.Strings("keys", ledger.FailedKeys()),
		)
	}
	return ledger, ctx.Err()
}

// runPass sweeps one item set with a pool bounded by concurrency. Each worker
// owns exactly one item end to end; outcomes funnel through a single channel
// drained here, so no two goroutines touch the ledger maps at once beyond its
// own locking.
func (r *Runner) runPass(ctx context.Context, ledger *Ledger, pass int, items []Item, concurrency int) {
	type outcome struct {
		item     Item
		artifact []byte
		err      error
	}

	sem := make(chan struct{}, concurrency)
	resCh := make(chan outcome)

	go func() {
		defer close(resCh)
		var wg sync.WaitGroup
		for _, it := range items {
			if err := ctx.Err(); err != nil {
				// Never drop an item: unscheduled work is a failed outcome.
				resCh <- outcome{item: it, err: fmt.Errorf("not attempted: %w", err)}
				continue
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(it Item) {
				defer wg.Done()
				defer func() { <-sem }()
				artifact, err := r.exportFn(ctx, it)
				resCh <- outcome{item: it, artifact: artifact, err: err}
			}(it)
		}
		wg.Wait()
	}()

	var ok, failed int
	for res := range resCh {
		ledger.record(res.item.Key, res.artifact, res.err)
		if res.err == nil {
			ok++
			r.log.Debug("item succeeded", zap.Int("pass", pass), zap.String("item", res.item.Key))
		} else {
			failed++
			r.log.Warn("item failed",
				zap.Int("pass", pass),
				zap.String("item", res.item.Key),
				zap.Error(res.err),
			)
		}
	}

	ledger.closePass(PassStats{
		Pass:        pass,
		Attempted:   len(items),
		Succeeded:   ok,
		Failed:      failed,
		Concurrency: concurrency,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
