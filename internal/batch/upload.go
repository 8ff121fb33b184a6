package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// UploadFunc pushes one item's payload to the document store. Rate-limit
// retries happen inside the call; by the time it returns, the outcome is
// terminal for this run.
type UploadFunc func(ctx context.Context, key string, payload []byte) error

// RunUploads fans the payload map out to a pool bounded by concurrency, one
// attempt per item, and returns the succeeded and failed key sets sorted.
// A single item's failure never aborts the batch; every key lands in exactly
// one of the two slices.
func RunUploads(ctx context.Context, payloads map[string][]byte, concurrency int, upload UploadFunc, log *zap.Logger) (succeeded, failed []string, err error) {
	if ctx == nil {
		return nil, nil, errors.New("batch: context is nil")
	}
	if upload == nil {
		return nil, nil, errors.New("batch: upload func is nil")
	}
	if concurrency <= 0 {
		return nil, nil, fmt.Errorf("batch: upload concurrency must be >= 1, got %d", concurrency)
	}
	if log == nil {
		log = zap.NewNop()
	}

	keys := make([]string, 0, len(payloads))
	for k := range payloads {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(concurrency)

	for _, key := range keys {
		payload := payloads[key]
		g.Go(func() error {
			uploadErr := upload(ctx, key, payload)

			mu.Lock()
			defer mu.Unlock()
			if uploadErr != nil {
				failed = append(failed, key)
				log.Warn("upload failed", zap.String("item", key), zap.Error(uploadErr))
				return nil
			}
			succeeded = append(succeeded, key)
			log.Debug("upload complete", zap.String("item", key), zap.Int("bytes", len(payload)))
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(succeeded)
	sort.Strings(failed)
	log.Info("upload batch finished",
		zap.Int("items", len(keys)),
		zap.Int("succeeded", len(succeeded)),
		zap.Int("failed", len(failed)),
	)
	return succeeded, failed, nil
}
