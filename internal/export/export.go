package export

import (
	"context"

	"go.uber.org/zap"
)

// Export runs the full state machine for one work item:
//
//	Submitted -> Polling -> {Completed, Failed, TimedOut}
//
// Submission rejection, a missing job ID, an unexpected status, a failed
// download, and an exhausted poll budget all resolve to a classified *Error;
// only Completed returns artifact bytes. The item string is the work item's
// stable key and appears in every failure for the ledger.
func (c *Client) Export(ctx context.Context, item, value string) ([]byte, error) {
	log := c.log.With(zap.String("item", item))

	jobID, err := c.SubmitExport(ctx, value)
	if err != nil {
		log.Warn("export submission rejected", zap.Error(err))
		return nil, err
	}
	log.Debug("export accepted", zap.String("job_id", jobID))

	for poll := 1; poll <= c.maxPolls; poll++ {
		status, err := c.PollStatus(ctx, item, jobID)
		if err != nil {
			log.Warn("export status query failed", zap.Error(err))
			return nil, err
		}

		switch status {
		case StatusSucceeded:
			data, err := c.FetchResult(ctx, item, jobID)
			if err != nil {
				log.Warn("artifact download failed", zap.Error(err))
				return nil, err
			}
			log.Info("export completed",
				zap.Int("polls", poll),
				zap.Int("bytes", len(data)),
			)
			return data, nil

		case StatusRunning, StatusNotStarted:
			log.Debug("export in progress",
				zap.String("status", string(status)),
				zap.Int("poll", poll),
				zap.Int("max_polls", c.maxPolls),
			)
			if poll == c.maxPolls {
				// Budget spent; don't sleep just to time out.
				break
			}
			if err := c.sleep(ctx, c.pollInterval); err != nil {
				return nil, failf(FailTimedOut, item, "inter-poll wait: %w", err)
			}

		default:
			log.Warn("export ended with unexpected status", zap.String("status", string(status)))
			return nil, failf(FailUnexpectedStatus, item, "remote status %q", status)
		}
	}

	log.Warn("export timed out", zap.Int("polls", c.maxPolls))
	return nil, failf(FailTimedOut, item, "still running after %d polls", c.maxPolls)
}
