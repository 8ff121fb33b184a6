// Package export drives one paginated-report export on the BI service per
// work item: submit, poll to completion, download the artifact. Failures are
// classified values, never panics or batch-aborting errors; a single item's
// failure resolves to "no artifact" and the batch carries on.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultBaseURL is the BI service API root.
const DefaultBaseURL = "https://api.powerbi.com/v1.0/myorg"

// Status is the remote export job state as reported by the status endpoint.
type Status string

const (
	StatusNotStarted Status = "NotStarted"
	StatusRunning    Status = "Running"
	StatusSucceeded  Status = "Succeeded"
	StatusFailed     Status = "Failed"
)

// Client issues export requests for one workspace/report pair. The HTTP
// client is expected to inject the bearer token (see auth.TokenProvider.Client);
// Client itself holds no credential state.
type Client struct {
	http        *http.Client
	baseURL     string
	workspaceID string
	reportID    string

	parameterName string
	pollInterval  time.Duration
	maxPolls      int

	// sleep is a seam for tests; kept context-aware so an inter-poll wait
	// never outlives a canceled run.
	sleep func(ctx context.Context, d time.Duration) error

	log *zap.Logger
}

type Option func(*Client)

// WithBaseURL overrides the API root (tests point this at httptest servers).
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(base, "/") }
}

func WithPolling(interval time.Duration, maxPolls int) Option {
	return func(c *Client) {
		c.pollInterval = interval
		c.maxPolls = maxPolls
	}
}

func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

func NewClient(httpClient *http.Client, workspaceID, reportID, parameterName string, log *zap.Logger, opts ...Option) (*Client, error) {
	if httpClient == nil {
		return nil, errors.New("export client: http client is nil")
	}
	if workspaceID == "" || reportID == "" {
		return nil, errors.New("export client: workspace and report IDs are required")
	}
	if parameterName == "" {
		return nil, errors.New("export client: parameter name is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	c := &Client{
		http:          httpClient,
		baseURL:       DefaultBaseURL,
		workspaceID:   workspaceID,
		reportID:      reportID,
		parameterName: parameterName,
		pollInterval:  10 * time.Second,
		maxPolls:      30,
		sleep:         sleepCtx,
		log:           log,
	}
	for _, apply := range opts {
		if apply != nil {
			apply(c)
		}
	}
	if c.pollInterval <= 0 {
		return nil, fmt.Errorf("export client: poll interval must be > 0, got %v", c.pollInterval)
	}
	if c.maxPolls <= 0 {
		return nil, fmt.Errorf("export client: max polls must be >= 1, got %d", c.maxPolls)
	}
	return c, nil
}

type exportRequest struct {
	Format                       string                `json:"format"`
	PaginatedReportConfiguration paginatedReportConfig `json:"paginatedReportConfiguration"`
}

type paginatedReportConfig struct {
	ParameterValues []parameterValue `json:"parameterValues"`
}

type parameterValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type exportAccepted struct {
	ID string `json:"id"`
}

type exportStatus struct {
	Status Status `json:"status"`
}

// SubmitExport asks the BI service to start a PDF export with the work item's
// value bound to the configured report parameter. It returns the remote job ID.
func (c *Client) SubmitExport(ctx context.Context, value string) (string, error) {
	body, err := json.Marshal(exportRequest{
		Format: "PDF",
		PaginatedReportConfiguration: paginatedReportConfig{
			ParameterValues: []parameterValue{{Name: c.parameterName, Value: value}},
		},
	})
	if err != nil {
		return "", failf(FailSubmission, value, "encode export request: %w", err)
	}

	url := fmt.Sprintf("%s/groups/%s/reports/%s/ExportTo", c.baseURL, c.workspaceID, c.reportID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", failf(FailSubmission, value, "build export request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", failf(FailSubmission, value, "submit export: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", failf(FailSubmission, value, "submit export: HTTP %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}

	var accepted exportAccepted
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return "", failf(FailMissingJobID, value, "decode accept response: %w", err)
	}
	if accepted.ID == "" {
		return "", failf(FailMissingJobID, value, "accept response carried no export ID")
	}
	return accepted.ID, nil
}

// PollStatus queries one job's current status.
func (c *Client) PollStatus(ctx context.Context, item, jobID string) (Status, error) {
	url := fmt.Sprintf("%s/groups/%s/reports/%s/exports/%s", c.baseURL, c.workspaceID, c.reportID, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", failf(FailUnexpectedStatus, item, "build status request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", failf(FailUnexpectedStatus, item, "query export status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", failf(FailUnexpectedStatus, item, "query export status: HTTP %d", resp.StatusCode)
	}

	st := exportStatus{Status: StatusRunning}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return "", failf(FailUnexpectedStatus, item, "decode status response: %w", err)
	}
	return st.Status, nil
}

// FetchResult downloads the finished artifact for one job.
func (c *Client) FetchResult(ctx context.Context, item, jobID string) ([]byte, error) {
	url := fmt.Sprintf("%s/groups/%s/reports/%s/exports/%s/file", c.baseURL, c.workspaceID, c.reportID, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, failf(FailDownload, item, "build download request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, failf(FailDownload, item, "download artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, failf(FailDownload, item, "download artifact: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failf(FailDownload, item, "read artifact body: %w", err)
	}
	return data, nil
}

func readErrorBody(r io.Reader) string {
	// Remote error bodies can be arbitrarily large; cap the read.
	data, err := io.ReadAll(io.LimitReader(r, 2048))
	if err != nil || len(data) == 0 {
		return "<no body>"
	}
	return string(data)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
