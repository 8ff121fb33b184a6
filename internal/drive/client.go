// Package drive is the document store client: Graph-style site and drive
// resolution, folder management, file uploads, and shareable links. Calls
// that the store can throttle run inside a bounded backoff loop.
package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultBaseURL is the production drive API endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

var (
	// ErrThrottled marks a call the store rejected with a rate-limit status.
	// The backoff loop retries these; everything else returns immediately.
	ErrThrottled = errors.New("drive: rate limited")

	// ErrNotFound marks a drive item that does not exist at the given path.
	ErrNotFound = errors.New("drive: item not found")
)

// Client talks to one document store tenant. It is safe for concurrent use;
// the folder cache serializes creation of any one folder path.
type Client struct {
	http        *http.Client
	baseURL     string
	maxAttempts int
	backoffBase time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	log         *zap.Logger

	folders folderCache
}

type Option func(*Client)

// WithBaseURL points the client at a non-production endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithRetry sets the throttle retry budget: maxAttempts total calls, waiting
// base, 2*base, 4*base, ... between them.
func WithRetry(maxAttempts int, base time.Duration) Option {
	return func(c *Client) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if base > 0 {
			c.backoffBase = base
		}
	}
}

// WithSleeper replaces the backoff wait. Tests use it to run without delays.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

func NewClient(httpClient *http.Client, log *zap.Logger, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		http:        httpClient,
		baseURL:     DefaultBaseURL,
		maxAttempts: 3,
		backoffBase: time.Second,
		sleep:       sleepCtx,
		log:         log,
	}
	c.folders.known = make(map[string]struct{})
	for _, apply := range opts {
		apply(c)
	}
	return c
}

type siteInfo struct {
	ID string `json:"id"`
}

type driveInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type drivesPage struct {
	Value []driveInfo `json:"value"`
}

type itemInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type shareLink struct {
	Link struct {
		WebURL string `json:"webUrl"`
	} `json:"link"`
}

// ResolveDrive turns the configured site URL, site path, and drive name into
// the drive ID every later call needs. Site lookup goes by hostname plus
// server-relative path; the drive is matched by display name.
func (c *Client) ResolveDrive(ctx context.Context, siteURL, sitePath, driveName string) (siteID, driveID string, err error) {
	host := hostOf(siteURL)
	if host == "" {
		return "", "", fmt.Errorf("drive: cannot extract host from site url %q", siteURL)
	}
	relPath := "/" + strings.Trim(sitePath, " /")

	var site siteInfo
	u := fmt.Sprintf("%s/sites/%s:%s", c.baseURL, host, escapePath(relPath))
	if err := c.getJSON(ctx, "resolve site", u, &site); err != nil {
		return "", "", err
	}
	if site.ID == "" {
		return "", "", fmt.Errorf("drive: site %s:%s resolved without an id", host, relPath)
	}
	c.log.Info("resolved site", zap.String("host", host), zap.String("path", relPath), zap.String("site_id", site.ID))

	var page drivesPage
	u = fmt.Sprintf("%s/sites/%s/drives", c.baseURL, url.PathEscape(site.ID))
	if err := c.getJSON(ctx, "list drives", u, &page); err != nil {
		return "", "", err
	}
	for _, d := range page.Value {
		if d.Name == driveName {
			c.log.Info("resolved drive", zap.String("drive", driveName), zap.String("drive_id", d.ID))
			return site.ID, d.ID, nil
		}
	}
	available := make([]string, 0, len(page.Value))
	for _, d := range page.Value {
		available = append(available, d.Name)
	}
	return "", "", fmt.Errorf("drive: drive %q not found on site %s (available: %s)",
		driveName, site.ID, strings.Join(available, ", "))
}

// Upload writes payload to folder/name inside the drive, creating or
// replacing the file. Content type follows the file extension.
func (c *Client) Upload(ctx context.Context, driveID, folder, name string, payload []byte) error {
	if name == "" {
		return errors.New("drive: upload file name is empty")
	}
	target := cleanPath(folder)
	if target != "" {
		target += "/"
	}
	target += name

	u := fmt.Sprintf("%s/drives/%s/root:/%s:/content",
		c.baseURL, url.PathEscape(driveID), escapePath(target))

	return c.withRetry(ctx, "upload "+name, func() error {
		resp, err := c.do(ctx, http.MethodPut, u, contentTypeFor(name), payload)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated:
			c.log.Debug("uploaded file", zap.String("path", target), zap.Int("bytes", len(payload)))
			return nil
		case http.StatusTooManyRequests:
			return fmt.Errorf("upload %s: %w", target, ErrThrottled)
		default:
			return fmt.Errorf("drive: upload %s: status %d: %s", target, resp.StatusCode, readErrorBody(resp.Body))
		}
	})
}

// ItemID looks up the drive item at filePath and returns its ID.
// A missing file reports ErrNotFound.
func (c *Client) ItemID(ctx context.Context, driveID, filePath string) (string, error) {
	target := cleanPath(filePath)
	u := fmt.Sprintf("%s/drives/%s/root:/%s",
		c.baseURL, url.PathEscape(driveID), escapePath(target))

	var item itemInfo
	err := c.withRetry(ctx, "locate "+target, func() error {
		resp, err := c.do(ctx, http.MethodGet, u, "", nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			return json.NewDecoder(resp.Body).Decode(&item)
		case http.StatusNotFound:
			return fmt.Errorf("drive: %s: %w", target, ErrNotFound)
		case http.StatusTooManyRequests:
			return fmt.Errorf("locate %s: %w", target, ErrThrottled)
		default:
			return fmt.Errorf("drive: locate %s: status %d: %s", target, resp.StatusCode, readErrorBody(resp.Body))
		}
	})
	if err != nil {
		return "", err
	}
	if item.ID == "" {
		return "", fmt.Errorf("drive: item %s resolved without an id", target)
	}
	return item.ID, nil
}

// CreateShareLink locates the file at filePath and creates an
// organization-scoped view link for it, returning the link URL.
func (c *Client) CreateShareLink(ctx context.Context, driveID, filePath string) (string, error) {
	itemID, err := c.ItemID(ctx, driveID, filePath)
	if err != nil {
		return "", err
	}

	u := fmt.Sprintf("%s/drives/%s/items/%s/createLink",
		c.baseURL, url.PathEscape(driveID), url.PathEscape(itemID))
	body, err := json.Marshal(map[string]string{
		"type":  "view",
		"scope": "organization",
	})
	if err != nil {
		return "", fmt.Errorf("drive: encode link request: %w", err)
	}

	var link shareLink
	err = c.withRetry(ctx, "create link "+filePath, func() error {
		resp, err := c.do(ctx, http.MethodPost, u, "application/json", body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated:
			return json.NewDecoder(resp.Body).Decode(&link)
		case http.StatusTooManyRequests:
			return fmt.Errorf("create link %s: %w", filePath, ErrThrottled)
		default:
			return fmt.Errorf("drive: create link %s: status %d: %s", filePath, resp.StatusCode, readErrorBody(resp.Body))
		}
	})
	if err != nil {
		return "", err
	}
	if link.Link.WebURL == "" {
		return "", fmt.Errorf("drive: create link %s: response carried no url", filePath)
	}
	return link.Link.WebURL, nil
}

func (c *Client) getJSON(ctx context.Context, op, u string, out any) error {
	return c.withRetry(ctx, op, func() error {
		resp, err := c.do(ctx, http.MethodGet, u, "", nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			return json.NewDecoder(resp.Body).Decode(out)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%s: %w", op, ErrThrottled)
		default:
			return fmt.Errorf("drive: %s: status %d: %s", op, resp.StatusCode, readErrorBody(resp.Body))
		}
	})
}

func (c *Client) do(ctx context.Context, method, u, contentType string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("drive: build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("drive: %s %s: %w", method, u, err)
	}
	return resp, nil
}

func contentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".csv":
		return "text/csv"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// hostOf extracts the bare hostname from a site URL, with or without scheme.
func hostOf(siteURL string) string {
	s := strings.TrimSpace(siteURL)
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return s
}

func cleanPath(p string) string {
	return strings.Trim(strings.TrimSpace(p), "/")
}

// escapePath escapes each segment of a drive path, keeping the separators.
func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 2048))
	if err != nil || len(raw) == 0 {
		return "<no body>"
	}
	return strings.TrimSpace(string(raw))
}
