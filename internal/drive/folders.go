package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// folderCache remembers folder paths already confirmed to exist, and
// collapses concurrent EnsureFolder calls for the same path into one
// sequence of API calls. Keys are driveID:path.
type folderCache struct {
	group singleflight.Group

	mu    sync.Mutex
	known map[string]struct{}
}

// EnsureFolder makes sure the folder path exists inside the drive, creating
// each missing level from the top down. Concurrent calls for the same path
// share one creation; later calls for a confirmed path return immediately.
func (c *Client) EnsureFolder(ctx context.Context, driveID, folder string) error {
	target := cleanPath(folder)
	if target == "" {
		return nil
	}
	key := driveID + ":" + target

	c.folders.mu.Lock()
	_, ok := c.folders.known[key]
	c.folders.mu.Unlock()
	if ok {
		return nil
	}

	_, err, _ := c.folders.group.Do(key, func() (any, error) {
		if err := c.ensureFolderPath(ctx, driveID, target); err != nil {
			return nil, err
		}
		c.folders.mu.Lock()
		c.folders.known[key] = struct{}{}
		c.folders.mu.Unlock()
		return nil, nil
	})
	return err
}

func (c *Client) ensureFolderPath(ctx context.Context, driveID, target string) error {
	exists, err := c.folderExists(ctx, driveID, target)
	if err != nil {
		return err
	}
	if exists {
		c.log.Debug("folder already exists", zap.String("path", target))
		return nil
	}

	c.log.Info("creating folder", zap.String("path", target))
	parts := strings.Split(target, "/")
	current := ""
	for _, part := range parts {
		parent := current
		if current == "" {
			current = part
		} else {
			current += "/" + part
		}

		exists, err := c.folderExists(ctx, driveID, current)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := c.createFolder(ctx, driveID, parent, part); err != nil {
			return err
		}
		c.log.Debug("created folder level", zap.String("path", current))
	}
	return nil
}

func (c *Client) folderExists(ctx context.Context, driveID, folderPath string) (bool, error) {
	u := fmt.Sprintf("%s/drives/%s/root:/%s",
		c.baseURL, url.PathEscape(driveID), escapePath(folderPath))

	exists := false
	err := c.withRetry(ctx, "check folder "+folderPath, func() error {
		resp, err := c.do(ctx, http.MethodGet, u, "", nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			exists = true
			return nil
		case http.StatusNotFound:
			exists = false
			return nil
		case http.StatusTooManyRequests:
			return fmt.Errorf("check folder %s: %w", folderPath, ErrThrottled)
		default:
			return fmt.Errorf("drive: check folder %s: status %d: %s", folderPath, resp.StatusCode, readErrorBody(resp.Body))
		}
	})
	return exists, err
}

func (c *Client) createFolder(ctx context.Context, driveID, parent, name string) error {
	var u string
	if parent == "" {
		u = fmt.Sprintf("%s/drives/%s/root/children", c.baseURL, url.PathEscape(driveID))
	} else {
		u = fmt.Sprintf("%s/drives/%s/root:/%s:/children",
			c.baseURL, url.PathEscape(driveID), escapePath(parent))
	}

	body, err := json.Marshal(map[string]any{
		"name":   name,
		"folder": map[string]any{},
		// Another writer may create the folder between our check and this
		// call; a conflict then means it exists, which is what we wanted.
		"@microsoft.graph.conflictBehavior": "fail",
	})
	if err != nil {
		return fmt.Errorf("drive: encode folder request: %w", err)
	}

	return c.withRetry(ctx, "create folder "+name, func() error {
		resp, err := c.do(ctx, http.MethodPost, u, "application/json", body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated, http.StatusConflict:
			return nil
		case http.StatusTooManyRequests:
			return fmt.Errorf("create folder %s: %w", name, ErrThrottled)
		default:
			return fmt.Errorf("drive: create folder %s: status %d: %s", name, resp.StatusCode, readErrorBody(resp.Body))
		}
	})
}
