package drive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithBaseURL(srv.URL)}, opts...)
	return NewClient(srv.Client(), zap.NewNop(), opts...), srv
}

func TestResolveDrive(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sites/contoso.example.com:/sites/Reports", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "site-1"})
	})
	mux.HandleFunc("GET /sites/site-1/drives", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]string{
				{"id": "drv-0", "name": "Archive"},
				{"id": "drv-1", "name": "Documents"},
			},
		})
	})
	c, _ := newTestClient(t, mux)

	siteID, driveID, err := c.ResolveDrive(context.Background(), "https://contoso.example.com/sites/Reports", "sites/Reports", "Documents")
	if err != nil {
		t.Fatalf("ResolveDrive: %v", err)
	}
	if siteID != "site-1" || driveID != "drv-1" {
		t.Errorf("resolved %s/%s, want site-1/drv-1", siteID, driveID)
	}
}

func TestResolveDrive_UnknownDriveListsAvailable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sites/contoso.example.com:/sites/Reports", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "site-1"})
	})
	mux.HandleFunc("GET /sites/site-1/drives", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]string{{"id": "drv-0", "name": "Archive"}},
		})
	})
	c, _ := newTestClient(t, mux)

	_, _, err := c.ResolveDrive(context.Background(), "contoso.example.com", "/sites/Reports/", "Documents")
	if err == nil {
		t.Fatal("expected error for unknown drive")
	}
	if !strings.Contains(err.Error(), "Archive") {
		t.Errorf("error %q does not list available drives", err)
	}
}

func TestUpload_PathAndContentType(t *testing.T) {
	var gotContentType string
	var gotBody string
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /drives/drv-1/root:/Areas/report_North.pdf:/content", func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		gotBody = string(raw)
		w.WriteHeader(http.StatusCreated)
	})
	c, _ := newTestClient(t, mux)

	if err := c.Upload(context.Background(), "drv-1", "/Areas/", "report_North.pdf", []byte("%PDF-1.7")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if gotContentType != "application/pdf" {
		t.Errorf("content type = %q, want application/pdf", gotContentType)
	}
	if gotBody != "%PDF-1.7" {
		t.Errorf("body = %q", gotBody)
	}
}

func TestUpload_ThrottledThenSucceeds(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /drives/drv-1/root:/links.csv:/content", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	sleeper := &recordingSleeper{}
	c, _ := newTestClient(t, mux, WithRetry(4, time.Second), WithSleeper(sleeper.sleep))

	if err := c.Upload(context.Background(), "drv-1", "", "links.csv", []byte("ID,Name\n")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(sleeper.waits) != len(want) {
		t.Fatalf("waits = %v, want %v", sleeper.waits, want)
	}
	for i := range want {
		if sleeper.waits[i] != want[i] {
			t.Errorf("wait %d = %v, want %v", i, sleeper.waits[i], want[i])
		}
	}
}

func TestUpload_ThrottleBudgetExhausted(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /drives/drv-1/root:/stuck.pdf:/content", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	})
	sleeper := &recordingSleeper{}
	c, _ := newTestClient(t, mux, WithRetry(3, time.Second), WithSleeper(sleeper.sleep))

	err := c.Upload(context.Background(), "drv-1", "", "stuck.pdf", []byte("x"))
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("error = %v, want ErrThrottled", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(sleeper.waits) != 2 {
		t.Errorf("waits = %v, want exactly 2", sleeper.waits)
	}
}

func TestUpload_ServerErrorNotRetried(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /drives/drv-1/root:/bad.pdf:/content", func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "storage offline", http.StatusInternalServerError)
	})
	sleeper := &recordingSleeper{}
	c, _ := newTestClient(t, mux, WithRetry(3, time.Second), WithSleeper(sleeper.sleep))

	err := c.Upload(context.Background(), "drv-1", "", "bad.pdf", []byte("x"))
	if err == nil || errors.Is(err, ErrThrottled) {
		t.Fatalf("error = %v, want a non-throttle failure", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on server errors)", calls)
	}
	if len(sleeper.waits) != 0 {
		t.Errorf("waits = %v, want none", sleeper.waits)
	}
}

func TestCreateShareLink(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /drives/drv-1/root:/Employees/report_Ana/report_Ana.pdf", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "item-9", "name": "report_Ana.pdf"})
	})
	mux.HandleFunc("POST /drives/drv-1/items/item-9/createLink", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode link request: %v", err)
		}
		if req["type"] != "view" || req["scope"] != "organization" {
			t.Errorf("link request = %v, want view/organization", req)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"link": map[string]string{"webUrl": "https://contoso.example.com/s/abc"},
		})
	})
	c, _ := newTestClient(t, mux)

	url, err := c.CreateShareLink(context.Background(), "drv-1", "Employees/report_Ana/report_Ana.pdf")
	if err != nil {
		t.Fatalf("CreateShareLink: %v", err)
	}
	if url != "https://contoso.example.com/s/abc" {
		t.Errorf("url = %q", url)
	}
}

func TestCreateShareLink_MissingFile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /drives/drv-1/root:/Employees/report_Gone/report_Gone.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c, _ := newTestClient(t, mux)

	_, err := c.CreateShareLink(context.Background(), "drv-1", "Employees/report_Gone/report_Gone.pdf")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}
