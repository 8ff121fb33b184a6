// Package httptrace provides the verbose per-request logging transport shared
// by the remote service clients.
package httptrace

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// RoundTripper wraps an underlying transport and emits one debug line per
// request and response (including latency). It never logs request bodies or
// authorization headers.
type RoundTripper struct {
	Base http.RoundTripper
	Log  *zap.Logger
}

func (t *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Log == nil {
		return base.RoundTrip(req)
	}

	start := time.Now()
	t.Log.Debug("http request",
		zap.String("method", req.Method),
		zap.String("url", req.URL.Redacted()),
	)
	resp, err := base.RoundTrip(req)
	dur := time.Since(start).Truncate(time.Millisecond)
	if err != nil {
		t.Log.Debug("http error",
			zap.String("method", req.Method),
			zap.String("url", req.URL.Redacted()),
			zap.Duration("elapsed", dur),
			zap.Error(err),
		)
		return resp, err
	}
	t.Log.Debug("http response",
		zap.String("method", req.Method),
		zap.String("url", req.URL.Redacted()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", dur),
	)
	return resp, err
}
