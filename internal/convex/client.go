// Package convex fetches function execution logs from a Convex deployment's
// log stream endpoint.
package convex

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oicur0t/convexlogs/pkg/models"
)

// StreamPath is the log stream endpoint relative to the deployment URL
const StreamPath = "/api/stream_function_logs"

// maxBodyBytes bounds a single stream response
const maxBodyBytes = 64 << 20

// StatusError is returned for non-2xx responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("log stream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("log stream returned status %d: %s", e.StatusCode, e.Body)
}

// IsUnauthorized reports whether err is a 401/403 from the deployment
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden)
}

// Client reads a deployment's function log stream over HTTP. The deployment
// holds each request open until new entries arrive, so timeout should exceed
// its long-poll window.
type Client struct {
	httpClient *http.Client
	userAgent  string
	logger     *zap.Logger
}

// NewClient creates a stream client. tlsConfig may be nil.
func NewClient(tlsConfig *tls.Config, timeout time.Duration, userAgent string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     tlsConfig,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: timeout,
	}

	return &Client{
		httpClient: httpClient,
		userAgent:  userAgent,
		logger:     logger,
	}
}

// Fetch requests entries after cursor from the deployment at endpoint,
// authenticating with the deploy or admin key in credential.
func (c *Client) Fetch(ctx context.Context, endpoint, credential string, cursor int64) (models.StreamResponse, error) {
	reqURL, err := streamURL(endpoint, cursor)
	if err != nil {
		return models.StreamResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return models.StreamResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Convex "+credential)
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("Convex-Client", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.StreamResponse{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return models.StreamResponse{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.StreamResponse{}, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       truncate(strings.TrimSpace(string(body)), 256),
		}
	}

	page, err := DecodeStream(body, endpoint, cursor)
	if err != nil {
		return models.StreamResponse{}, err
	}

	c.logger.Debug("Fetched log stream page",
		zap.String("endpoint", endpoint),
		zap.Int64("cursor", cursor),
		zap.Int64("new_cursor", page.NewCursor),
		zap.Int("entries", len(page.Entries)))

	return page, nil
}

func streamURL(endpoint string, cursor int64) (string, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid deployment url %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid deployment url %q: scheme must be http or https", endpoint)
	}
	u.Path += StreamPath
	q := u.Query()
	q.Set("cursor", strconv.FormatInt(cursor, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
