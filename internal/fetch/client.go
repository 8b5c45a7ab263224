// Package fetch downloads filing documents over HTTP. Failures are split
// into terminal ones (the document will never arrive, stop retrying) and
// transient ones (network trouble, retry on the next run).
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const userAgent = "insider-pipeline/1.0"

// ErrTooLarge means the response body exceeded the configured cap. The
// document will not shrink, so the error is terminal.
var ErrTooLarge = errors.New("document exceeds size limit")

// StatusError reports a non-2xx response for a document URL. Regulatory
// archives return 404 for withdrawn filings and never restore them, so a
// status error is terminal.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

// IsTerminal reports whether err means the document can never be fetched.
// Malformed URLs and status errors are terminal; transport and context
// errors are transient.
func IsTerminal(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return true
	}
	if errors.Is(err, ErrTooLarge) {
		return true
	}
	var reqErr *requestError
	return errors.As(err, &reqErr)
}

// requestError marks a failure to even build the request, typically a
// malformed URL recorded in the filing index.
type requestError struct {
	url string
	err error
}

func (e *requestError) Error() string {
	return fmt.Sprintf("build request for %s: %v", e.url, e.err)
}

func (e *requestError) Unwrap() error { return e.err }

// Client fetches documents with a shared pooled transport.
type Client struct {
	httpClient *http.Client
	maxBytes   int64
}

// NewClient returns a client with the given request timeout. Responses are
// truncated at maxBytes when it is positive.
func NewClient(timeout time.Duration, maxBytes int64) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxBytes: maxBytes,
	}
}

// Get downloads url and returns the response body.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &requestError{url: url, err: err}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	body := io.Reader(resp.Body)
	if c.maxBytes > 0 {
		body = io.LimitReader(resp.Body, c.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if c.maxBytes > 0 && int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("fetch %s: %w", url, ErrTooLarge)
	}
	return data, nil
}
