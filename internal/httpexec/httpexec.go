// Package httpexec replays queued operations as HTTP requests.
package httpexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/discochess/tiercache"
)

// Compile-time check that Executor implements tiercache.Executor.
var _ tiercache.Executor = (*Executor)(nil)

// maxErrorBody caps how much of a failed response body is kept in the error.
const maxErrorBody = 512

// StatusError reports a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// Executor sends operations to an HTTP origin.
type Executor struct {
	client  *http.Client
	baseURL *url.URL
	logger  *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithClient sets the HTTP client. Default has a 30 second timeout.
func WithClient(client *http.Client) Option {
	return func(e *Executor) {
		e.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// New creates an Executor resolving relative operation targets against
// baseURL. An empty baseURL requires every target to be absolute.
func New(baseURL string, opts ...Option) (*Executor, error) {
	e := &Executor{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: zap.NewNop(),
	}
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing base url: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("base url %q must be absolute", baseURL)
		}
		e.baseURL = u
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute sends op. A 2xx response is success. A 4xx response other than
// 408 or 429 is a definitive rejection and is returned as a terminal error;
// everything else is retryable.
func (e *Executor) Execute(ctx context.Context, op tiercache.Operation) error {
	target, err := e.resolve(op.Target)
	if err != nil {
		return tiercache.Terminal(err)
	}

	method := strings.ToUpper(op.Method)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(op.Payload) > 0 {
		body = bytes.NewReader(op.Payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return tiercache.Terminal(fmt.Errorf("building request: %w", err))
	}
	for k, v := range op.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &StatusError{
		Method: method,
		URL:    target,
		Status: resp.StatusCode,
		Body:   strings.TrimSpace(string(snippet)),
	}
	e.logger.Debug("operation rejected",
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
	)
	if terminalStatus(resp.StatusCode) {
		return tiercache.Terminal(statusErr)
	}
	return statusErr
}

func terminalStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

func (e *Executor) resolve(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parsing target %q: %w", target, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if e.baseURL == nil {
		return "", fmt.Errorf("relative target %q without base url", target)
	}
	return e.baseURL.ResolveReference(u).String(), nil
}
