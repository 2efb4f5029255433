package remotesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ClockQueryParam carries the local clock on GET requests so the endpoint
// can skip sending data that is not newer.
const ClockQueryParam = "updatedTime"

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Response is the body returned by the endpoint for both GET and POST.
type Response struct {
	Updated     bool   `json:"updated"`
	UpdatedTime int64  `json:"updatedTime,omitempty"`
	Data        string `json:"data,omitempty"`
}

type pushRequest struct {
	Data string `json:"data"`
}

type RemoteClient interface {
	Push(ctx context.Context, data string) (Response, error)
	Fetch(ctx context.Context, sinceClock int64) (Response, error)
}

type HTTPClientOptions struct {
	UserAgent string
	// MaxRetries above zero retries 429 and 5xx responses and network
	// errors with exponential backoff. The sync protocol does not retry by
	// default.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

const (
	defaultUserAgent   = "visitorsync"
	defaultBaseDelay   = 100 * time.Millisecond
	defaultMaxDelay    = 2 * time.Second
	defaultHTTPTimeout = 15 * time.Second
	maxResponseBytes   = 1 << 20
)

func (o HTTPClientOptions) withDefaults() HTTPClientOptions {
	o.UserAgent = strings.TrimSpace(o.UserAgent)
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	o.MaxRetries = max(o.MaxRetries, 0)
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	return o
}

type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
	opts       HTTPClientOptions
}

func NewHTTPClient(endpoint string, httpClient *http.Client, opts HTTPClientOptions) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPClient{
		endpoint:   strings.TrimSpace(endpoint),
		httpClient: httpClient,
		opts:       opts.withDefaults(),
	}
}

func (c *HTTPClient) Push(ctx context.Context, data string) (Response, error) {
	var out Response
	err := c.doJSON(ctx, http.MethodPost, c.endpoint, pushRequest{Data: data}, &out)
	return out, err
}

func (c *HTTPClient) Fetch(ctx context.Context, sinceClock int64) (Response, error) {
	target := c.endpoint
	if sinceClock > 0 {
		parsed, err := url.Parse(c.endpoint)
		if err != nil {
			return Response{}, err
		}
		q := parsed.Query()
		q.Set(ClockQueryParam, strconv.FormatInt(sinceClock, 10))
		parsed.RawQuery = q.Encode()
		target = parsed.String()
	}
	var out Response
	err := c.doJSON(ctx, http.MethodGet, target, nil, &out)
	return out, err
}

// attemptError is a failed round trip the caller may retry. wait is the
// server's Retry-After hint, zero when it sent none.
type attemptError struct {
	err  error
	wait time.Duration
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

func (c *HTTPClient) doJSON(ctx context.Context, method, target string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		err := c.roundTrip(ctx, method, target, payload, out)
		var transient *attemptError
		if !errors.As(err, &transient) {
			return err
		}
		if attempt >= c.opts.MaxRetries || ctx.Err() != nil {
			return transient.err
		}
		wait := transient.wait
		if wait <= 0 {
			wait = c.backoff(attempt)
		}
		timer := time.NewTimer(min(wait, c.opts.MaxDelay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// roundTrip sends one request. Network errors, 429 and 5xx come back as
// *attemptError; any other failure is final.
func (c *HTTPClient) roundTrip(ctx context.Context, method, target string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("X-Correlation-Id", correlationID())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &attemptError{err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(bytes.TrimSpace(raw)) == 0 {
			return nil
		}
		return json.Unmarshal(raw, out)
	}
	httpErr := decodeHTTPError(resp.StatusCode, raw)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &attemptError{err: httpErr, wait: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	return httpErr
}

func decodeHTTPError(status int, raw []byte) *HTTPError {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &body)
	if body.Message == "" {
		body.Message = http.StatusText(status)
	}
	return &HTTPError{StatusCode: status, Code: body.Code, Message: body.Message}
}

func correlationID() string {
	return "vs_" + ulid.Make().String()
}

// backoff doubles BaseDelay per attempt, capped at MaxDelay.
func (c *HTTPClient) backoff(attempt int) time.Duration {
	if attempt > 30 {
		return c.opts.MaxDelay
	}
	delay := c.opts.BaseDelay << attempt
	if delay <= 0 || delay > c.opts.MaxDelay {
		return c.opts.MaxDelay
	}
	return delay
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(max(seconds, 0)) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		return max(time.Until(at), 0)
	}
	return 0
}
