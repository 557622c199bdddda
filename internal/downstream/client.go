// Package downstream is the HTTP executor that forwards scheduled calls to
// the model-serving endpoint.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"llmsched/internal/sched"
	logx "llmsched/pkg/logx"
)

const (
	defaultPath     = "/v1/chat/completions"
	maxResponseSize = 16 << 20
)

// Options configures a Client. Only BaseURL is required.
type Options struct {
	BaseURL   string
	Path      string
	BatchPath string

	Model     string
	FastModel string

	APIKey  string
	Headers map[string]string

	// Timeout bounds one HTTP exchange; zero leaves it to the caller context.
	Timeout time.Duration

	RatePerSec float64
	Burst      int

	HTTPClient *http.Client
	Logger     logx.Logger
}

// Client posts each call's payload as JSON and returns the response body as
// json.RawMessage.
type Client struct {
	url      string
	batchURL string
	model    string
	fast     string
	apiKey   string
	headers  map[string]string

	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

// HTTPError is a non-2xx answer from the endpoint. Its status drives
// sched.Classify: 429 and 5xx retry, other 4xx fail the request.
type HTTPError struct {
	Code int
	Body string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("downstream status %d", e.Code)
	}
	return fmt.Sprintf("downstream status %d: %s", e.Code, e.Body)
}

func (e *HTTPError) StatusCode() int { return e.Code }

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("downstream: base url is required")
	}
	path := opts.Path
	if path == "" {
		path = defaultPath
	}
	c := &Client{
		url:     base + ensureSlash(path),
		model:   opts.Model,
		fast:    opts.FastModel,
		apiKey:  opts.APIKey,
		headers: opts.Headers,
		http:    opts.HTTPClient,
		log:     opts.Logger.With(logx.String("comp", "downstream")),
	}
	if opts.BatchPath != "" {
		c.batchURL = base + ensureSlash(opts.BatchPath)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: opts.Timeout}
	}
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(math.Max(1, math.Ceil(opts.RatePerSec)))
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return c, nil
}

func ensureSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

// Executor returns the value to hand to sched.New. It implements
// sched.BatchExecutor only when a batch path is configured, so the scheduler
// never opens batch windows against an endpoint that cannot take them.
func (c *Client) Executor() sched.Executor {
	if c.batchURL != "" {
		return &BatchClient{Client: c}
	}
	return c
}

func (c *Client) Execute(ctx context.Context, call sched.Call) (any, error) {
	body, err := c.encode(call)
	if err != nil {
		return nil, err
	}
	raw, err := c.post(ctx, c.url, body, call)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// BatchClient adds batch dispatch to Client.
type BatchClient struct {
	*Client
}

// ExecuteBatch posts a JSON array of payloads and expects an array of the same
// length back. An element shaped {"error": ..., "status": N} fails only that
// call.
func (b *BatchClient) ExecuteBatch(ctx context.Context, calls []sched.Call) ([]any, error) {
	items := make([]json.RawMessage, len(calls))
	for i, call := range calls {
		body, err := b.encode(call)
		if err != nil {
			return nil, err
		}
		items[i] = body
	}
	body, err := json.Marshal(items)
	if err != nil {
		return nil, sched.ClientError(fmt.Errorf("encode batch: %w", err))
	}
	raw, err := b.post(ctx, b.batchURL, body, calls[0])
	if err != nil {
		return nil, err
	}

	var results []json.RawMessage
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, sched.ServerError(fmt.Errorf("batch response is not an array: %w", err))
	}
	out := make([]any, len(results))
	for i, r := range results {
		if e := itemError(r); e != nil {
			out[i] = e
			continue
		}
		out[i] = r
	}
	return out, nil
}

type errorItem struct {
	Error  json.RawMessage `json:"error"`
	Status int             `json:"status"`
}

func itemError(r json.RawMessage) error {
	if len(r) == 0 || r[0] != '{' {
		return nil
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal(r, &fields) != nil {
		return nil
	}
	if _, ok := fields["error"]; !ok {
		return nil
	}
	for k := range fields {
		if k != "error" && k != "status" {
			return nil
		}
	}
	var it errorItem
	_ = json.Unmarshal(r, &it)
	msg := strings.Trim(string(it.Error), `"`)
	if it.Status > 0 {
		return &HTTPError{Code: it.Status, Body: msg}
	}
	return sched.ServerError(fmt.Errorf("batch item: %s", msg))
}

// encode renders the call payload and applies the route's model override.
func (c *Client) encode(call sched.Call) (json.RawMessage, error) {
	var body []byte
	switch p := call.Payload.(type) {
	case json.RawMessage:
		body = p
	case []byte:
		body = p
	case nil:
		return nil, sched.ClientError(errors.New("empty payload"))
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, sched.ClientError(fmt.Errorf("encode payload: %w", err))
		}
		body = b
	}
	if !json.Valid(body) {
		return nil, sched.ClientError(errors.New("payload is not valid JSON"))
	}
	return c.withModel(body, call.Route), nil
}

// withModel sets "model" on JSON-object payloads. The fast route always
// overrides it when a fast model is configured; otherwise the default model
// only fills a missing field.
func (c *Client) withModel(body []byte, route sched.Route) json.RawMessage {
	model, force := c.model, false
	if route == sched.RouteFast && c.fast != "" {
		model, force = c.fast, true
	}
	if model == "" || len(body) == 0 || body[0] != '{' {
		return body
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return body
	}
	if _, has := obj["model"]; has && !force {
		return body
	}
	obj["model"], _ = json.Marshal(model)
	out, err := json.Marshal(obj)
	if err != nil {
		return body
	}
	return out
}

func (c *Client) post(ctx context.Context, url string, body []byte, call sched.Call) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", ctxErr(ctx, err))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, sched.ClientError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", call.ID)
	req.Header.Set("X-Attempt", strconv.Itoa(call.Attempt))
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request failed: %w", ctx.Err())
		}
		return nil, sched.ServerError(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, sched.ServerError(fmt.Errorf("read response: %w", err))
	}
	c.log.Debug("downstream call",
		logx.String("id", call.ID),
		logx.Int("attempt", call.Attempt),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Code: resp.StatusCode, Body: truncate(strings.TrimSpace(string(raw)), 512)}
	}
	if !json.Valid(raw) {
		return nil, sched.ServerError(errors.New("response is not valid JSON"))
	}
	return raw, nil
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
