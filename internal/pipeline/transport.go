package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/statecore/internal/value"
)

// Transport performs single requests.
type Transport interface {
	Do(ctx context.Context, req Request) (value.Value, error)
}

// BatchTransport can also send several requests to one endpoint in a
// single round trip. Results are positional.
type BatchTransport interface {
	Transport
	DoBatch(ctx context.Context, reqs []Request) ([]BatchResult, error)
}

// BatchResult is one entry of a batch response.
type BatchResult struct {
	Data value.Value
	Err  error
}

// Ensure HTTPTransport implements BatchTransport at compile time.
var _ BatchTransport = (*HTTPTransport)(nil)

const (
	DefaultUserAgent = "statecore/0.1"
	DefaultTimeout   = 10 * time.Second
	// DefaultBatchPath receives POSTed batches.
	DefaultBatchPath = "/batch"
	maxErrorBody     = 512
)

// HTTPTransport speaks JSON over net/http.
type HTTPTransport struct {
	baseURL   *url.URL
	http      *http.Client
	userAgent string
	batchPath string
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) { t.http = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(t *HTTPTransport) { t.userAgent = ua }
}

// WithBatchPath changes where batches are POSTed.
func WithBatchPath(p string) HTTPOption {
	return func(t *HTTPTransport) { t.batchPath = p }
}

// NewHTTPTransport builds a transport for baseURL. A missing scheme
// defaults to http; the base path prefixes every endpoint and the batch
// path.
func NewHTTPTransport(baseURL string, opts ...HTTPOption) (*HTTPTransport, error) {
	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	t := &HTTPTransport{
		baseURL:   base,
		http:      &http.Client{Timeout: DefaultTimeout},
		userAgent: DefaultUserAgent,
		batchPath: DefaultBatchPath,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Do sends one request and decodes the JSON response. An empty body
// decodes as null.
func (t *HTTPTransport) Do(ctx context.Context, req Request) (value.Value, error) {
	rel, err := relativeURL(req.Endpoint, req.Params)
	if err != nil {
		return nil, err
	}
	var body []byte
	if !value.IsNull(req.Data) {
		body, err = json.Marshal(value.ToGo(req.Data))
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
	}
	return t.doURL(ctx, req.Method, rel, req.Headers, body)
}

type batchEntry struct {
	Endpoint string            `json:"endpoint"`
	Method   string            `json:"method"`
	Params   map[string]any    `json:"params,omitempty"`
	Data     any               `json:"data,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// DoBatch POSTs {"requests": [...]} to the batch path and expects
// {"results": [{"data": ..., "status": n, "error": "..."}]} in the same
// order.
func (t *HTTPTransport) DoBatch(ctx context.Context, reqs []Request) ([]BatchResult, error) {
	entries := make([]batchEntry, len(reqs))
	for i, r := range reqs {
		entries[i] = batchEntry{Endpoint: r.Endpoint, Method: r.Method, Headers: r.Headers}
		if len(r.Params) > 0 {
			entries[i].Params, _ = value.ToGo(r.Params).(map[string]any)
		}
		if !value.IsNull(r.Data) {
			entries[i].Data = value.ToGo(r.Data)
		}
	}
	body, err := json.Marshal(map[string]any{"requests": entries})
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	resp, err := t.doURL(ctx, http.MethodPost, &url.URL{Path: t.batchPath}, nil, body)
	if err != nil {
		return nil, err
	}
	obj, ok := resp.(value.Object)
	if !ok {
		return nil, fmt.Errorf("batch response: expected object, got %s", value.KindOf(resp))
	}
	results, ok := obj["results"].(value.Array)
	if !ok {
		return nil, fmt.Errorf("batch response: missing results array")
	}
	if len(results) != len(reqs) {
		return nil, fmt.Errorf("batch response: %d results for %d requests", len(results), len(reqs))
	}
	out := make([]BatchResult, len(results))
	for i, r := range results {
		out[i] = decodeBatchResult(reqs[i].Endpoint, r)
	}
	return out, nil
}

func decodeBatchResult(endpoint string, r value.Value) BatchResult {
	entry, ok := r.(value.Object)
	if !ok {
		return BatchResult{Data: r}
	}
	status := 0
	if f, ok := value.AsFloat(entry["status"]); ok {
		status = int(f)
	}
	msg, _ := value.AsString(entry["error"])
	switch {
	case status >= 400:
		return BatchResult{Err: &StatusError{Endpoint: endpoint, Code: status, Body: msg}}
	case msg != "":
		return BatchResult{Err: fmt.Errorf("api %s: %s", endpoint, msg)}
	}
	data := entry["data"]
	if data == nil {
		data = value.Null{}
	}
	return BatchResult{Data: data}
}

func (t *HTTPTransport) doURL(ctx context.Context, method string, rel *url.URL, headers map[string]string, body []byte) (value.Value, error) {
	reqURL := *t.baseURL
	reqURL.Path = t.baseURL.Path + "/" + strings.TrimPrefix(rel.Path, "/")
	reqURL.RawQuery = rel.RawQuery
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", t.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &StatusError{Endpoint: rel.Path, Code: resp.StatusCode, Body: snippet}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return value.Null{}, nil
	}
	v, err := value.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return v, nil
}

func relativeURL(endpoint string, params value.Object) (*url.URL, error) {
	rel, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if len(params) == 0 {
		return rel, nil
	}
	q := rel.Query()
	for _, k := range params.SortedKeys() {
		v := params[k]
		if s, ok := value.AsString(v); ok {
			q.Set(k, s)
			continue
		}
		if value.IsNull(v) {
			continue
		}
		enc, err := value.CanonicalString(v)
		if err != nil {
			return nil, fmt.Errorf("encode param %s: %w", k, err)
		}
		q.Set(k, enc)
	}
	rel.RawQuery = q.Encode()
	return rel, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("base url required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", raw, err)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
