package pipeline

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/statecore/internal/value"
)

// Request is what a Transport sends.
type Request struct {
	Endpoint string
	Method   string
	Headers  map[string]string
	Params   value.Object
	Data     value.Value
}

// FetchOption configures one Fetch.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	req      Request
	noCache  bool
	ttl      time.Duration
	dataType string
	err      error
}

// Method sets the HTTP method. Default: GET.
func Method(m string) FetchOption {
	return func(o *fetchOptions) { o.req.Method = strings.ToUpper(m) }
}

// Headers adds request headers. Headers are not part of the cache key.
func Headers(h map[string]string) FetchOption {
	return func(o *fetchOptions) {
		if o.req.Headers == nil {
			o.req.Headers = make(map[string]string, len(h))
		}
		for k, v := range h {
			o.req.Headers[k] = v
		}
	}
}

// Data sets the request body.
func Data(v any) FetchOption {
	return func(o *fetchOptions) {
		data, err := value.From(v)
		if err != nil {
			o.err = fmt.Errorf("request body: %w", err)
			return
		}
		o.req.Data = data
	}
}

// Params sets query parameters.
func Params(params map[string]any) FetchOption {
	return func(o *fetchOptions) {
		v, err := value.From(params)
		if err != nil {
			o.err = fmt.Errorf("request params: %w", err)
			return
		}
		o.req.Params, _ = v.(value.Object)
	}
}

// NoCache bypasses the cache for both lookup and storage.
func NoCache() FetchOption {
	return func(o *fetchOptions) { o.noCache = true }
}

// TTL overrides the cache lifetime of this response.
func TTL(d time.Duration) FetchOption {
	return func(o *fetchOptions) { o.ttl = d }
}

// DataType names the transformer and the publish topic. Default: the
// endpoint without its leading slash.
func DataType(t string) FetchOption {
	return func(o *fetchOptions) { o.dataType = t }
}

func buildFetchOptions(endpoint string, opts []FetchOption) fetchOptions {
	o := fetchOptions{req: Request{Endpoint: endpoint, Method: http.MethodGet}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dataType == "" {
		o.dataType = strings.TrimPrefix(endpoint, "/")
	}
	return o
}

// CacheKey returns the deterministic key for a request: method, endpoint,
// canonical params and canonical body, space separated. Two requests that
// differ only in key order or Unicode normalization share a key.
func CacheKey(req Request) (string, error) {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(req.Endpoint)
	if len(req.Params) > 0 {
		params, err := value.MarshalCanonical(req.Params)
		if err != nil {
			return "", fmt.Errorf("cache key params: %w", err)
		}
		b.WriteByte(' ')
		b.Write(params)
	}
	if !value.IsNull(req.Data) {
		body, err := value.MarshalCanonical(req.Data)
		if err != nil {
			return "", fmt.Errorf("cache key body: %w", err)
		}
		b.WriteString(" body=")
		b.Write(body)
	}
	return b.String(), nil
}
