package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const defaultMaxBodyBytes = 10 << 20

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// HTTPTool performs one HTTP request.
//
// Input:
//   - url (required)
//   - method: GET (default), POST, PUT, PATCH, DELETE, HEAD, OPTIONS
//   - headers: map of header values
//   - query: map of query parameters merged into the URL
//   - body: a string is sent verbatim; maps and lists are JSON-encoded with
//     Content-Type application/json unless the caller set one
//
// Output:
//   - status: status code (int)
//   - headers: response headers, single values flattened to strings
//   - body: decoded JSON when the response is JSON, else the raw text
//   - body_truncated: true when the body exceeded the size limit
//
// Timeouts come from ctx.
type HTTPTool struct {
	client       *http.Client
	maxBodyBytes int64
	userAgent    string
}

// HTTPOption configures an HTTPTool.
type HTTPOption func(*HTTPTool)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPTool) { h.client = c }
}

// WithMaxBodyBytes caps how much of a response body is read.
func WithMaxBodyBytes(n int64) HTTPOption {
	return func(h *HTTPTool) { h.maxBodyBytes = n }
}

// WithUserAgent sets the User-Agent sent when the request has none.
func WithUserAgent(ua string) HTTPOption {
	return func(h *HTTPTool) { h.userAgent = ua }
}

// NewHTTPTool creates an HTTPTool.
func NewHTTPTool(opts ...HTTPOption) *HTTPTool {
	h := &HTTPTool{
		client:       &http.Client{},
		maxBodyBytes: defaultMaxBodyBytes,
		userAgent:    "stepflow",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements Tool.
func (h *HTTPTool) Name() string {
	return "http_request"
}

// Call implements Tool.
func (h *HTTPTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	rawURL, _ := input["url"].(string)
	if rawURL == "" {
		return nil, fmt.Errorf("url parameter required (string)")
	}

	method := http.MethodGet
	if m, ok := input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if !allowedMethods[method] {
		return nil, fmt.Errorf("unsupported HTTP method: %s", method)
	}

	target, err := withQuery(rawURL, input["query"])
	if err != nil {
		return nil, err
	}

	headers := stringMap(input["headers"])
	body, contentType, err := encodeBody(input["body"])
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	if req.Header.Get("User-Agent") == "" && h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	truncated := int64(len(raw)) > h.maxBodyBytes
	if truncated {
		raw = raw[:h.maxBodyBytes]
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = append([]string(nil), values...)
		}
	}

	return map[string]any{
		"status":         resp.StatusCode,
		"headers":        respHeaders,
		"body":           decodeBody(raw, resp.Header.Get("Content-Type"), truncated),
		"body_truncated": truncated,
	}, nil
}

func withQuery(rawURL string, query any) (string, error) {
	params := stringMap(query)
	if len(params) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func encodeBody(body any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		if b == "" {
			return nil, "", nil
		}
		return strings.NewReader(b), "", nil
	case []byte:
		return bytes.NewReader(b), "", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encode request body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

func decodeBody(raw []byte, contentType string, truncated bool) any {
	if !truncated && strings.Contains(strings.ToLower(contentType), "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}
