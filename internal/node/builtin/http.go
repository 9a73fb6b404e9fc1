// Package builtin ships a small set of reference node-type
// implementations that exercise the Node Registry's factory contract.
// spec.md places concrete node implementations out of scope as
// external collaborators ("only their invocation contract is
// specified"); these exist so the registry has something real to
// instantiate in tests and in cmd/mbflowdemo, not as a claim of
// production completeness for any one of them.
package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbflow/engine/internal/domain"
	"github.com/mbflow/engine/internal/registry"
)

// HTTPConfig is the http-request node's config shape.
type HTTPConfig struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Timeout time.Duration     `json:"timeout"`
}

// httpClient is the subset of *http.Client this node calls, so tests
// can substitute a fake — grounded on the teacher's
// internal/node/builtin/http_node.go HTTPClient interface.
type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPNode performs a single HTTP request, JSON-encoding input as the
// request body and JSON-decoding the response body as its result.
// Generalized from the teacher's generic HTTPRequestNode[T any] to a
// plain any-in/any-out shape, since the Registry's Node interface
// spec.md §4.1 describes is untyped.
type HTTPNode struct {
	cfg    HTTPConfig
	client httpClient
}

// NewHTTPFactory returns a registry.Factory for the "http-request"
// node type.
func NewHTTPFactory() registry.Factory {
	return func(config map[string]any) (registry.Node, error) {
		cfg, err := parseHTTPConfig(config)
		if err != nil {
			return nil, err
		}
		return &HTTPNode{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
	}
}

func parseHTTPConfig(config map[string]any) (HTTPConfig, error) {
	cfg := HTTPConfig{Method: http.MethodGet, Timeout: 30 * time.Second, Headers: map[string]string{}}
	url, _ := config["url"].(string)
	if url == "" {
		return cfg, domain.NewEngineError(domain.ErrInvalidNodeConfig, "http-request node requires a non-empty \"url\"", nil)
	}
	cfg.URL = url
	if m, ok := config["method"].(string); ok && m != "" {
		cfg.Method = strings.ToUpper(m)
	}
	if h, ok := config["headers"].(map[string]any); ok {
		for k, v := range h {
			if s, ok := v.(string); ok {
				cfg.Headers[k] = s
			}
		}
	}
	if ms, ok := config["timeout_ms"].(float64); ok && ms > 0 {
		cfg.Timeout = time.Duration(ms) * time.Millisecond
	}
	return cfg, nil
}

func (n *HTTPNode) Execute(ctx context.Context, input any) (any, error) {
	var body io.Reader
	if input != nil {
		b, err := json.Marshal(input)
		if err != nil {
			return nil, domain.NewEngineError(domain.ErrNodeTerminal, "failed to encode input as JSON request body", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, n.cfg.Method, n.cfg.URL, body)
	if err != nil {
		return nil, domain.NewEngineError(domain.ErrNodeTerminal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.NewEngineError(domain.ErrNodeTimeout, "request deadline exceeded", err)
		}
		return nil, domain.NewEngineError(domain.ErrNodeTransient, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewEngineError(domain.ErrNodeTransient, "failed to read response body", err)
	}

	if resp.StatusCode >= 500 {
		return nil, domain.NewEngineError(domain.ErrNodeTransient, fmt.Sprintf("upstream returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return nil, domain.NewEngineError(domain.ErrNodeTerminal, fmt.Sprintf("upstream returned %d", resp.StatusCode), nil)
	}

	var decoded any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			decoded = string(raw)
		}
	}
	return decoded, nil
}
