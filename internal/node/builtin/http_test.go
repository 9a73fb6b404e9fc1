package builtin

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbflow/engine/internal/domain"
)

type fakeRoundTripper struct {
	status int
	body   string
	err    error
	seen   *http.Request
}

func (f *fakeRoundTripper) Do(req *http.Request) (*http.Response, error) {
	f.seen = req
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: f.status,
		Body:       io.NopCloser(bytes.NewBufferString(f.body)),
		Header:     make(http.Header),
	}, nil
}

func TestHTTPNode_RequiresURL(t *testing.T) {
	factory := NewHTTPFactory()
	_, err := factory(map[string]any{})
	require.Error(t, err)
	ee, ok := domain.AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ErrInvalidNodeConfig, ee.Kind)
}

func TestHTTPNode_SuccessDecodesJSONBody(t *testing.T) {
	fake := &fakeRoundTripper{status: 200, body: `{"ok":true}`}
	node := &HTTPNode{cfg: HTTPConfig{Method: http.MethodPost, URL: "http://example.invalid/x", Headers: map[string]string{}}, client: fake}

	out, err := node.Execute(context.Background(), map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out)
	assert.Equal(t, http.MethodPost, fake.seen.Method)
}

func TestHTTPNode_ServerErrorIsTransient(t *testing.T) {
	fake := &fakeRoundTripper{status: 503, body: "unavailable"}
	node := &HTTPNode{cfg: HTTPConfig{Method: http.MethodGet, URL: "http://example.invalid/x"}, client: fake}

	_, err := node.Execute(context.Background(), nil)
	require.Error(t, err)
	ee, ok := domain.AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ErrNodeTransient, ee.Kind)
	assert.True(t, ee.Retryable())
}

func TestHTTPNode_ClientErrorIsTerminal(t *testing.T) {
	fake := &fakeRoundTripper{status: 404, body: "not found"}
	node := &HTTPNode{cfg: HTTPConfig{Method: http.MethodGet, URL: "http://example.invalid/x"}, client: fake}

	_, err := node.Execute(context.Background(), nil)
	require.Error(t, err)
	ee, ok := domain.AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ErrNodeTerminal, ee.Kind)
	assert.False(t, ee.Retryable())
}

func TestHTTPNode_NonJSONBodyFallsBackToString(t *testing.T) {
	fake := &fakeRoundTripper{status: 200, body: "plain text"}
	node := &HTTPNode{cfg: HTTPConfig{Method: http.MethodGet, URL: "http://example.invalid/x"}, client: fake}

	out, err := node.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
}
