package openai

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensegate/pkg/contract"
)

func newTestClient(t *testing.T, do func(*http.Request) (*http.Response, error)) *Client {
	t.Helper()
	j, err := New(json.RawMessage(`{"api_key":"test-key"}`))
	require.NoError(t, err)
	c := j.(*Client)
	c.do = do
	return c
}

func respWith(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{},
	}
}

func prompt() contract.Prompt {
	return contract.ChatPrompt{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "payload"},
		{Role: "json_schema", Content: `{"type":"object"}`},
	}
}

func TestInvokeSuccess(t *testing.T) {
	var captured []byte
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		captured, _ = io.ReadAll(r.Body)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		return respWith(200, `{"choices":[{"message":{"content":"{\"s0\":\"LITERAL\"}"}}]}`), nil
	})
	raw, err := c.Invoke(context.Background(), contract.Chunk{}, prompt())
	require.NoError(t, err)
	assert.Equal(t, `{"s0":"LITERAL"}`, raw.Text)

	// schema 消息应转为 response_format，不进入 messages
	var req map[string]any
	require.NoError(t, json.Unmarshal(captured, &req))
	msgs := req["messages"].([]any)
	assert.Len(t, msgs, 2)
	rf := req["response_format"].(map[string]any)
	assert.Equal(t, "json_schema", rf["type"])
}

func TestInvokeRateLimited(t *testing.T) {
	c := newTestClient(t, func(*http.Request) (*http.Response, error) {
		return respWith(429, `{"error":"slow down"}`), nil
	})
	_, err := c.Invoke(context.Background(), contract.Chunk{}, prompt())
	assert.ErrorIs(t, err, contract.ErrRateLimited)
}

func TestInvokeUpstream5xxIsNetError(t *testing.T) {
	c := newTestClient(t, func(*http.Request) (*http.Response, error) {
		return respWith(503, "unavailable"), nil
	})
	_, err := c.Invoke(context.Background(), contract.Chunk{}, prompt())
	require.Error(t, err)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Temporary())
	var ue contract.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 503, ue.UpstreamStatus())
}

func TestInvoke4xxIsInvalidInput(t *testing.T) {
	c := newTestClient(t, func(*http.Request) (*http.Response, error) {
		return respWith(400, "bad request"), nil
	})
	_, err := c.Invoke(context.Background(), contract.Chunk{}, prompt())
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

func TestInvokeGarbageBody(t *testing.T) {
	c := newTestClient(t, func(*http.Request) (*http.Response, error) {
		return respWith(200, "not json"), nil
	})
	_, err := c.Invoke(context.Background(), contract.Chunk{}, prompt())
	assert.ErrorIs(t, err, contract.ErrResponseInvalid)
}

func TestInvokeEmptyChoices(t *testing.T) {
	c := newTestClient(t, func(*http.Request) (*http.Response, error) {
		return respWith(200, `{"choices":[]}`), nil
	})
	_, err := c.Invoke(context.Background(), contract.Chunk{}, prompt())
	assert.ErrorIs(t, err, contract.ErrResponseInvalid)
}

func TestNewMissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := New(json.RawMessage(`{}`))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}
