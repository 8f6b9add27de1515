package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulesmith/rulesmith/internal/config"
)

func testGatewayConfig(provider, baseURL string) config.GatewayConfig {
	return config.GatewayConfig{
		Provider:    provider,
		APIKey:      config.Secret("test-key"),
		BaseURL:     baseURL,
		Timeout:     config.Duration(5 * time.Second),
		MaxRetries:  2,
		BaseBackoff: config.Duration(time.Millisecond),
		RateLimit:   1000,
		Burst:       1000,
	}
}

func TestNewDispatchesByProvider(t *testing.T) {
	gw, err := New(testGatewayConfig("anthropic", ""))
	require.NoError(t, err)
	assert.IsType(t, (*anthropicGateway)(nil), gw)

	gw, err = New(testGatewayConfig("openai", ""))
	require.NoError(t, err)
	assert.IsType(t, (*openAIGateway)(nil), gw)

	_, err = New(testGatewayConfig("llama", ""))
	assert.Error(t, err)
}

func TestNewRequiresAPIKey(t *testing.T) {
	cfg := testGatewayConfig("anthropic", "")
	cfg.APIKey = ""
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		w.Write([]byte(`{"id":"msg_1","content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn"}`))
	}))
	defer srv.Close()

	gw, err := New(testGatewayConfig("anthropic", srv.URL))
	require.NoError(t, err)

	text, err := gw.Complete(context.Background(), "hi", CallConfig{})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"choices":[{"message":{"content":"world"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	gw, err := New(testGatewayConfig("openai", srv.URL))
	require.NoError(t, err)

	text, err := gw.Complete(context.Background(), "hi", CallConfig{System: "sys"})
	require.NoError(t, err)
	assert.Equal(t, "world", text)
}

func TestCompleteRetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"recovered"}]}`))
	}))
	defer srv.Close()

	gw, err := New(testGatewayConfig("anthropic", srv.URL))
	require.NoError(t, err)

	text, err := gw.Complete(context.Background(), "hi", CallConfig{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCompleteRateLimitedExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := testGatewayConfig("openai", srv.URL)
	gw, err := New(cfg)
	require.NoError(t, err)

	_, err = gw.Complete(context.Background(), "hi", CallConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	// initial attempt + MaxRetries
	assert.Equal(t, int32(cfg.MaxRetries+1), calls.Load())
}

func TestCompleteClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"bad prompt"}}`))
	}))
	defer srv.Close()

	gw, err := New(testGatewayConfig("anthropic", srv.URL))
	require.NoError(t, err)

	_, err = gw.Complete(context.Background(), "hi", CallConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidResponse)
	assert.Contains(t, err.Error(), "bad prompt")
	assert.Equal(t, int32(1), calls.Load())
}

func TestCompleteEmptyCompletionIsInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	gw, err := New(testGatewayConfig("openai", srv.URL))
	require.NoError(t, err)

	_, err = gw.Complete(context.Background(), "hi", CallConfig{})
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestCompleteUnreachableProvider(t *testing.T) {
	cfg := testGatewayConfig("anthropic", "http://127.0.0.1:1")
	cfg.MaxRetries = 1
	gw, err := New(cfg)
	require.NoError(t, err)

	_, err = gw.Complete(context.Background(), "hi", CallConfig{})
	assert.ErrorIs(t, err, ErrUnavailable)
}
