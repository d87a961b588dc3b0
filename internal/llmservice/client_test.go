package llmservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartdocs/internal/config"
	"smartdocs/internal/models"
)

func testConfig(url string) config.LLMConfig {
	return config.LLMConfig{
		Provider:       "openai",
		BaseURL:        url,
		Model:          "test-model",
		APIKey:         "secret",
		Temperature:    0.2,
		TimeoutSecs:    5,
		MaxRetries:     2,
		RetryInitialMS: 1,
	}
}

func fastClient(t *testing.T, cfg config.LLMConfig) *Client {
	t.Helper()
	c, err := NewClient(cfg)
	require.NoError(t, err)
	c.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return c
}

func completion(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	}
}

func TestGenerate_OpenAICompatible(t *testing.T) {
	var got struct {
		Model    string    `json:"model"`
		Messages []Message `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion("<think>hmm</think>\nParis is the capital."))
	}))
	defer srv.Close()

	c := fastClient(t, testConfig(srv.URL))
	out, err := c.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "question"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital.", out)
	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, RoleSystem, got.Messages[0].Role)
}

func TestGenerate_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(completion("ok"))
	}))
	defer srv.Close()

	out, err := fastClient(t, testConfig(srv.URL)).Generate(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerate_AuthErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, err := fastClient(t, testConfig(srv.URL)).Generate(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrGeneration)
	assert.Equal(t, int32(1), calls.Load())
}

type fakeProvider struct {
	replies []string
	errs    []error
	calls   int
}

func (f *fakeProvider) name() string { return "fake" }

func (f *fakeProvider) complete(ctx context.Context, _ []Message) (string, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	return "", errors.New("no more replies")
}

func newFakeClient(p provider, tries uint) *Client {
	return &Client{
		provider:   p,
		timeout:    time.Second,
		maxTries:   tries,
		newBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) },
	}
}

func TestGenerate_EmptyCompletionExhaustsRetries(t *testing.T) {
	p := &fakeProvider{replies: []string{"  ", "<think>only thinking</think>"}}
	_, err := newFakeClient(p, 2).Generate(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrGeneration)
	assert.ErrorIs(t, err, models.ErrEmptyCompletion)
	assert.Equal(t, 2, p.calls)
}

func TestGenerate_NetworkErrorThenSuccess(t *testing.T) {
	p := &fakeProvider{errs: []error{errors.New("connection reset")}, replies: []string{"", "fine"}}
	out, err := newFakeClient(p, 3).Generate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "fine", out)
}

func TestGenerate_CancelledParentStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &fakeProvider{errs: []error{context.Canceled}}
	_, err := newFakeClient(p, 3).Generate(ctx, nil)
	require.Error(t, err)
	assert.LessOrEqual(t, p.calls, 1)
}

func TestNewClient_UnknownProvider(t *testing.T) {
	_, err := NewClient(config.LLMConfig{Provider: "bard"})
	assert.Error(t, err)
}

func TestGenerate_ZeroTemperatureAndNoRetries(t *testing.T) {
	var calls atomic.Int32
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Temperature = 0
	cfg.MaxRetries = 0
	_, err := fastClient(t, cfg).Generate(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	require.ErrorIs(t, err, models.ErrGeneration)

	assert.Equal(t, int32(1), calls.Load())
	require.Contains(t, body, "temperature")
	assert.InDelta(t, 0, body["temperature"], 1e-6)
}
