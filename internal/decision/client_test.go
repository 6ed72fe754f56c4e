// internal/decision/client_test.go
package decision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sightglass-sh/sightglass/api/schemas"
	"github.com/sightglass-sh/sightglass/internal/config"
)

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	client, err := NewClient(
		config.DecisionConfig{
			Endpoint:   endpoint,
			APIKey:     "test-key",
			Model:      "computer-use-preview",
			APITimeout: 5 * time.Second,
		},
		config.DisplayConfig{Width: 1280, Height: 900},
		zaptest.NewLogger(t),
	)
	require.NoError(t, err)
	return client
}

func TestNewClientValidation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	_, err := NewClient(config.DecisionConfig{Endpoint: "http://x"}, config.DisplayConfig{}, logger)
	require.Error(t, err, "missing API key must be rejected")

	_, err = NewClient(config.DecisionConfig{APIKey: "k"}, config.DisplayConfig{}, logger)
	require.Error(t, err, "missing endpoint must be rejected")
}

func TestStartExchange(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/responses", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "resp-1", "output": []}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	id, err := client.StartExchange(context.Background(), "open the docs", []byte("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "resp-1", id)

	assert.Equal(t, "computer-use-preview", got["model"])
	assert.Equal(t, "auto", got["truncation"])
	assert.Contains(t, got["instructions"], "control a browser")

	tools := got["tools"].([]any)
	require.Len(t, tools, 1)
	tool := tools[0].(map[string]any)
	assert.Equal(t, "computer_use_preview", tool["type"])
	assert.Equal(t, float64(1280), tool["display_width"])
	assert.Equal(t, float64(900), tool["display_height"])
	assert.Equal(t, "browser", tool["environment"])

	input := got["input"].([]any)
	require.Len(t, input, 1)
	content := input[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 2)
	assert.Equal(t, "open the docs", content[0].(map[string]any)["text"])
	assert.Contains(t, content[1].(map[string]any)["image_url"], "data:image/png;base64,")
}

func TestGetOutput(t *testing.T) {
	t.Run("parses messages and the first instruction", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodGet, r.Method)
			require.Equal(t, "/responses/resp-1", r.URL.Path)
			w.Write([]byte(`{
				"id": "resp-1",
				"output": [
					{"type": "text", "text": "Looking at the page."},
					{"type": "message", "content": [{"type": "output_text", "text": "I will click the link."}]},
					{"type": "computer_call", "call_id": "call-7",
					 "action": {"type": "click", "x": 100, "y": 200, "button": "left"},
					 "pending_safety_checks": [{"id": "sc-1", "code": "mild", "message": "sure?"}]},
					{"type": "computer_call", "call_id": "call-8",
					 "action": {"type": "click", "x": 1, "y": 1}}
				]
			}`))
		}))
		defer srv.Close()

		client := newTestClient(t, srv.URL)
		out, err := client.GetOutput(context.Background(), "resp-1")
		require.NoError(t, err)

		assert.Equal(t, []string{"Looking at the page.", "I will click the link."}, out.Messages)
		assert.Equal(t, "call-7", out.CorrelationID, "only the first instruction is surfaced")
		require.IsType(t, schemas.Click{}, out.Instruction)
		click := out.Instruction.(schemas.Click)
		assert.Equal(t, 100.0, click.X)
		assert.Equal(t, 200.0, click.Y)
		require.Len(t, out.SafetyChecks, 1)
		assert.Equal(t, "sc-1", out.SafetyChecks[0].ID)
	})

	t.Run("empty output means no instruction", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id": "resp-1", "output": []}`))
		}))
		defer srv.Close()

		client := newTestClient(t, srv.URL)
		out, err := client.GetOutput(context.Background(), "resp-1")
		require.NoError(t, err)
		assert.Nil(t, out.Instruction)
		assert.Empty(t, out.Messages)
	})

	t.Run("unknown instruction kinds decode fail-open", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{
				"id": "resp-1",
				"output": [{"type": "computer_call", "call_id": "c", "action": {"type": "drag"}}]
			}`))
		}))
		defer srv.Close()

		client := newTestClient(t, srv.URL)
		out, err := client.GetOutput(context.Background(), "resp-1")
		require.NoError(t, err)
		require.IsType(t, schemas.Unrecognized{}, out.Instruction)
		assert.Equal(t, "drag", out.Instruction.Kind())
	})
}

func TestContinueExchange(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"id": "resp-2", "output": []}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	next, err := client.ContinueExchange(context.Background(), "resp-1", "call-7", []byte("frame"),
		[]SafetyCheck{{ID: "sc-1", Code: "mild", Message: "sure?"}})
	require.NoError(t, err)
	assert.Equal(t, "resp-2", next)

	assert.Equal(t, "resp-1", got["previous_response_id"])
	input := got["input"].([]any)
	require.Len(t, input, 1)
	feedback := input[0].(map[string]any)
	assert.Equal(t, "computer_call_output", feedback["type"])
	assert.Equal(t, "call-7", feedback["call_id"])
	assert.Contains(t, feedback["output"].(map[string]any)["image_url"], "data:image/png;base64,")
	checks := feedback["acknowledged_safety_checks"].([]any)
	require.Len(t, checks, 1)
	assert.Equal(t, "sc-1", checks[0].(map[string]any)["id"])
}

func TestRetryBehavior(t *testing.T) {
	t.Run("retries transient failures", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(`{"id": "resp-1", "output": []}`))
		}))
		defer srv.Close()

		client := newTestClient(t, srv.URL)
		id, err := client.StartExchange(context.Background(), "task", []byte("frame"))
		require.NoError(t, err)
		assert.Equal(t, "resp-1", id)
		assert.Equal(t, int32(3), hits.Load())
	})

	t.Run("gives up once the retry window drains", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		client, err := NewClient(
			config.DecisionConfig{
				Endpoint:    srv.URL,
				APIKey:      "test-key",
				Model:       "computer-use-preview",
				APITimeout:  time.Second,
				RetryWindow: 150 * time.Millisecond,
			},
			config.DisplayConfig{Width: 1280, Height: 900},
			zaptest.NewLogger(t),
		)
		require.NoError(t, err)

		start := time.Now()
		_, err = client.StartExchange(context.Background(), "task", []byte("frame"))
		require.Error(t, err)
		assert.Less(t, time.Since(start), 5*time.Second, "a dead service cannot pin the caller")
		assert.GreaterOrEqual(t, hits.Load(), int32(1))
	})

	t.Run("client errors are permanent", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error": "bad request"}`))
		}))
		defer srv.Close()

		client := newTestClient(t, srv.URL)
		_, err := client.StartExchange(context.Background(), "task", []byte("frame"))
		require.Error(t, err)
		assert.Equal(t, int32(1), hits.Load(), "4xx must not be retried")
	})
}
