package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Complete_RequestShape(t *testing.T) {
	var gotPath, gotAuth, gotContentType string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		var err error
		gotBody, err = json.Marshal(decodeBody(t, r))
		assert.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  hello there \n"}}]}`))
	}))
	t.Cleanup(srv.Close)

	// Trailing slash on the base URL must not produce a double slash.
	c := New(srv.URL+"/", "sk-test", "glm-4.6v", slog.Default())
	require.Equal(t, "glm-4.6v", c.Model())

	out, err := c.Complete(context.Background(), Request{
		System:   "You are a robot.",
		Messages: []Message{{Role: "user", Text: "say hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", out, "content comes back trimmed")

	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "application/json", gotContentType)

	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content any    `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &req))
	assert.Equal(t, "glm-4.6v", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "You are a robot.", req.Messages[0].Content)
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "say hi", req.Messages[1].Content)

	// Optional fields stay off the wire when unset.
	assert.NotContains(t, string(gotBody), "max_tokens")
	assert.NotContains(t, string(gotBody), "response_format")
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var m map[string]any
	assert.NoError(t, json.NewDecoder(r.Body).Decode(&m))
	return m
}

func TestClient_Complete_JSONOnly(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body = decodeBody(t, r)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{}"}}]}`))
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, "sk-test", "glm-4.6v", slog.Default())
	_, err := c.Complete(context.Background(), Request{
		Messages:  []Message{{Role: "user", Text: "classify"}},
		JSONOnly:  true,
		MaxTokens: 64,
	})
	require.NoError(t, err)

	rf, ok := body["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_object", rf["type"])
	assert.EqualValues(t, 64, body["max_tokens"])
}

func TestClient_Complete_MultimodalTurn(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body = decodeBody(t, r)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"a desk"}}]}`))
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, "sk-test", "glm-4.6v", slog.Default())
	_, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Text: "what do you see", ImageB64: "Zm9v"}},
	})
	require.NoError(t, err)

	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	parts, ok := msgs[0].(map[string]any)["content"].([]any)
	require.True(t, ok, "image turns are sent as a content array")
	require.Len(t, parts, 2)

	text := parts[0].(map[string]any)
	assert.Equal(t, "text", text["type"])
	assert.Equal(t, "what do you see", text["text"])

	img := parts[1].(map[string]any)
	assert.Equal(t, "image_url", img["type"])
	url := img["image_url"].(map[string]any)["url"].(string)
	assert.Equal(t, "data:image/jpeg;base64,Zm9v", url)
}

func TestClient_Complete_MissingKey(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, "", "glm-4.6v", slog.Default())
	_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Text: "hi"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ROBOCLAW_LLM_KEY")
	assert.False(t, called, "no request without a key")
}

func TestClient_Complete_ErrorResponses(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"http error", http.StatusTooManyRequests, `rate limited`, "API returned 429"},
		{"error envelope", http.StatusOK, `{"error":{"message":"quota exhausted"}}`, "quota exhausted"},
		{"empty choices", http.StatusOK, `{"choices":[]}`, "no response from model"},
		{"garbage body", http.StatusOK, `<!doctype html>`, "parsing response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)

			c := New(srv.URL, "sk-test", "glm-4.6v", slog.Default())
			_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Text: "hi"}}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClient_DefaultBaseURL(t *testing.T) {
	c := New("", "sk-test", "gpt-4o", slog.Default())
	assert.Equal(t, "https://api.openai.com/v1", c.baseURL)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"padded", "  {\"a\":1}\n", `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"anonymous fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"unterminated fence", "```json\n{\"a\":1}", `{"a":1}`},
		{"not json at all", "sure thing!", "sure thing!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.in))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	long := strings.Repeat("x", 50)
	got := Truncate(long, 10)
	assert.Equal(t, strings.Repeat("x", 10)+"...", got)
}
