// Package llm implements the chat-completions client used by every
// LLM-facing subsystem (dialogue, intent classification, completion
// judgement, sub-agent). Uses the OpenAI-compatible API format, which works
// with OpenAI, Anthropic proxies, GLM (api.z.ai), and any compatible
// endpoint, including multimodal image input and forced-JSON output.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Message is one conversation turn. When ImageB64 is set the turn is sent as
// a multimodal content array with the image attached as a JPEG data URL.
type Message struct {
	Role     string // "user" or "assistant"
	Text     string
	ImageB64 string
}

// Request describes a single completion call.
type Request struct {
	System    string
	Messages  []Message
	JSONOnly  bool // ask the endpoint for a json_object response
	MaxTokens int  // 0 = provider default
}

// Client handles communication with the LLM provider API.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client for an OpenAI-compatible endpoint.
func New(baseURL, apiKey, model string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: logger.With("component", "llm"),
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// chatMessage represents a message in the OpenAI chat format. Content is
// either a plain string or a []contentPart for multimodal turns.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// chatRequest is the OpenAI-compatible chat completions request.
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

// chatResponse is the OpenAI-compatible chat completions response.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends a chat completion request and returns the response text.
func (c *Client) Complete(ctx context.Context, r Request) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("API key not configured. Run 'roboclaw setup' or set ROBOCLAW_LLM_KEY")
	}

	messages := make([]chatMessage, 0, len(r.Messages)+1)

	if r.System != "" {
		messages = append(messages, chatMessage{
			Role:    "system",
			Content: r.System,
		})
	}

	for _, m := range r.Messages {
		messages = append(messages, toWire(m))
	}

	reqBody := chatRequest{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: r.MaxTokens,
	}
	if r.JSONOnly {
		reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("sending chat completion",
		"model", c.model,
		"messages", len(messages),
		"json_only", r.JSONOnly,
		"endpoint", endpoint,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	duration := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("API error",
			"status", resp.StatusCode,
			"body", Truncate(string(respBody), 200),
		)
		return "", fmt.Errorf("API returned %d: %s", resp.StatusCode, Truncate(string(respBody), 200))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}

	if chatResp.Error != nil {
		return "", fmt.Errorf("API error: %s", chatResp.Error.Message)
	}

	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no response from model")
	}

	content := strings.TrimSpace(chatResp.Choices[0].Message.Content)

	c.logger.Info("chat completion done",
		"model", c.model,
		"duration_ms", duration.Milliseconds(),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"completion_tokens", chatResp.Usage.CompletionTokens,
	)

	return content, nil
}

// toWire converts a Message to the wire representation, attaching the image
// as a JPEG data URL when present.
func toWire(m Message) chatMessage {
	if m.ImageB64 == "" {
		return chatMessage{Role: m.Role, Content: m.Text}
	}
	return chatMessage{
		Role: m.Role,
		Content: []contentPart{
			{Type: "text", Text: m.Text},
			{Type: "image_url", ImageURL: &imageURL{
				URL: "data:image/jpeg;base64," + m.ImageB64,
			}},
		},
	}
}

// ExtractJSON strips markdown code fences some models wrap around JSON
// output even in json_object mode, returning the inner document.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

// Truncate shortens a string for log output.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
