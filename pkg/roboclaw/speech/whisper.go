package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Whisper-compatible defaults.
const (
	DefaultSTTBaseURL = "https://api.openai.com/v1"
	DefaultSTTModel   = "whisper-1"
)

// STTClient transcribes recorded audio through a Whisper-compatible
// /audio/transcriptions endpoint.
type STTClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSTTClient builds the transcription client. Empty baseURL/model
// select the defaults.
func NewSTTClient(baseURL, apiKey, model string, logger *slog.Logger) *STTClient {
	if baseURL == "" {
		baseURL = DefaultSTTBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if model == "" {
		model = DefaultSTTModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &STTClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger.With("component", "stt"),
	}
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe posts the audio as multipart form data and returns the
// transcript text, trimmed.
func (c *STTClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("STT API key not configured. Run 'roboclaw setup' or set ROBOCLAW_STT_KEY")
	}
	if len(audio) == 0 {
		return "", fmt.Errorf("empty audio")
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	part, err := form.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", fmt.Errorf("building form: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("writing audio: %w", err)
	}
	if err := form.WriteField("model", c.model); err != nil {
		return "", fmt.Errorf("writing model field: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("closing form: %w", err)
	}

	endpoint := c.baseURL + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("STT request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("STT returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed transcriptionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}

	text := strings.TrimSpace(parsed.Text)
	c.logger.Info("transcribed",
		"audio_bytes", len(audio),
		"chars", len(text),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return text, nil
}
