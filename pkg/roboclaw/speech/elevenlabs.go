package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ElevenLabs-compatible defaults. The voice is the one the robot shipped
// with; the flash model keeps first-audio latency low enough for
// conversation.
const (
	DefaultTTSBaseURL = "https://api.elevenlabs.io"
	DefaultVoiceID    = "LcfcDJNUP1GQjkzn1xUU"
	DefaultTTSModel   = "eleven_flash_v2"
)

// TTSClient synthesizes speech through an ElevenLabs-compatible endpoint
// and plays it through the configured Player.
type TTSClient struct {
	baseURL    string
	apiKey     string
	voiceID    string
	modelID    string
	player     Player
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTTSClient builds the synthesis client. Empty baseURL/voiceID/modelID
// select the defaults.
func NewTTSClient(baseURL, apiKey, voiceID, modelID string, player Player, logger *slog.Logger) *TTSClient {
	if baseURL == "" {
		baseURL = DefaultTTSBaseURL
	}
	if voiceID == "" {
		voiceID = DefaultVoiceID
	}
	if modelID == "" {
		modelID = DefaultTTSModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TTSClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		voiceID: voiceID,
		modelID: modelID,
		player:  player,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger.With("component", "tts"),
	}
}

type ttsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// Synthesize requests the audio stream for text. The caller owns the
// returned reader and must close it.
func (c *TTSClient) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("TTS API key not configured. Run 'roboclaw setup' or set ROBOCLAW_TTS_KEY")
	}

	body, err := json.Marshal(ttsRequest{Text: text, ModelID: c.modelID})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream", c.baseURL, url.PathEscape(c.voiceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	q := req.URL.Query()
	q.Set("optimize_streaming_latency", "3")
	q.Set("output_format", "mp3_44100_128")
	req.URL.RawQuery = q.Encode()

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("TTS request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("TTS returned %d: %s", resp.StatusCode, truncate(string(errBody), 200))
	}

	c.logger.Debug("synthesis stream opened",
		"chars", len(text),
		"first_byte_ms", time.Since(start).Milliseconds(),
	)
	return resp.Body, nil
}

// Speak synthesizes text and plays it, blocking until playback finishes.
func (c *TTSClient) Speak(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	if c.player == nil {
		return fmt.Errorf("no audio player configured")
	}

	audio, err := c.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	defer audio.Close()

	start := time.Now()
	if err := c.player.Play(ctx, audio); err != nil {
		return fmt.Errorf("playing synthesized speech: %w", err)
	}
	c.logger.Info("spoke", "chars", len(text), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
