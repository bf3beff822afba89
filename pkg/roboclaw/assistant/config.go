package assistant

import (
	"fmt"
	"strings"

	"github.com/jholhewres/roboclaw/pkg/roboclaw/robot"
	"github.com/jholhewres/roboclaw/pkg/roboclaw/speech"
	"github.com/jholhewres/roboclaw/pkg/roboclaw/taskservice"
)

// Config is the full runtime configuration, loaded from YAML with
// DefaultConfig values filling anything the file leaves out. Secret fields
// are resolved last through ResolveSecrets (keyring, then environment,
// then the file value).
type Config struct {
	Name        string            `yaml:"name"`
	PromptDir   string            `yaml:"prompt_dir"`
	LLM         LLMConfig         `yaml:"llm"`
	Search      SearchConfig      `yaml:"search"`
	Speech      SpeechConfig      `yaml:"speech"`
	Hardware    HardwareConfig    `yaml:"hardware"`
	Camera      CameraConfig      `yaml:"camera"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	TaskService TaskServiceConfig `yaml:"task_service"`
	Poller      PollerConfig      `yaml:"poller"`
	Dialogue    DialogueConfig    `yaml:"dialogue"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LLMConfig points at any OpenAI-compatible chat-completions endpoint.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// SearchConfig drives the web-search branch of the router. The endpoint is
// a search-grounded chat-completions service (Perplexity-style).
type SearchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	CachePath string `yaml:"cache_path"`
}

// SpeechConfig covers the whole voice pipeline: synthesis, transcription,
// and the local helper commands for playback, capture, and wake detection.
// An empty wake command leaves the voice loop idle; the console mode and
// the scheduler keep working without it.
type SpeechConfig struct {
	TTS             TTSConfig `yaml:"tts"`
	STT             STTConfig `yaml:"stt"`
	PlayerCommand   []string  `yaml:"player_command"`
	RecorderCommand []string  `yaml:"recorder_command"`
	WakeCommand     []string  `yaml:"wake_command"`
}

// TTSConfig selects the synthesis voice.
type TTSConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	VoiceID string `yaml:"voice_id"`
	Model   string `yaml:"model"`
}

// STTConfig selects the transcription model.
type STTConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// HardwareConfig describes the serial link and motion limits. An empty
// port runs the robot disconnected: motion commands log and skip.
type HardwareConfig struct {
	Port                   string `yaml:"port"`
	Baud                   int    `yaml:"baud"`
	robot.ControllerConfig `yaml:",inline"`
	QueueSize              int                   `yaml:"queue_size"`
	SpacingMs              int                   `yaml:"spacing_ms"`
	Centering              robot.CenteringConfig `yaml:"centering"`
}

// CameraConfig points at the MJPEG snapshot endpoint shared by the
// dialogue loop and the completion checks.
type CameraConfig struct {
	SnapshotURL     string `yaml:"snapshot_url"`
	AcquireWindowMs int    `yaml:"acquire_window_ms"`
}

// ScheduleConfig locates the action store and sets the engine cadence.
type ScheduleConfig struct {
	DBPath               string `yaml:"db_path"`
	CheckIntervalSeconds int    `yaml:"check_interval_seconds"`
}

// TaskServiceConfig wires the OAuth2 task sub-agent.
type TaskServiceConfig struct {
	Enabled           bool     `yaml:"enabled"`
	BaseURL           string   `yaml:"base_url"`
	ClientID          string   `yaml:"client_id"`
	ClientSecret      string   `yaml:"client_secret"`
	RedirectURL       string   `yaml:"redirect_url"`
	Scopes            []string `yaml:"scopes"`
	TokenCachePath    string   `yaml:"token_cache_path"`
	AskTimeoutSeconds int      `yaml:"ask_timeout_seconds"`
}

// PollerConfig controls the proactive reminder sweep. The gesture is the
// motion played before each spoken reminder, as op tuples.
type PollerConfig struct {
	Enabled         bool        `yaml:"enabled"`
	IntervalMinutes int         `yaml:"interval_minutes"`
	Gesture         [][]float64 `yaml:"gesture"`
}

// DialogueConfig tunes the conversation loop.
type DialogueConfig struct {
	ExitWords            []string `yaml:"exit_words"`
	HistoryMessages      int      `yaml:"history_messages"`
	FollowUpDelaySeconds int      `yaml:"follow_up_delay_seconds"`
}

// LoggingConfig selects level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// DefaultConfig returns a configuration that runs against the Gemini
// OpenAI-compatible endpoint with hardware, search, and the task service
// switched off until configured.
func DefaultConfig() *Config {
	return &Config{
		Name: "carson",
		LLM: LLMConfig{
			BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai",
			Model:   "gemini-2.5-flash",
		},
		Search: SearchConfig{
			BaseURL:   "https://api.perplexity.ai",
			Model:     "sonar",
			CachePath: "./data/complexity_cache.json",
		},
		Speech: SpeechConfig{
			TTS: TTSConfig{
				BaseURL: speech.DefaultTTSBaseURL,
				VoiceID: speech.DefaultVoiceID,
				Model:   speech.DefaultTTSModel,
			},
			STT: STTConfig{
				BaseURL: speech.DefaultSTTBaseURL,
				Model:   speech.DefaultSTTModel,
			},
			PlayerCommand:   []string{"ffplay", "-autoexit", "-nodisp", "-loglevel", "quiet", "-"},
			RecorderCommand: []string{"arecord", "-q", "-f", "S16_LE", "-r", "16000", "-c", "1", "-d", "7", "-t", "wav"},
		},
		Hardware: HardwareConfig{
			Baud:             9600,
			ControllerConfig: robot.DefaultControllerConfig(),
			QueueSize:        64,
			SpacingMs:        50,
			Centering:        robot.DefaultCenteringConfig(),
		},
		Camera: CameraConfig{
			AcquireWindowMs: 2000,
		},
		Schedule: ScheduleConfig{
			DBPath:               "./data/actions.db",
			CheckIntervalSeconds: 10,
		},
		TaskService: TaskServiceConfig{
			BaseURL:           taskservice.DefaultBaseURL,
			RedirectURL:       taskservice.DefaultRedirectURL,
			Scopes:            taskservice.DefaultScopes,
			AskTimeoutSeconds: 30,
		},
		Poller: PollerConfig{
			Enabled:         true,
			IntervalMinutes: 30,
		},
		Dialogue: DialogueConfig{
			ExitWords:            []string{"goodbye", "shutdown", "sleep"},
			HistoryMessages:      20,
			FollowUpDelaySeconds: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate reports configuration problems that would keep the daemon from
// doing useful work. Missing optional secrets are not errors here; Start
// degrades those features and logs instead.
func (c *Config) Validate() error {
	var problems []string
	if c.LLM.Model == "" {
		problems = append(problems, "llm.model is empty")
	}
	if c.Schedule.DBPath == "" {
		problems = append(problems, "schedule.db_path is empty")
	}
	if c.Schedule.CheckIntervalSeconds <= 0 {
		problems = append(problems, "schedule.check_interval_seconds must be positive")
	}
	if c.Search.Enabled && c.Search.Model == "" {
		problems = append(problems, "search.model is empty")
	}
	if c.TaskService.Enabled && c.TaskService.ClientID == "" {
		problems = append(problems, "task_service.client_id is empty (set ROBOCLAW_TASK_CLIENT_ID or run 'roboclaw setup')")
	}
	if c.Poller.Enabled && c.Poller.IntervalMinutes <= 0 {
		problems = append(problems, "poller.interval_minutes must be positive")
	}
	if c.Hardware.MaxServoDelta <= 0 {
		problems = append(problems, "hardware.max_servo_delta must be positive")
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
}
