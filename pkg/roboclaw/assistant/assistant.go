// Package assistant wires the robot's fixed worker set into one process:
// the dialogue loop, the scheduled-action engine, the task sub-agent, the
// proactive poller, and the hardware dispatcher. New builds the pieces
// that need no I/O; Start attaches hardware, opens the store, and launches
// every worker; Stop winds them down in reverse order.
package assistant

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jholhewres/roboclaw/pkg/roboclaw/intent"
	"github.com/jholhewres/roboclaw/pkg/roboclaw/llm"
	"github.com/jholhewres/roboclaw/pkg/roboclaw/robot"
	"github.com/jholhewres/roboclaw/pkg/roboclaw/schedule"
	"github.com/jholhewres/roboclaw/pkg/roboclaw/speech"
	"github.com/jholhewres/roboclaw/pkg/roboclaw/taskservice"
)

// Assistant is the composition root. It owns every subsystem and is the
// engine's side-effect surface: verdict speech goes through Speak, verdict
// motion through Dispatch.
type Assistant struct {
	config *Config
	logger *slog.Logger

	llmClient    *llm.Client
	searchClient *llm.Client

	store  *schedule.Store
	oracle *schedule.CompletionOracle
	engine *schedule.Engine

	cache  *intent.ComplexityCache
	router *intent.Router

	controller *robot.Controller
	dispatcher *robot.Dispatcher
	camera     *robot.CameraGate
	centerer   *robot.Centerer
	detector   robot.FaceDetector

	tts  *speech.TTSClient
	stt  *speech.STTClient
	wake speech.WakeDetector

	auth   *taskservice.Auth
	agent  *taskservice.Agent
	poller *taskservice.Poller

	history  *History
	followUp *FollowUp
	dialogue *Dialogue

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds the assistant and its model clients. No I/O happens here;
// hardware, storage, and workers come up in Start.
func New(cfg *Config, logger *slog.Logger) *Assistant {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Assistant{
		config:    cfg,
		logger:    logger,
		llmClient: llm.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, logger),
	}
	if cfg.Search.Enabled && cfg.Search.APIKey != "" {
		a.searchClient = llm.New(cfg.Search.BaseURL, cfg.Search.APIKey, cfg.Search.Model, logger)
	}
	return a
}

// SetFaceDetector installs the vision backend used to aim at the speaker
// after a wake word. Must be called before Start; nil leaves centering
// disabled.
func (a *Assistant) SetFaceDetector(d robot.FaceDetector) {
	a.detector = d
}

// Start brings every subsystem up. It returns an error only for failures
// nothing can run without; missing hardware, camera, or voice degrade to
// reduced modes with a log line each.
func (a *Assistant) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.logger.Info("starting assistant",
		"name", a.config.Name,
		"model", a.config.LLM.Model,
		"hardware_port", a.config.Hardware.Port,
		"task_service", a.config.TaskService.Enabled,
		"search", a.searchClient != nil,
	)

	// 1. Prompt files. Missing files degrade to empty prompts.
	promptDir := a.config.PromptDir
	if promptDir == "" {
		if dir, err := ConfigDir(); err == nil {
			promptDir = dir
		}
	}
	dialoguePrompt := LoadPrompt(promptDir, DialoguePromptFile, a.logger)
	oraclePrompt := LoadPrompt(promptDir, OraclePromptFile, a.logger)
	subagentPrompt := LoadPrompt(promptDir, SubagentPromptFile, a.logger)

	// 2. The action store. Nothing useful runs without it.
	store, err := schedule.OpenStore(a.config.Schedule.DBPath, a.logger)
	if err != nil {
		return fmt.Errorf("opening action store: %w", err)
	}
	a.store = store

	// 3. Hardware. An unreachable port runs the robot disconnected:
	// dialogue still works, motion commands log and skip.
	var port io.WriteCloser
	if a.config.Hardware.Port != "" {
		port, err = robot.Dial(a.config.Hardware.Port, a.config.Hardware.Baud)
		if err != nil {
			a.logger.Warn("hardware not reachable, running disconnected",
				"port", a.config.Hardware.Port, "error", err)
			port = nil
		}
	}
	a.controller = robot.NewController(port, a.config.Hardware.ControllerConfig, a.logger)
	a.dispatcher = robot.NewDispatcher(a.controller, a.config.Hardware.QueueSize,
		time.Duration(a.config.Hardware.SpacingMs)*time.Millisecond, a.logger)
	a.dispatcher.Start(a.ctx)

	// 3b. Camera behind the shared gate, plus the face-centering loop. A
	// nil camera degrades every consumer to text-only turns.
	var cam robot.Camera
	if a.config.Camera.SnapshotURL != "" {
		cam = robot.NewSnapshotCamera(a.config.Camera.SnapshotURL, a.logger)
	}
	a.camera = robot.NewCameraGate(cam,
		time.Duration(a.config.Camera.AcquireWindowMs)*time.Millisecond, a.logger)
	a.centerer = robot.NewCenterer(a.camera, a.detector, a.dispatcher,
		a.config.Hardware.Centering, a.logger)

	// 4. Task-service sub-agent, only when configured.
	if a.config.TaskService.Enabled {
		a.auth = taskservice.NewAuth(taskservice.AuthConfig{
			ClientID:     a.config.TaskService.ClientID,
			ClientSecret: a.config.TaskService.ClientSecret,
			RedirectURL:  a.config.TaskService.RedirectURL,
			Scopes:       a.config.TaskService.Scopes,
			CachePath:    a.config.TaskService.TokenCachePath,
		}, a.logger)
		client := taskservice.NewClient(a.config.TaskService.BaseURL, a.auth, a.logger)
		tools := taskservice.NewRegistry(a.logger)
		taskservice.RegisterTaskTools(tools, client)
		a.agent = taskservice.NewAgent(a.llmClient, tools, subagentPrompt, a.logger)
		if secs := a.config.TaskService.AskTimeoutSeconds; secs > 0 {
			a.agent.SetAskTimeout(time.Duration(secs) * time.Second)
		}
		a.agent.Start(a.ctx)
	}

	// 5. Intent router. The agent and searcher slots stay nil-interface
	// when their features are off so the router skips those branches.
	if a.searchClient != nil {
		cache, err := intent.OpenComplexityCache(a.config.Search.CachePath, a.llmClient, a.logger)
		if err != nil {
			a.logger.Warn("complexity cache not available, classifying every query", "error", err)
		} else {
			a.cache = cache
		}
	}
	var agent intent.TaskAgent
	if a.agent != nil {
		agent = a.agent
	}
	var searcher intent.Searcher
	if a.searchClient != nil {
		searcher = &webSearcher{client: a.searchClient}
	}
	a.router = intent.NewRouter(a.llmClient, agent, searcher, a.cache,
		a.config.Dialogue.ExitWords, a.logger)

	// 6. Speech pipeline. Each missing piece is off, not fatal.
	if a.config.Speech.TTS.APIKey != "" && len(a.config.Speech.PlayerCommand) > 0 {
		player := speech.NewCommandPlayer(a.config.Speech.PlayerCommand[0],
			a.config.Speech.PlayerCommand[1:], a.logger)
		a.tts = speech.NewTTSClient(a.config.Speech.TTS.BaseURL, a.config.Speech.TTS.APIKey,
			a.config.Speech.TTS.VoiceID, a.config.Speech.TTS.Model, player, a.logger)
	}
	if a.config.Speech.STT.APIKey != "" {
		a.stt = speech.NewSTTClient(a.config.Speech.STT.BaseURL, a.config.Speech.STT.APIKey,
			a.config.Speech.STT.Model, a.logger)
	}
	if len(a.config.Speech.WakeCommand) > 0 {
		a.wake = speech.NewCommandWakeDetector(a.config.Speech.WakeCommand[0],
			a.config.Speech.WakeCommand[1:], a.logger)
	}

	// 7. Scheduled-action engine with the completion oracle.
	a.oracle = schedule.NewCompletionOracle(a.llmClient, a.camera, a.controller, oraclePrompt, a.logger)
	a.engine = schedule.NewEngine(a.store, a.oracle, a,
		time.Duration(a.config.Schedule.CheckIntervalSeconds)*time.Second, a.logger)
	a.engine.Start(a.ctx)

	// 8. Dialogue loop. The voice loop needs wake, recorder, and STT; the
	// typed console path works regardless.
	a.history = NewHistory(a.config.Dialogue.HistoryMessages)
	a.followUp = NewFollowUp(
		time.Duration(a.config.Dialogue.FollowUpDelaySeconds)*time.Second,
		func(text string) { a.Speak(a.ctx, text) },
		a.logger,
	)
	var speaker speech.Speaker
	if a.tts != nil {
		speaker = a.tts
	}
	var recorder speech.Recorder
	if len(a.config.Speech.RecorderCommand) > 0 {
		recorder = speech.NewCommandRecorder(a.config.Speech.RecorderCommand[0],
			a.config.Speech.RecorderCommand[1:], a.logger)
	}
	var transcriber speech.Transcriber
	if a.stt != nil {
		transcriber = a.stt
	}
	a.dialogue = &Dialogue{
		router:       a.router,
		client:       a.llmClient,
		store:        a.store,
		history:      a.history,
		followUp:     a.followUp,
		speaker:      speaker,
		recorder:     recorder,
		transcriber:  transcriber,
		wake:         a.wake,
		camera:       a.camera,
		state:        a.controller,
		centerer:     a.centerer,
		dispatcher:   a.dispatcher,
		systemPrompt: dialoguePrompt,
		onExit:       func() { a.cancel() },
		logger:       a.logger.With("component", "dialogue"),
	}
	if a.wake != nil && recorder != nil && transcriber != nil {
		a.dialogue.Start(a.ctx)
	} else {
		a.logger.Info("voice pipeline not fully configured, dialogue loop idle",
			"wake", a.wake != nil, "recorder", recorder != nil, "stt", transcriber != nil)
	}

	// 9. Proactive poller, piggybacking on the sub-agent.
	if a.agent != nil && a.config.Poller.Enabled {
		a.poller = taskservice.NewPoller(a.agent, a.speakErr, a.dispatcher,
			time.Duration(a.config.Poller.IntervalMinutes)*time.Minute, a.logger)
		if len(a.config.Poller.Gesture) > 0 {
			a.poller.SetGesture(a.config.Poller.Gesture)
		}
		a.poller.Start(a.ctx)
	}

	a.logger.Info("assistant started")
	return nil
}

// Stop winds the workers down in reverse start order and closes hardware
// and storage last. Safe to call after a failed Start.
func (a *Assistant) Stop() {
	a.logger.Info("stopping assistant...")
	if a.cancel != nil {
		a.cancel()
	}

	if a.poller != nil {
		a.poller.Stop()
	}
	if a.dialogue != nil {
		a.dialogue.Stop()
	}
	if a.followUp != nil {
		a.followUp.Cancel()
	}
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.agent != nil {
		a.agent.Stop()
	}
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}
	if a.controller != nil {
		if err := a.controller.Close(); err != nil {
			a.logger.Warn("closing hardware port failed", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing action store failed", "error", err)
		}
	}
	a.logger.Info("assistant stopped")
}

// Done is closed once the assistant shuts itself down, which an exit word
// in the dialogue loop triggers.
func (a *Assistant) Done() <-chan struct{} {
	if a.ctx == nil {
		return nil
	}
	return a.ctx.Done()
}

// HandleUtterance routes one typed utterance through the dialogue pipeline
// and returns the reply. Used by the console mode.
func (a *Assistant) HandleUtterance(ctx context.Context, utterance string) string {
	return a.dialogue.HandleUtterance(ctx, utterance)
}

// IsExitWord reports whether the utterance should end the session.
func (a *Assistant) IsExitWord(utterance string) bool {
	return a.router.IsExitWord(utterance)
}

// Config returns the active configuration.
func (a *Assistant) Config() *Config {
	return a.config
}

// Store returns the scheduled-action store.
func (a *Assistant) Store() *schedule.Store {
	return a.store
}

// Speak voices text through the TTS pipeline, degrading to a log line
// when no speaker is configured. Implements schedule.Effects.
func (a *Assistant) Speak(ctx context.Context, text string) {
	if err := a.speakErr(ctx, text); err != nil && ctx.Err() == nil {
		a.logger.Warn("speaking failed", "error", err)
	}
}

// Dispatch feeds verdict motion tuples to the hardware queue. Implements
// schedule.Effects.
func (a *Assistant) Dispatch(acts [][]float64) {
	a.dispatcher.EnqueueTuples(acts)
}

func (a *Assistant) speakErr(ctx context.Context, text string) error {
	if a.tts == nil {
		a.logger.Info("voice output unavailable", "text", llm.Truncate(text, 120))
		return nil
	}
	return a.tts.Speak(ctx, text)
}

// webSearcher answers through a search-grounded chat-completions endpoint
// (Perplexity-style sonar models). The token budget caps answer length by
// query complexity.
type webSearcher struct {
	client *llm.Client
}

func (s *webSearcher) Search(ctx context.Context, query string, maxTokens int) (string, error) {
	return s.client.Complete(ctx, llm.Request{
		Messages:  []llm.Message{{Role: "user", Text: query}},
		MaxTokens: maxTokens,
	})
}
