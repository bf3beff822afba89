package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/roboclaw/pkg/roboclaw/intent"
	"github.com/jholhewres/roboclaw/pkg/roboclaw/llm"
	"github.com/jholhewres/roboclaw/pkg/roboclaw/robot"
	"github.com/jholhewres/roboclaw/pkg/roboclaw/schedule"
	"github.com/jholhewres/roboclaw/pkg/roboclaw/speech"
)

// historyContextMessages is how many recent messages the router sees when
// classifying an utterance.
const historyContextMessages = 4

// RobotResponse is the strict JSON shape every dialogue reply must take:
// a line to voice, optional motion tuples, and an optional follow-up
// prompt voiced a few seconds later if nothing interrupts it.
type RobotResponse struct {
	Voice          string      `json:"vr"`
	Act            [][]float64 `json:"act"`
	FollowUp       bool        `json:"fu"`
	FollowUpPrompt string      `json:"fp"`
}

// Dialogue is the wake-to-reply conversation loop. One turn is: wake word,
// aim at the speaker, record, transcribe, route, act, voice the reply.
// The same HandleUtterance path serves the typed console mode.
type Dialogue struct {
	router      *intent.Router
	client      *llm.Client
	store       *schedule.Store
	history     *History
	followUp    *FollowUp
	speaker     speech.Speaker
	recorder    speech.Recorder
	transcriber speech.Transcriber
	wake        speech.WakeDetector
	camera      *robot.CameraGate
	state       robot.StateSource
	centerer    *robot.Centerer
	dispatcher  *robot.Dispatcher

	systemPrompt string
	onExit       func()
	logger       *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Start launches the voice loop.
func (d *Dialogue) Start(ctx context.Context) {
	d.stopCh = make(chan struct{})
	d.wg.Add(1)
	go d.run(ctx)
	d.logger.Info("dialogue loop started")
}

// Stop ends the loop and waits for any in-flight turn. Safe to call when
// the loop never started.
func (d *Dialogue) Stop() {
	d.stopOnce.Do(func() {
		if d.stopCh != nil {
			close(d.stopCh)
		}
	})
	d.wg.Wait()
}

func (d *Dialogue) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}
		d.turn(ctx)
	}
}

// turn runs one wake-to-reply cycle. Any stage failing re-arms the loop;
// the robot goes back to waiting for its name.
func (d *Dialogue) turn(ctx context.Context) {
	if err := d.wake.WaitForWake(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		d.logger.Warn("wake detection failed", "error", err)
		d.pause(ctx, time.Second)
		return
	}
	d.logger.Info("wake word heard")

	// ── Step 1 ── turn toward whoever is speaking (best effort)
	if d.centerer != nil {
		if err := d.centerer.Center(ctx); err != nil && ctx.Err() == nil {
			d.logger.Debug("centering skipped", "error", err)
		}
	}

	// ── Step 2 ── record and transcribe the utterance
	audio, err := d.recorder.Record(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("recording failed", "error", err)
		}
		return
	}
	text, err := d.transcriber.Transcribe(ctx, audio)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("transcription failed", "error", err)
		}
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		d.logger.Debug("empty transcript, back to waiting")
		return
	}
	d.logger.Info("utterance heard", "text", llm.Truncate(text, 120))

	// ── Step 3 ── exit words end the whole session
	if d.router.IsExitWord(text) {
		d.logger.Info("exit word heard, shutting down")
		d.followUp.Cancel()
		d.say(ctx, "Goodbye.")
		if d.onExit != nil {
			d.onExit()
		}
		return
	}

	// ── Step 4 ── route, act, voice the reply
	if reply := d.HandleUtterance(ctx, text); reply != "" {
		d.say(ctx, reply)
	}
}

// HandleUtterance classifies one utterance (spoken or typed) and returns
// the reply text. Schedule intents persist an action and answer with the
// confirmation; task and search intents fold their answers into the model
// turn as extra context.
func (d *Dialogue) HandleUtterance(ctx context.Context, utterance string) string {
	// A new user turn always cancels a pending follow-up.
	d.followUp.Cancel()

	var taskContext, searchContext string
	for _, in := range d.router.Route(ctx, utterance, d.history.Recent(historyContextMessages)) {
		switch v := in.(type) {
		case intent.Schedule:
			return d.scheduleAction(ctx, utterance, v)
		case intent.TaskService:
			taskContext = v.ContextText
		case intent.Search:
			searchContext = v.ContextText
		}
	}
	return d.respond(ctx, utterance, taskContext, searchContext)
}

// scheduleAction persists a Schedule intent and replies with the spoken
// confirmation. No model turn runs; the confirmation is the whole reply.
func (d *Dialogue) scheduleAction(ctx context.Context, utterance string, in intent.Schedule) string {
	action := &schedule.Action{
		Command:         in.Command,
		TriggerTime:     in.TriggerTime,
		Mode:            in.Mode,
		RetryUntil:      in.RetryUntil,
		Recurring:       in.Recurring,
		IntervalSeconds: in.IntervalSeconds,
		RecurringUntil:  in.RecurringUntil,
		Context:         map[string]string{"original_transcript": utterance},
	}
	id, err := d.store.Insert(ctx, action)
	if err != nil {
		d.logger.Error("saving scheduled action failed", "error", err)
		return "Sorry, I couldn't save that. Ask me again in a moment."
	}
	d.logger.Info("action scheduled",
		"id", id,
		"command", llm.Truncate(in.Command, 80),
		"trigger_time", in.TriggerTime.Format(schedule.TimeLayout),
	)
	d.history.AddUser(utterance)
	d.history.AddModel(in.Confirmation)
	return in.Confirmation
}

// respond runs the full vision turn: capture the scene, compose the user
// message, complete, parse, dispatch motion, arm the follow-up.
func (d *Dialogue) respond(ctx context.Context, utterance, taskContext, searchContext string) string {
	// ── Step 1 ── grab the scene. The camera may be held by a completion
	// check; this turn apologizes and yields rather than waiting. A rig
	// with no camera at all carries on without the scene.
	frame, err := d.camera.TryCapture(ctx)
	if err != nil && !errors.Is(err, robot.ErrNoCamera) {
		if ctx.Err() != nil {
			return ""
		}
		d.logger.Warn("scene capture failed", "error", err)
		return "Sorry, I can't see right now. Give me a second and ask again."
	}

	// ── Step 2 ── compose the user message
	pose := d.state.State()
	var b strings.Builder
	fmt.Fprintf(&b, "User command: %s\n", utterance)
	fmt.Fprintf(&b, "Current robot state: elevation=%.0f translation=%.0f rotation=%.1f\n",
		pose.Elevation, pose.Translation, pose.Rotation)
	if taskContext != "" {
		fmt.Fprintf(&b, "Task context: %s\n", taskContext)
	}
	if searchContext != "" {
		fmt.Fprintf(&b, "Search context: %s\n", searchContext)
	}
	if frame.JPEGBase64 != "" {
		b.WriteString("Here is the current visual scene.")
	}

	messages := append(d.history.Snapshot(), llm.Message{
		Role:     "user",
		Text:     strings.TrimRight(b.String(), "\n"),
		ImageB64: frame.JPEGBase64,
	})

	// ── Step 3 ── one model call, JSON-constrained
	out, err := d.client.Complete(ctx, llm.Request{
		System:   d.systemPrompt,
		Messages: messages,
		JSONOnly: true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ""
		}
		d.logger.Warn("dialogue completion failed", "error", err)
		return "Sorry, I had trouble thinking that one through."
	}

	// ── Step 4 ── parse the structured reply. Malformed JSON degrades to
	// voicing the raw text with no motion.
	reply := strings.TrimSpace(out)
	var rr RobotResponse
	if err := json.Unmarshal([]byte(llm.ExtractJSON(out)), &rr); err != nil {
		d.logger.Warn("reply was not structured, voicing raw text", "error", err)
	} else {
		if len(rr.Act) > 0 && d.dispatcher != nil {
			d.dispatcher.EnqueueTuples(rr.Act)
		}
		if rr.FollowUp && strings.TrimSpace(rr.FollowUpPrompt) != "" {
			d.followUp.Schedule(rr.FollowUpPrompt)
		}
		if v := strings.TrimSpace(rr.Voice); v != "" {
			reply = v
		}
	}

	d.history.AddUser(utterance)
	d.history.AddModel(reply)
	return reply
}

// say voices text, degrading to a log line when no speaker is configured.
func (d *Dialogue) say(ctx context.Context, text string) {
	if d.speaker == nil {
		d.logger.Info("reply (no speaker configured)", "text", llm.Truncate(text, 120))
		return
	}
	if err := d.speaker.Speak(ctx, text); err != nil && ctx.Err() == nil {
		d.logger.Warn("speaking failed", "error", err)
	}
}

// pause sleeps unless the loop is asked to stop first.
func (d *Dialogue) pause(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-d.stopCh:
	case <-t.C:
	}
}
