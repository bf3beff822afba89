package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/roboclaw/pkg/roboclaw/llm"
	"github.com/jholhewres/roboclaw/pkg/roboclaw/robot"
)

// Surrogate retry delays for the two recoverable oracle failures. A camera
// problem usually clears in seconds; a model problem gets a longer backoff.
const (
	cameraRetryDelaySeconds = 10
	modelRetryDelaySeconds  = 60
)

// CompletionOracle wraps the model as the judge of whether a scheduled
// command has been carried out. Every call is an independent trial: one
// frame, one state snapshot, one verdict. The oracle keeps no memory
// between invocations.
type CompletionOracle struct {
	client       *llm.Client
	camera       *robot.CameraGate
	state        robot.StateSource
	systemPrompt string
	logger       *slog.Logger
}

// NewCompletionOracle assembles the judge. systemPrompt may be empty when
// the prompt file is missing; judgement degrades but still runs.
func NewCompletionOracle(client *llm.Client, camera *robot.CameraGate, state robot.StateSource, systemPrompt string, logger *slog.Logger) *CompletionOracle {
	return &CompletionOracle{
		client:       client,
		camera:       camera,
		state:        state,
		systemPrompt: systemPrompt,
		logger:       logger.With("component", "oracle"),
	}
}

// Judge captures the scene and asks the model for a verdict on one attempt.
// Recoverable failures (camera, model, malformed output) come back as
// surrogate retry verdicts, never as errors; an error is returned only when
// the context is done. A camera-less rig judges on state alone.
func (o *CompletionOracle) Judge(ctx context.Context, a *Action, now time.Time) (Verdict, error) {
	frame, err := o.camera.TryCapture(ctx)
	if err != nil && !errors.Is(err, robot.ErrNoCamera) {
		if ctx.Err() != nil {
			return Verdict{}, ctx.Err()
		}
		o.logger.Warn("frame capture failed", "id", a.ID, "error", err)
		return surrogateVerdict("camera failure", cameraRetryDelaySeconds), nil
	}

	state := o.state.State()

	out, err := o.client.Complete(ctx, llm.Request{
		System: o.systemPrompt,
		Messages: []llm.Message{{
			Role:     "user",
			Text:     executionDetails(a, state),
			ImageB64: frame.JPEGBase64,
		}},
		JSONOnly: true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Verdict{}, ctx.Err()
		}
		o.logger.Warn("judgement call failed", "id", a.ID, "error", err)
		return surrogateVerdict("model failure", modelRetryDelaySeconds), nil
	}

	var v Verdict
	if err := json.Unmarshal([]byte(llm.ExtractJSON(out)), &v); err != nil {
		o.logger.Warn("verdict did not parse",
			"id", a.ID,
			"error", err,
			"output", llm.Truncate(out, 200),
		)
		return surrogateVerdict("unparseable verdict", modelRetryDelaySeconds), nil
	}

	o.logger.Info("verdict",
		"id", a.ID,
		"completed", v.Completed,
		"should_retry", v.ShouldRetry,
		"reason", v.CompletionReason,
	)
	return v, nil
}

// executionDetails renders the per-attempt block appended to the static
// system template. Attempt numbers are 1-based for the model.
func executionDetails(a *Action, state robot.State) string {
	return fmt.Sprintf(`CURRENT EXECUTION DETAILS:
SCHEDULED COMMAND: %q
COMPLETION MODE: %s
ATTEMPT NUMBER: %d
ROBOT STATE: elevation=%.0f translation=%.0f rotation=%.1f

Execute this scheduled command now.`,
		a.Command, a.Mode, a.AttemptCount+1,
		state.Elevation, state.Translation, state.Rotation,
	)
}

func surrogateVerdict(reason string, delaySeconds int) Verdict {
	return Verdict{
		Completed:         false,
		ShouldRetry:       true,
		RetryDelaySeconds: delaySeconds,
		CompletionReason:  reason,
	}
}
