// Package speech holds the audio boundary: the Speaker/Recorder/
// Transcriber/WakeDetector interfaces the dialogue loop is written
// against, exec-based microphone and playback implementations, and the
// HTTP clients for synthesis and transcription.
package speech

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// Speaker voices text to the user.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Recorder captures one spoken utterance and returns the audio bytes
// (WAV, 16 kHz mono by convention).
type Recorder interface {
	Record(ctx context.Context) ([]byte, error)
}

// Transcriber converts recorded audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// WakeDetector blocks until the wake word is heard or the context ends.
type WakeDetector interface {
	WaitForWake(ctx context.Context) error
}

// Player renders a synthesized audio stream to the speakers.
type Player interface {
	Play(ctx context.Context, audio io.Reader) error
}

// CommandPlayer pipes audio into an external player process's stdin
// (mpv, ffplay, aplay). One process per utterance.
type CommandPlayer struct {
	command string
	args    []string
	logger  *slog.Logger
}

// NewCommandPlayer builds a player around an external binary. The args
// must leave the process reading audio from stdin.
func NewCommandPlayer(command string, args []string, logger *slog.Logger) *CommandPlayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandPlayer{
		command: command,
		args:    args,
		logger:  logger.With("component", "player"),
	}
}

// Play feeds the stream to the player process and waits for it to finish.
func (p *CommandPlayer) Play(ctx context.Context, audio io.Reader) error {
	cmd := exec.CommandContext(ctx, p.command, p.args...)
	cmd.Stdin = audio

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("player %s failed: %w: %s", p.command, err, firstLine(msg))
		}
		return fmt.Errorf("player %s failed: %w", p.command, err)
	}
	return nil
}

// CommandRecorder captures one utterance by running an external recorder
// (arecord, sox, ffmpeg) that writes WAV to stdout and exits on silence
// or duration limit.
type CommandRecorder struct {
	command string
	args    []string
	logger  *slog.Logger
}

// NewCommandRecorder builds a recorder around an external binary.
func NewCommandRecorder(command string, args []string, logger *slog.Logger) *CommandRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRecorder{
		command: command,
		args:    args,
		logger:  logger.With("component", "recorder"),
	}
}

// Record runs the recorder process and returns its stdout.
func (r *CommandRecorder) Record(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.command, r.args...)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("recorder %s failed: %w: %s", r.command, err, firstLine(msg))
		}
		return nil, fmt.Errorf("recorder %s failed: %w", r.command, err)
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("recorder %s produced no audio", r.command)
	}
	r.logger.Debug("utterance captured", "bytes", out.Len())
	return out.Bytes(), nil
}

// CommandWakeDetector waits on an external wake-word helper: the helper
// listens to the microphone and exits 0 when the wake word fires. One
// helper run per wait.
type CommandWakeDetector struct {
	command string
	args    []string
	logger  *slog.Logger
}

// NewCommandWakeDetector builds a detector around an external helper.
func NewCommandWakeDetector(command string, args []string, logger *slog.Logger) *CommandWakeDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandWakeDetector{
		command: command,
		args:    args,
		logger:  logger.With("component", "wake"),
	}
}

// WaitForWake blocks until the helper exits. A zero exit means the wake
// word was detected; anything else is an error.
func (w *CommandWakeDetector) WaitForWake(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, w.command, w.args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("wake helper %s failed: %w: %s", w.command, err, firstLine(msg))
		}
		return fmt.Errorf("wake helper %s failed: %w", w.command, err)
	}
	w.logger.Debug("wake word detected")
	return nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
