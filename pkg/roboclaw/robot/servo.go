// Package robot drives the actuator microcontroller over a serial line and
// arbitrates the shared camera. It owns the hardware safety envelope: servo
// clamps, per-call delta limits, and the stepper rotation bounds.
package robot

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"

	"go.bug.st/serial"
)

// Rotation envelope in degrees. Moves that would leave it are dropped.
const (
	MinRotationDeg = -180.0
	MaxRotationDeg = 180.0
)

// ErrNotConnected is returned when no serial port is attached. Callers log
// and skip; state is never changed on a failed write.
var ErrNotConnected = errors.New("robot hardware not connected")

// ErrEnvelope is returned when a move would leave the rotation envelope.
// The move is dropped and state is unchanged.
var ErrEnvelope = errors.New("move outside rotation envelope")

// ControllerConfig holds the hardware geometry and safety limits.
type ControllerConfig struct {
	ElevationChannel   int     `yaml:"elevation_channel"`
	TranslationChannel int     `yaml:"translation_channel"`
	Microsteps         int     `yaml:"microsteps"`
	FullStepsPerRev    int     `yaml:"full_steps_per_rev"`
	MaxServoDelta      float64 `yaml:"max_servo_delta"`
}

// DefaultControllerConfig matches the stock build: elevation servo on
// channel 8, translation on 0, 8x microstepping on a 200-step motor, and a
// 20-unit per-call servo delta cap to avoid voltage dips.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		ElevationChannel:   8,
		TranslationChannel: 0,
		Microsteps:         8,
		FullStepsPerRev:    200,
		MaxServoDelta:      20,
	}
}

// State is the robot pose snapshot fed to the model: servo positions in
// [0,100] and the accumulated stepper rotation in degrees.
type State struct {
	Elevation   float64 `json:"elevation"`
	Translation float64 `json:"translation"`
	Rotation    float64 `json:"rotation"`
}

// StateSource exposes the current pose without granting write access.
type StateSource interface {
	State() State
}

// Controller writes ASCII command lines to the actuator microcontroller:
// "s:<channel>:<value>\n" for servos, "step:<left|right>:<count>\n" for the
// stepper. A nil port puts the controller in disconnected mode where every
// write fails with ErrNotConnected.
type Controller struct {
	mu     sync.Mutex
	port   io.WriteCloser
	cfg    ControllerConfig
	logger *slog.Logger

	elevation   float64
	translation float64
	rotation    float64
}

// Dial opens the serial port to the microcontroller.
func Dial(portName string, baud int) (io.WriteCloser, error) {
	if baud <= 0 {
		baud = 9600
	}
	port, err := serial.Open(portName, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", portName, err)
	}
	return port, nil
}

// NewController wraps an open port. port may be nil for disconnected mode
// (console dialogue without hardware).
func NewController(port io.WriteCloser, cfg ControllerConfig, logger *slog.Logger) *Controller {
	if cfg.Microsteps <= 0 {
		cfg.Microsteps = 8
	}
	if cfg.FullStepsPerRev <= 0 {
		cfg.FullStepsPerRev = 200
	}
	if cfg.MaxServoDelta <= 0 {
		cfg.MaxServoDelta = 20
	}
	return &Controller{
		port:   port,
		cfg:    cfg,
		logger: logger.With("component", "robot"),
	}
}

// Connected reports whether a serial port is attached.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port != nil
}

// State returns the current pose snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Elevation:   c.elevation,
		Translation: c.translation,
		Rotation:    c.rotation,
	}
}

// MoveServo sends a raw servo command. The channel must be 0..15; the value
// is clamped to [0,100]. Positions on the tracked elevation/translation
// channels are recorded.
func (c *Controller) MoveServo(channel int, value float64) error {
	if channel < 0 || channel > 15 {
		return fmt.Errorf("servo channel %d out of range 0..15", channel)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	v := clampServo(value)
	if err := c.writeServoLocked(channel, v); err != nil {
		return err
	}
	switch channel {
	case c.cfg.ElevationChannel:
		c.elevation = v
	case c.cfg.TranslationChannel:
		c.translation = v
	}
	return nil
}

// SetElevation moves the elevation servo to an absolute position, limited
// to MaxServoDelta units away from the current position per call.
func (c *Controller) SetElevation(value float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := c.steppedTargetLocked(c.elevation, value)
	if err := c.writeServoLocked(c.cfg.ElevationChannel, target); err != nil {
		return err
	}
	c.elevation = target
	return nil
}

// SetTranslation moves the translation servo to an absolute position under
// the same delta limit as SetElevation.
func (c *Controller) SetTranslation(value float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := c.steppedTargetLocked(c.translation, value)
	if err := c.writeServoLocked(c.cfg.TranslationChannel, target); err != nil {
		return err
	}
	c.translation = target
	return nil
}

// MoveLeft rotates the stepper counter-clockwise by degrees.
func (c *Controller) MoveLeft(degrees float64) error {
	return c.moveStepper("left", degrees)
}

// MoveRight rotates the stepper clockwise by degrees.
func (c *Controller) MoveRight(degrees float64) error {
	return c.moveStepper("right", degrees)
}

func (c *Controller) moveStepper(direction string, degrees float64) error {
	degrees = math.Abs(degrees)
	steps := c.StepsForDegrees(degrees)
	if steps == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.rotation
	if direction == "left" {
		next -= degrees
	} else {
		next += degrees
	}
	if next < MinRotationDeg || next > MaxRotationDeg {
		c.logger.Debug("rotation move dropped",
			"direction", direction,
			"degrees", degrees,
			"would_be", next,
		)
		return fmt.Errorf("%w: %.1f deg %s from %.1f", ErrEnvelope, degrees, direction, c.rotation)
	}

	if c.port == nil {
		return ErrNotConnected
	}
	line := fmt.Sprintf("step:%s:%d\n", direction, steps)
	if _, err := c.port.Write([]byte(line)); err != nil {
		return fmt.Errorf("writing stepper command: %w", err)
	}

	c.rotation = next
	c.logger.Debug("stepper moved", "command", line[:len(line)-1], "rotation", c.rotation)
	return nil
}

// StepsForDegrees converts a rotation to step counts using the configured
// microstepping. Anything above the 0.01 degree noise floor moves at least
// one step.
func (c *Controller) StepsForDegrees(degrees float64) int {
	degrees = math.Abs(degrees)
	if degrees <= 0.01 {
		return 0
	}
	stepsPerRev := float64(c.cfg.Microsteps * c.cfg.FullStepsPerRev)
	steps := int(math.Round(degrees * stepsPerRev / 360.0))
	if steps < 1 {
		steps = 1
	}
	return steps
}

// Close releases the serial port.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}

// steppedTargetLocked clamps an absolute servo target to [0,100] and then
// to at most MaxServoDelta away from the current position.
func (c *Controller) steppedTargetLocked(current, target float64) float64 {
	target = clampServo(target)
	if delta := target - current; math.Abs(delta) > c.cfg.MaxServoDelta {
		if delta > 0 {
			target = current + c.cfg.MaxServoDelta
		} else {
			target = current - c.cfg.MaxServoDelta
		}
	}
	return clampServo(target)
}

func (c *Controller) writeServoLocked(channel int, value float64) error {
	if c.port == nil {
		return ErrNotConnected
	}
	line := fmt.Sprintf("s:%d:%d\n", channel, int(math.Round(value)))
	if _, err := c.port.Write([]byte(line)); err != nil {
		return fmt.Errorf("writing servo command: %w", err)
	}
	c.logger.Debug("servo moved", "command", line[:len(line)-1])
	return nil
}

func clampServo(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
