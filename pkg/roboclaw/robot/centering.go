package robot

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// FaceDetector locates the most prominent face in a frame. Implementations
// wrap whatever vision backend is available; detection itself is outside
// this package.
type FaceDetector interface {
	// DetectOffset returns the horizontal offset of the face center from
	// the frame center as a fraction of frame width in [-0.5, 0.5]
	// (negative = left of center). found is false when no face is visible.
	DetectOffset(ctx context.Context, frame Frame) (offset float64, found bool, err error)
}

// CenteringConfig tunes the aim loop.
type CenteringConfig struct {
	FOVDegrees      float64 `yaml:"fov_degrees"`
	DeadbandDegrees float64 `yaml:"deadband_degrees"`
	MaxPasses       int     `yaml:"max_passes"`
	SettleDelayMs   int     `yaml:"settle_delay_ms"`
}

// DefaultCenteringConfig matches a 60-degree webcam with a 10-degree
// deadband, re-aiming at most three times per wake.
func DefaultCenteringConfig() CenteringConfig {
	return CenteringConfig{
		FOVDegrees:      60,
		DeadbandDegrees: 10,
		MaxPasses:       3,
		SettleDelayMs:   600,
	}
}

// Centerer aims the camera at the speaker after a wake word by iterating
// capture -> detect -> rotate until the face sits within the deadband.
// Moves go through the dispatcher queue like every other motion.
type Centerer struct {
	gate     *CameraGate
	detector FaceDetector
	disp     *Dispatcher
	cfg      CenteringConfig
	logger   *slog.Logger
}

// NewCenterer builds the aim loop. detector may be nil, which disables
// centering entirely.
func NewCenterer(gate *CameraGate, detector FaceDetector, disp *Dispatcher, cfg CenteringConfig, logger *slog.Logger) *Centerer {
	if cfg.FOVDegrees <= 0 {
		cfg.FOVDegrees = 60
	}
	if cfg.DeadbandDegrees <= 0 {
		cfg.DeadbandDegrees = 10
	}
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = 3
	}
	if cfg.SettleDelayMs <= 0 {
		cfg.SettleDelayMs = 600
	}
	return &Centerer{
		gate:     gate,
		detector: detector,
		disp:     disp,
		cfg:      cfg,
		logger:   logger.With("component", "centering"),
	}
}

// Center runs the aim loop once. A missing detector, an empty scene, or a
// busy camera all end the routine quietly; centering is best-effort.
func (c *Centerer) Center(ctx context.Context) error {
	if c.detector == nil {
		return nil
	}

	for pass := 0; pass < c.cfg.MaxPasses; pass++ {
		frame, err := c.gate.TryCapture(ctx)
		if err != nil {
			return err
		}

		offset, found, err := c.detector.DetectOffset(ctx, frame)
		if err != nil {
			return err
		}
		if !found {
			c.logger.Debug("no face in frame, skipping centering")
			return nil
		}

		angle := offset * c.cfg.FOVDegrees
		if math.Abs(angle) <= c.cfg.DeadbandDegrees {
			c.logger.Debug("face centered", "angle", angle, "passes", pass)
			return nil
		}

		op := OpMoveRight
		if angle < 0 {
			op = OpMoveLeft
		}
		c.disp.Enqueue([]Command{{Op: op, Args: []float64{math.Abs(angle)}}})
		c.logger.Debug("re-aiming at face", "angle", angle, "pass", pass)

		timer := time.NewTimer(time.Duration(c.cfg.SettleDelayMs) * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}
