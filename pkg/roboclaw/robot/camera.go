package robot

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // snapshot endpoints occasionally serve PNG
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/image/draw"
)

// FrameSize is the square edge the model expects frames scaled to.
const FrameSize = 224

// ErrCameraBusy is returned when another worker holds the camera and the
// acquire window elapses. The engine turns this into a short-retry verdict;
// the dialogue loop apologizes instead of answering with vision.
var ErrCameraBusy = errors.New("camera busy")

// ErrNoCamera is returned by a gate with no camera behind it. Callers
// proceed without the scene instead of retrying.
var ErrNoCamera = errors.New("no camera configured")

// Frame is one captured scene image, already scaled and JPEG-encoded.
type Frame struct {
	JPEGBase64 string
}

// Camera produces frames. Implementations block on the device.
type Camera interface {
	Capture(ctx context.Context) (Frame, error)
}

// CameraGate serializes camera access across the engine, dialogue loop, and
// poller. A worker that cannot acquire the camera within the window aborts
// its frame use rather than queueing behind a long capture.
type CameraGate struct {
	cam    Camera
	sem    chan struct{}
	window time.Duration
	logger *slog.Logger
}

// NewCameraGate wraps a camera, which may be nil on a camera-less rig.
// window <= 0 selects a 2s acquire window.
func NewCameraGate(cam Camera, window time.Duration, logger *slog.Logger) *CameraGate {
	if window <= 0 {
		window = 2 * time.Second
	}
	g := &CameraGate{
		cam:    cam,
		sem:    make(chan struct{}, 1),
		window: window,
		logger: logger.With("component", "camera"),
	}
	g.sem <- struct{}{}
	return g
}

// TryCapture acquires the camera within the gate window and takes one
// frame. Returns ErrCameraBusy when the window elapses while another worker
// holds the camera, ErrNoCamera when the rig has none.
func (g *CameraGate) TryCapture(ctx context.Context) (Frame, error) {
	if g.cam == nil {
		return Frame{}, ErrNoCamera
	}

	timer := time.NewTimer(g.window)
	defer timer.Stop()

	select {
	case token := <-g.sem:
		defer func() { g.sem <- token }()
		return g.cam.Capture(ctx)
	case <-timer.C:
		g.logger.Debug("camera acquire timed out", "window", g.window)
		return Frame{}, ErrCameraBusy
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// SnapshotCamera captures frames from an HTTP snapshot endpoint (the usual
// interface of onboard robot cameras), scaling each image to FrameSize and
// re-encoding as JPEG.
type SnapshotCamera struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSnapshotCamera points at a snapshot URL that returns one image per GET.
func NewSnapshotCamera(url string, logger *slog.Logger) *SnapshotCamera {
	return &SnapshotCamera{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger.With("component", "camera"),
	}
}

// Capture fetches, scales, and encodes one frame.
func (c *SnapshotCamera) Capture(ctx context.Context) (Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Frame{}, fmt.Errorf("creating snapshot request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Frame{}, fmt.Errorf("fetching snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Frame{}, fmt.Errorf("snapshot endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Frame{}, fmt.Errorf("reading snapshot: %w", err)
	}

	return EncodeFrame(body)
}

// EncodeFrame decodes an image, scales it to FrameSize x FrameSize, and
// returns the base64 JPEG the model consumes.
func EncodeFrame(raw []byte) (Frame, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Frame{}, fmt.Errorf("decoding snapshot image: %w", err)
	}

	dst := image.NewRGBA(image.Rect(0, 0, FrameSize, FrameSize))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
		return Frame{}, fmt.Errorf("encoding frame: %w", err)
	}

	return Frame{JPEGBase64: base64.StdEncoding.EncodeToString(buf.Bytes())}, nil
}
