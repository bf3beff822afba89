package robot

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCamera returns a scripted frame or error, optionally blocking until
// released so gate contention can be exercised.
type stubCamera struct {
	frame   Frame
	err     error
	block   chan struct{}
	n       int
	blocked chan struct{}
}

func (c *stubCamera) Capture(ctx context.Context) (Frame, error) {
	c.n++
	if c.block != nil {
		if c.blocked != nil {
			close(c.blocked)
			c.blocked = nil
		}
		select {
		case <-c.block:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
	return c.frame, c.err
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestCameraGate_NoCamera(t *testing.T) {
	gate := NewCameraGate(nil, 0, slog.Default())

	_, err := gate.TryCapture(context.Background())
	assert.ErrorIs(t, err, ErrNoCamera)
}

func TestCameraGate_PassesFramesAndErrors(t *testing.T) {
	t.Run("frame", func(t *testing.T) {
		gate := NewCameraGate(&stubCamera{frame: Frame{JPEGBase64: "Zm9v"}}, 0, slog.Default())

		frame, err := gate.TryCapture(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Zm9v", frame.JPEGBase64)
	})

	t.Run("capture error", func(t *testing.T) {
		boom := errors.New("lens cap on")
		gate := NewCameraGate(&stubCamera{err: boom}, 0, slog.Default())

		_, err := gate.TryCapture(context.Background())
		assert.ErrorIs(t, err, boom)
	})
}

func TestCameraGate_BusyWithinWindow(t *testing.T) {
	cam := &stubCamera{block: make(chan struct{}), blocked: make(chan struct{})}
	gate := NewCameraGate(cam, 50*time.Millisecond, slog.Default())

	holderDone := make(chan struct{})
	go func() {
		defer close(holderDone)
		_, _ = gate.TryCapture(context.Background())
	}()
	<-cam.blocked // first worker now holds the camera

	_, err := gate.TryCapture(context.Background())
	assert.ErrorIs(t, err, ErrCameraBusy)

	close(cam.block)
	<-holderDone

	// Released, the gate admits the next capture.
	_, err = gate.TryCapture(context.Background())
	assert.NoError(t, err)
}

func TestSnapshotCamera_Capture(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(testJPEG(t, 640, 480))
	}))
	defer server.Close()

	cam := NewSnapshotCamera(server.URL, slog.Default())
	frame, err := cam.Capture(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, frame.JPEGBase64)

	// The frame is re-encoded at the model's input size.
	raw, err := base64.StdEncoding.DecodeString(frame.JPEGBase64)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, FrameSize, img.Bounds().Dx())
	assert.Equal(t, FrameSize, img.Bounds().Dy())
}

func TestSnapshotCamera_BadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cam := NewSnapshotCamera(server.URL, slog.Default())
	_, err := cam.Capture(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestEncodeFrame_RejectsGarbage(t *testing.T) {
	_, err := EncodeFrame([]byte("not an image"))
	assert.Error(t, err)
}
