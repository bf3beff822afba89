package speech

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSTTClient_Transcribe(t *testing.T) {
	audio := []byte("RIFFfakewavdata")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "whisper-1", r.FormValue("model"))

		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		assert.Equal(t, "utterance.wav", header.Filename)
		got, err := io.ReadAll(file)
		assert.NoError(t, err)
		assert.Equal(t, audio, got)

		_, _ = w.Write([]byte(`{"text": "  wake me up at seven \n"}`))
	}))
	t.Cleanup(srv.Close)

	c := NewSTTClient(srv.URL, "sk-test", "", nil)
	text, err := c.Transcribe(context.Background(), audio)
	require.NoError(t, err)
	assert.Equal(t, "wake me up at seven", text, "transcripts come back trimmed")
}

func TestSTTClient_EmptyAudio(t *testing.T) {
	c := NewSTTClient("http://unused", "sk-test", "", nil)
	_, err := c.Transcribe(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty audio")
}

func TestSTTClient_MissingKey(t *testing.T) {
	c := NewSTTClient("http://unused", "", "", nil)
	_, err := c.Transcribe(context.Background(), []byte("audio"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ROBOCLAW_STT_KEY")
}

func TestSTTClient_ErrorResponses(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"server error", http.StatusInternalServerError, "boom", "STT returned 500"},
		{"garbage body", http.StatusOK, "<!doctype html>", "parsing response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)

			c := NewSTTClient(srv.URL, "sk-test", "", nil)
			_, err := c.Transcribe(context.Background(), []byte("audio"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
