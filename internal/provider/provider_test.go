package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subflowhq/subflow/internal/config"
)

func writeAudioFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audio.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF fake wav"), 0o644))
	return path
}

func TestVADDetect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/vad", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "0.5", r.FormValue("threshold"))

		file, _, err := r.FormFile("audio")
		require.NoError(t, err)
		defer file.Close()

		_ = json.NewEncoder(w).Encode(VADResult{
			Regions:    []VADRegion{{Start: 0.5, End: 3.2}, {Start: 4.0, End: 9.9}},
			FrameProbs: []float32{0.1, 0.9, 0.8},
			HopS:       0.032,
		})
	}))
	defer srv.Close()

	p, err := NewVADProvider(config.VADConfig{BaseURL: srv.URL, Threshold: 0.5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	result, err := p.Detect(context.Background(), writeAudioFixture(t))
	require.NoError(t, err)
	require.Len(t, result.Regions, 2)
	assert.Equal(t, 0.5, result.Regions[0].Start)
	assert.Len(t, result.FrameProbs, 3)
	assert.Equal(t, 0.032, result.HopS)
}

func TestVADDetectServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := NewVADProvider(config.VADConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.Detect(context.Background(), writeAudioFixture(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestVADRequiresBaseURL(t *testing.T) {
	_, err := NewVADProvider(config.VADConfig{})
	assert.Error(t, err)
}

func TestASRTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer asr-key", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-large-v3", r.FormValue("model"))
		assert.Equal(t, "en", r.FormValue("language"))

		_ = json.NewEncoder(w).Encode(ASRResult{
			Segments: []ASRSegment{
				{Start: 0, End: 2.1, Text: "hello there"},
				{Start: 2.1, End: 4.0, Text: "general"},
			},
			Language: "en",
		})
	}))
	defer srv.Close()

	p, err := NewASRProvider(config.ASRConfig{
		BaseURL:       srv.URL,
		APIKey:        "asr-key",
		Model:         "whisper-large-v3",
		MaxConcurrent: 2,
		Timeout:       5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	result, err := p.Transcribe(context.Background(), writeAudioFixture(t), "en")
	require.NoError(t, err)
	require.Len(t, result.Segments, 2)
	assert.Equal(t, "hello there", result.Segments[0].Text)
}

func TestASRBoundsConcurrency(t *testing.T) {
	var active, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		cur := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		_ = json.NewEncoder(w).Encode(ASRResult{})
	}))
	defer srv.Close()

	p, err := NewASRProvider(config.ASRConfig{
		BaseURL:       srv.URL,
		MaxConcurrent: 2,
		Timeout:       5 * time.Second,
	})
	require.NoError(t, err)

	audio := writeAudioFixture(t)
	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := p.Transcribe(context.Background(), audio, "")
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestFormatSeconds(t *testing.T) {
	assert.Equal(t, "1.5", formatSeconds(1.5))
	assert.Equal(t, "0.000125", formatSeconds(0.000125))
	assert.Equal(t, "90", formatSeconds(90))
}
