package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/subflowhq/subflow/internal/config"
)

// VADResult is the voice activity detection output for one audio file.
type VADResult struct {
	// Regions are merged speech windows in seconds, ordered by start.
	Regions []VADRegion `json:"regions"`
	// FrameProbs are per-frame speech probabilities at HopS spacing.
	FrameProbs []float32 `json:"frame_probs"`
	// HopS is the frame hop in seconds.
	HopS float64 `json:"hop_s"`
}

// VADRegion is one detected speech window.
type VADRegion struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// VADProvider detects speech regions in an audio file.
type VADProvider interface {
	Detect(ctx context.Context, audioPath string) (*VADResult, error)
	Close() error
}

// httpVADProvider calls a VAD sidecar service over HTTP.
type httpVADProvider struct {
	httpClient *http.Client
	baseURL    string
	cfg        config.VADConfig
}

// NewVADProvider creates a VAD provider from config. Only the HTTP sidecar
// provider is supported; the silero model runs inside the sidecar.
func NewVADProvider(cfg config.VADConfig) (VADProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("vad.base_url is required")
	}
	return &httpVADProvider{
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		cfg:        cfg,
	}, nil
}

// Detect uploads the audio file and returns regions plus frame probabilities.
func (p *httpVADProvider) Detect(ctx context.Context, audioPath string) (*VADResult, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("opening audio file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("audio", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("building upload form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copying audio into form: %w", err)
	}
	_ = writer.WriteField("threshold", strconv.FormatFloat(p.cfg.Threshold, 'f', -1, 64))
	if p.cfg.FrameHopS > 0 {
		_ = writer.WriteField("frame_hop_s", strconv.FormatFloat(p.cfg.FrameHopS, 'f', -1, 64))
	}
	if p.cfg.TargetMaxSegmentS > 0 {
		_ = writer.WriteField("target_max_segment_s", strconv.FormatFloat(p.cfg.TargetMaxSegmentS, 'f', -1, 64))
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/vad", &body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling VAD service: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading VAD response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("VAD service returned status %d: %s", resp.StatusCode, snippet(respBody))
	}

	var result VADResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decoding VAD response: %w", err)
	}
	if result.HopS <= 0 {
		result.HopS = p.cfg.FrameHopS
	}
	return &result, nil
}

func (p *httpVADProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// snippet truncates a response body for error messages.
func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
