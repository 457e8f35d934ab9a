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
	"strings"

	"github.com/subflowhq/subflow/internal/config"
)

// ASRSegment is one transcribed utterance, with times relative to the
// submitted audio.
type ASRSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// ASRResult is the transcription of one audio file.
type ASRResult struct {
	Segments []ASRSegment `json:"segments"`
	Language string       `json:"language,omitempty"`
}

// ASRProvider transcribes audio files.
type ASRProvider interface {
	Transcribe(ctx context.Context, audioPath, language string) (*ASRResult, error)
	Close() error
}

// httpASRProvider calls a whisper-style transcription service. Its own
// semaphore bounds in-flight requests independently of the pipeline's
// slot tracker, protecting the service from other callers too.
type httpASRProvider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	sem        chan struct{}
}

// NewASRProvider creates an ASR provider from config.
func NewASRProvider(cfg config.ASRConfig) (ASRProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("asr.base_url is required")
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &httpASRProvider{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		sem:        make(chan struct{}, maxConcurrent),
	}, nil
}

// Transcribe uploads the audio and returns time-ordered segments.
func (p *httpASRProvider) Transcribe(ctx context.Context, audioPath, language string) (*ASRResult, error) {
	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("opening audio file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("building upload form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copying audio into form: %w", err)
	}
	if p.model != "" {
		_ = writer.WriteField("model", p.model)
	}
	if language != "" {
		_ = writer.WriteField("language", language)
	}
	_ = writer.WriteField("response_format", "verbose_json")
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling ASR service: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading ASR response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ASR service returned status %d: %s", resp.StatusCode, snippet(respBody))
	}

	var result ASRResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decoding ASR response: %w", err)
	}
	return &result, nil
}

func (p *httpASRProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}
