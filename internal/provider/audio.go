// Package provider wraps the external media and ML services the pipeline
// depends on: ffmpeg and demucs as subprocesses, VAD and ASR as HTTP
// services.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/subflowhq/subflow/internal/config"
)

// Audio pipeline constants. ASR and VAD models expect 16 kHz mono PCM.
const (
	audioSampleRate = 16000
	audioChannels   = 1
)

// AudioProvider runs ffmpeg and demucs for audio extraction, cutting,
// vocal separation and loudness normalization.
type AudioProvider struct {
	cfg config.AudioConfig
}

// NewAudioProvider creates an audio provider from config.
func NewAudioProvider(cfg config.AudioConfig) *AudioProvider {
	if cfg.FFmpegBin == "" {
		cfg.FFmpegBin = "ffmpeg"
	}
	if cfg.DemucsBin == "" {
		cfg.DemucsBin = "demucs"
	}
	return &AudioProvider{cfg: cfg}
}

// runFFmpeg executes ffmpeg with the given args, capturing stderr for the
// error message.
func (p *AudioProvider) runFFmpeg(ctx context.Context, args ...string) error {
	full := append([]string{"-hide_banner", "-nostdin", "-y"}, args...)
	cmd := exec.CommandContext(ctx, p.cfg.FFmpegBin, full...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg failed: %w: %s", err, tailLines(stderr.String(), 5))
	}
	return nil
}

// ExtractAudio decodes the media file into a 16 kHz mono WAV. A positive
// maxDurationS truncates the output.
func (p *AudioProvider) ExtractAudio(ctx context.Context, inputPath, outputPath string, maxDurationS float64) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}

	args := []string{"-i", inputPath}
	if maxDurationS > 0 {
		args = append(args, "-t", formatSeconds(maxDurationS))
	}
	args = append(args,
		"-vn",
		"-ac", strconv.Itoa(audioChannels),
		"-ar", strconv.Itoa(audioSampleRate),
		"-c:a", "pcm_s16le",
		outputPath,
	)
	return p.runFFmpeg(ctx, args...)
}

// CutSegment copies the [start, end) window of a WAV into its own file.
func (p *AudioProvider) CutSegment(ctx context.Context, inputPath string, start, end float64, outputPath string) error {
	if end <= start {
		return fmt.Errorf("invalid segment window [%f, %f)", start, end)
	}
	return p.runFFmpeg(ctx,
		"-ss", formatSeconds(start),
		"-t", formatSeconds(end-start),
		"-i", inputPath,
		"-c:a", "pcm_s16le",
		outputPath,
	)
}

// Normalize applies two-pass style loudness normalization toward targetDB.
func (p *AudioProvider) Normalize(ctx context.Context, inputPath, outputPath string, targetDB float64) error {
	filter := fmt.Sprintf("loudnorm=I=%s:TP=-1.5:LRA=11", formatSeconds(targetDB))
	return p.runFFmpeg(ctx,
		"-i", inputPath,
		"-af", filter,
		"-ar", strconv.Itoa(audioSampleRate),
		"-ac", strconv.Itoa(audioChannels),
		outputPath,
	)
}

// SeparateVocals runs demucs two-stem separation and returns the vocals
// WAV path inside outputDir.
func (p *AudioProvider) SeparateVocals(ctx context.Context, inputPath, outputDir string) (string, error) {
	model := p.cfg.DemucsModel
	if model == "" {
		model = "htdemucs"
	}
	cmd := exec.CommandContext(ctx, p.cfg.DemucsBin,
		"--two-stems", "vocals",
		"-n", model,
		"-o", outputDir,
		inputPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("demucs failed: %w: %s", err, tailLines(stderr.String(), 5))
	}

	base := filepath.Base(inputPath)
	stem := base[:len(base)-len(filepath.Ext(base))]
	vocalsPath := filepath.Join(outputDir, model, stem, "vocals.wav")
	if _, err := os.Stat(vocalsPath); err != nil {
		return "", fmt.Errorf("demucs produced no vocals output at %s: %w", vocalsPath, err)
	}
	return vocalsPath, nil
}

// ProbeDuration returns the media duration in seconds via ffprobe.
func (p *AudioProvider) ProbeDuration(ctx context.Context, inputPath string) (float64, error) {
	ffprobe := "ffprobe"
	if p.cfg.FFmpegBin != "ffmpeg" && p.cfg.FFmpegBin != "" {
		// Sibling binary next to a custom ffmpeg.
		ffprobe = filepath.Join(filepath.Dir(p.cfg.FFmpegBin), "ffprobe")
	}

	cmd := exec.CommandContext(ctx, ffprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		inputPath,
	)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	var probe struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &probe); err != nil {
		return 0, fmt.Errorf("decoding ffprobe output: %w", err)
	}
	dur, err := strconv.ParseFloat(probe.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing media duration %q: %w", probe.Format.Duration, err)
	}
	return dur, nil
}

// formatSeconds renders a float without exponent notation for CLI args.
func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// tailLines returns the last n non-empty lines of s.
func tailLines(s string, n int) string {
	var lines []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			line := s[start:i]
			if len(bytes.TrimSpace([]byte(line))) > 0 {
				lines = append(lines, line)
			}
			start = i + 1
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := ""
	for i, line := range lines {
		if i > 0 {
			out += "; "
		}
		out += line
	}
	return out
}
