package stages

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/subflowhq/subflow/internal/artifact"
	"github.com/subflowhq/subflow/internal/models"
	"github.com/subflowhq/subflow/internal/pipeline"
	"github.com/subflowhq/subflow/internal/progress"
)

// stage1Manifest is the downstream-hydration record saved as stage1.json.
type stage1Manifest struct {
	MediaPath  string `json:"media_path"`
	AudioPath  string `json:"audio_path"`
	VocalsPath string `json:"vocals_path"`
	MediaHash  string `json:"media_hash"`
	AudioHash  string `json:"audio_hash"`
	VocalsHash string `json:"vocals_hash"`
}

// PreprocessRunner resolves the source media, extracts 16 kHz mono audio,
// separates vocals, and ingests everything into the blob store.
type PreprocessRunner struct{}

func (r *PreprocessRunner) Stage() models.StageName { return models.StageAudioPreprocess }

func (r *PreprocessRunner) Run(ctx context.Context, deps *pipeline.Deps, project *models.Project, pctx *pipeline.ExecContext, rep *progress.Reporter) (map[string]string, error) {
	projectDir := filepath.Join(deps.Config.Storage.DataDir, "projects", project.ID.String())
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating project dir: %w", err)
	}

	download := progress.NewScaled(rep, 0, 20)
	mediaPath, err := resolveMedia(ctx, deps, project.MediaURL, projectDir, download)
	if err != nil {
		return nil, err
	}
	pctx.MediaPath = mediaPath

	rep.Report(ctx, 25, "extracting audio")
	audioPath := filepath.Join(projectDir, "audio.wav")
	if err := deps.Audio.ExtractAudio(ctx, mediaPath, audioPath, deps.Config.Audio.MaxDurationS); err != nil {
		return nil, fmt.Errorf("extracting audio: %w", err)
	}
	pctx.AudioPath = audioPath

	rep.Report(ctx, 40, "separating vocals")
	vocalsPath, audioHash, vocalsHash, err := r.separateVocals(ctx, deps, project, audioPath, projectDir)
	if err != nil {
		return nil, err
	}
	pctx.VocalsPath = vocalsPath
	pctx.AudioHash = audioHash
	pctx.VocalsHash = vocalsHash

	rep.Report(ctx, 85, "ingesting media blobs")
	mediaHash, err := deps.Blobs.IngestFile(ctx, project.ID, models.ProjectFileInputVideo, mediaPath, "")
	if err != nil {
		return nil, fmt.Errorf("ingesting source media: %w", err)
	}

	manifest := stage1Manifest{
		MediaPath:  mediaPath,
		AudioPath:  audioPath,
		VocalsPath: vocalsPath,
		MediaHash:  mediaHash,
		AudioHash:  audioHash,
		VocalsHash: vocalsHash,
	}
	id, err := artifact.SaveJSON(ctx, deps.Artifacts, project.ID.String(), r.Stage().String(), artifactStage1, manifest)
	if err != nil {
		return nil, fmt.Errorf("saving stage manifest: %w", err)
	}
	return map[string]string{artifactStage1: id}, nil
}

// separateVocals runs demucs with the derived-blob cache, or skips
// separation entirely when configured off.
func (r *PreprocessRunner) separateVocals(ctx context.Context, deps *pipeline.Deps, project *models.Project, audioPath, projectDir string) (vocalsPath, audioHash, vocalsHash string, err error) {
	audioHash, err = deps.Blobs.IngestFile(ctx, project.ID, models.ProjectFileAudio, audioPath, "audio/wav")
	if err != nil {
		return "", "", "", fmt.Errorf("ingesting extracted audio: %w", err)
	}

	if deps.Config.Audio.SkipDemucs {
		return audioPath, audioHash, audioHash, nil
	}

	params := map[string]any{
		"model":     deps.Config.Audio.DemucsModel,
		"normalize": deps.Config.Audio.Normalize,
		"target_db": deps.Config.Audio.NormalizeTargetDB,
	}

	if hit, derr := deps.Blobs.Derived(ctx, "demucs_vocals", audioHash, params); derr == nil && hit != "" {
		deps.Logger.Info("reusing cached vocal separation",
			slog.String("project_id", project.ID.String()),
			slog.String("vocals_hash", hit))
		// Bind this project to the shared vocals blob.
		cached := deps.Blobs.Path(hit)
		if _, ierr := deps.Blobs.IngestFile(ctx, project.ID, models.ProjectFileVocals, cached, "audio/wav"); ierr != nil {
			return "", "", "", fmt.Errorf("binding cached vocals: %w", ierr)
		}
		return cached, audioHash, hit, nil
	}

	separated, err := deps.Audio.SeparateVocals(ctx, audioPath, filepath.Join(projectDir, "demucs"))
	if err != nil {
		return "", "", "", fmt.Errorf("separating vocals: %w", err)
	}

	finalPath := separated
	if deps.Config.Audio.Normalize {
		normalized := filepath.Join(projectDir, "vocals_normalized.wav")
		if err := deps.Audio.Normalize(ctx, separated, normalized, deps.Config.Audio.NormalizeTargetDB); err != nil {
			return "", "", "", fmt.Errorf("normalizing vocals: %w", err)
		}
		finalPath = normalized
	}

	vocalsHash, err = deps.Blobs.IngestFile(ctx, project.ID, models.ProjectFileVocals, finalPath, "audio/wav")
	if err != nil {
		return "", "", "", fmt.Errorf("ingesting vocals: %w", err)
	}
	if err := deps.Blobs.SetDerived(ctx, "demucs_vocals", audioHash, params, vocalsHash); err != nil {
		return "", "", "", fmt.Errorf("recording derived vocals: %w", err)
	}
	return deps.Blobs.Path(vocalsHash), audioHash, vocalsHash, nil
}

func (r *PreprocessRunner) Hydrate(ctx context.Context, deps *pipeline.Deps, project *models.Project, pctx *pipeline.ExecContext) error {
	var manifest stage1Manifest
	err := artifact.LoadJSON(ctx, deps.Artifacts, project.ID.String(), r.Stage().String(), artifactStage1, &manifest)
	if err != nil {
		return fmt.Errorf("loading stage manifest: %w", err)
	}

	pctx.MediaPath = manifest.MediaPath
	pctx.AudioPath = manifest.AudioPath
	pctx.VocalsPath = manifest.VocalsPath
	pctx.AudioHash = manifest.AudioHash
	pctx.VocalsHash = manifest.VocalsHash

	// Working files may have been cleaned; the blob store is the durable copy.
	if _, err := os.Stat(pctx.VocalsPath); err != nil && manifest.VocalsHash != "" {
		pctx.VocalsPath = deps.Blobs.Path(manifest.VocalsHash)
	}
	if _, err := os.Stat(pctx.AudioPath); err != nil && manifest.AudioHash != "" {
		pctx.AudioPath = deps.Blobs.Path(manifest.AudioHash)
	}
	return nil
}

// Reset has nothing to delete: blob bindings are re-ingested idempotently
// and the manifest artifact is overwritten on rerun.
func (r *PreprocessRunner) Reset(ctx context.Context, deps *pipeline.Deps, projectID models.ULID) error {
	return nil
}

// resolveMedia turns a media URL into a local file path. HTTP(S) sources
// stream to disk under the project dir; local paths and file:// URLs are
// validated in place.
func resolveMedia(ctx context.Context, deps *pipeline.Deps, mediaURL, projectDir string, rep *progress.Scaled) (string, error) {
	switch {
	case strings.HasPrefix(mediaURL, "http://"), strings.HasPrefix(mediaURL, "https://"):
		return downloadMedia(ctx, deps, mediaURL, projectDir, rep)
	case strings.HasPrefix(mediaURL, "file://"):
		path := strings.TrimPrefix(mediaURL, "file://")
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("media file not found: %w", err)
		}
		return path, nil
	case strings.Contains(mediaURL, "://"):
		return "", &pipeline.StageExecutionError{
			Stage:   models.StageAudioPreprocess,
			Code:    pipeline.CodeConfiguration,
			Message: fmt.Sprintf("unsupported media URL scheme: %s", mediaURL),
		}
	default:
		if _, err := os.Stat(mediaURL); err != nil {
			return "", fmt.Errorf("media file not found: %w", err)
		}
		return mediaURL, nil
	}
}

// downloadMedia streams an HTTP(S) source to disk with a total deadline and
// bounded copy chunks.
func downloadMedia(ctx context.Context, deps *pipeline.Deps, mediaURL, projectDir string, rep *progress.Scaled) (string, error) {
	timeout := deps.Config.Audio.DownloadTimeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media download returned status %d", resp.StatusCode)
	}

	ext := filepath.Ext(strings.SplitN(filepath.Base(mediaURL), "?", 2)[0])
	if ext == "" {
		ext = ".media"
	}
	destPath := filepath.Join(projectDir, "source"+ext)
	dest, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("creating download target: %w", err)
	}
	defer dest.Close()

	chunkSize := deps.Config.Audio.DownloadChunkSize
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	buf := make([]byte, chunkSize)
	var written int64
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := dest.Write(buf[:n]); werr != nil {
				return "", fmt.Errorf("writing download: %w", werr)
			}
			written += int64(n)
			if resp.ContentLength > 0 {
				rep.Report(ctx, int(written*100/resp.ContentLength), "downloading media")
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", fmt.Errorf("reading download stream: %w", rerr)
		}
	}
	rep.Report(ctx, 100, "download complete")
	return destPath, nil
}
