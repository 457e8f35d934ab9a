package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/subflowhq/subflow/internal/artifact"
	"github.com/subflowhq/subflow/internal/concurrency"
	"github.com/subflowhq/subflow/internal/models"
	"github.com/subflowhq/subflow/internal/pipeline"
	"github.com/subflowhq/subflow/internal/progress"
	"github.com/subflowhq/subflow/internal/provider"
)

// regionResult carries one region's transcription until reassembly.
type regionResult struct {
	region   *models.VADRegion
	segments []provider.ASRSegment
	language string
}

// ASRRunner transcribes each VAD region and reassembles the results into
// time-ordered segments with contiguous indexes, plus merged context chunks.
type ASRRunner struct{}

func (r *ASRRunner) Stage() models.StageName { return models.StageASR }

func (r *ASRRunner) Run(ctx context.Context, deps *pipeline.Deps, project *models.Project, pctx *pipeline.ExecContext, rep *progress.Reporter) (map[string]string, error) {
	if pctx.VocalsPath == "" {
		return nil, fmt.Errorf("no vocals audio available for ASR")
	}

	segDir := filepath.Join(deps.Config.Storage.DataDir, "projects", project.ID.String(), "asr_segments")
	if err := os.MkdirAll(segDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating segment dir: %w", err)
	}
	defer os.RemoveAll(segDir)

	results := make([]regionResult, len(pctx.Regions))
	var mu sync.Mutex
	done := 0
	start := time.Now()

	// Fan out per region. Cutting and transcription both happen inside the
	// asr concurrency class; the provider's own semaphore additionally
	// protects the service.
	g, gctx := errgroup.WithContext(ctx)
	for i, region := range pctx.Regions {
		g.Go(func() error {
			release, err := deps.Tracker.Acquire(gctx, concurrency.ServiceASR)
			if err != nil {
				return err
			}
			defer release()

			cutPath := filepath.Join(segDir, fmt.Sprintf("region_%04d.wav", region.RegionID))
			if err := deps.Audio.CutSegment(gctx, pctx.VocalsPath, region.Start, region.End, cutPath); err != nil {
				return fmt.Errorf("cutting region %d: %w", region.RegionID, err)
			}

			asrResult, err := deps.ASR.Transcribe(gctx, cutPath, project.SourceLanguage)
			if err != nil {
				return fmt.Errorf("transcribing region %d: %w", region.RegionID, err)
			}
			results[i] = regionResult{region: region, segments: asrResult.Segments, language: asrResult.Language}

			mu.Lock()
			done++
			processed := done
			mu.Unlock()

			elapsed := time.Since(start).Seconds()
			snap, _ := deps.Tracker.Snapshot(concurrency.ServiceASR)
			rep.ReportMetrics(gctx, processed*90/max(len(pctx.Regions), 1), "transcribing regions", map[string]any{
				"items_processed":  processed,
				"items_total":      len(pctx.Regions),
				"items_per_second": float64(processed) / max(elapsed, 0.001),
				"active_tasks":     snap.Active,
				"max_concurrent":   snap.Limit,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	segments, byRegion := reassembleSegments(project.ID, results)
	merged := buildMergedChunks(project.ID, results, byRegion,
		deps.Config.LLMLimits.MaxMergedSegments, deps.Config.LLMLimits.MaxMergedWindowS)

	// Idempotence: replace any previous run's rows.
	if err := deps.Repos.ASRSegments.DeleteByProject(ctx, project.ID); err != nil {
		return nil, err
	}
	if err := deps.Repos.ASRMergedChunks.DeleteByProject(ctx, project.ID); err != nil {
		return nil, err
	}
	if err := deps.Repos.ASRSegments.BulkInsert(ctx, segments); err != nil {
		return nil, err
	}
	if err := deps.Repos.ASRMergedChunks.BulkUpsert(ctx, merged); err != nil {
		return nil, err
	}

	pctx.Segments = segments
	pctx.MergedChunks = merged
	pctx.Transcript = joinTranscript(segments)

	artifacts := map[string]string{}
	id, err := artifact.SaveText(ctx, deps.Artifacts, project.ID.String(), r.Stage().String(), artifactTranscript, pctx.Transcript)
	if err != nil {
		return nil, fmt.Errorf("saving transcript artifact: %w", err)
	}
	artifacts[artifactTranscript] = id

	id, err = artifact.SaveJSON(ctx, deps.Artifacts, project.ID.String(), r.Stage().String(), artifactSegments, segments)
	if err != nil {
		return nil, fmt.Errorf("saving segments artifact: %w", err)
	}
	artifacts[artifactSegments] = id

	rep.ReportMetrics(ctx, 95, "transcription persisted", map[string]any{
		"segments":      len(segments),
		"merged_chunks": len(merged),
	})
	return artifacts, nil
}

// reassembleSegments flattens per-region results into time order with
// contiguous segment indexes. Region-relative times shift to absolute.
// byRegion aligns with results and shares the returned segment pointers, so
// each region's segments carry their final indexes without a time lookup.
func reassembleSegments(projectID models.ULID, results []regionResult) (segments []*models.ASRSegment, byRegion [][]*models.ASRSegment) {
	byRegion = make([][]*models.ASRSegment, len(results))
	for i, res := range results {
		for _, seg := range res.segments {
			abs := &models.ASRSegment{
				ProjectID: projectID,
				Start:     res.region.Start + seg.Start,
				End:       res.region.Start + seg.End,
				Text:      strings.TrimSpace(seg.Text),
				Language:  res.language,
			}
			segments = append(segments, abs)
			byRegion[i] = append(byRegion[i], abs)
		}
	}
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Start < segments[j].Start
	})
	for i, seg := range segments {
		seg.SegmentIndex = int64(i)
	}
	return segments, byRegion
}

// buildMergedChunks groups each region's segments into windows bounded by
// maxSegments and maxWindowS (wall duration including gaps), splitting on
// overflow.
func buildMergedChunks(projectID models.ULID, results []regionResult, byRegion [][]*models.ASRSegment, maxSegments int, maxWindowS float64) []*models.ASRMergedChunk {
	if maxSegments < 1 {
		maxSegments = 1
	}

	var chunks []*models.ASRMergedChunk
	for ri, res := range results {
		chunkID := 0
		var window []*models.ASRSegment

		flush := func() {
			if len(window) == 0 {
				return
			}
			ids := make([]int64, len(window))
			texts := make([]string, 0, len(window))
			for i, seg := range window {
				ids[i] = seg.SegmentIndex
				if seg.Text != "" {
					texts = append(texts, seg.Text)
				}
			}
			chunks = append(chunks, &models.ASRMergedChunk{
				ProjectID:  projectID,
				RegionID:   res.region.RegionID,
				ChunkID:    chunkID,
				Start:      window[0].Start,
				End:        window[len(window)-1].End,
				SegmentIDs: models.Int64List(ids),
				Text:       strings.Join(texts, " "),
			})
			chunkID++
			window = nil
		}

		for _, seg := range byRegion[ri] {
			if len(window) > 0 {
				overSegments := len(window) >= maxSegments
				overDuration := maxWindowS > 0 && seg.End-window[0].Start > maxWindowS
				if overSegments || overDuration {
					flush()
				}
			}
			window = append(window, seg)
		}
		flush()
	}
	return chunks
}

// joinTranscript space-joins effective segment texts, skipping empty ones.
func joinTranscript(segments []*models.ASRSegment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if text := seg.EffectiveText(); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func (r *ASRRunner) Hydrate(ctx context.Context, deps *pipeline.Deps, project *models.Project, pctx *pipeline.ExecContext) error {
	segments, err := deps.Repos.ASRSegments.GetByProject(ctx, project.ID)
	if err != nil {
		return err
	}
	merged, err := deps.Repos.ASRMergedChunks.GetByProject(ctx, project.ID)
	if err != nil {
		return err
	}
	pctx.Segments = segments
	pctx.MergedChunks = merged
	pctx.Transcript = joinTranscript(segments)
	return nil
}

func (r *ASRRunner) Reset(ctx context.Context, deps *pipeline.Deps, projectID models.ULID) error {
	if err := deps.Repos.ASRSegments.DeleteByProject(ctx, projectID); err != nil {
		return err
	}
	return deps.Repos.ASRMergedChunks.DeleteByProject(ctx, projectID)
}
