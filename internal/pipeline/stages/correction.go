package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/subflowhq/subflow/internal/llm"
	"github.com/subflowhq/subflow/internal/models"
	"github.com/subflowhq/subflow/internal/pipeline"
	"github.com/subflowhq/subflow/internal/progress"
)

const correctionSystemPrompt = `You are a subtitle transcription proofreader.
You receive the full text of an audio window followed by the individual
recognized segments it was cut into. Fix recognition errors in the segments
using the window text as context: wrong homophones, broken words, missing
punctuation. Never translate, never rephrase, never merge or split segments.
Return ONLY a JSON array of objects {"id": <segment id>, "text": "<corrected>"}
containing just the segments you changed. Return [] when nothing needs fixing.`

// correctionItem is one entry of the model's JSON reply.
type correctionItem struct {
	ID   int64  `json:"id"`
	Text string `json:"text"`
}

// CorrectionRunner asks an LLM to proofread each merged ASR window against
// its member segments. The stage is best effort: windows that fail are left
// uncorrected and the pipeline continues.
type CorrectionRunner struct{}

func (r *CorrectionRunner) Stage() models.StageName { return models.StageLLMCorrection }

func (r *CorrectionRunner) Run(ctx context.Context, deps *pipeline.Deps, project *models.Project, pctx *pipeline.ExecContext, rep *progress.Reporter) (map[string]string, error) {
	profile := deps.Config.LLMRouting.ASRCorrection
	provider := deps.LLMFor(profile)
	if provider == nil {
		deps.Logger.Info("no LLM profile configured, skipping ASR correction",
			slog.String("project_id", project.ID.String()),
			slog.String("profile", profile))
		rep.ReportMetrics(ctx, 95, "correction skipped", map[string]any{
			"corrections": 0,
			"skipped":     true,
		})
		return map[string]string{}, nil
	}

	segmentsByIndex := make(map[int64]*models.ASRSegment, len(pctx.Segments))
	for _, seg := range pctx.Segments {
		segmentsByIndex[seg.SegmentIndex] = seg
	}

	corrections := make(map[int64]string)
	var mu sync.Mutex
	done := 0
	failed := 0
	total := len(pctx.MergedChunks)
	service := pipeline.TrackerService(profile)
	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for _, chunk := range pctx.MergedChunks {
		g.Go(func() error {
			release, err := deps.Tracker.Acquire(gctx, service)
			if err != nil {
				return err
			}
			defer release()

			callStart := time.Now()
			items, usage, cerr := r.correctChunk(gctx, deps.Logger, provider, chunk, segmentsByIndex)
			callLatency := time.Since(callStart)
			if usage != nil {
				rep.AddTokens(usage.InputTokens, usage.OutputTokens)
			}

			mu.Lock()
			defer mu.Unlock()
			done++
			if cerr != nil {
				// Context failures abort the stage; per-window LLM failures
				// only lose that window's corrections.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed++
				deps.Health.ReportError(gctx, profile, callLatency, cerr)
				deps.Logger.Warn("correction window failed",
					slog.String("project_id", project.ID.String()),
					slog.Int("region_id", chunk.RegionID),
					slog.Int("chunk_id", chunk.ChunkID),
					slog.String("error", cerr.Error()))
			} else {
				deps.Health.ReportSuccess(gctx, profile, callLatency)
				for _, item := range items {
					seg, ok := segmentsByIndex[item.ID]
					if !ok {
						// Model hallucinated an id outside this window's range.
						continue
					}
					text := strings.TrimSpace(item.Text)
					if text != "" && text != seg.Text {
						corrections[item.ID] = text
					}
				}
			}

			metrics := map[string]any{
				"items_processed": done,
				"items_total":     total,
				"items_failed":    failed,
			}
			if elapsed := time.Since(started).Seconds(); elapsed > 0 {
				metrics["items_per_second"] = float64(done) / elapsed
			}
			if snap, ok := deps.Tracker.Snapshot(service); ok {
				metrics["active_tasks"] = snap.Active
				metrics["max_concurrent"] = snap.Limit
			}
			rep.ReportMetrics(gctx, done*90/max(total, 1), "proofreading transcript", metrics)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(corrections) > 0 {
		if err := deps.Repos.ASRSegments.UpdateCorrectedTexts(ctx, project.ID, corrections); err != nil {
			return nil, fmt.Errorf("persisting corrections: %w", err)
		}
		for idx, text := range corrections {
			if seg, ok := segmentsByIndex[idx]; ok {
				seg.CorrectedText = text
			}
		}
		pctx.Transcript = joinTranscript(pctx.Segments)
	}

	rep.ReportMetrics(ctx, 95, "corrections applied", map[string]any{
		"corrections":    len(corrections),
		"windows_failed": failed,
	})
	return map[string]string{}, nil
}

// correctChunk sends one merged window to the model and decodes its reply.
func (r *CorrectionRunner) correctChunk(ctx context.Context, logger *slog.Logger, provider llm.Provider, chunk *models.ASRMergedChunk, segments map[int64]*models.ASRSegment) ([]correctionItem, *llm.Usage, error) {
	var sb strings.Builder
	sb.WriteString("Window text:\n")
	sb.WriteString(chunk.Text)
	sb.WriteString("\n\nSegments:\n")
	for _, id := range chunk.SegmentIDs {
		seg, ok := segments[id]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "[%d] %s\n", id, seg.Text)
	}

	resp, err := llm.CompleteWithRetry(ctx, provider, llm.Request{
		System: correctionSystemPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: sb.String()},
		},
		Temperature: 0.1,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	var items []correctionItem
	if err := llm.DecodeInto(resp.Text, &items); err != nil {
		return nil, &resp.Usage, fmt.Errorf("decoding correction reply: %w", err)
	}
	return items, &resp.Usage, nil
}

// Hydrate is a no-op: corrections live on the ASR segments, which the ASR
// runner's hydration already loads.
func (r *CorrectionRunner) Hydrate(ctx context.Context, deps *pipeline.Deps, project *models.Project, pctx *pipeline.ExecContext) error {
	return nil
}

func (r *CorrectionRunner) Reset(ctx context.Context, deps *pipeline.Deps, projectID models.ULID) error {
	return deps.Repos.ASRSegments.ClearCorrectedTexts(ctx, projectID)
}
