package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/subflowhq/subflow/internal/artifact"
	"github.com/subflowhq/subflow/internal/llm"
	"github.com/subflowhq/subflow/internal/models"
	"github.com/subflowhq/subflow/internal/pipeline"
	"github.com/subflowhq/subflow/internal/progress"
)

const (
	windowSizeInitial = 6
	windowSizeMax     = 15
	parseRetries      = 3
)

const globalContextSystemPrompt = `You analyze a media transcript before it is
translated. Return ONLY a JSON object:
{"topic": "...", "domain": "...", "style": "...",
 "glossary": {"source term": "target term"},
 "translation_notes": ["..."]}
Topic is one sentence, domain is the subject field, style describes register
and tone. The glossary maps recurring source-language terms to the target
language. Notes are short translator instructions.`

const chunkingSystemPromptTmpl = `You translate subtitles from %s to %s.
You receive a numbered window of consecutive transcript segments. Extract the
FIRST semantically complete translation unit, starting at the first segment.
Return ONLY one of two JSON objects:
{"translation": "<full translation of the unit>",
 "translation_chunks": [{"text": "<slice>", "segment_ids": [<id>]}]}
where the unit covers a prefix of the window, every covered segment id appears
in exactly one chunk, and the chunk texts concatenate to the translation in
target-language word order; OR
{"need_more_context": {"reason": "...", "additional_segments": <int>}}
when the window ends mid-thought. Use the segment ids exactly as numbered.

Context: %s`

// globalContextReply mirrors the Pass A JSON contract.
type globalContextReply struct {
	Topic            string            `json:"topic"`
	Domain           string            `json:"domain"`
	Style            string            `json:"style"`
	Glossary         map[string]string `json:"glossary"`
	TranslationNotes []string          `json:"translation_notes"`
}

// chunkReply mirrors the Pass B JSON contract.
type chunkReply struct {
	Translation       string `json:"translation"`
	TranslationChunks []struct {
		Text       string  `json:"text"`
		SegmentIDs []int64 `json:"segment_ids"`
	} `json:"translation_chunks"`
	NeedMoreContext *struct {
		Reason             string `json:"reason"`
		AdditionalSegments int    `json:"additional_segments"`
	} `json:"need_more_context"`
}

// translateSegmentArgs is the tool-call argument payload used when repairing
// an incomplete per-segment partition.
type translateSegmentArgs struct {
	ID          int64  `json:"id"`
	Translation string `json:"translation"`
}

// SemanticRunner runs the two LLM passes of the final stage: a single
// global-understanding call over the truncated transcript, then a sequential
// sliding-window scan that emits translation units.
type SemanticRunner struct{}

func (r *SemanticRunner) Stage() models.StageName { return models.StageLLM }

func (r *SemanticRunner) Run(ctx context.Context, deps *pipeline.Deps, project *models.Project, pctx *pipeline.ExecContext, rep *progress.Reporter) (map[string]string, error) {
	segments := pctx.Segments
	if limit := deps.Config.LLMLimits.MaxASRSegments; limit > 0 && len(segments) > limit {
		segments = segments[:limit]
	}

	understandingProvider := deps.LLMFor(deps.Config.LLMRouting.GlobalUnderstanding)
	translationProvider := deps.LLMFor(deps.Config.LLMRouting.SemanticTranslation)

	var gc *models.GlobalContext
	var chunks []*models.SemanticChunk
	var err error

	if translationProvider == nil {
		deps.Logger.Info("no LLM profile configured, using 1-to-1 fallback chunking",
			slog.String("project_id", project.ID.String()))
		gc = defaultGlobalContext(project.ID)
		chunks = fallbackChunks(project, segments)
	} else {
		passA := progress.NewScaled(rep, 0, 20)
		gc, err = r.buildGlobalContext(ctx, deps, project, understandingProvider, pctx.Transcript, rep, passA)
		if err != nil {
			return nil, err
		}

		passB := progress.NewScaled(rep, 20, 100)
		chunks, err = r.chunkAndTranslate(ctx, deps, project, translationProvider, gc, segments, rep, passB)
		if err != nil {
			return nil, err
		}
	}

	if err := deps.Repos.GlobalContexts.DeleteByProject(ctx, project.ID); err != nil {
		return nil, err
	}
	if err := deps.Repos.SemanticChunks.DeleteByProject(ctx, project.ID); err != nil {
		return nil, err
	}
	if err := deps.Repos.GlobalContexts.Save(ctx, gc); err != nil {
		return nil, fmt.Errorf("saving global context: %w", err)
	}
	if len(chunks) > 0 {
		if err := deps.Repos.SemanticChunks.BulkInsert(ctx, chunks); err != nil {
			return nil, fmt.Errorf("saving semantic chunks: %w", err)
		}
	}
	pctx.GlobalContext = gc
	pctx.SemanticChunks = chunks

	artifacts := map[string]string{}
	id, err := artifact.SaveJSON(ctx, deps.Artifacts, project.ID.String(), r.Stage().String(), artifactContext, gc)
	if err != nil {
		return nil, fmt.Errorf("saving context artifact: %w", err)
	}
	artifacts[artifactContext] = id

	id, err = artifact.SaveJSON(ctx, deps.Artifacts, project.ID.String(), r.Stage().String(), artifactChunks, chunks)
	if err != nil {
		return nil, fmt.Errorf("saving chunks artifact: %w", err)
	}
	artifacts[artifactChunks] = id

	rep.ReportMetrics(ctx, 100, "semantic chunking finished", map[string]any{
		"semantic_chunks": len(chunks),
	})
	return artifacts, nil
}

// buildGlobalContext runs Pass A: one call over the truncated transcript,
// with parse-failure re-prompting.
func (r *SemanticRunner) buildGlobalContext(ctx context.Context, deps *pipeline.Deps, project *models.Project, provider llm.Provider, transcript string, rep *progress.Reporter, scaled *progress.Scaled) (*models.GlobalContext, error) {
	profile := deps.Config.LLMRouting.GlobalUnderstanding
	if provider == nil {
		return defaultGlobalContext(project.ID), nil
	}

	budget := deps.Config.LLMLimits.ContextTokenBudget
	if budget <= 0 {
		budget = 6000
	}
	sampled := sampleTranscript(transcript, budget)
	scaled.Report(ctx, 10, "building global context")

	messages := []llm.Message{
		{Role: llm.RoleUser, Content: "Transcript:\n" + sampled},
	}

	var lastErr error
	for attempt := 0; attempt < parseRetries; attempt++ {
		release, err := deps.Tracker.Acquire(ctx, pipeline.TrackerService(profile))
		if err != nil {
			return nil, err
		}
		callStart := time.Now()
		resp, err := llm.CompleteWithRetry(ctx, provider, llm.Request{
			System:      globalContextSystemPrompt,
			Messages:    messages,
			Temperature: 0.2,
		}, deps.Logger)
		release()
		if err != nil {
			deps.Health.ReportError(ctx, profile, time.Since(callStart), err)
			return nil, pipeline.NewStageError(models.StageLLM, project.ID, pipeline.CodeLLMFailed,
				fmt.Errorf("global understanding call failed: %w", err))
		}
		deps.Health.ReportSuccess(ctx, profile, time.Since(callStart))
		rep.AddTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens)

		var reply globalContextReply
		if perr := llm.DecodeInto(resp.Text, &reply); perr != nil {
			lastErr = perr
			messages = append(messages,
				llm.Message{Role: llm.RoleAssistant, Content: resp.Text},
				llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf("Your reply was not valid JSON (%v). Return only the JSON object.", perr)},
			)
			continue
		}

		scaled.Report(ctx, 100, "global context ready")
		return replyToGlobalContext(project.ID, reply), nil
	}

	deps.Logger.Warn("global understanding unparseable after retries, using defaults",
		slog.String("project_id", project.ID.String()),
		slog.String("error", lastErr.Error()))
	return defaultGlobalContext(project.ID), nil
}

// chunkAndTranslate runs Pass B: the sequential sliding-window scan.
func (r *SemanticRunner) chunkAndTranslate(ctx context.Context, deps *pipeline.Deps, project *models.Project, provider llm.Provider, gc *models.GlobalContext, segments []*models.ASRSegment, rep *progress.Reporter, scaled *progress.Scaled) ([]*models.SemanticChunk, error) {
	if len(segments) == 0 {
		return nil, nil
	}

	profile := deps.Config.LLMRouting.SemanticTranslation
	system := fmt.Sprintf(chunkingSystemPromptTmpl,
		languageOrAuto(project.SourceLanguage), project.TargetLanguage, contextSummary(gc))

	var chunks []*models.SemanticChunk
	cursor := 0
	windowSize := windowSizeInitial
	forcedEmit := false
	maxRounds := len(segments) * 3

	for round := 0; cursor < len(segments); round++ {
		if round >= maxRounds {
			return nil, &pipeline.StageExecutionError{
				Stage:     models.StageLLM,
				ProjectID: project.ID,
				Code:      pipeline.CodeLLMWindowStalled,
				Message:   fmt.Sprintf("chunking made no progress after %d rounds at segment %d", round, cursor),
			}
		}

		end := min(cursor+windowSize, len(segments))
		window := segments[cursor:end]

		reply, err := r.callWindow(ctx, deps, provider, profile, system, window, forcedEmit, rep)
		if err != nil {
			return nil, pipeline.NewStageError(models.StageLLM, project.ID, pipeline.CodeLLMFailed,
				fmt.Errorf("translation call failed at segment %d: %w", cursor, err))
		}

		if reply.NeedMoreContext != nil {
			atCap := windowSize >= windowSizeMax || end == len(segments)
			if !atCap {
				grow := reply.NeedMoreContext.AdditionalSegments
				if grow < 1 {
					grow = 1
				}
				windowSize = min(windowSize+grow, windowSizeMax)
				continue
			}
			if !forcedEmit {
				forcedEmit = true
				continue
			}
			return nil, &pipeline.StageExecutionError{
				Stage:     models.StageLLM,
				ProjectID: project.ID,
				Code:      pipeline.CodeLLMWindowStalled,
				Message:   fmt.Sprintf("model refused to emit a unit at segment %d with the window at its cap", cursor),
			}
		}
		forcedEmit = false

		covered, order, slices, ok := normalizeReply(reply, window)
		if !ok {
			// Invalid coverage counts as no progress: emit the cursor
			// segment alone so the scan always moves forward.
			deps.Logger.Warn("discarding malformed translation unit",
				slog.String("project_id", project.ID.String()),
				slog.Int("cursor", cursor))
			chunks = append(chunks, fallbackChunk(project, segments[cursor], len(chunks)))
			cursor++
			windowSize = windowSizeInitial
			continue
		}

		retryStatus := ""
		if hasEmptySlices(covered, slices) {
			// Slices came back empty for some segments; repair them with
			// a per-segment tool-call batch.
			slices, retryStatus = r.repairSlices(ctx, deps, provider, profile, project, covered, segments, reply.Translation, slices, rep)
		}

		chunk := &models.SemanticChunk{
			ProjectID:   project.ID,
			ChunkIndex:  len(chunks),
			SourceText:  joinTranscript(segmentsByIDs(segments, covered)),
			Translation: reply.Translation,
			SegmentIDs:  models.Int64List(covered),
		}
		for pos, id := range order {
			chunk.TranslationChunks = append(chunk.TranslationChunks, &models.TranslationChunk{
				Position:  pos,
				SegmentID: id,
				Text:      slices[id],
			})
		}
		chunks = append(chunks, chunk)

		cursor = int(covered[len(covered)-1]-segments[0].SegmentIndex) + 1
		windowSize = windowSizeInitial

		metrics := map[string]any{
			"items_processed": cursor,
			"items_total":     len(segments),
			"semantic_chunks": len(chunks),
		}
		if retryStatus != "" {
			metrics["retry_status"] = retryStatus
		}
		scaled.ReportMetrics(ctx, cursor*100/len(segments), "translating", metrics)
	}
	return chunks, nil
}

// hasEmptySlices reports whether any covered segment got no slice text.
func hasEmptySlices(covered []int64, slices map[int64]string) bool {
	for _, id := range covered {
		if slices[id] == "" {
			return true
		}
	}
	return false
}

// callWindow issues one Pass B call for the given window.
func (r *SemanticRunner) callWindow(ctx context.Context, deps *pipeline.Deps, provider llm.Provider, profile, system string, window []*models.ASRSegment, forcedEmit bool, rep *progress.Reporter) (*chunkReply, error) {
	var sb strings.Builder
	for _, seg := range window {
		fmt.Fprintf(&sb, "[%d] %s\n", seg.SegmentIndex, seg.EffectiveText())
	}
	if forcedEmit {
		sb.WriteString("\nThe window cannot grow further. You MUST emit a translation unit now, even if it feels incomplete.")
	}

	release, err := deps.Tracker.Acquire(ctx, pipeline.TrackerService(profile))
	if err != nil {
		return nil, err
	}
	defer release()

	callStart := time.Now()
	resp, err := llm.CompleteWithRetry(ctx, provider, llm.Request{
		System:      system,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
		Temperature: 0.3,
	}, deps.Logger)
	if err != nil {
		deps.Health.ReportError(ctx, profile, time.Since(callStart), err)
		return nil, err
	}
	deps.Health.ReportSuccess(ctx, profile, time.Since(callStart))
	rep.AddTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var reply chunkReply
	if err := llm.DecodeInto(resp.Text, &reply); err != nil {
		return nil, fmt.Errorf("decoding chunking reply: %w", err)
	}
	return &reply, nil
}

// normalizeReply validates a translation unit against its window. It returns
// the covered ids in ascending order, the ids in the reply's slice order
// (target-language word order), and a segment id -> slice text map.
// Window-relative ids (0-based) are shifted to absolute ones.
func normalizeReply(reply *chunkReply, window []*models.ASRSegment) (covered, order []int64, slices map[int64]string, ok bool) {
	if reply.Translation == "" || len(reply.TranslationChunks) == 0 {
		return nil, nil, nil, false
	}

	base := window[0].SegmentIndex
	inWindow := make(map[int64]bool, len(window))
	for _, seg := range window {
		inWindow[seg.SegmentIndex] = true
	}

	// Ids below the window base can only be window-relative.
	relative := false
	for _, tc := range reply.TranslationChunks {
		for _, id := range tc.SegmentIDs {
			if id < base {
				relative = true
			}
		}
	}

	slices = make(map[int64]string)
	for _, tc := range reply.TranslationChunks {
		for _, id := range tc.SegmentIDs {
			if relative {
				id += base
			}
			if !inWindow[id] {
				return nil, nil, nil, false
			}
			if _, dup := slices[id]; dup {
				return nil, nil, nil, false
			}
			slices[id] = tc.Text
			order = append(order, id)
		}
	}
	if len(order) == 0 {
		return nil, nil, nil, false
	}

	// The covered set must be the window prefix starting at the cursor,
	// regardless of the target-language slice order.
	covered = append(covered, order...)
	sort.Slice(covered, func(i, j int) bool { return covered[i] < covered[j] })
	for i, id := range covered {
		if id != base+int64(i) {
			return nil, nil, nil, false
		}
	}
	return covered, order, slices, true
}

// repairSlices fills in per-segment translation slices the model left empty
// via a bounded translate_segment tool-call batch. The batch halves and
// retries once on a partial response; segments still missing after that fall
// back to the unit translation. The returned status is one of retrying,
// recovered or failed.
func (r *SemanticRunner) repairSlices(ctx context.Context, deps *pipeline.Deps, provider llm.Provider, profile string, project *models.Project, covered []int64, segments []*models.ASRSegment, translation string, slices map[int64]string, rep *progress.Reporter) (map[int64]string, string) {
	var missing []int64
	for _, id := range covered {
		if slices[id] == "" {
			missing = append(missing, id)
		}
	}

	status := "retrying"
	batch := missing
	for attempt := 0; attempt < 2 && len(batch) > 0; attempt++ {
		got := r.translateBatch(ctx, deps, provider, profile, project, batch, segments, translation, rep)
		for id, text := range got {
			slices[id] = text
		}
		var still []int64
		for _, id := range batch {
			if slices[id] == "" {
				still = append(still, id)
			}
		}
		if len(still) == 0 {
			status = "recovered"
			break
		}
		// Partial response: halve the batch and retry once.
		batch = still[:max(len(still)/2, 1)]
	}

	unresolved := false
	for _, id := range covered {
		if slices[id] == "" {
			slices[id] = translation
			unresolved = true
		}
	}
	if unresolved {
		status = "failed"
	}
	return slices, status
}

// translateBatch asks for one translate_segment tool call per requested id.
// Unparseable or unrequested calls are skipped.
func (r *SemanticRunner) translateBatch(ctx context.Context, deps *pipeline.Deps, provider llm.Provider, profile string, project *models.Project, ids []int64, segments []*models.ASRSegment, translation string, rep *progress.Reporter) map[int64]string {
	wanted := make(map[int64]bool, len(ids))
	var sb strings.Builder
	fmt.Fprintf(&sb, "Full unit translation:\n%s\n\nSegments to slice:\n", translation)
	for _, id := range ids {
		wanted[id] = true
		for _, seg := range segmentsByIDs(segments, []int64{id}) {
			fmt.Fprintf(&sb, "[%d] %s\n", id, seg.EffectiveText())
		}
	}

	release, err := deps.Tracker.Acquire(ctx, pipeline.TrackerService(profile))
	if err != nil {
		return nil
	}
	defer release()

	callStart := time.Now()
	resp, err := llm.CompleteWithRetry(ctx, provider, llm.Request{
		System: fmt.Sprintf("You slice a %s subtitle translation across its source segments. Call translate_segment once per listed segment id with that segment's share of the translation, in target-language word order.", project.TargetLanguage),
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: sb.String()},
		},
		Tools: []llm.Tool{{
			Name:        "translate_segment",
			Description: "Record the translation slice for one segment.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":          map[string]any{"type": "integer"},
					"translation": map[string]any{"type": "string"},
				},
				"required": []string{"id", "translation"},
			},
		}},
		ForceTool:   "translate_segment",
		Temperature: 0.3,
	}, deps.Logger)
	if err != nil {
		deps.Health.ReportError(ctx, profile, time.Since(callStart), err)
		return nil
	}
	deps.Health.ReportSuccess(ctx, profile, time.Since(callStart))
	rep.AddTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	out := make(map[int64]string)
	for _, call := range resp.ToolCalls {
		if call.Name != "translate_segment" {
			continue
		}
		var args translateSegmentArgs
		if err := llm.DecodeInto(string(call.Arguments), &args); err != nil {
			// Truncated or malformed arguments lose one slice, not the batch.
			continue
		}
		if wanted[args.ID] && args.Translation != "" {
			out[args.ID] = args.Translation
		}
	}
	return out
}

// sampleTranscript truncates to roughly the token budget using head, middle
// and tail samples separated by ellipsis markers.
func sampleTranscript(transcript string, budget int) string {
	if llm.EstimateTokens(transcript) <= budget {
		return transcript
	}
	words := strings.Fields(transcript)
	part := budget / 3

	take := func(from int) string {
		section := words[from:]
		n := llm.TruncateByTokens(section, part)
		return strings.Join(section[:n], " ")
	}
	head := take(0)
	middle := take(len(words) / 2)
	tail := tailWords(words, part)
	return head + "\n[...]\n" + middle + "\n[...]\n" + tail
}

// tailWords returns the longest suffix fitting the token budget.
func tailWords(words []string, budget int) string {
	total := 0
	for i := len(words) - 1; i >= 0; i-- {
		total += llm.EstimateTokens(words[i])
		if total > budget {
			return strings.Join(words[i+1:], " ")
		}
	}
	return strings.Join(words, " ")
}

func replyToGlobalContext(projectID models.ULID, reply globalContextReply) *models.GlobalContext {
	gc := &models.GlobalContext{
		ProjectID:        projectID,
		Topic:            reply.Topic,
		Domain:           reply.Domain,
		Style:            reply.Style,
		Glossary:         models.StringMap(reply.Glossary),
		TranslationNotes: models.StringList(reply.TranslationNotes),
	}
	if gc.Topic == "" {
		gc.Topic = "unknown"
	}
	if gc.Domain == "" {
		gc.Domain = "unknown"
	}
	if gc.Style == "" {
		gc.Style = "unknown"
	}
	return gc
}

func defaultGlobalContext(projectID models.ULID) *models.GlobalContext {
	return &models.GlobalContext{
		ProjectID: projectID,
		Topic:     "unknown",
		Domain:    "unknown",
		Style:     "unknown",
	}
}

// contextSummary flattens the global context for the chunking system prompt.
func contextSummary(gc *models.GlobalContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "topic: %s; domain: %s; style: %s", gc.Topic, gc.Domain, gc.Style)
	if len(gc.Glossary) > 0 {
		terms, _ := json.Marshal(gc.Glossary)
		fmt.Fprintf(&sb, "; glossary: %s", terms)
	}
	for _, note := range gc.TranslationNotes {
		fmt.Fprintf(&sb, "; note: %s", note)
	}
	return sb.String()
}

// fallbackChunks maps every non-empty segment to its own chunk with a
// placeholder translation.
func fallbackChunks(project *models.Project, segments []*models.ASRSegment) []*models.SemanticChunk {
	var chunks []*models.SemanticChunk
	for _, seg := range segments {
		if seg.EffectiveText() == "" {
			continue
		}
		chunks = append(chunks, fallbackChunk(project, seg, len(chunks)))
	}
	return chunks
}

func fallbackChunk(project *models.Project, seg *models.ASRSegment, index int) *models.SemanticChunk {
	translation := fmt.Sprintf("[%s] %s", project.TargetLanguage, seg.EffectiveText())
	return &models.SemanticChunk{
		ProjectID:   project.ID,
		ChunkIndex:  index,
		SourceText:  seg.EffectiveText(),
		Translation: translation,
		SegmentIDs:  models.Int64List{seg.SegmentIndex},
		TranslationChunks: []*models.TranslationChunk{{
			Position:  0,
			SegmentID: seg.SegmentIndex,
			Text:      translation,
		}},
	}
}

func segmentsByIDs(segments []*models.ASRSegment, ids []int64) []*models.ASRSegment {
	byIndex := make(map[int64]*models.ASRSegment, len(segments))
	for _, seg := range segments {
		byIndex[seg.SegmentIndex] = seg
	}
	out := make([]*models.ASRSegment, 0, len(ids))
	for _, id := range ids {
		if seg, ok := byIndex[id]; ok {
			out = append(out, seg)
		}
	}
	return out
}

func languageOrAuto(lang string) string {
	if lang == "" {
		return "the detected source language"
	}
	return lang
}

func (r *SemanticRunner) Hydrate(ctx context.Context, deps *pipeline.Deps, project *models.Project, pctx *pipeline.ExecContext) error {
	gc, err := deps.Repos.GlobalContexts.GetByProject(ctx, project.ID)
	if err != nil {
		return err
	}
	chunks, err := deps.Repos.SemanticChunks.GetByProject(ctx, project.ID)
	if err != nil {
		return err
	}
	pctx.GlobalContext = gc
	pctx.SemanticChunks = chunks
	return nil
}

func (r *SemanticRunner) Reset(ctx context.Context, deps *pipeline.Deps, projectID models.ULID) error {
	if err := deps.Repos.GlobalContexts.DeleteByProject(ctx, projectID); err != nil {
		return err
	}
	return deps.Repos.SemanticChunks.DeleteByProject(ctx, projectID)
}
