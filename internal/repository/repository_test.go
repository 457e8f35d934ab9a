package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subflowhq/subflow/internal/database"
	"github.com/subflowhq/subflow/internal/models"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(database.NewTest(t))
}

func seedProject(t *testing.T, r *Registry) *models.Project {
	t.Helper()
	project := &models.Project{
		Name:           "demo",
		MediaURL:       "file:///tmp/demo.mp4",
		TargetLanguage: "zh",
	}
	require.NoError(t, r.Projects.Create(context.Background(), project))
	return project
}

func TestProjectGetByIDNotFound(t *testing.T) {
	r := testRegistry(t)

	got, err := r.Projects.GetByID(context.Background(), models.NewULID())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestProjectUpdateStatusKeepsStage(t *testing.T) {
	r := testRegistry(t)
	project := seedProject(t, r)
	ctx := context.Background()

	require.NoError(t, r.Projects.UpdateStatus(ctx, project.ID, models.ProjectStatusProcessing, 3, ""))
	require.NoError(t, r.Projects.UpdateStatus(ctx, project.ID, models.ProjectStatusPaused, -1, ""))

	got, err := r.Projects.GetByID(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusPaused, got.Status)
	assert.Equal(t, 3, got.CurrentStage)
}

func TestProjectFindStaleProcessing(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	stuck := seedProject(t, r)
	require.NoError(t, r.Projects.UpdateStatus(ctx, stuck.ID, models.ProjectStatusProcessing, 1, ""))
	healthy := seedProject(t, r)
	require.NoError(t, r.Projects.UpdateStatus(ctx, healthy.ID, models.ProjectStatusCompleted, 5, ""))
	time.Sleep(5 * time.Millisecond)

	stale, err := r.Projects.FindStaleProcessing(ctx, time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, stuck.ID, stale[0].ID)

	// A recent update takes the project out of the stale set.
	stale, err = r.Projects.FindStaleProcessing(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestProjectDeleteCascades(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	project := seedProject(t, r)

	require.NoError(t, r.ASRSegments.BulkInsert(ctx, []*models.ASRSegment{
		{ProjectID: project.ID, SegmentIndex: 0, Start: 0, End: 1, Text: "hi"},
	}))
	_, err := r.StageRuns.MarkRunning(ctx, project.ID, models.StageASR)
	require.NoError(t, err)

	require.NoError(t, r.Projects.Delete(ctx, project.ID))

	got, err := r.Projects.GetByID(ctx, project.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	segs, err := r.ASRSegments.GetByProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Empty(t, segs)
	runs, err := r.StageRuns.ListByProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestProjectDeleteReleasesBlobReferences(t *testing.T) {
	db := database.NewTest(t)
	r := NewRegistry(db)
	ctx := context.Background()
	project := seedProject(t, r)

	shared := &models.FileBlob{Hash: "aa11", Size: 10, RefCount: 2}
	owned := &models.FileBlob{Hash: "bb22", Size: 20, RefCount: 1}
	require.NoError(t, db.Create(shared).Error)
	require.NoError(t, db.Create(owned).Error)
	require.NoError(t, db.Create(&models.ProjectFile{
		ProjectID: project.ID, FileType: models.ProjectFileInputVideo, BlobHash: shared.Hash,
	}).Error)
	require.NoError(t, db.Create(&models.ProjectFile{
		ProjectID: project.ID, FileType: models.ProjectFileAudio, BlobHash: owned.Hash,
	}).Error)

	require.NoError(t, r.Projects.Delete(ctx, project.ID))

	var files int64
	require.NoError(t, db.Model(&models.ProjectFile{}).Where("project_id = ?", project.ID).Count(&files).Error)
	assert.Zero(t, files)

	var sharedBlob models.FileBlob
	require.NoError(t, db.Where("hash = ?", shared.Hash).First(&sharedBlob).Error)
	assert.Equal(t, 1, sharedBlob.RefCount)
	var ownedBlob models.FileBlob
	require.NoError(t, db.Where("hash = ?", owned.Hash).First(&ownedBlob).Error)
	assert.Equal(t, 0, ownedBlob.RefCount)
}

func TestStageRunLifecycle(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	project := seedProject(t, r)

	run, err := r.StageRuns.MarkRunning(ctx, project.ID, models.StageVAD)
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusRunning, run.Status)
	require.NotNil(t, run.StartedAt)

	require.NoError(t, r.StageRuns.SetProgress(ctx, project.ID, models.StageVAD, 40, "detecting", map[string]any{"regions": 7}))
	require.NoError(t, r.StageRuns.MarkCompleted(ctx, project.ID, models.StageVAD, map[string]string{
		"vad_regions.json": "projects/x/vad/vad_regions.json",
	}))

	got, err := r.StageRuns.Get(ctx, project.ID, models.StageVAD)
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Contains(t, got.OutputArtifacts, "vad_regions.json")
	assert.EqualValues(t, 7, got.Metadata["regions"])
	require.NotNil(t, got.CompletedAt)
}

func TestStageRunFailAndReset(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	project := seedProject(t, r)

	_, err := r.StageRuns.MarkRunning(ctx, project.ID, models.StageASR)
	require.NoError(t, err)
	require.NoError(t, r.StageRuns.MarkFailed(ctx, project.ID, models.StageASR, "ASR_FAILED", "backend down"))

	got, err := r.StageRuns.Get(ctx, project.ID, models.StageASR)
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusFailed, got.Status)
	assert.Equal(t, "ASR_FAILED", got.ErrorCode)

	require.NoError(t, r.StageRuns.ResetToPending(ctx, project.ID, models.StageASR))
	got, err = r.StageRuns.Get(ctx, project.ID, models.StageASR)
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusPending, got.Status)
	assert.Empty(t, got.ErrorCode)
	assert.Zero(t, got.Progress)
}

func TestASRSegmentCorrections(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	project := seedProject(t, r)

	require.NoError(t, r.ASRSegments.BulkInsert(ctx, []*models.ASRSegment{
		{ProjectID: project.ID, SegmentIndex: 0, Start: 0, End: 1, Text: "helo"},
		{ProjectID: project.ID, SegmentIndex: 1, Start: 1, End: 2, Text: "world"},
	}))

	require.NoError(t, r.ASRSegments.UpdateCorrectedTexts(ctx, project.ID, map[int64]string{0: "hello"}))

	corrected, err := r.ASRSegments.GetCorrectedMap(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{0: "hello"}, corrected)

	require.NoError(t, r.ASRSegments.ClearCorrectedTexts(ctx, project.ID))
	corrected, err = r.ASRSegments.GetCorrectedMap(ctx, project.ID)
	require.NoError(t, err)
	assert.Empty(t, corrected)
}

func TestASRSegmentTimeRangeQuery(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	project := seedProject(t, r)

	require.NoError(t, r.ASRSegments.BulkInsert(ctx, []*models.ASRSegment{
		{ProjectID: project.ID, SegmentIndex: 0, Start: 0, End: 2, Text: "a"},
		{ProjectID: project.ID, SegmentIndex: 1, Start: 2, End: 4, Text: "b"},
		{ProjectID: project.ID, SegmentIndex: 2, Start: 10, End: 12, Text: "c"},
	}))

	segs, err := r.ASRSegments.GetByTimeRange(ctx, project.ID, 1, 5)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.EqualValues(t, 0, segs[0].SegmentIndex)
	assert.EqualValues(t, 1, segs[1].SegmentIndex)
}

func TestSemanticChunkChildrenRoundTrip(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	project := seedProject(t, r)

	chunks := []*models.SemanticChunk{
		{
			ProjectID:   project.ID,
			ChunkIndex:  0,
			SourceText:  "hello world",
			Translation: "你好世界",
			SegmentIDs:  models.Int64List{0, 1},
			TranslationChunks: []*models.TranslationChunk{
				{Position: 0, SegmentID: 0, Text: "你好"},
				{Position: 1, SegmentID: 1, Text: "世界"},
			},
		},
	}
	require.NoError(t, r.SemanticChunks.BulkInsert(ctx, chunks))

	got, err := r.SemanticChunks.GetByProject(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[0].TranslationChunks, 2)
	assert.Equal(t, "你好", got[0].TranslationChunks[0].Text)
	assert.EqualValues(t, 1, got[0].TranslationChunks[1].SegmentID)
}

func TestGlobalContextUpsert(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	project := seedProject(t, r)

	require.NoError(t, r.GlobalContexts.Save(ctx, &models.GlobalContext{
		ProjectID: project.ID,
		Topic:     "cooking show",
	}))
	require.NoError(t, r.GlobalContexts.Save(ctx, &models.GlobalContext{
		ProjectID: project.ID,
		Topic:     "baking show",
	}))

	got, err := r.GlobalContexts.GetByProject(ctx, project.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "baking show", got.Topic)
}

func TestSubtitleExportRows(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	project := seedProject(t, r)

	export := &models.SubtitleExport{
		ProjectID:   project.ID,
		Format:      models.ExportFormatSRT,
		ContentMode: models.ContentModeBoth,
		StorageKey:  "projects/x/exports/subs.srt",
		Source:      models.ExportSourceAuto,
	}
	require.NoError(t, r.SubtitleExports.Create(ctx, export))

	listed, err := r.SubtitleExports.ListByProject(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, models.ExportFormatSRT, listed[0].Format)

	got, err := r.SubtitleExports.GetByID(ctx, export.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, export.StorageKey, got.StorageKey)
}
