package blobstore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subflowhq/subflow/internal/database"
	"github.com/subflowhq/subflow/internal/models"
)

func newTestStore(t *testing.T) (*Store, *database.DB) {
	t.Helper()
	db := database.NewTest(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := New(t.TempDir(), db, log)
	require.NoError(t, err)
	return store, db
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func getBlob(t *testing.T, db *database.DB, hash string) *models.FileBlob {
	t.Helper()
	var blob models.FileBlob
	require.NoError(t, db.Where("hash = ?", hash).First(&blob).Error)
	return &blob
}

func TestIngestFileStoresAndRefCounts(t *testing.T) {
	ctx := context.Background()
	store, db := newTestStore(t)
	projectID := models.NewULID()

	src := writeTempFile(t, "media bytes")
	hash, err := store.IngestFile(ctx, projectID, models.ProjectFileInputVideo, src, "video/mp4")
	require.NoError(t, err)
	require.Len(t, hash, 64)

	data, err := os.ReadFile(store.Path(hash))
	require.NoError(t, err)
	assert.Equal(t, "media bytes", string(data))

	blob := getBlob(t, db, hash)
	assert.Equal(t, 1, blob.RefCount)
	assert.Equal(t, int64(len("media bytes")), blob.Size)
	assert.Equal(t, "video/mp4", blob.MIME)

	bound, err := store.GetProjectFile(ctx, projectID, models.ProjectFileInputVideo)
	require.NoError(t, err)
	assert.Equal(t, hash, bound)
}

func TestIngestFileSharedAcrossProjects(t *testing.T) {
	ctx := context.Background()
	store, db := newTestStore(t)

	src := writeTempFile(t, "shared media")
	h1, err := store.IngestFile(ctx, models.NewULID(), models.ProjectFileInputVideo, src, "")
	require.NoError(t, err)
	h2, err := store.IngestFile(ctx, models.NewULID(), models.ProjectFileInputVideo, src, "")
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, 2, getBlob(t, db, h1).RefCount)
}

func TestIngestFileIdempotentPerSlot(t *testing.T) {
	ctx := context.Background()
	store, db := newTestStore(t)
	projectID := models.NewULID()

	src := writeTempFile(t, "same content")
	h1, err := store.IngestFile(ctx, projectID, models.ProjectFileAudio, src, "")
	require.NoError(t, err)
	h2, err := store.IngestFile(ctx, projectID, models.ProjectFileAudio, src, "")
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, getBlob(t, db, h1).RefCount)
}

func TestIngestFileRebindReleasesOldBlob(t *testing.T) {
	ctx := context.Background()
	store, db := newTestStore(t)
	projectID := models.NewULID()

	first := writeTempFile(t, "first version")
	h1, err := store.IngestFile(ctx, projectID, models.ProjectFileAudio, first, "")
	require.NoError(t, err)

	second := filepath.Join(t.TempDir(), "second.bin")
	require.NoError(t, os.WriteFile(second, []byte("second version"), 0o644))
	h2, err := store.IngestFile(ctx, projectID, models.ProjectFileAudio, second, "")
	require.NoError(t, err)

	require.NotEqual(t, h1, h2)
	assert.Equal(t, 0, getBlob(t, db, h1).RefCount)
	assert.Equal(t, 1, getBlob(t, db, h2).RefCount)
}

func TestIngestFileMetadataFailureStillReturnsHash(t *testing.T) {
	ctx := context.Background()
	store, db := newTestStore(t)
	projectID := models.NewULID()

	src := writeTempFile(t, "survives metadata outage")
	want, _, err := HashFile(src)
	require.NoError(t, err)

	sqlDB, err := db.DB.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	hash, err := store.IngestFile(ctx, projectID, models.ProjectFileInputVideo, src, "")
	require.NoError(t, err)
	assert.Equal(t, want, hash)

	// The blob itself made it to disk even though no rows were written.
	data, err := os.ReadFile(store.Path(hash))
	require.NoError(t, err)
	assert.Equal(t, "survives metadata outage", string(data))
}

func TestReleaseProject(t *testing.T) {
	ctx := context.Background()
	store, db := newTestStore(t)
	projectID := models.NewULID()

	src := writeTempFile(t, "release me")
	hash, err := store.IngestFile(ctx, projectID, models.ProjectFileInputVideo, src, "")
	require.NoError(t, err)

	require.NoError(t, store.ReleaseProject(ctx, projectID))

	assert.Equal(t, 0, getBlob(t, db, hash).RefCount)
	bound, err := store.GetProjectFile(ctx, projectID, models.ProjectFileInputVideo)
	require.NoError(t, err)
	assert.Empty(t, bound)

	// File stays until GC runs.
	_, err = os.Stat(store.Path(hash))
	assert.NoError(t, err)
}

func TestGCUnreferenced(t *testing.T) {
	ctx := context.Background()
	store, db := newTestStore(t)
	p1, p2 := models.NewULID(), models.NewULID()

	kept := writeTempFile(t, "still referenced")
	keptHash, err := store.IngestFile(ctx, p1, models.ProjectFileInputVideo, kept, "")
	require.NoError(t, err)

	orphan := filepath.Join(t.TempDir(), "orphan.bin")
	require.NoError(t, os.WriteFile(orphan, []byte("orphaned"), 0o644))
	orphanHash, err := store.IngestFile(ctx, p2, models.ProjectFileInputVideo, orphan, "")
	require.NoError(t, err)
	require.NoError(t, store.ReleaseProject(ctx, p2))

	deleted, freed, err := store.GCUnreferenced(ctx, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, int64(len("orphaned")), freed)

	_, err = os.Stat(store.Path(orphanHash))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(store.Path(keptHash))
	assert.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&models.FileBlob{}).Where("hash = ?", orphanHash).Count(&count).Error)
	assert.Zero(t, count)
}

func TestGCUnreferencedDryRun(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	projectID := models.NewULID()

	src := writeTempFile(t, "dry run target")
	hash, err := store.IngestFile(ctx, projectID, models.ProjectFileInputVideo, src, "")
	require.NoError(t, err)
	require.NoError(t, store.ReleaseProject(ctx, projectID))

	deleted, freed, err := store.GCUnreferenced(ctx, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, int64(len("dry run target")), freed)

	_, err = os.Stat(store.Path(hash))
	assert.NoError(t, err)
}

func TestDerivedCache(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	projectID := models.NewULID()

	src := writeTempFile(t, "source media")
	srcHash, err := store.IngestFile(ctx, projectID, models.ProjectFileInputVideo, src, "")
	require.NoError(t, err)

	derivedFile := filepath.Join(t.TempDir(), "vocals.wav")
	require.NoError(t, os.WriteFile(derivedFile, []byte("vocals"), 0o644))
	dstHash, err := store.IngestFile(ctx, projectID, models.ProjectFileVocals, derivedFile, "")
	require.NoError(t, err)

	params := map[string]any{"model": "htdemucs", "stem": "vocals"}

	hit, err := store.Derived(ctx, "demucs_vocals", srcHash, params)
	require.NoError(t, err)
	assert.Empty(t, hit)

	require.NoError(t, store.SetDerived(ctx, "demucs_vocals", srcHash, params, dstHash))

	hit, err = store.Derived(ctx, "demucs_vocals", srcHash, params)
	require.NoError(t, err)
	assert.Equal(t, dstHash, hit)

	// Different params miss.
	hit, err = store.Derived(ctx, "demucs_vocals", srcHash, map[string]any{"model": "other", "stem": "vocals"})
	require.NoError(t, err)
	assert.Empty(t, hit)
}

func TestDerivedMissingFileIsCacheMiss(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.SetDerived(ctx, "demucs_vocals", "aa11", nil, "bb22bb22bb22"))
	hit, err := store.Derived(ctx, "demucs_vocals", "aa11", nil)
	require.NoError(t, err)
	assert.Empty(t, hit)
}

func TestHashFile(t *testing.T) {
	path := writeTempFile(t, "hello")
	hash, size, err := HashFile(path)
	require.NoError(t, err)
	// sha256("hello")
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", hash)
	assert.Equal(t, int64(5), size)
}
