package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestLocalStoreSaveLoad(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Save(ctx, "proj1", "vad", "regions.json", []byte(`{"count":3}`))
	require.NoError(t, err)
	assert.Equal(t, "projects/proj1/vad/regions.json", id)

	data, err := store.Load(ctx, "proj1", "vad", "regions.json")
	require.NoError(t, err)
	assert.Equal(t, `{"count":3}`, string(data))
}

func TestLocalStoreLoadMissing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Load(ctx, "proj1", "vad", "missing.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreSaveOverwrite(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Save(ctx, "p", "asr", "transcript.txt", []byte("first"))
	require.NoError(t, err)
	_, err = store.Save(ctx, "p", "asr", "transcript.txt", []byte("second"))
	require.NoError(t, err)

	text, err := LoadText(ctx, store, "p", "asr", "transcript.txt")
	require.NoError(t, err)
	assert.Equal(t, "second", text)
}

func TestLocalStoreSanitizesComponents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Save(ctx, "p", "a/b", "../evil", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "projects/p/a_b/.._evil", id)

	data, err := store.Load(ctx, "p", "a/b", "../evil")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestLocalStoreList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Save(ctx, "p1", "vad", "regions.json", []byte("a"))
	require.NoError(t, err)
	_, err = store.Save(ctx, "p1", "asr", "segments.json", []byte("b"))
	require.NoError(t, err)
	_, err = store.Save(ctx, "p2", "vad", "regions.json", []byte("c"))
	require.NoError(t, err)

	all, err := store.List(ctx, "p1", "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"projects/p1/vad/regions.json",
		"projects/p1/asr/segments.json",
	}, all)

	vadOnly, err := store.List(ctx, "p1", "vad")
	require.NoError(t, err)
	assert.Equal(t, []string{"projects/p1/vad/regions.json"}, vadOnly)

	missing, err := store.List(ctx, "nope", "")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestLocalStoreListProjectIDs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ids, err := store.ListProjectIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = store.Save(ctx, "p1", "vad", "a", []byte("a"))
	require.NoError(t, err)
	_, err = store.Save(ctx, "p2", "vad", "b", []byte("b"))
	require.NoError(t, err)

	ids, err = store.ListProjectIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1", "p2"}, ids)
}

func TestLocalStoreDeleteProject(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Save(ctx, "p1", "vad", "a", []byte("a"))
	require.NoError(t, err)
	_, err = store.Save(ctx, "p1", "asr", "b", []byte("b"))
	require.NoError(t, err)
	_, err = store.Save(ctx, "p2", "vad", "c", []byte("c"))
	require.NoError(t, err)

	count, err := store.DeleteProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = store.Load(ctx, "p1", "vad", "a")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Load(ctx, "p2", "vad", "c")
	assert.NoError(t, err)
}

func TestSaveLoadJSON(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	type payload struct {
		Name  string  `json:"name"`
		Start float64 `json:"start"`
	}
	in := payload{Name: "早上好", Start: 1.5}

	_, err := SaveJSON(ctx, store, "p", "stage1", "meta.json", in)
	require.NoError(t, err)

	raw, err := store.Load(ctx, "p", "stage1", "meta.json")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "早上好")

	var out payload
	require.NoError(t, LoadJSON(ctx, store, "p", "stage1", "meta.json", &out))
	assert.Equal(t, in, out)
}
