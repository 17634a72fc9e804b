package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(ts ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := ts[i]
		if i < len(ts)-1 {
			i++
		}
		return t
	}
}

func TestFileStoreLoadMissingReturnsEmpty(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "progress.json")).WithClock(fixedClock(t0))

	m, err := store.Load("oracle://legacy/ERP")
	require.NoError(t, err)
	assert.Equal(t, "oracle://legacy/ERP", m.SourceIdentifier)
	assert.Empty(t, m.Entities)
	assert.False(t, m.Enumerated())
	assert.Equal(t, t0, m.CreatedAt)

	_, err = os.Stat(store.Path())
	assert.True(t, os.IsNotExist(err), "load must not create the file")
}

func TestFileStoreSaveRoundTripAndSummary(t *testing.T) {
	t1 := t0.Add(time.Minute)
	store := NewFileStore(filepath.Join(t.TempDir(), "nested", "progress.json")).WithClock(fixedClock(t0, t1))

	m, err := store.Load("src")
	require.NoError(t, err)
	m.AddEntity("A", KindTable)
	m.AddEntity("B", KindView)
	assert.False(t, m.AddEntity("A", KindTable))
	m.Entities[1].Status = StatusSkipped

	require.NoError(t, store.Save(m))
	assert.Equal(t, t1, m.UpdatedAt)
	assert.Equal(t, 2, m.Summary.Total)
	assert.Equal(t, 1, m.Summary.ByStatus[StatusPending])
	assert.Equal(t, 1, m.Summary.Done())

	loaded, err := store.Load("src")
	require.NoError(t, err)
	require.Len(t, loaded.Entities, 2)
	assert.Equal(t, "A", loaded.Entities[0].Name)
	assert.Equal(t, KindView, loaded.Entities[1].Kind)
	assert.Equal(t, 1, loaded.Summary.ByStatus[StatusSkipped])

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(store.Path()), "*.tmp"))
	assert.Empty(t, matches, "temp files must not be left behind")
}

func TestFileStoreSummaryIsRecomputed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	store := NewFileStore(path)

	m := New("src", t0)
	m.AddEntity("A", KindTable)
	m.Summary.Total = 99
	m.Summary.ByStatus[StatusValidated] = 42
	require.NoError(t, store.Save(m))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	summary := doc["summary"].(map[string]any)
	assert.EqualValues(t, 1, summary["total"])
	for _, key := range []string{"version", "createdAt", "updatedAt", "sourceIdentifier", "entities", "summary"} {
		assert.Contains(t, doc, key)
	}
}

func TestFileStoreSourceMismatch(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "progress.json"))
	require.NoError(t, store.Save(New("first", t0)))

	_, err := store.Load("second")
	assert.ErrorIs(t, err, ErrSourceMismatch)
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewFileStore(path).Load("src")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFileStoreNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99, "sourceIdentifier": "src", "entities": []}`), 0644))

	_, err := NewFileStore(path).Load("src")
	assert.ErrorIs(t, err, ErrNewerVersion)

	// Files from before the version field existed still load.
	require.NoError(t, os.WriteFile(path, []byte(`{"sourceIdentifier": "src", "entities": []}`), 0644))
	_, err = NewFileStore(path).Load("src")
	assert.NoError(t, err)
}

func TestFileStoreReadMissing(t *testing.T) {
	_, err := NewFileStore(filepath.Join(t.TempDir(), "nope.json")).Read()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloneIsDeep(t *testing.T) {
	m := New("src", t0)
	m.AddEntity("A", KindTable)
	m.Entities[0].Columns = cols("X")
	m.Summary = Summarize(m.Entities)

	c := m.Clone()
	c.Entities[0].Columns[0].Name = "Y"
	c.Summary.ByStatus[StatusPending] = 7

	assert.Equal(t, "X", m.Entities[0].Columns[0].Name)
	assert.Equal(t, 1, m.Summary.ByStatus[StatusPending])
}
