package flow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoad(t *testing.T) {
	t.Run("roundtrip restores the document byte for byte", func(t *testing.T) {
		workdir := t.TempDir()
		f, err := NewFromModel(chainModel(workdir), testDefaults())
		require.NoError(t, err)

		driveToStatus(t, f.Tasks[0], StatusRunning)
		f.Tasks[0].JobHandle = "12345"
		f.Tasks[0].AttemptCount = 1

		require.NoError(t, f.Save(testNow))
		saved, err := os.ReadFile(StatePath(workdir))
		require.NoError(t, err)

		restored, err := Load(workdir)
		require.NoError(t, err)
		assert.Equal(t, f.Name, restored.Name)
		assert.Equal(t, f.RunID, restored.RunID)
		assert.Equal(t, StatusRunning, restored.Tasks[0].Status)
		assert.Equal(t, "12345", restored.Tasks[0].JobHandle)
		assert.Len(t, restored.Tasks[0].History, 3)

		resaved, err := restored.Snapshot()
		require.NoError(t, err)
		assert.Equal(t, string(saved), string(resaved))
	})

	t.Run("loaded flow answers graph queries", func(t *testing.T) {
		workdir := t.TempDir()
		f, err := NewFromModel(chainModel(workdir), testDefaults())
		require.NoError(t, err)
		require.NoError(t, f.Save(testNow))

		restored, err := Load(workdir)
		require.NoError(t, err)

		nscf := restored.Tasks[1]
		assert.Equal(t, "ground_state.nscf", restored.QualifiedName(nscf.ID))
		assert.Equal(t, []NodeID{restored.Tasks[0].ID}, restored.Predecessors(nscf.ID))
		assert.Equal(t, restored.Works[0], restored.WorkOf(nscf.ID))
	})

	t.Run("save is atomic", func(t *testing.T) {
		workdir := t.TempDir()
		f, err := NewFromModel(chainModel(workdir), testDefaults())
		require.NoError(t, err)

		require.NoError(t, f.Save(testNow))
		require.NoError(t, f.Save(testNow.Add(time.Minute)))

		entries, err := os.ReadDir(workdir)
		require.NoError(t, err)
		for _, e := range entries {
			assert.NotContains(t, e.Name(), ".tmp-", "temp files must not survive a save")
		}
	})

	t.Run("missing state file", func(t *testing.T) {
		_, err := Load(t.TempDir())
		assert.ErrorContains(t, err, "failed to read flow state")
	})

	t.Run("corrupt state file", func(t *testing.T) {
		workdir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(workdir, StateFileName), []byte("{not json"), 0o644))
		_, err := Load(workdir)
		assert.ErrorContains(t, err, "corrupt flow state")
	})

	t.Run("saved_at is stored in UTC and restored", func(t *testing.T) {
		workdir := t.TempDir()
		f, err := NewFromModel(chainModel(workdir), testDefaults())
		require.NoError(t, err)

		loc := time.FixedZone("UTC-3", -3*3600)
		require.NoError(t, f.Save(testNow.In(loc)))

		restored, err := Load(workdir)
		require.NoError(t, err)
		assert.True(t, restored.SavedAt.Equal(testNow))
	})
}
