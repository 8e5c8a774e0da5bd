package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"froiparcels/internal/models"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func sampleSet(t *testing.T) *models.ParcelSet {
	t.Helper()
	g := models.NewGrid(4, 1, 1, nil)
	ps, err := models.NewParcelSet("lang", g, []int32{1, 1, 0, 2})
	require.NoError(t, err)
	return ps
}

func TestRecordAndGet(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	run := NewRun("lang", 3, "/out/parcels-lang_3.nii.gz", 12, sampleSet(t))
	run.ConfigYAML = "name: lang\n"
	id, err := l.Record(ctx, run)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	assert.NoError(t, err, "run id should be a uuid")

	got, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "lang", got.Name)
	assert.Equal(t, 3, got.Index)
	assert.Equal(t, 12, got.Subjects)
	assert.Equal(t, 3, got.LabeledVoxels)
	assert.Equal(t, "name: lang\n", got.ConfigYAML)
	assert.Equal(t, run.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())

	require.Len(t, got.Parcels, 2)
	assert.Equal(t, ParcelRow{Label: 1, Voxels: 2, Centroid: [3]float64{0.5, 0, 0}}, got.Parcels[0])
	assert.Equal(t, ParcelRow{Label: 2, Voxels: 1, Centroid: [3]float64{3, 0, 0}}, got.Parcels[1])
}

func TestGetUnknown(t *testing.T) {
	l := openTestLedger(t)
	_, err := l.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestListByName(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, name := range []string{"lang", "md", "lang"} {
		run := NewRun(name, i, "out", 5, sampleSet(t))
		run.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		_, err := l.Record(ctx, run)
		require.NoError(t, err)
	}

	runs, err := l.ListByName(ctx, "lang")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 0, runs[0].Index)
	assert.Equal(t, 2, runs[1].Index)
	assert.Len(t, runs[1].Parcels, 2)

	none, err := l.ListByName(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDuplicateIDRollsBack(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	run := NewRun("lang", 1, "out", 2, sampleSet(t))
	id, err := l.Record(ctx, run)
	require.NoError(t, err)

	dup := NewRun("lang", 2, "out", 2, sampleSet(t))
	dup.ID = id
	_, err = l.Record(ctx, dup)
	require.Error(t, err)

	runs, err := l.ListByName(ctx, "lang")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].Index)
}

func TestReopenKeepsRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	require.NoError(t, err)
	id, err := l.Record(context.Background(), NewRun("lang", 1, "out", 2, sampleSet(t)))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()
	_, err = l.Get(context.Background(), id)
	assert.NoError(t, err)
}
