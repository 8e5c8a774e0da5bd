package statmap

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"froiparcels/internal/models"
)

func sampleMap(subject string, kind models.StatKind) *models.StatMap {
	affine := mat.NewDense(4, 4, []float64{
		2, 0, 0, -10,
		0, 2, 0, -20,
		0, 0, 3, 5,
		0, 0, 0, 1,
	})
	g := models.NewGrid(3, 2, 2, affine)
	m := models.NewStatMap(g, kind)
	m.Subject, m.Task, m.Contrast = subject, "lang", "S-N"
	for i := range m.Data {
		m.Data[i] = float64(i) * 0.5
	}
	m.Data[4] = math.NaN()
	if kind == models.KindT {
		m.DOF = 42
	}
	return m
}

func assertSameData(t *testing.T, want, got []float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		if math.IsNaN(want[i]) {
			assert.True(t, math.IsNaN(got[i]), "voxel %d should be NaN", i)
			continue
		}
		assert.InDelta(t, want[i], got[i], 1e-6, "voxel %d", i)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	s.Put(sampleMap("02", models.KindZ))
	s.Put(sampleMap("01", models.KindZ))

	m, err := s.Load(context.Background(), "01", "lang", "S-N")
	require.NoError(t, err)
	assert.Equal(t, "01", m.Subject)

	_, err = s.Load(context.Background(), "03", "lang", "S-N")
	assert.ErrorIs(t, err, models.ErrDataNotFound)

	assert.Equal(t, []string{"01", "02"}, s.Subjects("lang", "S-N"))
	assert.Empty(t, s.Subjects("lang", "other"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Load(ctx, "01", "lang", "S-N")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNpyStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewNpyStore(dir)
	in := sampleMap("01", models.KindT)
	require.NoError(t, s.Save(in))

	assert.FileExists(t, filepath.Join(dir, "sub-01", "lang", "S-N.npy"))
	assert.FileExists(t, filepath.Join(dir, "sub-01", "lang", "S-N.yaml"))

	out, err := s.Load(context.Background(), "01", "lang", "S-N")
	require.NoError(t, err)
	assert.Equal(t, models.KindT, out.Kind)
	assert.Equal(t, 42.0, out.DOF)
	assert.True(t, in.Grid.Matches(out.Grid))
	assertSameData(t, in.Data, out.Data)
}

func TestNpyStoreMissing(t *testing.T) {
	s := NewNpyStore(t.TempDir())
	_, err := s.Load(context.Background(), "01", "lang", "S-N")
	assert.True(t, errors.Is(err, models.ErrDataNotFound), "got %v", err)
}

func TestFromRowMajor(t *testing.T) {
	// C order for shape [2, 1, 3]: z fastest
	in := []float64{0, 1, 2, 3, 4, 5}
	got := fromRowMajor([3]int{2, 1, 3}, in)
	// x fastest: (0,0,0) (1,0,0) (0,0,1) (1,0,1) (0,0,2) (1,0,2)
	assert.Equal(t, []float64{0, 3, 1, 4, 2, 5}, got)
}

func TestNiftiStoreRoundTrip(t *testing.T) {
	for _, kind := range []models.StatKind{models.KindT, models.KindZ, models.KindP} {
		t.Run(string(kind), func(t *testing.T) {
			dir := t.TempDir()
			s := NewNiftiStore(dir)
			in := sampleMap("07", kind)
			if kind == models.KindP {
				for i := range in.Data {
					if !math.IsNaN(in.Data[i]) {
						in.Data[i] = float64(i+1) / 100
					}
				}
			}
			require.NoError(t, s.Save(in))

			out, err := s.Load(context.Background(), "07", "lang", "S-N")
			require.NoError(t, err)
			assert.Equal(t, kind, out.Kind)
			assert.InDelta(t, in.DOF, out.DOF, 1e-6)
			assert.True(t, in.Grid.Matches(out.Grid))
			assertSameData(t, in.Data, out.Data)
		})
	}
}

func TestNiftiStoreMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	s := NewNiftiStore(dir)

	_, err := s.Load(context.Background(), "01", "lang", "S-N")
	assert.ErrorIs(t, err, models.ErrDataNotFound)

	path := filepath.Join(dir, "sub-01", "lang")
	require.NoError(t, os.MkdirAll(path, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "S-N.nii"), []byte("not a nifti"), 0644))
	_, err = s.Load(context.Background(), "01", "lang", "S-N")
	require.Error(t, err)
	assert.False(t, errors.Is(err, models.ErrDataNotFound))
}
