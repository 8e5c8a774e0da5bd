package statmap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kshedden/gonpy"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"froiparcels/internal/models"
)

// sidecar is the YAML metadata stored next to every .npy map
type sidecar struct {
	Kind   models.StatKind `yaml:"kind"`
	DOF    float64         `yaml:"dof,omitempty"`
	Shape  [3]int          `yaml:"shape"`
	Affine [4][4]float64   `yaml:"affine"`
}

// NpyStore reads maps laid out as
//
//	<root>/sub-<subject>/<task>/<contrast>.npy
//	<root>/sub-<subject>/<task>/<contrast>.yaml
//
// The array has shape [X, Y, Z]; either memory order is accepted on read
// and Fortran order is written so that X varies fastest on disk.
type NpyStore struct {
	Root string
}

// NewNpyStore creates a store rooted at root
func NewNpyStore(root string) *NpyStore {
	return &NpyStore{Root: root}
}

func (s *NpyStore) paths(k Key) (string, string) {
	base := filepath.Join(s.Root, "sub-"+k.Subject, k.Task, k.Contrast)
	return base + ".npy", base + ".yaml"
}

// Load implements Provider
func (s *NpyStore) Load(ctx context.Context, subject, task, contrast string) (*models.StatMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k := Key{subject, task, contrast}
	dataPath, metaPath := s.paths(k)

	raw, err := os.ReadFile(metaPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(k)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sidecar for %s: %w", k, err)
	}
	var meta sidecar
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse sidecar for %s: %w", k, err)
	}

	f, err := os.Open(dataPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(k)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dataPath, err)
	}
	defer f.Close()

	r, err := gonpy.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read npy header %s: %w", dataPath, err)
	}
	if len(r.Shape) != 3 {
		return nil, fmt.Errorf("%s: expected a 3D array, got shape %v", dataPath, r.Shape)
	}
	shape := [3]int{r.Shape[0], r.Shape[1], r.Shape[2]}
	if shape != meta.Shape {
		return nil, fmt.Errorf("%w: %s array shape %v disagrees with sidecar %v", models.ErrGridMismatch, k, shape, meta.Shape)
	}
	values, err := r.GetFloat64()
	if err != nil {
		return nil, fmt.Errorf("failed to read npy data %s: %w", dataPath, err)
	}
	if !r.ColumnMajor {
		values = fromRowMajor(shape, values)
	}

	affine := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			affine.Set(i, j, meta.Affine[i][j])
		}
	}

	m := &models.StatMap{
		Subject:  subject,
		Task:     task,
		Contrast: contrast,
		Kind:     meta.Kind,
		DOF:      meta.DOF,
		Grid:     models.NewGrid(shape[0], shape[1], shape[2], affine),
		Data:     values,
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", k, err)
	}
	return m, nil
}

// Save writes m and its sidecar into the store layout
func (s *NpyStore) Save(m *models.StatMap) error {
	if err := m.Validate(); err != nil {
		return err
	}
	k := Key{m.Subject, m.Task, m.Contrast}
	dataPath, metaPath := s.paths(k)
	if err := os.MkdirAll(filepath.Dir(dataPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", k, err)
	}

	meta := sidecar{Kind: m.Kind, DOF: m.DOF, Shape: m.Grid.Shape}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			meta.Affine[i][j] = m.Grid.Affine.At(i, j)
		}
	}
	raw, err := yaml.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("error marshaling sidecar: %w", err)
	}
	if err := os.WriteFile(metaPath, raw, 0644); err != nil {
		return fmt.Errorf("error writing sidecar: %w", err)
	}

	return WriteNpy(dataPath, m.Grid, m.Data)
}

// WriteNpy writes a volume as a Fortran-ordered float64 .npy array of
// shape [X, Y, Z]
func WriteNpy(path string, grid models.Grid, data []float64) error {
	w, err := gonpy.NewFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	w.Shape = []int{grid.Shape[0], grid.Shape[1], grid.Shape[2]}
	w.ColumnMajor = true
	w.Version = 2
	if err := w.WriteFloat64(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// fromRowMajor reorders a C-ordered [X, Y, Z] array so that X varies fastest
func fromRowMajor(shape [3]int, in []float64) []float64 {
	out := make([]float64, len(in))
	nx, ny, nz := shape[0], shape[1], shape[2]
	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				out[x+y*nx+z*nx*ny] = in[z+nz*(y+ny*x)]
			}
		}
	}
	return out
}
