package statmap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"froiparcels/internal/models"
	"froiparcels/pkg/nifti"
)

// NiftiStore reads maps laid out as
//
//	<root>/sub-<subject>/<task>/<contrast>.nii[.gz]
//
// The statistic kind comes from the header intent code (t-test with the
// degrees of freedom in intent_p1, z-score or p-value). Files without an
// intent are read as DefaultKind with DefaultDOF.
type NiftiStore struct {
	Root        string
	DefaultKind models.StatKind
	DefaultDOF  float64
}

// NewNiftiStore creates a store rooted at root that assumes z maps when the
// header carries no intent
func NewNiftiStore(root string) *NiftiStore {
	return &NiftiStore{Root: root, DefaultKind: models.KindZ}
}

// Load implements Provider
func (s *NiftiStore) Load(ctx context.Context, subject, task, contrast string) (*models.StatMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k := Key{subject, task, contrast}
	base := filepath.Join(s.Root, "sub-"+subject, task, contrast)

	var path string
	for _, candidate := range []string{base + ".nii", base + ".nii.gz"} {
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
			break
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat %s: %w", candidate, err)
		}
	}
	if path == "" {
		return nil, notFound(k)
	}

	v, err := nifti.Read(path)
	if err != nil {
		return nil, err
	}

	m := &models.StatMap{
		Subject:  subject,
		Task:     task,
		Contrast: contrast,
		Kind:     s.DefaultKind,
		DOF:      s.DefaultDOF,
		Grid:     v.Grid,
		Data:     v.Data,
	}
	switch v.IntentCode {
	case nifti.IntentTTest:
		m.Kind = models.KindT
		m.DOF = v.IntentP1
	case nifti.IntentZScore:
		m.Kind = models.KindZ
	case nifti.IntentPVal:
		m.Kind = models.KindP
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", k, err)
	}
	return m, nil
}

// Save writes m as a float32 NIfTI with the matching intent code
func (s *NiftiStore) Save(m *models.StatMap) error {
	if err := m.Validate(); err != nil {
		return err
	}
	dir := filepath.Join(s.Root, "sub-"+m.Subject, m.Task)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	v := &nifti.Volume{
		Grid:        m.Grid,
		Data:        m.Data,
		Datatype:    nifti.DTFloat32,
		Description: fmt.Sprintf("sub-%s %s %s", m.Subject, m.Task, m.Contrast),
	}
	switch m.Kind {
	case models.KindT:
		v.IntentCode = nifti.IntentTTest
		v.IntentP1 = m.DOF
	case models.KindZ:
		v.IntentCode = nifti.IntentZScore
	case models.KindP:
		v.IntentCode = nifti.IntentPVal
	}
	return nifti.Write(filepath.Join(dir, m.Contrast+".nii.gz"), v)
}
