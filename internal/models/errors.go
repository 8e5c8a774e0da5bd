package models

import "errors"

// Error kinds surfaced by the parcel pipeline. Callers match them with
// errors.Is; the returned errors carry subject/path context on top.
var (
	// ErrDataNotFound means a subject/task/contrast map does not exist.
	ErrDataNotFound = errors.New("statistical map not found")

	// ErrGridMismatch means two volumes disagree on shape or affine.
	ErrGridMismatch = errors.New("voxel grid mismatch")

	// ErrEmptyResult means no parcel survived filtering.
	ErrEmptyResult = errors.New("no parcels survived filtering")

	// ErrIO means an output could not be persisted.
	ErrIO = errors.New("output could not be written")

	// ErrInvalidConfig means a parameter is out of range.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNoSubjects means Run was called before any subject was added.
	ErrNoSubjects = errors.New("no subjects accumulated")
)
