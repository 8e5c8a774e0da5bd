// Package ledger records parcel generation runs in a SQLite database so that
// outputs can be traced back to the settings and subjects that built them.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"froiparcels/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned by Get for an unknown run id
var ErrRunNotFound = errors.New("parcel run not found")

// Run is one persisted parcel generation
type Run struct {
	ID            string
	Name          string
	Index         int
	OutputPath    string
	Subjects      int
	LabeledVoxels int
	ConfigYAML    string
	CreatedAt     time.Time
	Parcels       []ParcelRow
}

// ParcelRow summarizes one parcel of a run. Centroid is in world mm.
type ParcelRow struct {
	Label    int32
	Voxels   int
	Centroid [3]float64
}

// NewRun summarizes a ParcelSet for recording
func NewRun(name string, index int, outputPath string, subjects int, ps *models.ParcelSet) *Run {
	r := &Run{
		Name:       name,
		Index:      index,
		OutputPath: outputPath,
		Subjects:   subjects,
	}
	for _, p := range ps.Parcels {
		r.Parcels = append(r.Parcels, ParcelRow{Label: p.Label, Voxels: p.Size(), Centroid: p.WorldCentroid})
		r.LabeledVoxels += p.Size()
	}
	return r
}

// Ledger wraps the run database
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies all
// pending migrations
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	// a single connection keeps ":memory:" databases shared across calls
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close releases the database
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(l.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	// m is not closed: that would close the shared connection.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger implements migrate.Logger on top of slog
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	slog.Debug(fmt.Sprintf("[migrate] "+format, v...))
}

func (migrateLogger) Verbose() bool {
	return false
}

// Record stores run and its parcels in one transaction. A missing ID is
// filled with a new UUID and a zero CreatedAt with the current time; the
// ID is returned.
func (l *Ledger) Record(ctx context.Context, run *Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO parcel_runs (run_id, name, run_index, output_path, subjects, parcels, labeled_voxels, config_yaml, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.Index, run.OutputPath, run.Subjects, len(run.Parcels),
		run.LabeledVoxels, run.ConfigYAML, run.CreatedAt.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO parcel_run_parcels (run_id, label, voxels, centroid_x, centroid_y, centroid_z)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("failed to prepare parcel insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range run.Parcels {
		if _, err := stmt.ExecContext(ctx, run.ID, p.Label, p.Voxels, p.Centroid[0], p.Centroid[1], p.Centroid[2]); err != nil {
			return "", fmt.Errorf("failed to insert parcel %d of run %s: %w", p.Label, run.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit run %s: %w", run.ID, err)
	}
	return run.ID, nil
}

// Get loads one run with its parcels
func (l *Ledger) Get(ctx context.Context, id string) (*Run, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT run_id, name, run_index, output_path, subjects, labeled_voxels, config_yaml, created_at
		FROM parcel_runs WHERE run_id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := l.loadParcels(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ListByName returns every run recorded under name, oldest first
func (l *Ledger) ListByName(ctx context.Context, name string) ([]*Run, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, name, run_index, output_path, subjects, labeled_voxels, config_yaml, created_at
		FROM parcel_runs WHERE name = ?
		ORDER BY created_at, run_index, run_id`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs for %s: %w", name, err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, run := range runs {
		if err := l.loadParcels(ctx, run); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var created int64
	err := s.Scan(&run.ID, &run.Name, &run.Index, &run.OutputPath, &run.Subjects,
		&run.LabeledVoxels, &run.ConfigYAML, &created)
	if err != nil {
		return nil, err
	}
	run.CreatedAt = time.Unix(0, created).UTC()
	return &run, nil
}

func (l *Ledger) loadParcels(ctx context.Context, run *Run) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT label, voxels, centroid_x, centroid_y, centroid_z
		FROM parcel_run_parcels WHERE run_id = ? ORDER BY label`, run.ID)
	if err != nil {
		return fmt.Errorf("failed to query parcels of run %s: %w", run.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var p ParcelRow
		if err := rows.Scan(&p.Label, &p.Voxels, &p.Centroid[0], &p.Centroid[1], &p.Centroid[2]); err != nil {
			return err
		}
		run.Parcels = append(run.Parcels, p)
	}
	return rows.Err()
}
