// Package store provides storage backends for ScanPipe.
//
// This file implements an SQLite-backed store for screening runs.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// The session observer and the outbox sender write concurrently.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Compile-time check that SQLiteStore implements Backend.
var _ Backend = (*SQLiteStore)(nil)

func (s *SQLiteStore) SaveRun(run ScreeningRun) error {
	if run.ID == "" {
		return fmt.Errorf("run ID cannot be empty")
	}
	imagesJSON, err := encodeImages(run.Images)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}

	query := `
		INSERT INTO screening_runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			doctor_id = excluded.doctor_id,
			patient_id = excluded.patient_id,
			hospital_id = excluded.hospital_id,
			state = excluded.state,
			images_json = excluded.images_json,
			report_id = excluded.report_id,
			report_url = excluded.report_url,
			local_path = excluded.local_path,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`
	_, err = s.db.Exec(query,
		run.ID, run.DoctorID, run.PatientID, nilIfEmpty(run.HospitalID), string(run.State), imagesJSON,
		nilIfEmpty(run.ReportID), nilIfEmpty(run.ReportURL), nilIfEmpty(run.LocalPath), nilIfEmpty(run.LastError),
		run.CreatedAt.UTC(), run.UpdatedAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore SaveRun failed", "error", err, "run_id", run.ID)
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	slog.Debug("SQLiteStore SaveRun succeeded", "run_id", run.ID, "state", run.State)
	return nil
}

func (s *SQLiteStore) GetRun(id string) (*ScreeningRun, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM screening_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("SQLiteStore GetRun not found", "run_id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetRun failed", "error", err, "run_id", id)
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return &run, nil
}

func (s *SQLiteStore) ListRuns(limit int) ([]ScreeningRun, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM screening_runs ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		slog.Error("SQLiteStore ListRuns query failed", "error", err)
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []ScreeningRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			slog.Error("SQLiteStore ListRuns scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate run rows: %w", err)
	}
	slog.Debug("SQLiteStore ListRuns succeeded", "count", len(runs))
	return runs, nil
}

func (s *SQLiteStore) DeleteRun(id string) error {
	if _, err := s.db.Exec(`DELETE FROM screening_runs WHERE id = ?`, id); err != nil {
		slog.Error("SQLiteStore DeleteRun failed", "error", err, "run_id", id)
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
