// Package store provides storage backends for ScanPipe.
//
// This file implements a PostgreSQL-backed store for screening runs.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 10
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 10
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Compile-time check that PostgresStore implements Backend.
var _ Backend = (*PostgresStore)(nil)

func (s *PostgresStore) SaveRun(run ScreeningRun) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			doctor_id = EXCLUDED.doctor_id,
			patient_id = EXCLUDED.patient_id,
			hospital_id = EXCLUDED.hospital_id,
			state = EXCLUDED.state,
			images_json = EXCLUDED.images_json,
			report_id = EXCLUDED.report_id,
			report_url = EXCLUDED.report_url,
			local_path = EXCLUDED.local_path,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at`
	_, err = s.db.Exec(query,
		run.ID, run.DoctorID, run.PatientID, nilIfEmpty(run.HospitalID), string(run.State), imagesJSON,
		nilIfEmpty(run.ReportID), nilIfEmpty(run.ReportURL), nilIfEmpty(run.LocalPath), nilIfEmpty(run.LastError),
		run.CreatedAt, run.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveRun failed", "error", err, "run_id", run.ID)
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	slog.Debug("PostgresStore SaveRun succeeded", "run_id", run.ID, "state", run.State)
	return nil
}

func (s *PostgresStore) GetRun(id string) (*ScreeningRun, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM screening_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("PostgresStore GetRun not found", "run_id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetRun failed", "error", err, "run_id", id)
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return &run, nil
}

func (s *PostgresStore) ListRuns(limit int) ([]ScreeningRun, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM screening_runs ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		slog.Error("PostgresStore ListRuns query failed", "error", err)
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []ScreeningRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			slog.Error("PostgresStore ListRuns scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate run rows: %w", err)
	}
	slog.Debug("PostgresStore ListRuns succeeded", "count", len(runs))
	return runs, nil
}

func (s *PostgresStore) DeleteRun(id string) error {
	if _, err := s.db.Exec(`DELETE FROM screening_runs WHERE id = $1`, id); err != nil {
		slog.Error("PostgresStore DeleteRun failed", "error", err, "run_id", id)
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
