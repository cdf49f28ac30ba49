// Package store provides storage backends for ScanPipe.
//
// It persists the history of screening runs and the outbox of pending doctor
// notifications, in memory, in SQLite or in PostgreSQL.
package store

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/models"
	"github.com/BTreeMap/ScanPipe/internal/util"
)

// DefaultListLimit caps ListRuns when no limit is given.
const DefaultListLimit = 100

// ScreeningRun is the persisted record of one screening run.
type ScreeningRun struct {
	ID         string                 `json:"id"`
	DoctorID   string                 `json:"doctor_id"`
	PatientID  string                 `json:"patient_id"`
	HospitalID string                 `json:"hospital_id,omitempty"`
	State      models.SessionState    `json:"state"`
	Images     []models.CapturedImage `json:"images"`
	ReportID   string                 `json:"report_id,omitempty"`
	ReportURL  string                 `json:"report_url,omitempty"`
	LocalPath  string                 `json:"local_path,omitempty"`
	LastError  string                 `json:"last_error,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Store persists screening runs.
type Store interface {
	// SaveRun inserts or updates a run, keeping the original CreatedAt.
	SaveRun(run ScreeningRun) error
	// GetRun returns the run with id, or nil when it does not exist.
	GetRun(id string) (*ScreeningRun, error)
	// ListRuns returns up to limit runs, most recently updated first.
	ListRuns(limit int) ([]ScreeningRun, error)
	DeleteRun(id string) error
	Close() error
}

// Backend is a Store that also holds the notification outbox.
type Backend interface {
	Store
	OutboxRepo
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN  string
	Type string // "sqlite" or "postgres"
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN selects SQLite with the given database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Type = "sqlite"
	}
}

// WithPostgresDSN selects PostgreSQL with the given connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Type = "postgres"
	}
}

// DetectDSNType reports whether dsn looks like a PostgreSQL connection string
// ("postgres") or a file path ("sqlite").
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// Open returns the backend selected by opts, or an in-memory store when no DSN is set.
func Open(opts ...Option) (Backend, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Debug("store.Open: no DSN, using in-memory store")
		return NewInMemoryStore(), nil
	}
	if cfg.Type == "" {
		cfg.Type = DetectDSNType(cfg.DSN)
	}
	switch cfg.Type {
	case "postgres":
		return NewPostgresStore(opts...)
	case "sqlite":
		return NewSQLiteStore(opts...)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// InMemoryStore is a Backend kept in process memory.
type InMemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]ScreeningRun
	outbox map[string]OutboxMessage
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		runs:   make(map[string]ScreeningRun),
		outbox: make(map[string]OutboxMessage),
	}
}

func (s *InMemoryStore) SaveRun(run ScreeningRun) error {
	if run.ID == "" {
		return fmt.Errorf("run ID cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.runs[run.ID]; ok {
		run.CreatedAt = existing.CreatedAt
	} else if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	run.Images = append([]models.CapturedImage(nil), run.Images...)
	s.runs[run.ID] = run
	return nil
}

func (s *InMemoryStore) GetRun(id string) (*ScreeningRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	run.Images = append([]models.CapturedImage(nil), run.Images...)
	return &run, nil
}

func (s *InMemoryStore) ListRuns(limit int) ([]ScreeningRun, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.RLock()
	runs := make([]ScreeningRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].UpdatedAt.After(runs[j].UpdatedAt) })
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *InMemoryStore) DeleteRun(id string) error {
	s.mu.Lock()
	delete(s.runs, id)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

// Compile-time check that InMemoryStore implements Backend.
var _ Backend = (*InMemoryStore)(nil)

func (s *InMemoryStore) EnqueueOutboxMessage(recipientID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for id, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return id, nil
			}
		}
	}
	now := time.Now().UTC()
	id := util.GenerateRandomID("outbox_", 32)
	s.outbox[id] = OutboxMessage{
		ID:          id,
		RecipientID: recipientID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return id, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		locked := now
		due[i].Status = OutboxStatusSending
		due[i].LockedAt = &locked
		due[i].UpdatedAt = now
		s.outbox[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
	})
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &nextAttemptAt
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) CancelOutboxMessage(id string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusCanceled
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now().UTC()
			s.outbox[id] = m
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetOutboxMessage(id string) (*OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.outbox[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *InMemoryStore) updateOutbox(id string, fn func(*OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	fn(&m)
	m.UpdatedAt = time.Now().UTC()
	s.outbox[id] = m
	return nil
}
