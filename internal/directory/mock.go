package directory

import (
	"context"
	"sync"

	"github.com/BTreeMap/ScanPipe/internal/models"
)

// MockLister serves fixed lists. Err, when set, is returned by both calls.
type MockLister struct {
	mu       sync.Mutex
	Doctors  []models.Doctor
	Patients []models.Patient
	Err      error
}

func (m *MockLister) ListDoctors(ctx context.Context) ([]models.Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return append([]models.Doctor(nil), m.Doctors...), nil
}

func (m *MockLister) ListPatients(ctx context.Context) ([]models.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return append([]models.Patient(nil), m.Patients...), nil
}
