// Package testutil provides common test utilities and helpers for ScanPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/BTreeMap/ScanPipe/internal/bluetooth"
	"github.com/BTreeMap/ScanPipe/internal/camera"
	"github.com/BTreeMap/ScanPipe/internal/directory"
	"github.com/BTreeMap/ScanPipe/internal/models"
	"github.com/BTreeMap/ScanPipe/internal/notify"
	"github.com/BTreeMap/ScanPipe/internal/orchestrator"
	"github.com/BTreeMap/ScanPipe/internal/report"
	"github.com/BTreeMap/ScanPipe/internal/store"
	"github.com/BTreeMap/ScanPipe/internal/timer"
)

// Fixture IDs loaded into every test station.
const (
	DoctorID    = "D1"
	DoctorPhone = "+15550100"
	PatientID   = "P1"
	ReportURL   = "https://files.example.org/r1.pdf"
)

// FakeUploader returns a fixed report, or Err when set.
type FakeUploader struct {
	mu    sync.Mutex
	calls int
	Err   error
}

func (u *FakeUploader) GenerateAndUpload(ctx context.Context, req report.Request, progress func(int)) (*models.ReportResult, error) {
	u.mu.Lock()
	u.calls++
	err := u.Err
	u.mu.Unlock()
	progress(50)
	if err != nil {
		return nil, err
	}
	progress(100)
	return &models.ReportResult{Report: models.Report{
		ID:        "r1",
		FileURL:   ReportURL,
		DoctorID:  req.Doctor.ID,
		PatientID: req.Patient.ID,
	}}, nil
}

// SetErr changes the error returned by later uploads.
func (u *FakeUploader) SetErr(err error) {
	u.mu.Lock()
	u.Err = err
	u.mu.Unlock()
}

// Calls returns how many uploads were made.
func (u *FakeUploader) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

// Station is an orchestrator wired to mocks, with the mocks exposed.
type Station struct {
	*orchestrator.Orchestrator
	Platform *bluetooth.MockPlatform
	Camera   *camera.MockCamera
	Timer    *timer.ManualTimer
	Uploader *FakeUploader
	Runs     *store.InMemoryStore
	Notifier *notify.MockNotifier
}

// NewTestStation creates an opened station backed by mocks and a manual
// timer. It is closed when the test ends.
func NewTestStation(t testing.TB) *Station {
	t.Helper()
	st := &Station{
		Platform: bluetooth.NewMockPlatform(),
		Camera:   camera.NewMockCamera(camera.WithOutputDir(t.TempDir())),
		Timer:    timer.NewManualTimer(),
		Uploader: &FakeUploader{},
		Runs:     store.NewInMemoryStore(),
		Notifier: notify.NewMockNotifier(),
	}
	mgr, err := bluetooth.NewManager(st.Platform, bluetooth.WithStabilizationDelay(0))
	if err != nil {
		t.Fatalf("failed to create bluetooth manager: %v", err)
	}
	lister := &directory.MockLister{
		Doctors:  []models.Doctor{{ID: DoctorID, Name: "Dr. Test", Phone: DoctorPhone}},
		Patients: []models.Patient{{ID: PatientID, FirstName: "Test", LastName: "Patient", HospitalID: "H1"}},
	}
	orch, err := orchestrator.New(st.Uploader,
		orchestrator.WithBluetooth(mgr),
		orchestrator.WithCamera(st.Camera),
		orchestrator.WithDirectory(lister),
		orchestrator.WithRunStore(st.Runs),
		orchestrator.WithNotifications(notify.NewQueue(st.Runs, st.Notifier)),
		orchestrator.WithScheduler(st.Timer),
	)
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	if err := orch.Open(context.Background()); err != nil {
		t.Fatalf("failed to open orchestrator: %v", err)
	}
	st.Orchestrator = orch
	t.Cleanup(func() { orch.Close() })
	return st
}

// SelectFixtures selects the fixture doctor and patient.
func (st *Station) SelectFixtures(t testing.TB) {
	t.Helper()
	if err := st.SelectDoctor(DoctorID); err != nil {
		t.Fatalf("failed to select doctor: %v", err)
	}
	if err := st.SelectPatient(PatientID); err != nil {
		t.Fatalf("failed to select patient: %v", err)
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t testing.TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t testing.TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t testing.TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
