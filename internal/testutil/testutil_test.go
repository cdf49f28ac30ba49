package testutil

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/ScanPipe/internal/models"
	"github.com/BTreeMap/ScanPipe/internal/report"
)

func TestNewTestStation(t *testing.T) {
	st := NewTestStation(t)
	if len(st.Doctors()) != 1 || len(st.Patients()) != 1 {
		t.Fatalf("expected fixture lists, got %v %v", st.Doctors(), st.Patients())
	}
	st.SelectFixtures(t)
	if err := st.StartScreening(); err != nil {
		t.Fatalf("StartScreening failed: %v", err)
	}
	if err := st.Capture(context.Background()); err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if n := st.Snapshot().ImageCount(); n != 1 {
		t.Errorf("expected 1 image, got %d", n)
	}
}

func TestFakeUploader(t *testing.T) {
	u := &FakeUploader{}
	var seen []int
	res, err := u.GenerateAndUpload(context.Background(), testRequest(), func(p int) { seen = append(seen, p) })
	if err != nil || res.Report.FileURL != ReportURL {
		t.Fatalf("unexpected result %+v, %v", res, err)
	}
	if len(seen) != 2 || seen[1] != 100 {
		t.Errorf("unexpected progress %v", seen)
	}

	u.SetErr(&models.UploadError{StatusCode: 500, Message: "Server error"})
	if _, err := u.GenerateAndUpload(context.Background(), testRequest(), func(int) {}); err == nil {
		t.Error("expected error")
	}
	if u.Calls() != 2 {
		t.Errorf("expected 2 calls, got %d", u.Calls())
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/selection", map[string]string{"doctor_id": "D1"})
	if req.Method != http.MethodPost || req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("unexpected request %s %v", req.Method, req.Header)
	}
	body, _ := io.ReadAll(req.Body)
	if string(body) != `{"doctor_id":"D1"}` {
		t.Errorf("unexpected body %s", body)
	}

	req = CreateHTTPRequest(t, http.MethodGet, "/session", nil)
	if req.Header.Get("Content-Type") != "" {
		t.Error("GET without body must not set a content type")
	}
}

func TestAssertJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Body.WriteString(`{"status":"ok","result":{"state":"idle"}}`)
	resp := AssertJSONResponse(t, rr, "ok")
	if resp["result"].(map[string]interface{})["state"] != "idle" {
		t.Errorf("unexpected decoded response %v", resp)
	}
}

func TestMustJSONRoundTrip(t *testing.T) {
	var got models.Doctor
	MustUnmarshalJSON(t, MustMarshalJSON(t, models.Doctor{ID: "D1", Name: "Dr. Test"}), &got)
	if got.ID != "D1" || got.Name != "Dr. Test" {
		t.Errorf("unexpected doctor %+v", got)
	}
}

func testRequest() report.Request {
	return report.Request{
		Doctor:  &models.Doctor{ID: DoctorID},
		Patient: &models.Patient{ID: PatientID},
	}
}
