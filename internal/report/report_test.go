package report

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/auth"
	"github.com/BTreeMap/ScanPipe/internal/models"
)

func testImages(n int) map[int]models.CapturedImage {
	images := make(map[int]models.CapturedImage, n)
	for i := 0; i < n; i++ {
		img, _ := models.NewCapturedImage(i, models.ImageDescriptor{
			URI:    fmt.Sprintf("file:///nonexistent/%d.jpg", i),
			Width:  10,
			Height: 10,
			Base64: base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("jpeg-%d", i))),
		}, time.Now())
		images[i] = img
	}
	return images
}

func testRequest(n int) Request {
	return Request{
		Doctor:  &models.Doctor{ID: "d1", Name: "Dr. One"},
		Patient: &models.Patient{ID: "p1", FirstName: "Pat", LastName: "One", HospitalID: "h1"},
		Images:  testImages(n),
	}
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(
		WithBaseURL(srv.URL+"/api"),
		WithTokenSource(auth.StaticToken("secret")),
		WithCacheDir(t.TempDir()),
		WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestValidateRejectsBeforeNetwork(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	tests := []struct {
		name       string
		req        Request
		incomplete bool
	}{
		{"no doctor", Request{Patient: &models.Patient{ID: "p1"}, Images: testImages(6)}, false},
		{"no patient", Request{Doctor: &models.Doctor{ID: "d1"}, Images: testImages(6)}, false},
		{"five images", testRequest(5), true},
		{"wrong indices", func() Request {
			r := testRequest(6)
			img := r.Images[5]
			delete(r.Images, 5)
			r.Images[7] = img
			return r
		}(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.GenerateAndUpload(context.Background(), tt.req, nil)
			if !errors.Is(err, models.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if errors.Is(err, models.ErrIncompleteImages) != tt.incomplete {
				t.Errorf("ErrIncompleteImages match = %v, want %v", !tt.incomplete, tt.incomplete)
			}
			if models.UserMessage(err) == "" {
				t.Error("expected a user-facing message")
			}
		})
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("expected no network calls, got %d", hits)
	}
}

func TestGenerateAndUploadSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/reports/generate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		if r.Header.Get("Idempotency-Key") == "" {
			t.Error("expected idempotency key")
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("ParseMultipartForm failed: %v", err)
		}
		for field, want := range map[string]string{"patientId": "p1", "doctorId": "d1", "hospitalId": "h1", "title": DefaultTitle} {
			if got := r.FormValue(field); got != want {
				t.Errorf("field %s = %q, want %q", field, got, want)
			}
		}
		for i, step := range models.ScreeningSteps {
			f, _, err := r.FormFile(step.UploadField)
			if err != nil {
				t.Errorf("missing image part %s: %v", step.UploadField, err)
				continue
			}
			data, _ := io.ReadAll(f)
			f.Close()
			if string(data) != fmt.Sprintf("jpeg-%d", i) {
				t.Errorf("part %s carries %q, want image %d", step.UploadField, data, i)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"report":{"_id":"r1","fileUrl":"/files/r1.pdf","patient":{"_id":"p1"}}}`)
	})
	mux.HandleFunc("/files/r1.pdf", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "%PDF-1.7 test")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := newTestClient(t, srv)

	var progress []int
	res, err := c.GenerateAndUpload(context.Background(), testRequest(6), func(p int) { progress = append(progress, p) })
	if err != nil {
		t.Fatalf("GenerateAndUpload failed: %v", err)
	}
	if res.Report.ID != "r1" || res.Report.PatientID != "p1" || res.Report.DoctorID != "d1" || res.Report.HospitalID != "h1" {
		t.Errorf("unexpected report %+v", res.Report)
	}
	if res.DownloadErr != nil {
		t.Fatalf("unexpected download error: %v", res.DownloadErr)
	}
	data, err := os.ReadFile(res.LocalPath)
	if err != nil || string(data) != "%PDF-1.7 test" {
		t.Errorf("cached PDF mismatch: %q, %v", data, err)
	}

	if len(progress) < 2 || progress[0] != 0 || progress[len(progress)-1] != 100 {
		t.Fatalf("expected progress from 0 to 100, got %v", progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] || progress[i] > 100 {
			t.Fatalf("progress not monotonic: %v", progress)
		}
	}
}

func TestUploadFailureCarriesServerMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"message":"Server error"}`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	res, err := c.GenerateAndUpload(context.Background(), testRequest(6), nil)
	if res != nil {
		t.Error("expected no result on upload failure")
	}
	var uerr *models.UploadError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UploadError, got %v", err)
	}
	if uerr.StatusCode != 500 || uerr.Message != "Server error" {
		t.Errorf("unexpected upload error %+v", uerr)
	}
	if !errors.Is(err, models.ErrUploadFailed) || errors.Is(err, models.ErrDownloadFailed) {
		t.Error("upload failure must not be conflated with download failure")
	}
}

func TestUploadFailureGenericMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "<html>bad gateway</html>", http.StatusBadGateway)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	_, err := c.GenerateAndUpload(context.Background(), testRequest(6), nil)
	if models.UserMessage(err) != genericUploadError {
		t.Errorf("expected generic message, got %q", models.UserMessage(err))
	}
}

func TestUploadTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(t, srv)
	srv.Close()

	_, err := c.GenerateAndUpload(context.Background(), testRequest(6), nil)
	var uerr *models.UploadError
	if !errors.As(err, &uerr) || uerr.Cause == nil {
		t.Fatalf("expected UploadError with cause, got %v", err)
	}
}

func TestDownloadFailureIsSoft(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/reports/generate", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"report":{"id":"r2","file_url":"/files/missing.pdf"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := newTestClient(t, srv)

	res, err := c.GenerateAndUpload(context.Background(), testRequest(6), nil)
	if err != nil {
		t.Fatalf("expected overall success, got %v", err)
	}
	if !errors.Is(res.DownloadErr, models.ErrDownloadFailed) {
		t.Errorf("expected soft download error, got %v", res.DownloadErr)
	}
	if res.Report.FileURL != "/files/missing.pdf" || res.LocalPath != "" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestMissingFileURLIsSoft(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"report":{"id":"r3"}}}`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	res, err := c.GenerateAndUpload(context.Background(), testRequest(6), nil)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.Report.ID != "r3" || !errors.Is(res.DownloadErr, models.ErrDownloadFailed) {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestMissingTokenFailsUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent without a token")
	}))
	defer srv.Close()
	c, _ := NewClient(WithBaseURL(srv.URL), WithTokenSource(auth.StaticToken("")))

	_, err := c.GenerateAndUpload(context.Background(), testRequest(6), nil)
	if !errors.Is(err, models.ErrUploadFailed) || !errors.Is(err, auth.ErrNoToken) {
		t.Errorf("expected upload failure caused by missing token, got %v", err)
	}
}

func TestServerMessageFallbacks(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"message":"Patient not found"}`, "Patient not found"},
		{`{"error":"Quota exceeded"}`, "Quota exceeded"},
		{`{"error":{"message":"Nested"}}`, "Nested"},
		{`{"status":"error"}`, genericUploadError},
		{`not json`, genericUploadError},
	}
	for _, tt := range tests {
		if got := serverMessage([]byte(tt.body)); got != tt.want {
			t.Errorf("serverMessage(%s) = %q, want %q", tt.body, got, tt.want)
		}
	}
}

func TestEndpointKeepsBasePath(t *testing.T) {
	c, _ := NewClient(WithBaseURL("https://example.org/api/"))
	if got := c.endpoint(DefaultUploadPath); got != "https://example.org/api/reports/generate" {
		t.Errorf("unexpected endpoint %q", got)
	}
	got, _ := c.resolve("https://cdn.example.org/r.pdf")
	if !strings.HasPrefix(got, "https://cdn.example.org") {
		t.Errorf("absolute file URLs must be kept, got %q", got)
	}
}
