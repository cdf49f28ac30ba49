// Package report uploads a completed screening run to the backend and caches
// the rendered PDF.
//
// Upload and download are separate failure domains. An upload failure returns
// a *models.UploadError and leaves the caller's images untouched; a download
// failure after a successful upload is reported through ReportResult.DownloadErr.
package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/auth"
	"github.com/BTreeMap/ScanPipe/internal/models"
	"github.com/BTreeMap/ScanPipe/internal/util"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Defaults for report generation.
const (
	DefaultUploadPath  = "/reports/generate"
	DefaultTitle       = "Breast Screening Report"
	DefaultDescription = "Six-view breast screening capture"
	DefaultTimeout     = 2 * time.Minute
	genericUploadError = "Failed to generate the report. Please try again."
	maxResponseBytes   = 1 << 20
)

// Request is everything needed to generate one report.
type Request struct {
	Doctor  *models.Doctor
	Patient *models.Patient
	Images  map[int]models.CapturedImage
}

// Opts holds configuration options for the Client.
type Opts struct {
	BaseURL     string
	UploadPath  string
	Tokens      auth.TokenSource
	HTTPClient  *http.Client
	CacheDir    string
	Title       string
	Description string
}

// Option defines a configuration option for the Client.
type Option func(*Opts)

// WithBaseURL sets the backend base URL, e.g. https://api.example.org/api.
func WithBaseURL(u string) Option {
	return func(o *Opts) {
		o.BaseURL = u
	}
}

// WithUploadPath overrides the report generation path.
func WithUploadPath(p string) Option {
	return func(o *Opts) {
		o.UploadPath = p
	}
}

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(ts auth.TokenSource) Option {
	return func(o *Opts) {
		o.Tokens = ts
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// WithCacheDir sets where downloaded PDFs are stored.
func WithCacheDir(dir string) Option {
	return func(o *Opts) {
		o.CacheDir = dir
	}
}

// WithTitle sets the report title sent with each upload.
func WithTitle(title string) Option {
	return func(o *Opts) {
		o.Title = title
	}
}

// WithDescription sets the report description sent with each upload.
func WithDescription(desc string) Option {
	return func(o *Opts) {
		o.Description = desc
	}
}

// Client talks to the report generation endpoint.
type Client struct {
	base        *url.URL
	uploadPath  string
	tokens      auth.TokenSource
	http        *http.Client
	cacheDir    string
	title       string
	description string
}

// NewClient creates a report Client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		UploadPath:  DefaultUploadPath,
		Title:       DefaultTitle,
		Description: DefaultDescription,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("report base URL cannot be empty")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid report base URL: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(os.TempDir(), "scanpipe-reports")
	}
	return &Client{
		base:        base,
		uploadPath:  cfg.UploadPath,
		tokens:      cfg.Tokens,
		http:        cfg.HTTPClient,
		cacheDir:    cfg.CacheDir,
		title:       cfg.Title,
		description: cfg.Description,
	}, nil
}

// Validate checks the request before any network I/O.
func Validate(req Request) error {
	if err := (models.Selection{Doctor: req.Doctor, Patient: req.Patient}).Validate(); err != nil {
		return err
	}
	if req.Doctor.ID == "" || req.Patient.ID == "" {
		return models.NewValidationError("The selected doctor or patient has no identifier")
	}
	var missing []string
	for i, step := range models.ScreeningSteps {
		if _, ok := req.Images[i]; !ok {
			missing = append(missing, step.Label())
		}
	}
	if len(missing) > 0 || len(req.Images) != models.ScreeningStepCount {
		msg := fmt.Sprintf("All %d images are required before generating the report (%d captured)",
			models.ScreeningStepCount, len(req.Images))
		if len(missing) > 0 {
			msg += "; missing: " + strings.Join(missing, ", ")
		}
		return fmt.Errorf("%w: %w", models.ErrIncompleteImages, models.NewValidationError(msg))
	}
	return nil
}

// GenerateAndUpload validates req, uploads it and downloads the rendered PDF.
// progress, when non-nil, receives non-decreasing values from 0 to 100.
func (c *Client) GenerateAndUpload(ctx context.Context, req Request, progress func(int)) (*models.ReportResult, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	tracker := newProgressTracker(progress)
	tracker.report(0)

	body, contentType, err := c.buildMultipart(req)
	if err != nil {
		return nil, &models.UploadError{Message: "Failed to prepare the screening images", Cause: err}
	}

	endpoint := c.endpoint(c.uploadPath)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		&progressReader{r: bytes.NewReader(body), total: int64(len(body)), tracker: tracker})
	if err != nil {
		return nil, &models.UploadError{Message: genericUploadError, Cause: err}
	}
	httpReq.ContentLength = int64(len(body))
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Idempotency-Key", uuid.NewString())
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, &models.UploadError{Message: "You are not signed in. Please sign in and try again.", Cause: err}
	}

	slog.Debug("Client.GenerateAndUpload: uploading", "endpoint", endpoint, "bytes", len(body), "patient", req.Patient.ID)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		slog.Error("Client.GenerateAndUpload: upload failed", "error", err)
		return nil, &models.UploadError{Message: genericUploadError, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &models.UploadError{StatusCode: resp.StatusCode, Message: genericUploadError, Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := serverMessage(respBody)
		slog.Warn("Client.GenerateAndUpload: server rejected upload", "status", resp.StatusCode, "message", msg)
		return nil, &models.UploadError{StatusCode: resp.StatusCode, Message: msg}
	}
	tracker.report(100)

	rep := parseReport(respBody)
	if rep.PatientID == "" {
		rep.PatientID = req.Patient.ID
	}
	if rep.DoctorID == "" {
		rep.DoctorID = req.Doctor.ID
	}
	if rep.HospitalID == "" {
		rep.HospitalID = req.Patient.HospitalID
	}
	result := &models.ReportResult{Report: rep}
	slog.Info("Client.GenerateAndUpload: report generated", "report_id", rep.ID, "file_url", rep.FileURL)

	if rep.FileURL == "" {
		result.DownloadErr = fmt.Errorf("%w: response did not include a file URL", models.ErrDownloadFailed)
		return result, nil
	}
	path, err := c.Download(ctx, rep.FileURL, util.GenerateReportFileName(rep.ID))
	if err != nil {
		slog.Warn("Client.GenerateAndUpload: report download failed", "error", err)
		result.DownloadErr = fmt.Errorf("%w: %v", models.ErrDownloadFailed, err)
		return result, nil
	}
	result.LocalPath = path
	return result, nil
}

func (c *Client) buildMultipart(req Request) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := []struct{ name, value string }{
		{"patientId", req.Patient.ID},
		{"doctorId", req.Doctor.ID},
		{"hospitalId", req.Patient.HospitalID},
		{"title", c.title},
		{"description", c.description},
	}
	for _, f := range fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", err
		}
	}

	for i, step := range models.ScreeningSteps {
		img := req.Images[i]
		data, err := imageBytes(img)
		if err != nil {
			return nil, "", fmt.Errorf("image %s: %w", step.Label(), err)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s.jpg"`, step.UploadField, step.UploadField))
		h.Set("Content-Type", "image/jpeg")
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func imageBytes(img models.CapturedImage) ([]byte, error) {
	if img.Base64 != "" {
		return base64.StdEncoding.DecodeString(img.Base64)
	}
	return os.ReadFile(strings.TrimPrefix(img.URI, "file://"))
}

func (c *Client) authorize(ctx context.Context, r *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	r.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// endpoint joins an API path onto the base URL, keeping any base path prefix.
func (c *Client) endpoint(path string) string {
	return c.base.ResolveReference(&url.URL{Path: strings.TrimPrefix(path, "/")}).String()
}

// resolve resolves a server-provided URL reference against the base URL.
func (c *Client) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid file URL %q: %w", ref, err)
	}
	return c.base.ResolveReference(u).String(), nil
}

// Download streams fileURL into the cache directory under name and returns
// the local path. Relative URLs are resolved against the base URL.
func (c *Client) Download(ctx context.Context, fileURL, name string) (string, error) {
	target, err := c.resolve(fileURL)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	if u, _ := url.Parse(target); u != nil && u.Host == c.base.Host {
		if err := c.authorize(ctx, req); err != nil {
			return "", err
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(c.cacheDir, ".download-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	path := filepath.Join(c.cacheDir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	slog.Debug("Client.Download: cached report", "path", path, "bytes", n)
	return path, nil
}

func serverMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return genericUploadError
	}
	for _, path := range []string{"message", "error.message", "error", "detail"} {
		r := gjson.GetBytes(body, path)
		if r.Type == gjson.String && strings.TrimSpace(r.String()) != "" {
			return r.String()
		}
	}
	return genericUploadError
}

func parseReport(body []byte) models.Report {
	rep := gjson.GetBytes(body, "report")
	if !rep.Exists() {
		rep = gjson.GetBytes(body, "data.report")
	}
	first := func(paths ...string) string {
		for _, p := range paths {
			if v := rep.Get(p); v.Exists() && v.String() != "" {
				return v.String()
			}
		}
		return ""
	}
	return models.Report{
		ID:         first("id", "_id"),
		FileURL:    first("fileUrl", "file_url", "url", "pdfUrl"),
		PatientID:  first("patientId", "patient_id", "patient._id", "patient.id"),
		DoctorID:   first("doctorId", "doctor_id", "doctor._id", "doctor.id"),
		HospitalID: first("hospitalId", "hospital_id"),
	}
}

// progressTracker forwards monotonic, clamped percentages.
type progressTracker struct {
	mu   sync.Mutex
	fn   func(int)
	last int
}

func newProgressTracker(fn func(int)) *progressTracker {
	return &progressTracker{fn: fn, last: -1}
}

func (t *progressTracker) report(pct int) {
	if t.fn == nil {
		return
	}
	if pct > 100 {
		pct = 100
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if pct <= t.last {
		return
	}
	t.last = pct
	t.fn(pct)
}

// progressReader reports body bytes consumed by the transport. It stops at 99
// so 100 is only reported once the server has answered.
type progressReader struct {
	r       io.Reader
	total   int64
	read    int64
	tracker *progressTracker
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 {
		pct := int(p.read * 100 / p.total)
		if pct > 99 {
			pct = 99
		}
		p.tracker.report(pct)
	}
	return n, err
}
