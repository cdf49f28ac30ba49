// Package directory fetches the doctor and patient lists used for selection.
// Record management lives in the backend; this client only reads.
package directory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/auth"
	"github.com/BTreeMap/ScanPipe/internal/models"
	"github.com/tidwall/gjson"
)

// Default list endpoints.
const (
	DefaultDoctorsPath  = "/doctors"
	DefaultPatientsPath = "/patients"
	maxListBytes        = 8 << 20
)

// Lister provides the doctor and patient lists.
type Lister interface {
	ListDoctors(ctx context.Context) ([]models.Doctor, error)
	ListPatients(ctx context.Context) ([]models.Patient, error)
}

// Client reads lists from the backend REST API.
type Client struct {
	base   *url.URL
	tokens auth.TokenSource
	http   *http.Client
}

// NewClient creates a directory Client. httpClient may be nil.
func NewClient(baseURL string, tokens auth.TokenSource, httpClient *http.Client) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("directory base URL cannot be empty")
	}
	base, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid directory base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: base, tokens: tokens, http: httpClient}, nil
}

// ListDoctors returns all doctors visible to the signed-in user.
func (c *Client) ListDoctors(ctx context.Context) ([]models.Doctor, error) {
	items, err := c.getList(ctx, DefaultDoctorsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list doctors: %w", err)
	}
	doctors := make([]models.Doctor, 0, len(items))
	for _, it := range items {
		d := models.Doctor{
			ID:    firstString(it, "id", "_id"),
			Name:  firstString(it, "name", "fullName"),
			Phone: firstString(it, "phone", "phoneNumber", "mobile"),
		}
		if d.Name == "" {
			d.Name = strings.TrimSpace(firstString(it, "firstName") + " " + firstString(it, "lastName"))
		}
		if d.ID == "" {
			continue
		}
		doctors = append(doctors, d)
	}
	slog.Debug("Client.ListDoctors: fetched", "count", len(doctors))
	return doctors, nil
}

// ListPatients returns all patients visible to the signed-in user.
func (c *Client) ListPatients(ctx context.Context) ([]models.Patient, error) {
	items, err := c.getList(ctx, DefaultPatientsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}
	patients := make([]models.Patient, 0, len(items))
	for _, it := range items {
		p := models.Patient{
			ID:         firstString(it, "id", "_id"),
			Name:       firstString(it, "name"),
			FirstName:  firstString(it, "firstName", "first_name"),
			LastName:   firstString(it, "lastName", "last_name"),
			HospitalID: firstString(it, "hospitalId", "hospital_id", "hospital._id", "hospital.id", "hospital"),
		}
		if p.ID == "" {
			continue
		}
		patients = append(patients, p)
	}
	slog.Debug("Client.ListPatients: fetched", "count", len(patients))
	return patients, nil
}

func (c *Client) getList(ctx context.Context, path string) ([]gjson.Result, error) {
	endpoint := c.base.ResolveReference(&url.URL{Path: strings.TrimPrefix(path, "/")}).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%s returned invalid JSON", path)
	}

	root := gjson.ParseBytes(body)
	for _, key := range []string{"data", "doctors", "patients", "items"} {
		if v := root.Get(key); v.IsArray() {
			return v.Array(), nil
		}
	}
	if root.IsArray() {
		return root.Array(), nil
	}
	return nil, fmt.Errorf("%s did not return a list", path)
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.JSON && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
