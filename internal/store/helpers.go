package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/ScanPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const runColumns = `id, doctor_id, patient_id, hospital_id, state, images_json, report_id, report_url, local_path, last_error, created_at, updated_at`

// encodeImages serializes images without their inline base64 payloads.
func encodeImages(images []models.CapturedImage) (string, error) {
	stripped := make([]models.CapturedImage, len(images))
	for i, img := range images {
		img.Base64 = ""
		stripped[i] = img
	}
	data, err := json.Marshal(stripped)
	if err != nil {
		return "", fmt.Errorf("failed to encode images: %w", err)
	}
	return string(data), nil
}

// scanRun scans a ScreeningRun selected with runColumns.
func scanRun(row rowScanner) (ScreeningRun, error) {
	var r ScreeningRun
	var state string
	var hospitalID, imagesJSON, reportID, reportURL, localPath, lastError sql.NullString
	err := row.Scan(
		&r.ID, &r.DoctorID, &r.PatientID, &hospitalID, &state, &imagesJSON,
		&reportID, &reportURL, &localPath, &lastError, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return r, err
	}
	r.State = models.SessionState(state)
	r.HospitalID = hospitalID.String
	r.ReportID = reportID.String
	r.ReportURL = reportURL.String
	r.LocalPath = localPath.String
	r.LastError = lastError.String
	if imagesJSON.String != "" {
		if err := json.Unmarshal([]byte(imagesJSON.String), &r.Images); err != nil {
			return r, fmt.Errorf("failed to decode images of run %s: %w", r.ID, err)
		}
	}
	return r, nil
}

// scanOutboxMessage scans an OutboxMessage from a row.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.RecipientID, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

const outboxColumns = `id, recipient_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`
