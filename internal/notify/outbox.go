package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ScanPipe/internal/models"
	"github.com/BTreeMap/ScanPipe/internal/store"
)

// KindReportReady is the outbox kind for report-ready messages.
const KindReportReady = "report_ready"

type payload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// Queue hands notifications to the store outbox so they survive restarts and
// are retried with backoff.
type Queue struct {
	repo     store.OutboxRepo
	notifier Notifier
}

// NewQueue creates a Queue delivering through notifier.
func NewQueue(repo store.OutboxRepo, notifier Notifier) *Queue {
	return &Queue{repo: repo, notifier: notifier}
}

// ReportReady enqueues the report-ready message for the doctor. Doctors without
// a phone number are skipped. The report ID deduplicates retries of the same report.
func (q *Queue) ReportReady(doctor *models.Doctor, patient *models.Patient, rep models.Report) (string, error) {
	if doctor == nil || doctor.Phone == "" {
		slog.Debug("Queue.ReportReady: doctor has no phone number, skipping")
		return "", nil
	}
	body := ReportReadyMessage(doctor, patient, rep)
	data, err := json.Marshal(payload{To: doctor.Phone, Body: body})
	if err != nil {
		return "", fmt.Errorf("failed to encode notification: %w", err)
	}
	dedupe := ""
	if rep.ID != "" {
		dedupe = KindReportReady + ":" + rep.ID
	}
	id, err := q.repo.EnqueueOutboxMessage(doctor.ID, KindReportReady, string(data), dedupe)
	if err != nil {
		return "", fmt.Errorf("failed to queue notification: %w", err)
	}
	slog.Info("Queue.ReportReady: notification queued", "id", id, "doctor_id", doctor.ID, "report_id", rep.ID)
	return id, nil
}

// Send delivers one outbox message. It is the store.OutboxSendFunc for the queue.
func (q *Queue) Send(ctx context.Context, msg store.OutboxMessage) error {
	var p payload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
		return fmt.Errorf("invalid payload for outbox message %s: %w", msg.ID, err)
	}
	return q.notifier.Notify(ctx, p.To, p.Body)
}

// ReportReadyMessage formats the SMS body sent when a report is available.
func ReportReadyMessage(doctor *models.Doctor, patient *models.Patient, rep models.Report) string {
	name := "your patient"
	if patient != nil && patient.DisplayName() != "" {
		name = patient.DisplayName()
	}
	greeting := "Hello"
	if doctor != nil && doctor.Name != "" {
		greeting = "Hello " + doctor.Name
	}
	msg := fmt.Sprintf("%s, the breast screening report for %s is ready.", greeting, name)
	if rep.FileURL != "" {
		msg += " " + rep.FileURL
	}
	return msg
}
