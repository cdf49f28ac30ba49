package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/models"
	"github.com/BTreeMap/ScanPipe/internal/store"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeMessages struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (f *fakeMessages) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestNewTwilioNotifierRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewTwilioNotifier(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewTwilioNotifier(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	n, err := NewTwilioNotifier(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromNumber("+15550000"))
	if err != nil || n == nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewTwilioNotifierFromEnv(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "AC1")
	t.Setenv("TWILIO_AUTH_TOKEN", "tok")
	t.Setenv("TWILIO_FROM_NUMBER", "+15550000")
	n, err := NewTwilioNotifier()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.from != "+15550000" {
		t.Errorf("unexpected from number %q", n.from)
	}
}

func TestTwilioNotifierNotify(t *testing.T) {
	fake := &fakeMessages{}
	n := &TwilioNotifier{api: fake, from: "+15550000"}

	if err := n.Notify(context.Background(), "+15550100", "report ready"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if len(fake.params) != 1 {
		t.Fatalf("expected one message, got %d", len(fake.params))
	}
	p := fake.params[0]
	if *p.To != "+15550100" || *p.From != "+15550000" || *p.Body != "report ready" {
		t.Errorf("unexpected params to=%s from=%s body=%s", *p.To, *p.From, *p.Body)
	}

	fake.err = errors.New("21211 invalid number")
	if err := n.Notify(context.Background(), "+1", "x"); err == nil {
		t.Error("expected send error")
	}
	if err := n.Notify(context.Background(), "", "x"); err == nil {
		t.Error("expected error for empty recipient")
	}
}

func TestReportReadyMessage(t *testing.T) {
	msg := ReportReadyMessage(
		&models.Doctor{Name: "Dr. Rao"},
		&models.Patient{FirstName: "Ana", LastName: "Silva"},
		models.Report{FileURL: "https://files.example.org/r1.pdf"},
	)
	for _, want := range []string{"Dr. Rao", "Ana Silva", "https://files.example.org/r1.pdf"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
	if msg := ReportReadyMessage(nil, nil, models.Report{}); !strings.Contains(msg, "your patient") {
		t.Errorf("unexpected fallback message %q", msg)
	}
}

func TestQueueDeliversThroughOutbox(t *testing.T) {
	repo := store.NewInMemoryStore()
	mock := NewMockNotifier()
	q := NewQueue(repo, mock)

	doctor := &models.Doctor{ID: "d1", Name: "Dr. Rao", Phone: "+15550100"}
	patient := &models.Patient{ID: "p1", Name: "Ana Silva"}
	rep := models.Report{ID: "r1", FileURL: "https://files.example.org/r1.pdf"}

	id, err := q.ReportReady(doctor, patient, rep)
	if err != nil || id == "" {
		t.Fatalf("ReportReady failed: %q, %v", id, err)
	}
	again, _ := q.ReportReady(doctor, patient, rep)
	if again != id {
		t.Error("expected the same report to be queued once")
	}

	sender := store.NewOutboxSender(repo, q.Send, time.Second)
	if sent := sender.Poll(context.Background()); sent != 1 {
		t.Fatalf("expected one message sent, got %d", sent)
	}
	got := mock.Sent()
	if len(got) != 1 || got[0].To != "+15550100" || !strings.Contains(got[0].Body, "Ana Silva") {
		t.Errorf("unexpected sent messages %+v", got)
	}
}

func TestQueueSkipsDoctorWithoutPhone(t *testing.T) {
	repo := store.NewInMemoryStore()
	q := NewQueue(repo, NewMockNotifier())
	id, err := q.ReportReady(&models.Doctor{ID: "d1"}, nil, models.Report{ID: "r1"})
	if err != nil || id != "" {
		t.Errorf("expected skip, got %q, %v", id, err)
	}
}

func TestQueueSendRejectsBadPayload(t *testing.T) {
	q := NewQueue(store.NewInMemoryStore(), NewMockNotifier())
	if err := q.Send(context.Background(), store.OutboxMessage{ID: "x", PayloadJSON: "{"}); err == nil {
		t.Error("expected payload error")
	}
}
