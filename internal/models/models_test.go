package models

import (
	"errors"
	"testing"
	"time"
)

func TestScreeningStepsOrder(t *testing.T) {
	expected := []struct {
		side  Side
		pos   Position
		field string
		label string
	}{
		{SideRight, PositionFront, "right-top", "Right Front"},
		{SideRight, PositionSide, "right-center", "Right Side"},
		{SideRight, PositionBottom, "right-bottom", "Right Bottom"},
		{SideLeft, PositionFront, "left-top", "Left Front"},
		{SideLeft, PositionSide, "left-center", "Left Side"},
		{SideLeft, PositionBottom, "left-bottom", "Left Bottom"},
	}
	if len(ScreeningSteps) != len(expected) {
		t.Fatalf("expected %d steps, got %d", len(expected), len(ScreeningSteps))
	}
	for i, want := range expected {
		got := ScreeningSteps[i]
		if got.Side != want.side || got.Position != want.pos {
			t.Errorf("step %d: expected %s/%s, got %s/%s", i, want.side, want.pos, got.Side, got.Position)
		}
		if got.UploadField != want.field {
			t.Errorf("step %d: expected field %q, got %q", i, want.field, got.UploadField)
		}
		if got.Label() != want.label {
			t.Errorf("step %d: expected label %q, got %q", i, want.label, got.Label())
		}
	}
}

func TestStepAtOutOfRange(t *testing.T) {
	for _, i := range []int{-1, ScreeningStepCount} {
		if _, err := StepAt(i); err == nil {
			t.Errorf("expected error for index %d", i)
		}
	}
}

func TestNewCapturedImageCopiesStepMetadata(t *testing.T) {
	now := time.Now()
	img, err := NewCapturedImage(4, ImageDescriptor{URI: "file:///tmp/a.jpg", Width: 640, Height: 480}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if img.Side != SideLeft || img.Position != PositionSide {
		t.Errorf("expected left/side, got %s/%s", img.Side, img.Position)
	}
	if img.StepIndex != 4 || img.URI != "file:///tmp/a.jpg" || !img.CapturedAt.Equal(now) {
		t.Errorf("unexpected image %+v", img)
	}
}

func TestSelectionValidate(t *testing.T) {
	d := &Doctor{ID: "d1"}
	p := &Patient{ID: "p1"}
	tests := []struct {
		name    string
		sel     Selection
		wantErr bool
	}{
		{"both missing", Selection{}, true},
		{"doctor missing", Selection{Patient: p}, true},
		{"patient missing", Selection{Doctor: d}, true},
		{"complete", Selection{Doctor: d, Patient: p}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sel.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
			if tt.sel.Complete() == tt.wantErr {
				t.Errorf("Complete() disagrees with Validate()")
			}
		})
	}
}

func TestPatientDisplayName(t *testing.T) {
	if got := (Patient{FirstName: "Ada", LastName: "Lovelace"}).DisplayName(); got != "Ada Lovelace" {
		t.Errorf("expected 'Ada Lovelace', got %q", got)
	}
	if got := (Patient{Name: "Grace", FirstName: "x"}).DisplayName(); got != "Grace" {
		t.Errorf("expected 'Grace', got %q", got)
	}
}

func TestUploadErrorMatching(t *testing.T) {
	err := &UploadError{StatusCode: 500, Message: "Server error"}
	if !errors.Is(err, ErrUploadFailed) {
		t.Error("expected UploadError to match ErrUploadFailed")
	}
	if UserMessage(err) != "Server error" {
		t.Errorf("expected server message, got %q", UserMessage(err))
	}
}

func TestAlertFromError(t *testing.T) {
	tests := []struct {
		err       error
		kind      AlertKind
		retryable bool
	}{
		{ErrPermissionDenied, AlertPermissionDenied, true},
		{ErrDeviceNotPaired, AlertDeviceNotPaired, true},
		{errors.Join(ErrConnectionFailed, errors.New("boom")), AlertConnectionFailed, true},
		{NewValidationError("pick a doctor"), AlertValidationFailed, false},
		{&UploadError{Message: "Server error"}, AlertUploadFailed, true},
		{ErrDownloadFailed, AlertPostUploadDownloadFailed, false},
		{ErrCaptureFailed, AlertCaptureFailed, true},
	}
	for _, tt := range tests {
		a := AlertFromError(tt.err)
		if a.Kind != tt.kind {
			t.Errorf("%v: expected kind %s, got %s", tt.err, tt.kind, a.Kind)
		}
		if a.Retryable != tt.retryable {
			t.Errorf("%v: expected retryable=%v", tt.err, tt.retryable)
		}
	}
}

func TestAPIResponseHelpers(t *testing.T) {
	if r := Success(1); r.Status != string(APIStatusOK) || r.Result != 1 {
		t.Errorf("unexpected success response %+v", r)
	}
	if r := Error("nope"); r.Status != string(APIStatusError) || r.Message != "nope" {
		t.Errorf("unexpected error response %+v", r)
	}
	if r := Accepted("later"); r.Status != string(APIStatusAccepted) {
		t.Errorf("unexpected accepted response %+v", r)
	}
}
