// Package models defines the core data structures for ScanPipe.
//
// It includes the fixed screening step sequence, captured image descriptors,
// doctor/patient selection and report types shared across modules.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Side identifies the anatomical side being imaged.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// Position identifies the camera position relative to the breast.
type Position string

const (
	PositionFront  Position = "front"
	PositionSide   Position = "side"
	PositionBottom Position = "bottom"
)

// ScreeningStepCount is the number of captures required for one screening run.
const ScreeningStepCount = 6

// ScreeningStep describes one required capture. Entries are immutable.
type ScreeningStep struct {
	Side        Side     `json:"side"`
	Position    Position `json:"position"`
	Instruction string   `json:"instruction"`
	// UploadField is the multipart field name the image is sent under.
	UploadField string `json:"upload_field"`
}

// Label returns a human readable label such as "Right Front".
func (s ScreeningStep) Label() string {
	return title(string(s.Side)) + " " + title(string(s.Position))
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// ScreeningSteps is the ordered capture sequence. The index is the step number
// and also fixes the upload field each image is attached under.
var ScreeningSteps = [ScreeningStepCount]ScreeningStep{
	{Side: SideRight, Position: PositionFront, Instruction: "Place the scanner on the front of the right breast", UploadField: "right-top"},
	{Side: SideRight, Position: PositionSide, Instruction: "Place the scanner on the outer side of the right breast", UploadField: "right-center"},
	{Side: SideRight, Position: PositionBottom, Instruction: "Place the scanner below the right breast", UploadField: "right-bottom"},
	{Side: SideLeft, Position: PositionFront, Instruction: "Place the scanner on the front of the left breast", UploadField: "left-top"},
	{Side: SideLeft, Position: PositionSide, Instruction: "Place the scanner on the outer side of the left breast", UploadField: "left-center"},
	{Side: SideLeft, Position: PositionBottom, Instruction: "Place the scanner below the left breast", UploadField: "left-bottom"},
}

// StepAt returns the screening step for index i.
func StepAt(i int) (ScreeningStep, error) {
	if i < 0 || i >= ScreeningStepCount {
		return ScreeningStep{}, fmt.Errorf("step index %d out of range", i)
	}
	return ScreeningSteps[i], nil
}

// ImageDescriptor is what the camera adapter hands back after taking a picture.
type ImageDescriptor struct {
	URI    string `json:"uri"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Base64 string `json:"base64,omitempty"`
}

// CapturedImage is an image recorded against a screening step.
type CapturedImage struct {
	StepIndex  int       `json:"step_index"`
	URI        string    `json:"uri"`
	Base64     string    `json:"base64,omitempty"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Side       Side      `json:"side"`
	Position   Position  `json:"position"`
	CapturedAt time.Time `json:"captured_at"`
}

// NewCapturedImage binds a camera result to the metadata of step i.
func NewCapturedImage(i int, img ImageDescriptor, at time.Time) (CapturedImage, error) {
	step, err := StepAt(i)
	if err != nil {
		return CapturedImage{}, err
	}
	return CapturedImage{
		StepIndex:  i,
		URI:        img.URI,
		Base64:     img.Base64,
		Width:      img.Width,
		Height:     img.Height,
		Side:       step.Side,
		Position:   step.Position,
		CapturedAt: at,
	}, nil
}

// Doctor is a doctor record fetched from the backend.
type Doctor struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// Patient is a patient record fetched from the backend.
type Patient struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	HospitalID string `json:"hospital_id,omitempty"`
}

// DisplayName prefers the explicit name and falls back to first + last name.
func (p Patient) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Selection holds the doctor and patient chosen for a screening run.
type Selection struct {
	Doctor  *Doctor  `json:"doctor,omitempty"`
	Patient *Patient `json:"patient,omitempty"`
}

// Complete reports whether both doctor and patient are set.
func (s Selection) Complete() bool {
	return s.Doctor != nil && s.Patient != nil
}

// Validate returns a ValidationError naming what is missing.
func (s Selection) Validate() error {
	switch {
	case s.Doctor == nil && s.Patient == nil:
		return NewValidationError("Please select a doctor and a patient before starting the screening")
	case s.Doctor == nil:
		return NewValidationError("Please select a doctor before starting the screening")
	case s.Patient == nil:
		return NewValidationError("Please select a patient before starting the screening")
	}
	return nil
}

// Report is the server-side report created from a screening run.
type Report struct {
	ID         string `json:"id"`
	FileURL    string `json:"file_url"`
	PatientID  string `json:"patient_id"`
	DoctorID   string `json:"doctor_id"`
	HospitalID string `json:"hospital_id,omitempty"`
}

// ReportResult is the outcome of a successful upload. DownloadErr is set when
// the rendered PDF could not be cached locally; the report still exists server-side.
type ReportResult struct {
	Report      Report `json:"report"`
	LocalPath   string `json:"local_path,omitempty"`
	DownloadErr error  `json:"-"`
}

// BluetoothDevice is a bonded peripheral as reported by the platform.
type BluetoothDevice struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// BluetoothHandle describes the active connection to the remote shutter.
type BluetoothHandle struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
}
