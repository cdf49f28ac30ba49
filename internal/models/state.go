// Package models defines state structures for screening sessions.
package models

import "time"

// SessionState is the coarse state of a screening capture session.
type SessionState string

const (
	StateIdle              SessionState = "idle"
	StateAwaitingSelection SessionState = "awaiting_selection"
	StateCapturing         SessionState = "capturing"
	StateAllCaptured       SessionState = "all_captured"
	StateUploading         SessionState = "uploading"
	StateComplete          SessionState = "complete"
	StateFailed            SessionState = "failed"
)

// IsValidSessionState checks if the given state is known.
func IsValidSessionState(s SessionState) bool {
	switch s {
	case StateIdle, StateAwaitingSelection, StateCapturing, StateAllCaptured,
		StateUploading, StateComplete, StateFailed:
		return true
	default:
		return false
	}
}

// SessionSnapshot is a read-only view of a session at a point in time.
type SessionSnapshot struct {
	RunID           string                `json:"run_id"`
	State           SessionState          `json:"state"`
	StepIndex       int                   `json:"step_index"`
	Step            *ScreeningStep        `json:"step,omitempty"`
	Images          map[int]CapturedImage `json:"images"`
	CameraVisible   bool                  `json:"camera_visible"`
	Processing      bool                  `json:"processing"`
	Generated       bool                  `json:"generated"`
	Uploading       bool                  `json:"uploading"`
	Progress        int                   `json:"progress"`
	DeviceConnected bool                  `json:"device_connected"`
	Selection       Selection             `json:"selection"`
	Result          *ReportResult         `json:"result,omitempty"`
	LastError       string                `json:"last_error,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// ImageCount returns how many steps have been captured.
func (s SessionSnapshot) ImageCount() int {
	return len(s.Images)
}

// ConnectionStatus is published whenever the remote shutter link changes.
type ConnectionStatus struct {
	Connected bool             `json:"connected"`
	Handle    *BluetoothHandle `json:"handle,omitempty"`
	Passive   bool             `json:"passive"` // true when the device dropped the link
	Time      time.Time        `json:"time"`
}

// TimerInfo describes a pending scheduled callback.
type TimerInfo struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Remaining   string    `json:"remaining"`
	Description string    `json:"description"`
}
