package models

import (
	"errors"
	"time"
)

// AlertKind categorises operator-facing notifications.
type AlertKind string

const (
	AlertPermissionDenied         AlertKind = "permission_denied"
	AlertDeviceNotPaired          AlertKind = "device_not_paired"
	AlertConnectionFailed         AlertKind = "connection_failed"
	AlertDeviceConnected          AlertKind = "device_connected"
	AlertDeviceDisconnected       AlertKind = "device_disconnected"
	AlertCaptureFailed            AlertKind = "capture_failed"
	AlertValidationFailed         AlertKind = "validation_failed"
	AlertUploadFailed             AlertKind = "upload_failed"
	AlertPostUploadDownloadFailed AlertKind = "post_upload_download_failed"
	AlertReportReady              AlertKind = "report_ready"
)

// Alert is a user-visible message produced by the orchestrator.
type Alert struct {
	Kind      AlertKind `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	FileURL   string    `json:"file_url,omitempty"`
	Time      time.Time `json:"time"`
}

// AlertFromError maps an error from the taxonomy to an Alert.
func AlertFromError(err error) Alert {
	a := Alert{Message: UserMessage(err), Retryable: true, Time: time.Now()}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		a.Kind = AlertPermissionDenied
		a.Title = "Bluetooth permission required"
		a.Message = "Allow Bluetooth and location access in the system settings, then try connecting again."
	case errors.Is(err, ErrDeviceNotPaired):
		a.Kind = AlertDeviceNotPaired
		a.Title = "Scanner not paired"
		a.Message = "Pair the BR-SCAN device in the system Bluetooth settings first, then try again."
	case errors.Is(err, ErrConnectionFailed):
		a.Kind = AlertConnectionFailed
		a.Title = "Connection failed"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrIncompleteImages):
		a.Kind = AlertValidationFailed
		a.Title = "Missing information"
		a.Retryable = false
	case errors.Is(err, ErrUploadFailed):
		a.Kind = AlertUploadFailed
		a.Title = "Report generation failed"
	case errors.Is(err, ErrDownloadFailed):
		a.Kind = AlertPostUploadDownloadFailed
		a.Title = "Report generated"
		a.Message = "The report was generated but could not be downloaded for viewing. Download it separately."
		a.Retryable = false
	default:
		a.Kind = AlertCaptureFailed
		a.Title = "Capture failed"
	}
	return a
}
