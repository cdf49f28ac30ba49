// Package orchestrator wires the Bluetooth shutter, trigger interpreter,
// capture session, camera and report client into one screening screen.
//
// The Orchestrator owns the doctor and patient lists and the current
// selection, and turns component errors into operator alerts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/bluetooth"
	"github.com/BTreeMap/ScanPipe/internal/camera"
	"github.com/BTreeMap/ScanPipe/internal/directory"
	"github.com/BTreeMap/ScanPipe/internal/models"
	"github.com/BTreeMap/ScanPipe/internal/notify"
	"github.com/BTreeMap/ScanPipe/internal/session"
	"github.com/BTreeMap/ScanPipe/internal/store"
	"github.com/BTreeMap/ScanPipe/internal/timer"
	"github.com/BTreeMap/ScanPipe/internal/trigger"
)

// DefaultAlertCapacity bounds the queue of undelivered alerts.
const DefaultAlertCapacity = 64

// Opts holds configuration options for the Orchestrator.
type Opts struct {
	Manager       *bluetooth.Manager
	Camera        camera.Camera
	Directory     directory.Lister
	Runs          store.Store
	Notifications *notify.Queue
	Scheduler     timer.Scheduler
	AlertHandler  func(models.Alert)
	AlertCapacity int
	TriggerOpts   []trigger.Option
	SessionOpts   []session.Option
}

// Option defines a configuration option for the Orchestrator.
type Option func(*Opts)

// WithBluetooth sets the device manager for the remote shutter.
func WithBluetooth(m *bluetooth.Manager) Option {
	return func(o *Opts) { o.Manager = m }
}

// WithCamera sets the camera.
func WithCamera(c camera.Camera) Option {
	return func(o *Opts) { o.Camera = c }
}

// WithDirectory sets where doctor and patient lists come from.
func WithDirectory(l directory.Lister) Option {
	return func(o *Opts) { o.Directory = l }
}

// WithRunStore records every run transition in s.
func WithRunStore(s store.Store) Option {
	return func(o *Opts) { o.Runs = s }
}

// WithNotifications queues a report-ready message to the doctor on success.
func WithNotifications(q *notify.Queue) Option {
	return func(o *Opts) { o.Notifications = q }
}

// WithScheduler sets the scheduler shared by the interpreter and the session.
func WithScheduler(s timer.Scheduler) Option {
	return func(o *Opts) { o.Scheduler = s }
}

// WithAlertHandler registers fn to be called with each alert as it is raised.
func WithAlertHandler(fn func(models.Alert)) Option {
	return func(o *Opts) { o.AlertHandler = fn }
}

// WithTriggerOptions passes extra options to the trigger interpreter.
func WithTriggerOptions(opts ...trigger.Option) Option {
	return func(o *Opts) { o.TriggerOpts = append(o.TriggerOpts, opts...) }
}

// WithSessionOptions passes extra options to the capture session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(o *Opts) { o.SessionOpts = append(o.SessionOpts, opts...) }
}

// Orchestrator is the screen-level controller for one screening station.
type Orchestrator struct {
	manager       *bluetooth.Manager
	interpreter   *trigger.Interpreter
	session       *session.Session
	directory     directory.Lister
	runs          store.Store
	notifications *notify.Queue
	alertHandler  func(models.Alert)
	alertCap      int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	doctors   []models.Doctor
	patients  []models.Patient
	selection models.Selection
	alerts    []models.Alert
	recorded  map[string]recordKey
	closed    bool
}

type recordKey struct {
	state  models.SessionState
	images int
	result bool
}

// New creates an Orchestrator generating reports with uploader.
func New(uploader session.Uploader, opts ...Option) (*Orchestrator, error) {
	cfg := Opts{AlertCapacity: DefaultAlertCapacity}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = timer.NewSimpleTimer()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		manager:       cfg.Manager,
		directory:     cfg.Directory,
		runs:          cfg.Runs,
		notifications: cfg.Notifications,
		alertHandler:  cfg.AlertHandler,
		alertCap:      cfg.AlertCapacity,
		ctx:           ctx,
		cancel:        cancel,
		recorded:      make(map[string]recordKey),
	}

	sessOpts := []session.Option{
		session.WithScheduler(cfg.Scheduler),
		session.WithObserver(o.recordRun),
		session.WithUploadHandler(o.handleUpload),
	}
	if cfg.Camera != nil {
		sessOpts = append(sessOpts, session.WithCamera(cfg.Camera))
	}
	sess, err := session.New(uploader, append(sessOpts, cfg.SessionOpts...)...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	o.session = sess

	interp, err := trigger.NewInterpreter(o.handleTrigger,
		append([]trigger.Option{trigger.WithScheduler(cfg.Scheduler)}, cfg.TriggerOpts...)...)
	if err != nil {
		sess.Close()
		cancel()
		return nil, fmt.Errorf("failed to create trigger interpreter: %w", err)
	}
	o.interpreter = interp

	if o.manager != nil {
		o.wg.Add(1)
		go o.watchConnection()
	}
	return o, nil
}

// Open shows the screen: the session waits for a selection and the doctor and
// patient lists are loaded.
func (o *Orchestrator) Open(ctx context.Context) error {
	o.session.Open()
	if o.directory == nil {
		return nil
	}
	return o.RefreshDirectory(ctx)
}

// RefreshDirectory reloads the doctor and patient lists.
func (o *Orchestrator) RefreshDirectory(ctx context.Context) error {
	if o.directory == nil {
		return fmt.Errorf("no directory configured")
	}
	doctors, err := o.directory.ListDoctors(ctx)
	if err != nil {
		slog.Error("Orchestrator.RefreshDirectory: doctors failed", "error", err)
		return fmt.Errorf("failed to load doctors: %w", err)
	}
	patients, err := o.directory.ListPatients(ctx)
	if err != nil {
		slog.Error("Orchestrator.RefreshDirectory: patients failed", "error", err)
		return fmt.Errorf("failed to load patients: %w", err)
	}

	o.mu.Lock()
	o.doctors = doctors
	o.patients = patients
	o.mu.Unlock()
	slog.Info("Orchestrator.RefreshDirectory: lists loaded", "doctors", len(doctors), "patients", len(patients))
	return nil
}

// Doctors returns the loaded doctor list.
func (o *Orchestrator) Doctors() []models.Doctor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.Doctor(nil), o.doctors...)
}

// Patients returns the loaded patient list.
func (o *Orchestrator) Patients() []models.Patient {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.Patient(nil), o.patients...)
}

// SelectDoctor selects the doctor with id from the loaded list.
func (o *Orchestrator) SelectDoctor(id string) error {
	o.mu.Lock()
	var found *models.Doctor
	for i := range o.doctors {
		if o.doctors[i].ID == id {
			d := o.doctors[i]
			found = &d
			break
		}
	}
	if found == nil {
		o.mu.Unlock()
		return models.NewValidationError(fmt.Sprintf("Unknown doctor %q", id))
	}
	o.selection.Doctor = found
	sel := o.selection
	o.mu.Unlock()

	o.session.SetSelection(sel)
	slog.Debug("Orchestrator.SelectDoctor: selected", "doctor_id", id)
	return nil
}

// SelectPatient selects the patient with id from the loaded list.
func (o *Orchestrator) SelectPatient(id string) error {
	o.mu.Lock()
	var found *models.Patient
	for i := range o.patients {
		if o.patients[i].ID == id {
			p := o.patients[i]
			found = &p
			break
		}
	}
	if found == nil {
		o.mu.Unlock()
		return models.NewValidationError(fmt.Sprintf("Unknown patient %q", id))
	}
	o.selection.Patient = found
	sel := o.selection
	o.mu.Unlock()

	o.session.SetSelection(sel)
	slog.Debug("Orchestrator.SelectPatient: selected", "patient_id", id)
	return nil
}

// StartScreening begins a new run at the first step.
func (o *Orchestrator) StartScreening() error {
	if err := o.session.Start(); err != nil {
		o.raise(models.AlertFromError(err))
		return err
	}
	return nil
}

// Capture takes the picture for the current step from the on-screen button.
// A press while another capture is processed is ignored.
func (o *Orchestrator) Capture(ctx context.Context) error {
	err := o.session.Capture(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrCaptureInProgress):
		slog.Debug("Orchestrator.Capture: capture already in progress")
		return err
	case errors.Is(err, models.ErrCaptureFailed):
		o.raise(models.AlertFromError(err))
	}
	return err
}

// Regenerate retries report generation for the current run.
func (o *Orchestrator) Regenerate() error {
	if err := o.session.Regenerate(); err != nil {
		if errors.Is(err, models.ErrValidation) {
			o.raise(models.AlertFromError(err))
		}
		return err
	}
	return nil
}

// Reset discards the current run ("Start New").
func (o *Orchestrator) Reset() {
	o.session.Reset()
}

// ConnectDevice connects the remote shutter and starts listening for
// triggers once the link has settled.
func (o *Orchestrator) ConnectDevice(ctx context.Context) (*models.BluetoothHandle, error) {
	if o.manager == nil {
		err := fmt.Errorf("%w: no bluetooth adapter configured", models.ErrConnectionFailed)
		o.raise(models.AlertFromError(err))
		return nil, err
	}
	handle, err := o.manager.Connect(ctx)
	if err != nil {
		slog.Warn("Orchestrator.ConnectDevice: connect failed", "error", err)
		o.session.SetDeviceConnected(o.manager.Connected())
		o.raise(models.AlertFromError(err))
		return nil, err
	}
	if err := o.interpreter.Attach(o.manager); err != nil {
		slog.Error("Orchestrator.ConnectDevice: attach failed", "error", err)
	}
	o.session.SetDeviceConnected(true)
	o.raise(models.Alert{
		Kind:    models.AlertDeviceConnected,
		Title:   "Scanner connected",
		Message: fmt.Sprintf("Connected to %s", handle.Name),
	})
	return handle, nil
}

// DisconnectDevice stops listening and closes the shutter link.
func (o *Orchestrator) DisconnectDevice() error {
	o.interpreter.Detach()
	o.session.SetDeviceConnected(false)
	if o.manager == nil {
		return nil
	}
	return o.manager.Disconnect()
}

// DeviceHandle returns the connected shutter, or nil.
func (o *Orchestrator) DeviceHandle() *models.BluetoothHandle {
	if o.manager == nil {
		return nil
	}
	return o.manager.Handle()
}

// Snapshot returns the current session view.
func (o *Orchestrator) Snapshot() models.SessionSnapshot {
	return o.session.Snapshot()
}

// Updates forwards session snapshots as they change.
func (o *Orchestrator) Updates() <-chan models.SessionSnapshot {
	return o.session.Updates()
}

// Alerts returns and clears the queued alerts, oldest first.
func (o *Orchestrator) Alerts() []models.Alert {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.alerts
	o.alerts = nil
	return out
}

// Runs lists recorded screening runs, newest first.
func (o *Orchestrator) Runs(limit int) ([]store.ScreeningRun, error) {
	if o.runs == nil {
		return nil, nil
	}
	return o.runs.ListRuns(limit)
}

// Close tears everything down. Pending timers and subscriptions are cancelled.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.interpreter.Detach()
	var err error
	if o.manager != nil {
		err = o.manager.Close()
	}
	o.session.Close()
	o.wg.Wait()
	slog.Info("Orchestrator.Close: closed")
	return err
}

// handleTrigger runs for each accepted device trigger.
func (o *Orchestrator) handleTrigger() {
	accepted, err := o.session.HandleDeviceCaptureButton(o.ctx)
	if !accepted {
		slog.Debug("Orchestrator.handleTrigger: stray trigger ignored")
		return
	}
	if err != nil && !errors.Is(err, models.ErrCaptureInProgress) {
		slog.Warn("Orchestrator.handleTrigger: device capture failed", "error", err)
		if errors.Is(err, models.ErrCaptureFailed) {
			o.raise(models.AlertFromError(err))
		}
	}
}

// watchConnection follows connection changes reported by the manager. The
// manager's current state is authoritative since updates may lag behind a
// reconnect. Only passive drops detach the interpreter; explicit disconnects
// are handled by DisconnectDevice.
func (o *Orchestrator) watchConnection() {
	defer o.wg.Done()
	for st := range o.manager.Status() {
		connected := o.manager.Connected()
		o.session.SetDeviceConnected(connected)
		if connected || !st.Passive {
			continue
		}
		o.interpreter.Detach()
		slog.Warn("Orchestrator.watchConnection: scanner disconnected")
		o.raise(models.Alert{
			Kind:      models.AlertDeviceDisconnected,
			Title:     "Scanner disconnected",
			Message:   "The scanner connection was lost. Reconnect to use the remote shutter.",
			Retryable: true,
		})
	}
}

// handleUpload turns the outcome of a report upload into alerts and notifications.
func (o *Orchestrator) handleUpload(runID string, res *models.ReportResult, err error) {
	if err != nil {
		o.raise(models.AlertFromError(err))
		return
	}
	if o.notifications != nil {
		sel := o.session.Snapshot().Selection
		if _, err := o.notifications.ReportReady(sel.Doctor, sel.Patient, res.Report); err != nil {
			slog.Error("Orchestrator.handleUpload: failed to queue notification", "run_id", runID, "error", err)
		}
	}
	o.raise(models.Alert{
		Kind:    models.AlertReportReady,
		Title:   "Report ready",
		Message: "The screening report was generated.",
		FileURL: res.Report.FileURL,
	})
	if res.DownloadErr != nil {
		o.raise(models.AlertFromError(res.DownloadErr))
	}
}

// recordRun persists a run whenever its state, image count or result changes.
func (o *Orchestrator) recordRun(snap models.SessionSnapshot) {
	if o.runs == nil || snap.RunID == "" || !snap.Selection.Complete() {
		return
	}
	key := recordKey{state: snap.State, images: snap.ImageCount(), result: snap.Result != nil}
	o.mu.Lock()
	if o.recorded[snap.RunID] == key {
		o.mu.Unlock()
		return
	}
	o.recorded[snap.RunID] = key
	o.mu.Unlock()

	if err := o.runs.SaveRun(runFromSnapshot(snap)); err != nil {
		slog.Error("Orchestrator.recordRun: failed to save run", "run_id", snap.RunID, "error", err)
	}
}

func runFromSnapshot(snap models.SessionSnapshot) store.ScreeningRun {
	run := store.ScreeningRun{
		ID:         snap.RunID,
		DoctorID:   snap.Selection.Doctor.ID,
		PatientID:  snap.Selection.Patient.ID,
		HospitalID: snap.Selection.Patient.HospitalID,
		State:      snap.State,
		LastError:  snap.LastError,
		UpdatedAt:  snap.UpdatedAt,
	}
	for i := 0; i < models.ScreeningStepCount; i++ {
		if img, ok := snap.Images[i]; ok {
			run.Images = append(run.Images, img)
		}
	}
	if snap.Result != nil {
		run.ReportID = snap.Result.Report.ID
		run.ReportURL = snap.Result.Report.FileURL
		run.LocalPath = snap.Result.LocalPath
	}
	return run
}

// raise queues an alert, dropping the oldest when the queue is full.
func (o *Orchestrator) raise(a models.Alert) {
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	o.mu.Lock()
	if len(o.alerts) >= o.alertCap {
		o.alerts = o.alerts[1:]
	}
	o.alerts = append(o.alerts, a)
	handler := o.alertHandler
	o.mu.Unlock()

	slog.Info("Orchestrator: alert", "kind", a.Kind, "title", a.Title, "message", a.Message)
	if handler != nil {
		handler(a)
	}
}
