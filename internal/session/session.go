// Package session implements the screening capture state machine.
//
// A Session walks the six screening steps, guards the captured-images map
// against overlapping captures, and starts report generation exactly once when
// the sixth image lands. Every mutation happens under one mutex; camera and
// upload I/O run outside it and are matched back to the run that started them
// through a generation counter, so results that arrive after a reset are dropped.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/camera"
	"github.com/BTreeMap/ScanPipe/internal/models"
	"github.com/BTreeMap/ScanPipe/internal/report"
	"github.com/BTreeMap/ScanPipe/internal/timer"
	"github.com/google/uuid"
)

// Defaults for capture handling.
const (
	DefaultDeviceCooldown = 1500 * time.Millisecond
	updatesBufferSize     = 256
)

// Uploader generates the report for a completed run.
type Uploader interface {
	GenerateAndUpload(ctx context.Context, req report.Request, progress func(int)) (*models.ReportResult, error)
}

// UploadHandler is told how each upload for the current run ended.
type UploadHandler func(runID string, res *models.ReportResult, err error)

// Opts holds configuration options for a Session.
type Opts struct {
	Camera         camera.Camera
	Scheduler      timer.Scheduler
	DeviceCooldown time.Duration
	Now            func() time.Time
	NewRunID       func() string
	Observer       func(models.SessionSnapshot)
	OnUpload       UploadHandler
}

// Option defines a configuration option for a Session.
type Option func(*Opts)

// WithCamera sets the camera used by Capture and device triggers.
func WithCamera(c camera.Camera) Option {
	return func(o *Opts) {
		o.Camera = c
	}
}

// WithScheduler sets the scheduler used for the device cool-down.
func WithScheduler(s timer.Scheduler) Option {
	return func(o *Opts) {
		o.Scheduler = s
	}
}

// WithDeviceCooldown sets how long device triggers stay blocked after a capture.
func WithDeviceCooldown(d time.Duration) Option {
	return func(o *Opts) {
		o.DeviceCooldown = d
	}
}

// WithClock overrides the clock used for capture timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// WithRunIDGenerator overrides how run IDs are generated.
func WithRunIDGenerator(fn func() string) Option {
	return func(o *Opts) {
		o.NewRunID = fn
	}
}

// WithObserver registers fn to receive every snapshot, in order, from a
// single goroutine.
func WithObserver(fn func(models.SessionSnapshot)) Option {
	return func(o *Opts) {
		o.Observer = fn
	}
}

// WithUploadHandler registers fn to be called when an upload for the current run finishes.
func WithUploadHandler(fn UploadHandler) Option {
	return func(o *Opts) {
		o.OnUpload = fn
	}
}

// Session is one screening capture session.
type Session struct {
	camera         camera.Camera
	uploader       Uploader
	sched          timer.Scheduler
	deviceCooldown time.Duration
	now            func() time.Time
	newRunID       func() string
	observer       func(models.SessionSnapshot)
	onUpload       UploadHandler

	mu              sync.Mutex
	state           models.SessionState
	runID           string
	generation      uint64
	step            int
	images          map[int]models.CapturedImage
	cameraVisible   bool
	processing      bool
	captureToken    uint64
	deviceCapturing bool
	deviceTimerID   string
	generated       bool
	uploading       bool
	progress        int
	uploadCancel    context.CancelFunc
	deviceConnected bool
	selection       models.Selection
	result          *models.ReportResult
	lastErr         string
	updatedAt       time.Time
	closed          bool

	events  chan models.SessionSnapshot
	updates chan models.SessionSnapshot
	done    chan struct{}
}

// New creates a Session in the Idle state.
func New(uploader Uploader, opts ...Option) (*Session, error) {
	if uploader == nil {
		return nil, fmt.Errorf("uploader cannot be nil")
	}
	cfg := Opts{
		DeviceCooldown: DefaultDeviceCooldown,
		Now:            time.Now,
		NewRunID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = timer.NewSimpleTimer()
	}

	s := &Session{
		camera:         cfg.Camera,
		uploader:       uploader,
		sched:          cfg.Scheduler,
		deviceCooldown: cfg.DeviceCooldown,
		now:            cfg.Now,
		newRunID:       cfg.NewRunID,
		observer:       cfg.Observer,
		onUpload:       cfg.OnUpload,
		state:          models.StateIdle,
		images:         make(map[int]models.CapturedImage),
		events:         make(chan models.SessionSnapshot, updatesBufferSize),
		updates:        make(chan models.SessionSnapshot, updatesBufferSize),
		done:           make(chan struct{}),
	}
	s.updatedAt = s.now()
	go s.dispatch()
	return s, nil
}

// Open moves an idle session to AwaitingSelection.
func (s *Session) Open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.StateIdle {
		return
	}
	s.setStateLocked(models.StateAwaitingSelection)
}

// SetSelection records the chosen doctor and patient.
func (s *Session) SetSelection(sel models.Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection = sel
	s.touchLocked()
	s.maybeStartUploadLocked()
}

// Start begins a new run at step 0. Both doctor and patient must be selected.
// Starting while an upload is in flight is rejected.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.selection.Validate(); err != nil {
		slog.Debug("Session.Start: rejected", "error", err)
		return err
	}
	if s.uploading {
		return fmt.Errorf("%w: report generation in progress", models.ErrInvalidTransition)
	}

	s.clearRunLocked()
	s.runID = s.newRunID()
	s.cameraVisible = true
	s.setStateLocked(models.StateCapturing)
	slog.Info("Session.Start: screening started", "run_id", s.runID, "step", s.step)
	return nil
}

// Capture takes a picture for the current step and records it. It returns
// models.ErrCaptureInProgress when another capture is being processed.
func (s *Session) Capture(ctx context.Context) error {
	s.mu.Lock()
	if s.processing {
		s.mu.Unlock()
		return models.ErrCaptureInProgress
	}
	if s.state != models.StateCapturing || !s.cameraVisible {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot capture in state %s", models.ErrInvalidTransition, state)
	}
	if s.camera == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: no camera available", models.ErrCaptureFailed)
	}
	token := s.beginProcessingLocked()
	gen, stepIndex := s.generation, s.step
	cam := s.camera
	s.mu.Unlock()
	defer s.endProcessing(token)

	step := models.ScreeningSteps[stepIndex]
	slog.Debug("Session.Capture: taking picture", "step", step.Label())
	desc, err := cam.TakePicture(ctx, step)
	if err != nil {
		slog.Warn("Session.Capture: camera failed", "step", step.Label(), "error", err)
		s.mu.Lock()
		if gen == s.generation {
			s.lastErr = models.UserMessage(err)
			s.touchLocked()
		}
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", models.ErrCaptureFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.state != models.StateCapturing || s.step != stepIndex {
		slog.Info("Session.Capture: discarding picture from a superseded run", "step", step.Label())
		return fmt.Errorf("%w: session changed during capture", models.ErrInvalidTransition)
	}
	return s.recordLocked(desc)
}

// HandleCapture records an externally taken picture against the current
// step. It is a no-op returning models.ErrCaptureInProgress while another
// capture is being processed.
func (s *Session) HandleCapture(img models.ImageDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		slog.Debug("Session.HandleCapture: capture already in progress, ignoring")
		return models.ErrCaptureInProgress
	}
	if s.state != models.StateCapturing {
		return fmt.Errorf("%w: cannot capture in state %s", models.ErrInvalidTransition, s.state)
	}
	token := s.beginProcessingLocked()
	defer s.endProcessingLocked(token)
	return s.recordLocked(img)
}

// HandleDeviceCaptureButton handles a shutter press from the remote device.
// The press is dropped, with accepted false, when a device capture is already
// running or cooling down, when the camera is hidden, or when no camera is
// available. Otherwise it captures, returning any capture error.
func (s *Session) HandleDeviceCaptureButton(ctx context.Context) (bool, error) {
	s.mu.Lock()
	switch {
	case s.deviceCapturing:
		s.mu.Unlock()
		slog.Debug("Session.HandleDeviceCaptureButton: dropped, device capture already running")
		return false, nil
	case !s.cameraVisible:
		s.mu.Unlock()
		slog.Debug("Session.HandleDeviceCaptureButton: dropped, camera not visible")
		return false, nil
	case s.camera == nil:
		s.mu.Unlock()
		slog.Debug("Session.HandleDeviceCaptureButton: dropped, no camera")
		return false, nil
	}
	s.deviceCapturing = true
	gen := s.generation
	s.mu.Unlock()

	defer s.scheduleDeviceCooldown(gen)
	return true, s.Capture(ctx)
}

// scheduleDeviceCooldown clears the device flag after the cool-down unless
// the run was reset meanwhile.
func (s *Session) scheduleDeviceCooldown(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.closed {
		return
	}
	var id string
	id, err := s.sched.ScheduleAfter(s.deviceCooldown, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.deviceTimerID == id {
			s.deviceCapturing = false
			s.deviceTimerID = ""
		}
	})
	if err != nil {
		slog.Error("Session.scheduleDeviceCooldown: failed to schedule", "error", err)
		s.deviceCapturing = false
		return
	}
	s.deviceTimerID = id
}

// Regenerate retries report generation for a run with all six images, after
// a failure or a completed upload.
func (s *Session) Regenerate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.uploading {
		return fmt.Errorf("%w: report generation already in progress", models.ErrInvalidTransition)
	}
	if n := len(s.images); n != models.ScreeningStepCount {
		return fmt.Errorf("%w: %w", models.ErrIncompleteImages, models.NewValidationError(
			fmt.Sprintf("All %d images are required before generating the report (%d captured)", models.ScreeningStepCount, n)))
	}
	if err := s.selection.Validate(); err != nil {
		return err
	}
	switch s.state {
	case models.StateFailed, models.StateAllCaptured, models.StateComplete:
	default:
		return fmt.Errorf("%w: cannot regenerate in state %s", models.ErrInvalidTransition, s.state)
	}

	slog.Info("Session.Regenerate: retrying report generation", "run_id", s.runID, "from", s.state)
	s.generated = false
	s.result = nil
	s.state = models.StateAllCaptured
	s.maybeStartUploadLocked()
	return nil
}

// Reset returns the session to AwaitingSelection from any state. Images,
// step pointer, flags and pending timers are cleared and an in-flight upload
// is cancelled. The selection is kept.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearRunLocked()
	s.runID = ""
	s.setStateLocked(models.StateAwaitingSelection)
	slog.Debug("Session.Reset: session reset")
}

// SetDeviceConnected records whether the remote shutter is connected.
func (s *Session) SetDeviceConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deviceConnected == connected {
		return
	}
	s.deviceConnected = connected
	s.touchLocked()
}

// Snapshot returns a copy of the current session state.
func (s *Session) Snapshot() models.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Updates returns a channel receiving snapshots after each change. Updates
// are dropped when the reader falls behind.
func (s *Session) Updates() <-chan models.SessionSnapshot {
	return s.updates
}

// Close cancels pending work and stops update delivery. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.clearRunLocked()
	s.closed = true
	close(s.events)
	s.mu.Unlock()
	<-s.done
}

func (s *Session) beginProcessingLocked() uint64 {
	s.processing = true
	s.captureToken++
	return s.captureToken
}

func (s *Session) endProcessing(token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endProcessingLocked(token)
}

func (s *Session) endProcessingLocked(token uint64) {
	if s.captureToken == token {
		s.processing = false
	}
}

// recordLocked stores img for the current step and advances.
func (s *Session) recordLocked(img models.ImageDescriptor) error {
	ci, err := models.NewCapturedImage(s.step, img, s.now())
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrCaptureFailed, err)
	}
	s.images[s.step] = ci
	s.lastErr = ""
	slog.Info("Session.recordLocked: image captured", "run_id", s.runID, "step", s.step, "label", models.ScreeningSteps[s.step].Label())

	if s.step == models.ScreeningStepCount-1 {
		s.cameraVisible = false
		s.setStateLocked(models.StateAllCaptured)
		s.maybeStartUploadLocked()
		return nil
	}
	s.step++
	s.touchLocked()
	return nil
}

// maybeStartUploadLocked moves AllCaptured to Uploading when every guard
// holds. generated is set before the upload goroutine starts so repeated
// evaluation cannot launch a second upload.
func (s *Session) maybeStartUploadLocked() {
	if s.state != models.StateAllCaptured ||
		len(s.images) != models.ScreeningStepCount ||
		!s.selection.Complete() ||
		s.uploading ||
		s.generated ||
		s.closed {
		return
	}
	s.generated = true
	s.uploading = true
	s.progress = 0
	s.result = nil

	ctx, cancel := context.WithCancel(context.Background())
	s.uploadCancel = cancel
	gen, runID := s.generation, s.runID
	req := report.Request{
		Doctor:  s.selection.Doctor,
		Patient: s.selection.Patient,
		Images:  make(map[int]models.CapturedImage, len(s.images)),
	}
	for k, v := range s.images {
		req.Images[k] = v
	}
	s.setStateLocked(models.StateUploading)
	slog.Info("Session.maybeStartUploadLocked: generating report", "run_id", runID)

	go s.runUpload(ctx, gen, runID, req)
}

func (s *Session) runUpload(ctx context.Context, gen uint64, runID string, req report.Request) {
	res, err := s.uploader.GenerateAndUpload(ctx, req, func(p int) { s.setProgress(gen, p) })

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		slog.Info("Session.runUpload: ignoring result of a superseded run", "run_id", runID)
		return
	}
	s.uploading = false
	if s.uploadCancel != nil {
		s.uploadCancel()
		s.uploadCancel = nil
	}
	if err != nil {
		s.generated = false
		s.lastErr = models.UserMessage(err)
		s.setStateLocked(models.StateFailed)
		slog.Warn("Session.runUpload: report generation failed", "run_id", runID, "error", err)
	} else {
		s.result = res
		s.progress = 100
		s.lastErr = ""
		s.setStateLocked(models.StateComplete)
		slog.Info("Session.runUpload: report generated", "run_id", runID, "report_id", res.Report.ID)
	}
	onUpload := s.onUpload
	s.mu.Unlock()

	if onUpload != nil {
		onUpload(runID, res, err)
	}
}

func (s *Session) setProgress(gen uint64, p int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || !s.uploading {
		return
	}
	if p > 100 {
		p = 100
	}
	if p <= s.progress {
		return
	}
	s.progress = p
	s.touchLocked()
}

// clearRunLocked drops all per-run state and invalidates in-flight work.
func (s *Session) clearRunLocked() {
	s.generation++
	if s.uploadCancel != nil {
		s.uploadCancel()
		s.uploadCancel = nil
	}
	if s.deviceTimerID != "" {
		s.sched.Cancel(s.deviceTimerID)
		s.deviceTimerID = ""
	}
	s.images = make(map[int]models.CapturedImage)
	s.step = 0
	s.cameraVisible = false
	s.processing = false
	s.deviceCapturing = false
	s.generated = false
	s.uploading = false
	s.progress = 0
	s.result = nil
	s.lastErr = ""
}

func (s *Session) setStateLocked(st models.SessionState) {
	if s.state != st {
		slog.Debug("Session: state transition", "from", s.state, "to", st, "run_id", s.runID)
	}
	s.state = st
	s.touchLocked()
}

// touchLocked stamps the session and queues a snapshot for observers.
func (s *Session) touchLocked() {
	s.updatedAt = s.now()
	if s.closed {
		return
	}
	select {
	case s.events <- s.snapshotLocked():
	default:
		slog.Warn("Session: update queue full, dropping snapshot", "state", s.state)
	}
}

func (s *Session) dispatch() {
	defer close(s.done)
	defer close(s.updates)
	for snap := range s.events {
		if s.observer != nil {
			s.observer(snap)
		}
		select {
		case s.updates <- snap:
		default:
		}
	}
}

func (s *Session) snapshotLocked() models.SessionSnapshot {
	snap := models.SessionSnapshot{
		RunID:           s.runID,
		State:           s.state,
		StepIndex:       s.step,
		Images:          make(map[int]models.CapturedImage, len(s.images)),
		CameraVisible:   s.cameraVisible,
		Processing:      s.processing,
		Generated:       s.generated,
		Uploading:       s.uploading,
		Progress:        s.progress,
		DeviceConnected: s.deviceConnected,
		Selection:       s.selection,
		LastError:       s.lastErr,
		UpdatedAt:       s.updatedAt,
	}
	for k, v := range s.images {
		snap.Images[k] = v
	}
	if s.state == models.StateCapturing {
		step := models.ScreeningSteps[s.step]
		snap.Step = &step
	}
	if s.result != nil {
		r := *s.result
		snap.Result = &r
	}
	return snap
}
