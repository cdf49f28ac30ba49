// Package trigger turns raw remote-shutter payloads into capture requests.
//
// Almost any non-empty payload counts as a shutter press. Bursts are absorbed
// by a cool-down window measured from the last accepted trigger, and accepted
// triggers are dispatched on the scheduler rather than inside the transport's
// data callback.
package trigger

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/bluetooth"
	"github.com/BTreeMap/ScanPipe/internal/timer"
)

// Defaults for trigger handling.
const (
	DefaultCooldown           = 1500 * time.Millisecond
	DefaultStabilizationDelay = time.Second
	CaptureMarker             = "CAPTURE"
	CaptureDigit              = "1"
)

// Kind classifies a normalized payload.
type Kind int

const (
	KindNone   Kind = iota // empty or whitespace
	KindMarker             // contains CAPTURE
	KindDigit              // exactly "1"
	KindOther              // any other non-empty text
)

func (k Kind) String() string {
	switch k {
	case KindMarker:
		return "marker"
	case KindDigit:
		return "digit"
	case KindOther:
		return "other"
	default:
		return "none"
	}
}

// Normalize converts a payload of unknown shape to a trimmed string.
func Normalize(payload any) string {
	var s string
	switch v := payload.(type) {
	case nil:
		return ""
	case string:
		s = v
	case []byte:
		s = string(v)
	case []string:
		s = strings.Join(v, "")
	case map[string]any:
		// Event envelopes carry the frame under "data".
		return Normalize(v["data"])
	case fmt.Stringer:
		s = v.String()
	default:
		s = fmt.Sprint(v)
	}
	return strings.TrimSpace(s)
}

// Classify reports what kind of trigger s is.
func Classify(s string) Kind {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return KindNone
	case strings.Contains(strings.ToUpper(s), CaptureMarker):
		return KindMarker
	case s == CaptureDigit:
		return KindDigit
	default:
		return KindOther
	}
}

// IsTrigger reports whether s should be treated as a shutter press.
func IsTrigger(s string) bool {
	return Classify(s) != KindNone
}

// Source is a stream of device payloads.
type Source interface {
	Subscribe(fn func(payload any)) (bluetooth.Subscription, error)
}

// Opts holds configuration options for the Interpreter.
type Opts struct {
	Cooldown           time.Duration
	StabilizationDelay time.Duration
	Scheduler          timer.Scheduler
	Now                func() time.Time
}

// Option defines a configuration option for the Interpreter.
type Option func(*Opts)

// WithCooldown sets the window after an accepted trigger during which further payloads are dropped.
func WithCooldown(d time.Duration) Option {
	return func(o *Opts) {
		o.Cooldown = d
	}
}

// WithStabilizationDelay sets how long Attach waits before subscribing.
func WithStabilizationDelay(d time.Duration) Option {
	return func(o *Opts) {
		o.StabilizationDelay = d
	}
}

// WithScheduler sets the scheduler used for dispatch and deferred attach.
func WithScheduler(s timer.Scheduler) Option {
	return func(o *Opts) {
		o.Scheduler = s
	}
}

// WithClock overrides the clock used for the cool-down window.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Interpreter debounces payloads and invokes onTrigger for accepted presses.
type Interpreter struct {
	onTrigger     func()
	cooldown      time.Duration
	stabilization time.Duration
	sched         timer.Scheduler
	now           func() time.Time

	mu           sync.Mutex
	lastAccepted time.Time
	sub          bluetooth.Subscription
	attachSeq    uint64
	attachTimer  string
	pending      map[string]struct{}
	accepted     int
	dropped      int
}

// NewInterpreter creates an Interpreter that calls onTrigger for each accepted press.
func NewInterpreter(onTrigger func(), opts ...Option) (*Interpreter, error) {
	if onTrigger == nil {
		return nil, fmt.Errorf("trigger callback cannot be nil")
	}
	cfg := Opts{
		Cooldown:           DefaultCooldown,
		StabilizationDelay: DefaultStabilizationDelay,
		Now:                time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = timer.NewSimpleTimer()
	}
	return &Interpreter{
		onTrigger:     onTrigger,
		cooldown:      cfg.Cooldown,
		stabilization: cfg.StabilizationDelay,
		sched:         cfg.Scheduler,
		now:           cfg.Now,
		pending:       make(map[string]struct{}),
	}, nil
}

// Handle interprets one payload. It returns true when a capture was scheduled.
func (i *Interpreter) Handle(payload any) bool {
	s := Normalize(payload)
	kind := Classify(s)
	if kind == KindNone {
		slog.Debug("Interpreter.Handle: ignoring empty payload")
		return false
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	if !i.lastAccepted.IsZero() && now.Sub(i.lastAccepted) < i.cooldown {
		i.dropped++
		slog.Debug("Interpreter.Handle: dropped inside cool-down", "kind", kind, "since_last", now.Sub(i.lastAccepted))
		return false
	}

	var id string
	id, err := i.sched.ScheduleAfter(0, func() {
		i.mu.Lock()
		delete(i.pending, id)
		i.mu.Unlock()
		i.onTrigger()
	})
	if err != nil {
		slog.Error("Interpreter.Handle: failed to schedule capture", "error", err)
		return false
	}
	i.pending[id] = struct{}{}
	i.lastAccepted = now
	i.accepted++
	slog.Debug("Interpreter.Handle: trigger accepted", "kind", kind, "payload", s)
	return true
}

// Attach subscribes to src after the stabilization delay. Any previous
// listener and any pending attach are cancelled first.
func (i *Interpreter) Attach(src Source) error {
	if src == nil {
		return fmt.Errorf("trigger source cannot be nil")
	}

	i.mu.Lock()
	i.detachLocked()
	i.attachSeq++
	seq := i.attachSeq
	i.mu.Unlock()

	id, err := i.sched.ScheduleAfter(i.stabilization, func() { i.subscribe(src, seq) })
	if err != nil {
		return fmt.Errorf("failed to schedule attach: %w", err)
	}

	i.mu.Lock()
	if seq == i.attachSeq {
		i.attachTimer = id
	}
	i.mu.Unlock()
	slog.Debug("Interpreter.Attach: subscription deferred", "delay", i.stabilization)
	return nil
}

func (i *Interpreter) subscribe(src Source, seq uint64) {
	i.mu.Lock()
	if seq != i.attachSeq {
		i.mu.Unlock()
		return
	}
	i.attachTimer = ""
	i.mu.Unlock()

	sub, err := src.Subscribe(func(p any) { i.Handle(p) })
	if err != nil {
		slog.Warn("Interpreter.subscribe: failed to attach listener", "error", err)
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if seq != i.attachSeq {
		sub.Remove()
		return
	}
	i.sub = sub
	slog.Info("Interpreter.subscribe: listening for device triggers")
}

// Detach removes the listener and cancels a pending attach and any queued captures.
func (i *Interpreter) Detach() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.attachSeq++
	i.detachLocked()
	for id := range i.pending {
		i.sched.Cancel(id)
	}
	i.pending = make(map[string]struct{})
}

func (i *Interpreter) detachLocked() {
	if i.attachTimer != "" {
		i.sched.Cancel(i.attachTimer)
		i.attachTimer = ""
	}
	if i.sub != nil {
		i.sub.Remove()
		i.sub = nil
	}
}

// Attached reports whether a listener is currently subscribed.
func (i *Interpreter) Attached() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sub != nil
}

// Stats returns how many triggers were accepted and dropped by the cool-down.
func (i *Interpreter) Stats() (accepted, dropped int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.accepted, i.dropped
}
