package bluetooth

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/models"
)

// Defaults for the BR-SCAN remote shutter.
const (
	DefaultNamePattern        = `^BR-SCAN-\d+$`
	DefaultPassword           = "1234"
	DefaultStabilizationDelay = time.Second
	DefaultRFCOMMChannel      = 1
	statusBufferSize          = 16
)

// Opts holds configuration options for the Manager.
type Opts struct {
	NamePattern        string
	Password           string
	StabilizationDelay time.Duration
	Delimiter          string
	Charset            string
	RFCOMMChannel      uint8
}

// Option defines a configuration option for the Manager.
type Option func(*Opts)

// WithNamePattern sets the regular expression bonded device names must match.
func WithNamePattern(pattern string) Option {
	return func(o *Opts) {
		o.NamePattern = pattern
	}
}

// WithPassword sets the password written to the device after connecting.
func WithPassword(password string) Option {
	return func(o *Opts) {
		o.Password = password
	}
}

// WithStabilizationDelay sets how long to wait after opening the link before writing the password.
func WithStabilizationDelay(d time.Duration) Option {
	return func(o *Opts) {
		o.StabilizationDelay = d
	}
}

// WithDelimiter sets the inbound frame delimiter.
func WithDelimiter(delim string) Option {
	return func(o *Opts) {
		o.Delimiter = delim
	}
}

// WithCharset sets the text encoding of inbound frames.
func WithCharset(charset string) Option {
	return func(o *Opts) {
		o.Charset = charset
	}
}

// WithRFCOMMChannel sets the RFCOMM channel to connect on.
func WithRFCOMMChannel(ch uint8) Option {
	return func(o *Opts) {
		o.RFCOMMChannel = ch
	}
}

// Manager owns the single connection to the remote shutter.
type Manager struct {
	platform      Platform
	namePattern   *regexp.Regexp
	password      string
	stabilization time.Duration
	linkOpts      LinkOptions

	// connectMu serializes Connect and Disconnect so two callers cannot both
	// end up holding a link.
	connectMu sync.Mutex

	mu         sync.Mutex
	permission PermissionStatus
	link       Link
	handle     *models.BluetoothHandle
	sub        Subscription
	generation uint64
	closed     bool
	status     chan models.ConnectionStatus
}

// NewManager creates a Manager over the given platform.
func NewManager(platform Platform, opts ...Option) (*Manager, error) {
	if platform == nil {
		return nil, fmt.Errorf("bluetooth platform cannot be nil")
	}
	cfg := Opts{
		NamePattern:        DefaultNamePattern,
		Password:           DefaultPassword,
		StabilizationDelay: DefaultStabilizationDelay,
		Delimiter:          DefaultDelimiter,
		Charset:            DefaultCharset,
		RFCOMMChannel:      DefaultRFCOMMChannel,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	re, err := regexp.Compile(cfg.NamePattern)
	if err != nil {
		return nil, fmt.Errorf("invalid device name pattern %q: %w", cfg.NamePattern, err)
	}

	m := &Manager{
		platform:      platform,
		namePattern:   re,
		password:      cfg.Password,
		stabilization: cfg.StabilizationDelay,
		linkOpts: LinkOptions{
			Delimiter: cfg.Delimiter,
			Charset:   cfg.Charset,
			Channel:   cfg.RFCOMMChannel,
		},
		status: make(chan models.ConnectionStatus, statusBufferSize),
	}
	platform.SetDisconnectHandler(m.handleDeviceDisconnected)

	slog.Debug("Manager.NewManager: created", "pattern", cfg.NamePattern, "stabilization", cfg.StabilizationDelay)
	return m, nil
}

// CheckPermissions asks the platform for Bluetooth permissions. A granted or
// denied answer is cached for the lifetime of the Manager.
func (m *Manager) CheckPermissions(ctx context.Context) bool {
	m.mu.Lock()
	cached := m.permission
	m.mu.Unlock()
	if cached.Definitive() {
		return cached == PermissionGranted
	}

	status, err := m.platform.RequestPermissions(ctx)
	if err != nil {
		slog.Warn("Manager.CheckPermissions: permission request failed", "error", err)
		return false
	}
	if status.Definitive() {
		m.mu.Lock()
		m.permission = status
		m.mu.Unlock()
	}
	slog.Debug("Manager.CheckPermissions: result", "status", status)
	return status == PermissionGranted
}

// EnableBluetoothIfNeeded turns the radio on when it is off.
func (m *Manager) EnableBluetoothIfNeeded(ctx context.Context) bool {
	on, err := m.platform.RadioEnabled(ctx)
	if err != nil {
		slog.Warn("Manager.EnableBluetoothIfNeeded: radio state unknown", "error", err)
	}
	if on {
		return true
	}
	if err := m.platform.RequestEnableRadio(ctx); err != nil {
		slog.Warn("Manager.EnableBluetoothIfNeeded: enable failed", "error", err)
		return false
	}
	slog.Info("Manager.EnableBluetoothIfNeeded: radio enabled")
	return true
}

// Connect opens a link to the first bonded device whose name matches the
// configured pattern. An existing connection is dropped first. On failure the
// manager is left disconnected.
func (m *Manager) Connect(ctx context.Context) (*models.BluetoothHandle, error) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if !m.CheckPermissions(ctx) {
		return nil, models.ErrPermissionDenied
	}
	if !m.EnableBluetoothIfNeeded(ctx) {
		return nil, fmt.Errorf("%w: bluetooth radio is off", models.ErrConnectionFailed)
	}

	devices, err := m.platform.BondedDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list bonded devices: %v", models.ErrConnectionFailed, err)
	}
	dev, ok := m.findDevice(devices)
	if !ok {
		slog.Info("Manager.Connect: no bonded device matches", "pattern", m.namePattern.String(), "bonded", len(devices))
		return nil, models.ErrDeviceNotPaired
	}

	m.disconnectLocked()

	slog.Debug("Manager.Connect: opening link", "address", dev.Address, "name", dev.Name)
	link, err := m.platform.Connect(ctx, dev, m.linkOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrConnectionFailed, dev.Name, err)
	}

	if err := sleepCtx(ctx, m.stabilization); err != nil {
		link.Close()
		return nil, fmt.Errorf("%w: %v", models.ErrConnectionFailed, err)
	}
	if _, err := link.Write([]byte(m.password)); err != nil {
		link.Close()
		return nil, fmt.Errorf("%w: failed to send device password: %v", models.ErrConnectionFailed, err)
	}

	handle := &models.BluetoothHandle{ID: dev.Address, Name: dev.Name, Connected: true}

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.link = link
	m.handle = handle
	m.mu.Unlock()

	go m.watchLink(link, gen)

	m.publish(models.ConnectionStatus{Connected: true, Handle: copyHandle(handle), Time: time.Now()})
	slog.Info("Manager.Connect: connected", "address", dev.Address, "name", dev.Name)
	return copyHandle(handle), nil
}

func (m *Manager) findDevice(devices []models.BluetoothDevice) (models.BluetoothDevice, bool) {
	for _, d := range devices {
		if m.namePattern.MatchString(d.Name) {
			return d, true
		}
	}
	return models.BluetoothDevice{}, false
}

// Disconnect removes subscriptions and closes the active link. It is safe to
// call when already disconnected.
func (m *Manager) Disconnect() error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()
	return m.disconnectLocked()
}

// disconnectLocked tears down the current link. Callers hold connectMu.
func (m *Manager) disconnectLocked() error {
	m.mu.Lock()
	link, handle, sub := m.link, m.handle, m.sub
	m.link, m.handle, m.sub = nil, nil, nil
	m.generation++
	m.mu.Unlock()

	if sub != nil {
		sub.Remove()
	}
	if link == nil {
		return nil
	}

	err := link.Close()
	if err != nil {
		slog.Warn("Manager.Disconnect: close failed", "error", err)
	}
	slog.Info("Manager.Disconnect: disconnected", "address", handle.ID)
	m.publish(models.ConnectionStatus{Connected: false, Time: time.Now()})
	return err
}

// Subscribe attaches fn as the data listener on the active link, replacing any
// previous listener.
func (m *Manager) Subscribe(fn func(payload any)) (Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("listener cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.link == nil {
		return nil, fmt.Errorf("%w: not connected", models.ErrConnectionFailed)
	}
	if m.sub != nil {
		m.sub.Remove()
		m.sub = nil
	}
	m.sub = m.link.OnData(fn)
	return m.sub, nil
}

// Unsubscribe removes the current data listener, if any.
func (m *Manager) Unsubscribe() {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()
	if sub != nil {
		sub.Remove()
	}
}

// watchLink clears the connection when the link stops on its own.
func (m *Manager) watchLink(link Link, gen uint64) {
	<-link.Done()
	m.handlePassive(gen, "link closed")
}

func (m *Manager) handleDeviceDisconnected(address string) {
	m.mu.Lock()
	match := m.handle != nil && m.handle.ID == address
	gen := m.generation
	m.mu.Unlock()
	if match {
		m.handlePassive(gen, "device reported disconnect")
	}
}

// handlePassive tears down the link of generation gen if it is still current.
func (m *Manager) handlePassive(gen uint64, reason string) {
	m.mu.Lock()
	if gen != m.generation || m.link == nil {
		m.mu.Unlock()
		return
	}
	link, sub := m.link, m.sub
	m.link, m.handle, m.sub = nil, nil, nil
	m.generation++
	m.mu.Unlock()

	slog.Warn("Manager.handlePassive: connection lost", "reason", reason)
	if sub != nil {
		sub.Remove()
	}
	link.Close()
	m.publish(models.ConnectionStatus{Connected: false, Passive: true, Time: time.Now()})
}

// Status returns a channel of connection changes.
func (m *Manager) Status() <-chan models.ConnectionStatus {
	return m.status
}

// Handle returns a copy of the active handle, or nil.
func (m *Manager) Handle() *models.BluetoothHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyHandle(m.handle)
}

// Connected reports whether a link is active.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link != nil
}

// Close disconnects and closes the status channel.
func (m *Manager) Close() error {
	err := m.Disconnect()
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.status)
	}
	m.mu.Unlock()
	return err
}

func (m *Manager) publish(st models.ConnectionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.status <- st:
	default:
		slog.Warn("Manager.publish: status buffer full, dropping update", "connected", st.Connected)
	}
}

func copyHandle(h *models.BluetoothHandle) *models.BluetoothHandle {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
