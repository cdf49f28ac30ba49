package bluetooth

import (
	"context"
	"fmt"
	"sync"

	"github.com/BTreeMap/ScanPipe/internal/models"
)

// MockPlatform is a scriptable Platform for tests and simulation mode.
type MockPlatform struct {
	mu sync.Mutex

	Permission    PermissionStatus
	PermissionErr error
	RadioOn       bool
	EnableErr     error
	Devices       []models.BluetoothDevice
	ConnectErr    error

	PermissionRequests int
	EnableRequests     int
	links              []*MockLink
	onDisconnect       func(address string)
}

// NewMockPlatform returns a platform with permissions granted, the radio on
// and a single bonded BR-SCAN device.
func NewMockPlatform() *MockPlatform {
	return &MockPlatform{
		Permission: PermissionGranted,
		RadioOn:    true,
		Devices: []models.BluetoothDevice{
			{Address: "00:11:22:33:44:55", Name: "BR-SCAN-0001"},
		},
	}
}

func (p *MockPlatform) RequestPermissions(ctx context.Context) (PermissionStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PermissionRequests++
	return p.Permission, p.PermissionErr
}

func (p *MockPlatform) RadioEnabled(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.RadioOn, nil
}

func (p *MockPlatform) RequestEnableRadio(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EnableRequests++
	if p.EnableErr != nil {
		return p.EnableErr
	}
	p.RadioOn = true
	return nil
}

func (p *MockPlatform) BondedDevices(ctx context.Context) ([]models.BluetoothDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.BluetoothDevice(nil), p.Devices...), nil
}

func (p *MockPlatform) Connect(ctx context.Context, dev models.BluetoothDevice, opts LinkOptions) (Link, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	l := NewMockLink(dev.Address)
	p.links = append(p.links, l)
	return l, nil
}

func (p *MockPlatform) SetDisconnectHandler(fn func(address string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDisconnect = fn
}

// SimulateDeviceDisconnect invokes the registered disconnect handler as the OS would.
func (p *MockPlatform) SimulateDeviceDisconnect(address string) {
	p.mu.Lock()
	fn := p.onDisconnect
	p.mu.Unlock()
	if fn != nil {
		fn(address)
	}
}

// Links returns every link opened so far, oldest first.
func (p *MockPlatform) Links() []*MockLink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*MockLink(nil), p.links...)
}

// LastLink returns the most recently opened link, or nil.
func (p *MockPlatform) LastLink() *MockLink {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.links) == 0 {
		return nil
	}
	return p.links[len(p.links)-1]
}

// MockLink is an in-memory Link. Emit delivers payloads synchronously.
type MockLink struct {
	Address string

	mu        sync.Mutex
	listeners map[int]func(any)
	nextID    int
	written   [][]byte
	closed    bool
	done      chan struct{}
}

// NewMockLink creates an open MockLink.
func NewMockLink(address string) *MockLink {
	return &MockLink{
		Address:   address,
		listeners: make(map[int]func(any)),
		done:      make(chan struct{}),
	}
}

func (l *MockLink) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, fmt.Errorf("link closed")
	}
	l.written = append(l.written, append([]byte(nil), p...))
	return len(p), nil
}

func (l *MockLink) OnData(fn func(any)) Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.listeners[id] = fn
	return &linkSubscription{remove: func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}}
}

func (l *MockLink) Done() <-chan struct{} {
	return l.done
}

func (l *MockLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}

// Emit delivers payload to every listener. It does nothing once closed.
func (l *MockLink) Emit(payload any) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	fns := make([]func(any), 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

// Drop simulates the peripheral going away.
func (l *MockLink) Drop() {
	l.Close()
}

// Written returns a copy of everything written to the link.
func (l *MockLink) Written() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.written))
	copy(out, l.written)
	return out
}

// ListenerCount returns the number of attached data listeners.
func (l *MockLink) ListenerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.listeners)
}

// Closed reports whether Close has been called.
func (l *MockLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
