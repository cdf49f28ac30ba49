package bluetooth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/models"
)

func newTestManager(t *testing.T, p *MockPlatform, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithStabilizationDelay(0)}, opts...)
	m, err := NewManager(p, opts...)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestConnectWritesPasswordAndStoresHandle(t *testing.T) {
	p := NewMockPlatform()
	m := newTestManager(t, p, WithPassword("4321"))

	h, err := m.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if h.Name != "BR-SCAN-0001" || !h.Connected {
		t.Errorf("unexpected handle %+v", h)
	}
	if !m.Connected() {
		t.Error("expected manager to be connected")
	}
	written := p.LastLink().Written()
	if len(written) != 1 || string(written[0]) != "4321" {
		t.Errorf("expected password write, got %q", written)
	}

	select {
	case st := <-m.Status():
		if !st.Connected || st.Handle == nil {
			t.Errorf("expected connected status, got %+v", st)
		}
	default:
		t.Error("expected a status update")
	}
}

func TestConnectPicksFirstMatchingDevice(t *testing.T) {
	p := NewMockPlatform()
	p.Devices = []models.BluetoothDevice{
		{Address: "AA:AA:AA:AA:AA:01", Name: "Headphones"},
		{Address: "AA:AA:AA:AA:AA:02", Name: "BR-SCAN-"},
		{Address: "AA:AA:AA:AA:AA:03", Name: "BR-SCAN-42"},
		{Address: "AA:AA:AA:AA:AA:04", Name: "BR-SCAN-43"},
	}
	m := newTestManager(t, p)

	h, err := m.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if h.ID != "AA:AA:AA:AA:AA:03" {
		t.Errorf("expected BR-SCAN-42, got %+v", h)
	}
}

func TestConnectNoPairedDevice(t *testing.T) {
	p := NewMockPlatform()
	p.Devices = []models.BluetoothDevice{{Address: "AA:AA:AA:AA:AA:01", Name: "Keyboard"}}
	m := newTestManager(t, p)

	h, err := m.Connect(context.Background())
	if !errors.Is(err, models.ErrDeviceNotPaired) {
		t.Fatalf("expected ErrDeviceNotPaired, got %v", err)
	}
	if h != nil || m.Handle() != nil || m.Connected() {
		t.Error("expected no handle after failed connect")
	}
	if len(p.Links()) != 0 {
		t.Error("expected no connection attempt")
	}
}

func TestConnectPermissionDeniedIsCached(t *testing.T) {
	p := NewMockPlatform()
	p.Permission = PermissionDenied
	m := newTestManager(t, p)

	for i := 0; i < 3; i++ {
		if _, err := m.Connect(context.Background()); !errors.Is(err, models.ErrPermissionDenied) {
			t.Fatalf("expected ErrPermissionDenied, got %v", err)
		}
	}
	if p.PermissionRequests != 1 {
		t.Errorf("expected 1 permission prompt, got %d", p.PermissionRequests)
	}
}

func TestCheckPermissionsUndeterminedNotCached(t *testing.T) {
	p := NewMockPlatform()
	p.Permission = PermissionUndetermined
	m := newTestManager(t, p)

	if m.CheckPermissions(context.Background()) {
		t.Error("expected undetermined to be treated as not granted")
	}
	p.Permission = PermissionGranted
	if !m.CheckPermissions(context.Background()) {
		t.Error("expected granted on second ask")
	}
	if p.PermissionRequests != 2 {
		t.Errorf("expected 2 permission prompts, got %d", p.PermissionRequests)
	}
}

func TestConnectEnablesRadio(t *testing.T) {
	p := NewMockPlatform()
	p.RadioOn = false
	m := newTestManager(t, p)

	if _, err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if p.EnableRequests != 1 {
		t.Errorf("expected one enable request, got %d", p.EnableRequests)
	}

	p2 := NewMockPlatform()
	p2.RadioOn = false
	p2.EnableErr = errors.New("blocked")
	m2 := newTestManager(t, p2)
	if _, err := m2.Connect(context.Background()); !errors.Is(err, models.ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
}

func TestConnectFailureLeavesDisconnected(t *testing.T) {
	p := NewMockPlatform()
	p.ConnectErr = errors.New("page timeout")
	m := newTestManager(t, p)

	if _, err := m.Connect(context.Background()); !errors.Is(err, models.ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
	if m.Connected() {
		t.Error("expected disconnected state")
	}
}

func TestConnectTwiceKeepsSingleHandle(t *testing.T) {
	p := NewMockPlatform()
	m := newTestManager(t, p)
	ctx := context.Background()

	if _, err := m.Connect(ctx); err != nil {
		t.Fatalf("first Connect failed: %v", err)
	}
	if _, err := m.Subscribe(func(any) {}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	first := p.LastLink()
	if first.ListenerCount() != 1 {
		t.Fatalf("expected 1 listener on first link, got %d", first.ListenerCount())
	}

	if _, err := m.Connect(ctx); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	links := p.Links()
	if len(links) != 2 {
		t.Fatalf("expected 2 links opened, got %d", len(links))
	}
	if !first.Closed() {
		t.Error("expected first link to be closed")
	}
	if first.ListenerCount() != 0 {
		t.Error("expected first link's subscription to be removed")
	}
	open := 0
	for _, l := range links {
		if !l.Closed() {
			open++
		}
	}
	if open != 1 {
		t.Errorf("expected exactly one open link, got %d", open)
	}
	if m.Handle() == nil {
		t.Error("expected an active handle")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	p := NewMockPlatform()
	m := newTestManager(t, p)

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect on idle manager failed: %v", err)
	}
	if _, err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	m.Subscribe(func(any) {})
	for i := 0; i < 2; i++ {
		if err := m.Disconnect(); err != nil {
			t.Fatalf("Disconnect %d failed: %v", i, err)
		}
	}
	link := p.LastLink()
	if !link.Closed() || link.ListenerCount() != 0 {
		t.Error("expected closed link without listeners")
	}
	if m.Connected() || m.Handle() != nil {
		t.Error("expected no handle after disconnect")
	}
}

func TestSubscribeReplacesListener(t *testing.T) {
	p := NewMockPlatform()
	m := newTestManager(t, p)
	if _, err := m.Subscribe(func(any) {}); err == nil {
		t.Error("expected Subscribe to fail while disconnected")
	}
	m.Connect(context.Background())

	var a, b int
	m.Subscribe(func(any) { a++ })
	m.Subscribe(func(any) { b++ })
	p.LastLink().Emit("CAPTURE")

	if a != 0 || b != 1 {
		t.Errorf("expected only the latest listener to fire, got a=%d b=%d", a, b)
	}
	if p.LastLink().ListenerCount() != 1 {
		t.Errorf("expected 1 listener, got %d", p.LastLink().ListenerCount())
	}
}

func TestPassiveLinkDrop(t *testing.T) {
	p := NewMockPlatform()
	m := newTestManager(t, p)
	m.Connect(context.Background())
	<-m.Status()
	m.Subscribe(func(any) {})

	link := p.LastLink()
	link.Drop()

	waitFor(t, func() bool { return !m.Connected() })
	st := <-m.Status()
	if st.Connected || !st.Passive {
		t.Errorf("expected passive disconnect status, got %+v", st)
	}
	if link.ListenerCount() != 0 {
		t.Error("expected stale subscription to be removed")
	}
}

func TestPassiveDeviceDisconnectEvent(t *testing.T) {
	p := NewMockPlatform()
	m := newTestManager(t, p)
	m.Connect(context.Background())

	p.SimulateDeviceDisconnect("FF:FF:FF:FF:FF:FF")
	if !m.Connected() {
		t.Fatal("disconnect for another device should be ignored")
	}

	p.SimulateDeviceDisconnect("00:11:22:33:44:55")
	if m.Connected() {
		t.Error("expected handle cleared after device disconnect event")
	}
}

func TestStaleLinkDropIgnoredAfterReconnect(t *testing.T) {
	p := NewMockPlatform()
	m := newTestManager(t, p)
	ctx := context.Background()
	m.Connect(ctx)
	m.Connect(ctx)

	// The first link was closed by the reconnect; its watcher must not tear down the second.
	time.Sleep(20 * time.Millisecond)
	if !m.Connected() {
		t.Error("expected second connection to survive")
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(nil); err == nil {
		t.Error("expected error for nil platform")
	}
	if _, err := NewManager(NewMockPlatform(), WithNamePattern("(")); err == nil {
		t.Error("expected error for invalid pattern")
	}
}
