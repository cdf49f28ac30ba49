//go:build linux

package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/models"
	"golang.org/x/sys/unix"
	"gopkg.in/ini.v1"
	"tinygo.org/x/bluetooth"
)

// Default locations used by BlueZ and the kernel.
const (
	DefaultBlueZStorage = "/var/lib/bluetooth"
	rfkillClassDir      = "/sys/class/rfkill"
	bluetoothClassDir   = "/sys/class/bluetooth"

	connectPollInterval = 100 * time.Millisecond
)

// LinuxPlatform talks to the kernel RFCOMM stack directly and reads bonded
// devices from BlueZ storage.
type LinuxPlatform struct {
	storageDir string

	adapterOnce sync.Once
	adapterErr  error

	mu           sync.Mutex
	onDisconnect func(address string)
}

// NewSystemPlatform returns the Platform for the running OS.
func NewSystemPlatform(storageDir string) (Platform, error) {
	if storageDir == "" {
		storageDir = DefaultBlueZStorage
	}
	return &LinuxPlatform{storageDir: storageDir}, nil
}

// RequestPermissions checks access by opening an RFCOMM socket.
func (p *LinuxPlatform) RequestPermissions(ctx context.Context) (PermissionStatus, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err == nil {
		unix.Close(fd)
		return PermissionGranted, nil
	}
	if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
		return PermissionDenied, nil
	}
	return PermissionUndetermined, fmt.Errorf("failed to open bluetooth socket: %w", err)
}

// RadioEnabled reports false when any bluetooth rfkill switch is blocked.
func (p *LinuxPlatform) RadioEnabled(ctx context.Context) (bool, error) {
	switches, err := bluetoothRfkill()
	if err != nil {
		return false, err
	}
	for _, dir := range switches {
		if readFlag(filepath.Join(dir, "soft")) || readFlag(filepath.Join(dir, "hard")) {
			return false, nil
		}
	}
	entries, err := os.ReadDir(bluetoothClassDir)
	if err != nil {
		return false, fmt.Errorf("no bluetooth controller: %w", err)
	}
	return len(entries) > 0, nil
}

// RequestEnableRadio clears soft rfkill blocks and initializes the adapter.
func (p *LinuxPlatform) RequestEnableRadio(ctx context.Context) error {
	switches, err := bluetoothRfkill()
	if err != nil {
		return err
	}
	for _, dir := range switches {
		if readFlag(filepath.Join(dir, "hard")) {
			return fmt.Errorf("bluetooth is hardware-blocked (%s)", filepath.Base(dir))
		}
		if err := os.WriteFile(filepath.Join(dir, "soft"), []byte("0"), 0o644); err != nil {
			return fmt.Errorf("failed to unblock %s: %w", filepath.Base(dir), err)
		}
	}
	return p.enableAdapter()
}

// enableAdapter brings up the system adapter once and hooks its connect handler
// so peripheral disconnects are reported.
func (p *LinuxPlatform) enableAdapter() error {
	p.adapterOnce.Do(func() {
		adapter := bluetooth.DefaultAdapter
		if err := adapter.Enable(); err != nil {
			p.adapterErr = fmt.Errorf("failed to enable bluetooth adapter: %w", err)
			return
		}
		adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			p.mu.Lock()
			fn := p.onDisconnect
			p.mu.Unlock()
			if fn != nil {
				fn(strings.ToUpper(device.Address.String()))
			}
		})
	})
	return p.adapterErr
}

// BondedDevices lists devices BlueZ holds a link key for.
func (p *LinuxPlatform) BondedDevices(ctx context.Context) ([]models.BluetoothDevice, error) {
	adapters, err := os.ReadDir(p.storageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read bluez storage: %w", err)
	}

	var devices []models.BluetoothDevice
	for _, a := range adapters {
		if !a.IsDir() || !isMAC(a.Name()) {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(p.storageDir, a.Name()))
		if err != nil {
			slog.Warn("LinuxPlatform.BondedDevices: unreadable adapter dir", "adapter", a.Name(), "error", err)
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || !isMAC(e.Name()) {
				continue
			}
			dev, bonded, err := readDeviceInfo(filepath.Join(p.storageDir, a.Name(), e.Name(), "info"))
			if err != nil {
				slog.Debug("LinuxPlatform.BondedDevices: skipping device", "device", e.Name(), "error", err)
				continue
			}
			if bonded {
				dev.Address = strings.ToUpper(e.Name())
				devices = append(devices, dev)
			}
		}
	}
	slog.Debug("LinuxPlatform.BondedDevices: found", "count", len(devices))
	return devices, nil
}

func readDeviceInfo(path string) (models.BluetoothDevice, bool, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return models.BluetoothDevice{}, false, err
	}
	name := cfg.Section("General").Key("Name").String()
	_, keyErr := cfg.GetSection("LinkKey")
	return models.BluetoothDevice{Name: name}, keyErr == nil, nil
}

// Connect opens an RFCOMM socket to dev. The dial is abandoned when ctx ends.
func (p *LinuxPlatform) Connect(ctx context.Context, dev models.BluetoothDevice, opts LinkOptions) (Link, error) {
	addr, err := parseBDAddr(dev.Address)
	if err != nil {
		return nil, err
	}
	channel := opts.Channel
	if channel == 0 {
		channel = DefaultRFCOMMChannel
	}

	fd, err := dialRFCOMM(ctx, &unix.SockaddrRFCOMM{Addr: addr, Channel: channel})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("rfcomm connect to %s channel %d: %w", dev.Address, channel, err)
	}

	// Best effort: the adapter hook only adds OS-level disconnect reports.
	if err := p.enableAdapter(); err != nil {
		slog.Debug("LinuxPlatform.Connect: disconnect notifications unavailable", "error", err)
	}

	file, err := newSocketFile(fd, "rfcomm:"+dev.Address)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	link, err := NewStreamLink(file, opts)
	if err != nil {
		file.Close()
		return nil, err
	}
	return link, nil
}

// dialRFCOMM connects a non-blocking RFCOMM socket and waits for the
// connection to complete, giving up when ctx ends.
func dialRFCOMM(ctx context.Context, sa *unix.SockaddrRFCOMM) (int, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return -1, fmt.Errorf("failed to create rfcomm socket: %w", err)
	}
	err = unix.Connect(fd, sa)
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return -1, err
	}
	if err != nil {
		if err := waitWritable(ctx, fd); err != nil {
			unix.Close(fd)
			return -1, err
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err == nil && soErr != 0 {
			err = unix.Errno(soErr)
		}
		if err != nil {
			unix.Close(fd)
			return -1, err
		}
	}
	return fd, nil
}

// waitWritable polls fd until it is writable or reports an error, checking
// ctx between short polls.
func waitWritable(ctx context.Context, fd int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := connectPollInterval
		if deadline, ok := ctx.Deadline(); ok {
			if left := time.Until(deadline); left < wait {
				wait = max(left, 0)
			}
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, int(wait/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll rfcomm socket: %w", err)
		}
		if n > 0 {
			return nil
		}
	}
}

// newSocketFile wraps a socket fd in non-blocking mode so the runtime poller
// owns it and Close interrupts a pending Read.
func newSocketFile(fd int, name string) (*os.File, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("failed to set socket non-blocking: %w", err)
	}
	return os.NewFile(uintptr(fd), name), nil
}

func (p *LinuxPlatform) SetDisconnectHandler(fn func(address string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDisconnect = fn
}

func bluetoothRfkill() ([]string, error) {
	entries, err := os.ReadDir(rfkillClassDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read rfkill state: %w", err)
	}
	var out []string
	for _, e := range entries {
		dir := filepath.Join(rfkillClassDir, e.Name())
		typ, err := os.ReadFile(filepath.Join(dir, "type"))
		if err == nil && strings.TrimSpace(string(typ)) == "bluetooth" {
			out = append(out, dir)
		}
	}
	return out, nil
}

func readFlag(path string) bool {
	b, err := os.ReadFile(path)
	return err == nil && strings.TrimSpace(string(b)) == "1"
}

func isMAC(s string) bool {
	_, err := parseBDAddr(s)
	return err == nil
}

// parseBDAddr converts "AA:BB:CC:DD:EE:FF" to the little-endian bdaddr_t layout.
func parseBDAddr(s string) ([6]uint8, error) {
	var addr [6]uint8
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return addr, fmt.Errorf("invalid bluetooth address %q", s)
	}
	for i, part := range parts {
		b, err := strconv.ParseUint(part, 16, 8)
		if err != nil || len(part) != 2 {
			return addr, fmt.Errorf("invalid bluetooth address %q", s)
		}
		addr[5-i] = uint8(b)
	}
	return addr, nil
}
