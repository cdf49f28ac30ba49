// Package bluetooth manages the classic Bluetooth link to the BR-SCAN remote
// shutter used during screening captures.
//
// The Manager holds at most one active connection. Platform specifics
// (permissions, radio power, bonded device storage, RFCOMM sockets) sit behind
// the Platform interface so the manager can be driven by MockPlatform in tests.
package bluetooth

import (
	"context"
	"io"

	"github.com/BTreeMap/ScanPipe/internal/models"
)

// PermissionStatus is the answer returned by the OS permission check.
type PermissionStatus int

const (
	PermissionUndetermined PermissionStatus = iota
	PermissionGranted
	PermissionDenied
)

func (p PermissionStatus) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "undetermined"
	}
}

// Definitive reports whether the status can be cached.
func (p PermissionStatus) Definitive() bool {
	return p == PermissionGranted || p == PermissionDenied
}

// LinkOptions controls how an RFCOMM link frames inbound data.
type LinkOptions struct {
	Delimiter string
	Charset   string
	Channel   uint8
}

// Subscription is a registered data listener on a Link.
type Subscription interface {
	// Remove detaches the listener. Calling it more than once is a no-op.
	Remove()
}

// Link is an open serial connection to a peripheral.
type Link interface {
	io.Writer

	// OnData registers fn to receive each decoded inbound frame.
	OnData(fn func(payload any)) Subscription

	// Done is closed when the link stops delivering data, for any reason.
	Done() <-chan struct{}

	Close() error
}

// Platform is the OS boundary used by Manager.
type Platform interface {
	RequestPermissions(ctx context.Context) (PermissionStatus, error)
	RadioEnabled(ctx context.Context) (bool, error)
	RequestEnableRadio(ctx context.Context) error
	BondedDevices(ctx context.Context) ([]models.BluetoothDevice, error)
	Connect(ctx context.Context, dev models.BluetoothDevice, opts LinkOptions) (Link, error)

	// SetDisconnectHandler registers fn to be called with the device address
	// when the OS reports that a peripheral dropped its connection.
	SetDisconnectHandler(fn func(address string))
}
