//go:build !linux

package bluetooth

import (
	"fmt"
	"runtime"
)

// NewSystemPlatform returns the Platform for the running OS.
func NewSystemPlatform(storageDir string) (Platform, error) {
	return nil, fmt.Errorf("classic bluetooth is not supported on %s; use simulation mode", runtime.GOOS)
}
