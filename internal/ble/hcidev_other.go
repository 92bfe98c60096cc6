//go:build !linux && !darwin

package ble

import (
	"runtime"

	gble "github.com/go-ble/ble"
	"github.com/pkg/errors"
)

func newHCIDevice() (gble.Device, error) {
	return nil, errors.Errorf("ble: hci backend not supported on %s", runtime.GOOS)
}
