//go:build linux

package ble

import (
	gble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

func newHCIDevice() (gble.Device, error) {
	return linux.NewDevice()
}
