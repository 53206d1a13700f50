// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package msnmt

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
)

// Device where the model variables are placed.
type Device struct {
	// GPU is true for an accelerator, false for the CPU.
	GPU bool

	// Indexed is true if a specific accelerator was requested.
	Indexed bool

	// Num is the device number in the backend.
	Num backends.DeviceNum
}

// ResolveDevice returns the device requested: the CPU if gpu is false, otherwise the accelerator gpuID,
// or the default one (device 0) if gpuID <= 0.
func ResolveDevice(gpu bool, gpuID int) Device {
	switch {
	case !gpu:
		return Device{}
	case gpuID > 0:
		return Device{GPU: true, Indexed: true, Num: backends.DeviceNum(gpuID)}
	default:
		return Device{GPU: true}
	}
}

// BackendConfig returns the backend configuration that serves the device, to use with backends.NewWithConfig.
func (d Device) BackendConfig() string {
	if d.GPU {
		return "xla:cuda"
	}
	return "xla:cpu"
}

// Check that the device is available in backend: the backend must run on the same kind of device (see
// IsAccelerator), and have a device with the number requested.
func (d Device) Check(backend backends.Backend) error {
	if accelerator := IsAccelerator(backend); accelerator != d.GPU {
		kind := "cpu"
		if accelerator {
			kind = "an accelerator"
		}
		return errors.Wrapf(ErrInvalidDevice, "%s requested, but backend %q runs on %s, use a backend configured with %q",
			d, backend.Description(), kind, d.BackendConfig())
	}
	if numDevices := int(backend.NumDevices()); d.Num < 0 || int(d.Num) >= numDevices {
		return errors.Wrapf(ErrInvalidDevice, "%s not available in backend %q with %d device(s)",
			d, backend.Name(), numDevices)
	}
	return nil
}

// IsAccelerator returns whether backend runs on an accelerator. Only XLA backends with a plugin other
// than "cpu" do: their description is formatted as "xla:<plugin> - <details>".
func IsAccelerator(backend backends.Backend) bool {
	plugin, isXLA := strings.CutPrefix(backend.Description(), "xla:")
	if !isXLA {
		return false
	}
	plugin, _, _ = strings.Cut(plugin, " ")
	return plugin != "" && plugin != "cpu"
}

// String implements fmt.Stringer.
func (d Device) String() string {
	switch {
	case !d.GPU:
		return "cpu"
	case d.Indexed:
		return fmt.Sprintf("cuda:%d", d.Num)
	default:
		return "cuda"
	}
}
