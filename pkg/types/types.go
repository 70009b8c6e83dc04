// Package types defines the shared value types used across recitalign packages.
//
// They are intentionally minimal: each package defines its own domain types,
// but data structures that cross the provider/pipeline boundary live here to
// avoid circular imports.
package types

import (
	"fmt"
	"strings"
)

// Interval is a time span in seconds within a recording. Start is inclusive,
// End is exclusive.
type Interval struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns End-Start, or 0 for inverted intervals.
func (iv Interval) Duration() float64 {
	if iv.End <= iv.Start {
		return 0
	}
	return iv.End - iv.Start
}

// ModelSize selects the phoneme ASR model variant.
type ModelSize string

const (
	// ModelBase is the small, fast phoneme model.
	ModelBase ModelSize = "Base"

	// ModelLarge is the slower, more accurate phoneme model.
	ModelLarge ModelSize = "Large"
)

// IsValid reports whether m is a recognised model size.
func (m ModelSize) IsValid() bool {
	return m == ModelBase || m == ModelLarge
}

// ParseModelSize accepts the model name case-insensitively. An empty string
// yields [ModelBase].
func ParseModelSize(s string) (ModelSize, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "base":
		return ModelBase, nil
	case "large":
		return ModelLarge, nil
	}
	return "", fmt.Errorf("unknown model_name %q; valid values: Base, Large", s)
}

// Device selects where ASR inference runs.
type Device string

const (
	DeviceGPU Device = "GPU"
	DeviceCPU Device = "CPU"
)

// IsValid reports whether d is a recognised device.
func (d Device) IsValid() bool {
	return d == DeviceGPU || d == DeviceCPU
}

// ParseDevice accepts the device name case-insensitively. An empty string
// yields [DeviceGPU].
func ParseDevice(s string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gpu":
		return DeviceGPU, nil
	case "cpu":
		return DeviceCPU, nil
	}
	return "", fmt.Errorf("unknown device %q; valid values: GPU, CPU", s)
}
