package tensor

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// ErrDeviceUnavailable is returned when a device selector names hardware
// this runtime cannot execute on.
var ErrDeviceUnavailable = errors.New("device not available")

// Device is the execution context threaded through batch ingestion and
// model construction. Threads bounds the worker goroutines used for
// host-side work such as image decoding.
type Device struct {
	Type    DeviceType
	Threads int
}

// DefaultDevice is the CPU with one worker per logical core.
func DefaultDevice() Device {
	return Device{Type: CPU, Threads: runtime.NumCPU()}
}

func (d Device) String() string {
	if d.Type == CPU {
		return fmt.Sprintf("cpu:%d", d.Threads)
	}
	return strings.ToLower(d.Type.String())
}

// ParseDevice resolves a selector such as "cpu" or "cpu:4". Accelerator
// selectors ("cuda", "cuda:0", "gpu", "mps") parse but are unavailable.
func ParseDevice(selector string) (Device, error) {
	s := strings.ToLower(strings.TrimSpace(selector))
	if s == "" {
		return DefaultDevice(), nil
	}

	kind, arg, hasArg := strings.Cut(s, ":")
	switch kind {
	case "cpu":
		d := DefaultDevice()
		if hasArg {
			n, err := strconv.Atoi(arg)
			if err != nil || n <= 0 {
				return Device{}, fmt.Errorf("invalid cpu thread count %q", arg)
			}
			d.Threads = n
		}
		return d, nil
	case "cuda", "gpu", "mps":
		return Device{}, fmt.Errorf("%s: %w", selector, ErrDeviceUnavailable)
	default:
		return Device{}, fmt.Errorf("unknown device %q", selector)
	}
}

// CheckDevice returns an error when t does not live on d.
func CheckDevice(d Device, t *Tensor) error {
	if t.Device != d.Type {
		return fmt.Errorf("tensor on %s, expected %s", t.Device, d.Type)
	}
	return nil
}
