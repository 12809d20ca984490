// Package capture provides camera capture devices and frame processing using GoCV (OpenCV).
package capture

import (
	"errors"

	"gocv.io/x/gocv"
)

// Default capture settings. The sensor is always driven at 640x480@21fps,
// the only configuration that proved stable on the CSI camera.
const (
	DefaultWidth  = 640
	DefaultHeight = 480
	DefaultFPS    = 21
)

var (
	// ErrNotRunning is returned when reading from a device that is not running.
	ErrNotRunning = errors.New("capture device is not running")

	// ErrEmptyFrame is returned when the device produced an empty frame.
	ErrEmptyFrame = errors.New("captured frame is empty")
)

// RunningSetter is implemented by anything with a running flag that can be
// flipped. Setting it true starts capture, setting it false stops it.
type RunningSetter interface {
	SetRunning(running bool) error
}

// Stopper is implemented by handles with an explicit stop operation.
type Stopper interface {
	Stop() error
}

// Resource is an underlying capture resource that must be released
// before the hardware can be opened again.
type Resource interface {
	Release() error
}

// ResourceHolder is implemented by handles that expose their capture resource.
// Resource returns nil when no resource is currently held.
type ResourceHolder interface {
	Resource() Resource
}

// Device is a capture device driver handle.
type Device interface {
	RunningSetter

	// Running reports the device's own running flag.
	Running() bool

	// Value returns a copy of the most recent frame, or nil when no frame
	// is available. The caller is responsible for closing the returned Mat.
	Value() (*gocv.Mat, error)
}

// Change describes an update of an observed device attribute.
// Old and New are only valid for the duration of the callback.
type Change struct {
	Name  string
	Old   *gocv.Mat
	New   *gocv.Mat
	Owner Device
}

// Notifier is implemented by devices that publish frame changes.
type Notifier interface {
	Observe(fn func(Change))
	UnobserveAll()
}
