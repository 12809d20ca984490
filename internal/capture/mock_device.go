package capture

import (
	"sync"

	"gocv.io/x/gocv"
)

// MockDevice plays back pre-recorded frames for testing.
// Errors can be injected for each device operation.
type MockDevice struct {
	frames    []*gocv.Mat
	index     int
	loop      bool
	mu        sync.Mutex
	running   bool
	observers []func(Change)
	resource  *MockResource

	setRunningErr error
	valueErr      error
	stopErr       error

	stops int
}

// NewMockDevice creates a mock device that returns clones of frames.
// When loop is false, Value returns nil once every frame has been served.
func NewMockDevice(frames []*gocv.Mat, loop bool) *MockDevice {
	return &MockDevice{
		frames:   frames,
		loop:     loop,
		resource: &MockResource{},
	}
}

func (d *MockDevice) SetRunning(running bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.setRunningErr != nil {
		return d.setRunningErr
	}
	d.running = running
	return nil
}

func (d *MockDevice) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *MockDevice) Value() (*gocv.Mat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.valueErr != nil {
		return nil, d.valueErr
	}

	if len(d.frames) == 0 {
		return nil, nil
	}

	if d.index >= len(d.frames) {
		if !d.loop {
			return nil, nil
		}
		d.index = 0
	}

	// Clone the frame so the original isn't modified
	frame := d.frames[d.index].Clone()
	d.index++

	return &frame, nil
}

func (d *MockDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stops++
	if d.stopErr != nil {
		return d.stopErr
	}
	d.running = false
	return nil
}

func (d *MockDevice) Resource() Resource {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.resource == nil {
		return nil
	}
	return d.resource
}

func (d *MockDevice) Observe(fn func(Change)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

func (d *MockDevice) UnobserveAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = nil
}

// Emit notifies observers that frame is the new value.
func (d *MockDevice) Emit(frame *gocv.Mat) {
	d.mu.Lock()
	observers := append(([]func(Change))(nil), d.observers...)
	d.mu.Unlock()

	for _, fn := range observers {
		fn(Change{Name: "value", New: frame, Owner: d})
	}
}

// SetFrames replaces the frame sequence
func (d *MockDevice) SetFrames(frames []*gocv.Mat) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = frames
	d.index = 0
}

// SetRunningError makes SetRunning fail with err.
func (d *MockDevice) SetRunningError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setRunningErr = err
}

// SetValueError makes Value fail with err.
func (d *MockDevice) SetValueError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.valueErr = err
}

// SetStopError makes Stop fail with err.
func (d *MockDevice) SetStopError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopErr = err
}

// StopCalls returns how many times Stop was called.
func (d *MockDevice) StopCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

// Observers returns the number of registered observers.
func (d *MockDevice) Observers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.observers)
}

// MockRes returns the mock capture resource.
func (d *MockDevice) MockRes() *MockResource {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resource
}

// MockResource records Release calls.
type MockResource struct {
	mu       sync.Mutex
	releases int
	err      error
}

func (r *MockResource) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releases++
	return r.err
}

// SetError makes Release fail with err.
func (r *MockResource) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Releases returns how many times Release was called.
func (r *MockResource) Releases() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releases
}
