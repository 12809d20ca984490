package session

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/ayusman/jetcam/internal/capture"
	"gocv.io/x/gocv"
)

// sleepRecorder records lifecycle delays instead of sleeping.
type sleepRecorder struct {
	calls []time.Duration
}

func (r *sleepRecorder) Sleep(d time.Duration) {
	r.calls = append(r.calls, d)
}

// plainDevice has a running flag and a value but no optional capabilities.
type plainDevice struct {
	running bool
	frame   *gocv.Mat
}

func (d *plainDevice) SetRunning(running bool) error { d.running = running; return nil }
func (d *plainDevice) Running() bool                 { return d.running }
func (d *plainDevice) Value() (*gocv.Mat, error) {
	if d.frame == nil {
		return nil, nil
	}
	m := d.frame.Clone()
	return &m, nil
}

// fakeRegistry records registrations.
type fakeRegistry struct {
	handles map[string]any
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{handles: make(map[string]any)}
}

func (r *fakeRegistry) Register(name string, handle any) { r.handles[name] = handle }
func (r *fakeRegistry) Deregister(name string)           { delete(r.handles, name) }

func newTestFrame(t *testing.T) *gocv.Mat {
	t.Helper()
	frame := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { frame.Close() })
	return &frame
}

func newTestSession(t *testing.T, mode Mode, dev capture.Device, opts ...Option) (*Session, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	opts = append([]Option{WithDevice(dev), WithSleep(rec.Sleep)}, opts...)
	return New(mode, opts...), rec
}

func TestNew_TargetSizes(t *testing.T) {
	tests := []struct {
		mode       Mode
		wantMode   Mode
		wantTarget bool
		wantWidth  int
		wantHeight int
	}{
		{ModeInference, ModeInference, true, 224, 224},
		{ModeTraining, ModeTraining, true, 224, 224},
		{ModeDefault, ModeDefault, true, 224, 224},
		{ModeSafe, ModeSafe, false, 640, 480},
		{Mode("turbo"), ModeDefault, true, 224, 224},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			s, _ := newTestSession(t, tt.mode, capture.NewMockDevice(nil, false))

			if s.Mode() != tt.wantMode {
				t.Errorf("Mode() = %q, want %q", s.Mode(), tt.wantMode)
			}

			target, ok := s.TargetSize()
			if ok != tt.wantTarget {
				t.Fatalf("TargetSize() ok = %v, want %v", ok, tt.wantTarget)
			}
			if ok && target != (capture.Size{Width: 224, Height: 224}) {
				t.Errorf("TargetSize() = %v, want 224x224", target)
			}

			if s.OutputWidth() != tt.wantWidth || s.OutputHeight() != tt.wantHeight {
				t.Errorf("output = %dx%d, want %dx%d", s.OutputWidth(), s.OutputHeight(), tt.wantWidth, tt.wantHeight)
			}

			if s.IsRunning() {
				t.Error("new session should not be running")
			}
			if s.ID() == "" {
				t.Error("session should have an ID")
			}
		})
	}
}

func TestNew_DeviceFactoryGetsFixedSettings(t *testing.T) {
	var gotW, gotH, gotFPS int
	factory := func(w, h, fps int) capture.Device {
		gotW, gotH, gotFPS = w, h, fps
		return capture.NewMockDevice(nil, false)
	}

	New(ModeSafe, WithDeviceFactory(factory))

	if gotW != 640 || gotH != 480 || gotFPS != 21 {
		t.Errorf("factory called with %dx%d@%d, want 640x480@21", gotW, gotH, gotFPS)
	}
}

func TestStart_Success(t *testing.T) {
	dev := capture.NewMockDevice([]*gocv.Mat{newTestFrame(t)}, true)

	var kinds []EventKind
	journal := JournalFunc(func(ev Event) error {
		kinds = append(kinds, ev.Kind)
		return nil
	})

	s, rec := newTestSession(t, ModeInference, dev, WithJournal(journal))

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if !s.IsRunning() || !dev.Running() {
		t.Error("session and device should be running after Start()")
	}
	if want := []time.Duration{InitDelay}; !reflect.DeepEqual(rec.calls, want) {
		t.Errorf("sleeps = %v, want %v", rec.calls, want)
	}
	if want := []EventKind{EventCreated, EventStarted}; !reflect.DeepEqual(kinds, want) {
		t.Errorf("events = %v, want %v", kinds, want)
	}
}

func TestStart_NoFrame(t *testing.T) {
	dev := capture.NewMockDevice(nil, false)
	s, _ := newTestSession(t, ModeInference, dev)

	err := s.Start()
	if !errors.Is(err, ErrNoFrame) {
		t.Fatalf("Start() error = %v, want %v", err, ErrNoFrame)
	}

	// The device is left running after a failed validation
	if !dev.Running() {
		t.Error("device should remain running after failed validation")
	}
	if !s.IsRunning() {
		t.Error("session flag should remain set after failed validation")
	}
}

func TestStart_DeviceErrors(t *testing.T) {
	boom := errors.New("nvargus daemon unavailable")

	t.Run("set running fails", func(t *testing.T) {
		dev := capture.NewMockDevice([]*gocv.Mat{newTestFrame(t)}, true)
		dev.SetRunningError(boom)
		s, rec := newTestSession(t, ModeSafe, dev)

		if err := s.Start(); !errors.Is(err, boom) {
			t.Fatalf("Start() error = %v, want %v", err, boom)
		}
		if s.IsRunning() {
			t.Error("session should not be running")
		}
		if len(rec.calls) != 0 {
			t.Errorf("sleeps = %v, want none", rec.calls)
		}
	})

	t.Run("value fails", func(t *testing.T) {
		dev := capture.NewMockDevice([]*gocv.Mat{newTestFrame(t)}, true)
		dev.SetValueError(boom)
		s, _ := newTestSession(t, ModeSafe, dev)

		if err := s.Start(); !errors.Is(err, boom) {
			t.Fatalf("Start() error = %v, want %v", err, boom)
		}
	})
}

func TestStart_Twice(t *testing.T) {
	dev := capture.NewMockDevice([]*gocv.Mat{newTestFrame(t)}, true)
	s, rec := newTestSession(t, ModeTraining, dev)

	if err := s.Start(); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	// init, then stop settle + restart settle + init
	want := []time.Duration{InitDelay, SettleDelay, SettleDelay, InitDelay}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Errorf("sleeps = %v, want %v", rec.calls, want)
	}
	if !s.IsRunning() {
		t.Error("session should be running after restart")
	}
}

func TestStop(t *testing.T) {
	dev := capture.NewMockDevice([]*gocv.Mat{newTestFrame(t)}, true)
	s, rec := newTestSession(t, ModeInference, dev, WithDelays(0, 0))

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	rec.calls = nil

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if s.IsRunning() || dev.Running() {
		t.Error("session and device should be stopped")
	}
	if want := []time.Duration{0}; !reflect.DeepEqual(rec.calls, want) {
		t.Errorf("sleeps = %v, want %v", rec.calls, want)
	}
}

func TestStop_DeviceErrorStillClearsFlag(t *testing.T) {
	dev := capture.NewMockDevice([]*gocv.Mat{newTestFrame(t)}, true)
	s, rec := newTestSession(t, ModeInference, dev)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	rec.calls = nil

	boom := errors.New("device wedged")
	dev.SetRunningError(boom)

	if err := s.Stop(); !errors.Is(err, boom) {
		t.Errorf("Stop() error = %v, want %v", err, boom)
	}
	if s.isRunningFlag() {
		t.Error("session flag should be cleared even when the device fails")
	}
	if len(rec.calls) != 0 {
		t.Errorf("sleeps = %v, want none after a failed stop", rec.calls)
	}
}

func TestRead(t *testing.T) {
	tests := []struct {
		mode       Mode
		wantWidth  int
		wantHeight int
	}{
		{ModeInference, 224, 224},
		{ModeSafe, 640, 480},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			dev := capture.NewMockDevice([]*gocv.Mat{newTestFrame(t)}, true)
			s, _ := newTestSession(t, tt.mode, dev)

			if err := s.Start(); err != nil {
				t.Fatalf("Start() error = %v", err)
			}

			for _, read := range []func() *gocv.Mat{s.Read, s.Frame} {
				frame := read()
				if frame == nil {
					t.Fatal("Read() returned nil")
				}
				if frame.Cols() != tt.wantWidth || frame.Rows() != tt.wantHeight {
					t.Errorf("frame = %dx%d, want %dx%d", frame.Cols(), frame.Rows(), tt.wantWidth, tt.wantHeight)
				}
				frame.Close()
			}
		})
	}
}

func TestRead_NotRunning(t *testing.T) {
	dev := capture.NewMockDevice([]*gocv.Mat{newTestFrame(t)}, true)
	s, _ := newTestSession(t, ModeInference, dev)

	if frame := s.Read(); frame != nil {
		frame.Close()
		t.Error("Read() on a stopped session should return nil")
	}
}

func TestRead_DeviceError(t *testing.T) {
	dev := capture.NewMockDevice([]*gocv.Mat{newTestFrame(t)}, true)
	s, _ := newTestSession(t, ModeInference, dev)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	dev.SetValueError(errors.New("read timeout"))
	if frame := s.Read(); frame != nil {
		frame.Close()
		t.Error("Read() should return nil when the device fails")
	}
}

func TestRead_DeviceStoppedExternally(t *testing.T) {
	dev := capture.NewMockDevice([]*gocv.Mat{newTestFrame(t)}, true)
	s, _ := newTestSession(t, ModeInference, dev)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Reclamation flips the device flag without going through the session
	dev.SetRunning(false)

	if s.IsRunning() {
		t.Error("IsRunning() should be false once the device stopped")
	}
	if frame := s.Read(); frame != nil {
		frame.Close()
		t.Error("Read() should return nil once the device stopped")
	}
}

func TestRawFrame(t *testing.T) {
	dev := capture.NewMockDevice([]*gocv.Mat{newTestFrame(t)}, true)
	s, _ := newTestSession(t, ModeInference, dev)

	frame := s.RawFrame()
	if frame == nil {
		t.Fatal("RawFrame() returned nil")
	}
	defer frame.Close()

	if frame.Cols() != 640 || frame.Rows() != 480 {
		t.Errorf("raw frame = %dx%d, want 640x480", frame.Cols(), frame.Rows())
	}

	empty, _ := newTestSession(t, ModeInference, capture.NewMockDevice(nil, false))
	if f := empty.RawFrame(); f != nil {
		f.Close()
		t.Error("RawFrame() should return nil when no frame is available")
	}
}

func TestObserve(t *testing.T) {
	dev := capture.NewMockDevice(nil, false)
	s, _ := newTestSession(t, ModeInference, dev)

	var gotName string
	var gotOwner capture.Device
	var gotWidth, gotHeight int
	ok := s.Observe(func(c capture.Change) {
		gotName = c.Name
		gotOwner = c.Owner
		gotWidth, gotHeight = c.New.Cols(), c.New.Rows()
	})
	if !ok {
		t.Fatal("Observe() = false, want true for a notifying device")
	}

	dev.Emit(newTestFrame(t))

	if gotName != "value" || gotOwner != dev {
		t.Errorf("change metadata = %q/%v, want value/device", gotName, gotOwner)
	}
	if gotWidth != 224 || gotHeight != 224 {
		t.Errorf("observed frame = %dx%d, want 224x224", gotWidth, gotHeight)
	}

	if !s.UnobserveAll() {
		t.Error("UnobserveAll() = false, want true")
	}
	if dev.Observers() != 0 {
		t.Errorf("observers = %d, want 0", dev.Observers())
	}
}

func TestObserve_Unsupported(t *testing.T) {
	s, _ := newTestSession(t, ModeInference, &plainDevice{})

	if s.Observe(func(capture.Change) {}) {
		t.Error("Observe() should return false for a device without notifications")
	}
	if s.UnobserveAll() {
		t.Error("UnobserveAll() should return false for a device without notifications")
	}
}

func TestClose(t *testing.T) {
	dev := capture.NewMockDevice([]*gocv.Mat{newTestFrame(t)}, true)
	reg := newFakeRegistry()
	s, _ := newTestSession(t, ModeInference, dev, WithRegistry(reg))

	if _, ok := reg.handles[s.ID()]; !ok {
		t.Fatal("device should be registered on creation")
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if s.IsRunning() || dev.Running() {
		t.Error("Close() should stop the device")
	}
	if _, ok := reg.handles[s.ID()]; ok {
		t.Error("device should be deregistered on Close()")
	}
	if dev.MockRes().Releases() != 1 {
		t.Errorf("Releases() = %d, want 1", dev.MockRes().Releases())
	}

	// Second close is a no-op
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if dev.MockRes().Releases() != 1 {
		t.Errorf("Releases() after second Close = %d, want 1", dev.MockRes().Releases())
	}
}

func TestStart_AfterClose(t *testing.T) {
	dev := capture.NewMockDevice([]*gocv.Mat{newTestFrame(t)}, true)
	s, rec := newTestSession(t, ModeInference, dev)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	rec.calls = nil

	if err := s.Start(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start() error = %v, want ErrClosed", err)
	}
	if dev.Running() || s.IsRunning() {
		t.Error("closed session must not restart the device")
	}
	if len(rec.calls) != 0 {
		t.Errorf("sleeps = %v, want none", rec.calls)
	}
}

func TestStart_RetiredDuringRestart(t *testing.T) {
	dev := capture.NewMockDevice([]*gocv.Mat{newTestFrame(t)}, true)

	var s *Session
	retireOnSettle := func(d time.Duration) {
		if d == SettleDelay && s != nil {
			s.Retire()
		}
	}
	s = New(ModeInference, WithDevice(dev), WithSleep(func(time.Duration) {}))

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// The restart path stops the device and waits for it to settle; the
	// device is reclaimed while it waits.
	WithSleep(retireOnSettle)(s)

	if err := s.Start(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start() error = %v, want ErrClosed", err)
	}
	if dev.Running() {
		t.Error("retired session must not reacquire the device")
	}
	if !s.Closed() || s.IsRunning() {
		t.Errorf("Closed() = %v, IsRunning() = %v, want true, false", s.Closed(), s.IsRunning())
	}
}

func TestRetire(t *testing.T) {
	dev := capture.NewMockDevice([]*gocv.Mat{newTestFrame(t)}, true)
	s, _ := newTestSession(t, ModeSafe, dev)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if !s.Retire() {
		t.Error("first Retire() = false, want true")
	}
	if s.Retire() {
		t.Error("second Retire() = true, want false")
	}
	if s.IsRunning() {
		t.Error("retired session should not report running")
	}
	if frame := s.Read(); frame != nil {
		frame.Close()
		t.Error("Read() on a retired session should return nil")
	}
}

func TestClose_ReleaseError(t *testing.T) {
	dev := capture.NewMockDevice(nil, false)
	boom := errors.New("release failed")
	dev.MockRes().SetError(boom)

	s, _ := newTestSession(t, ModeSafe, dev)

	if err := s.Close(); !errors.Is(err, boom) {
		t.Errorf("Close() error = %v, want %v", err, boom)
	}
}

func TestProbe(t *testing.T) {
	t.Run("available", func(t *testing.T) {
		dev := capture.NewMockDevice([]*gocv.Mat{newTestFrame(t)}, true)
		rec := &sleepRecorder{}

		size, err := Probe(dev, ProbeWarmup, rec.Sleep)
		if err != nil {
			t.Fatalf("Probe() error = %v", err)
		}
		if size != (capture.Size{Width: 640, Height: 480}) {
			t.Errorf("Probe() size = %v, want 640x480", size)
		}
		if dev.Running() {
			t.Error("Probe() should leave the device stopped")
		}
		if want := []time.Duration{ProbeWarmup}; !reflect.DeepEqual(rec.calls, want) {
			t.Errorf("sleeps = %v, want %v", rec.calls, want)
		}
	})

	t.Run("no frame", func(t *testing.T) {
		dev := capture.NewMockDevice(nil, false)
		if _, err := Probe(dev, 0, func(time.Duration) {}); !errors.Is(err, ErrNoFrame) {
			t.Errorf("Probe() error = %v, want %v", err, ErrNoFrame)
		}
		if dev.Running() {
			t.Error("Probe() should stop the device after a failed read")
		}
	})

	t.Run("start fails", func(t *testing.T) {
		dev := capture.NewMockDevice(nil, false)
		boom := errors.New("busy")
		dev.SetRunningError(boom)
		if _, err := Probe(dev, 0, func(time.Duration) {}); !errors.Is(err, boom) {
			t.Errorf("Probe() error = %v, want %v", err, boom)
		}
	})
}
