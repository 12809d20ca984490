// Package session provides the capture session lifecycle: idempotent
// start/stop of a capture device, validation on start, and processed frame
// retrieval.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ayusman/jetcam/internal/capture"
	"github.com/ayusman/jetcam/internal/log"
	"github.com/google/uuid"
	"gocv.io/x/gocv"
)

// Lifecycle delays. The hardware needs SettleDelay after a stop before it can
// be acquired again, and InitDelay after a start before frames are reliable.
const (
	SettleDelay = 1 * time.Second
	InitDelay   = 3 * time.Second
)

var (
	// ErrNoFrame is returned by Start when the validation read yields no frame.
	ErrNoFrame = errors.New("camera not capturing images")

	// ErrProcessing is returned by Start when the validation frame could not be processed.
	ErrProcessing = errors.New("image processing failed")

	// ErrClosed is returned by Start once the session is closed or retired.
	ErrClosed = errors.New("camera session closed")
)

// DeviceFactory builds an unstarted device for the given capture settings.
type DeviceFactory func(width, height, fps int) capture.Device

// Registrar tracks active device handles so they can be reclaimed later.
type Registrar interface {
	Register(name string, handle any)
	Deregister(name string)
}

// Option configures a Session.
type Option func(*Session)

// WithDevice uses dev instead of building one through the factory.
func WithDevice(dev capture.Device) Option {
	return func(s *Session) {
		s.device = dev
	}
}

// WithDeviceFactory sets the factory used to build the device.
func WithDeviceFactory(f DeviceFactory) Option {
	return func(s *Session) {
		if f != nil {
			s.factory = f
		}
	}
}

// WithResize selects the resize backend.
func WithResize(fn capture.ResizeFunc) Option {
	return func(s *Session) {
		s.resize = fn
	}
}

// WithSleep replaces time.Sleep for the lifecycle delays.
func WithSleep(fn func(time.Duration)) Option {
	return func(s *Session) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

// WithDelays overrides the settle and init delays. Negative values are ignored.
func WithDelays(settle, init time.Duration) Option {
	return func(s *Session) {
		if settle >= 0 {
			s.settleDelay = settle
		}
		if init >= 0 {
			s.initDelay = init
		}
	}
}

// WithRegistry registers the device with r for the lifetime of the session.
func WithRegistry(r Registrar) Option {
	return func(s *Session) {
		s.registry = r
	}
}

// WithJournal records lifecycle events to j.
func WithJournal(j Journal) Option {
	return func(s *Session) {
		s.journal = j
	}
}

// Session owns one capture device and coordinates its lifecycle.
type Session struct {
	id        string
	mode      Mode
	device    capture.Device
	factory   DeviceFactory
	resize    capture.ResizeFunc
	processor *capture.Processor
	registry  Registrar
	journal   Journal

	settleDelay time.Duration
	initDelay   time.Duration
	sleep       func(time.Duration)

	// op serializes Start, Stop and Close; mu guards the flags below.
	op      sync.Mutex
	mu      sync.RWMutex
	running bool
	closed  bool
}

// NewCameraDevice is the default DeviceFactory: a CSI camera.
func NewCameraDevice(width, height, fps int) capture.Device {
	cfg := capture.DefaultConfig()
	cfg.Width = width
	cfg.Height = height
	cfg.FPS = fps
	return capture.NewCamera(cfg)
}

// New creates an unstarted session. Unknown modes behave as ModeDefault.
// The device is always configured for 640x480 at 21 fps.
func New(mode Mode, opts ...Option) *Session {
	if !mode.Valid() {
		log.Warn("unknown camera mode, using default", "mode", string(mode))
		mode = ModeDefault
	}

	s := &Session{
		id:          uuid.New().String(),
		mode:        mode,
		factory:     NewCameraDevice,
		settleDelay: SettleDelay,
		initDelay:   InitDelay,
		sleep:       time.Sleep,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.device == nil {
		s.device = s.factory(capture.DefaultWidth, capture.DefaultHeight, capture.DefaultFPS)
	}
	s.processor = capture.NewProcessor(mode.TargetSize(), s.resize)

	if s.registry != nil {
		s.registry.Register(s.id, s.device)
	}

	log.Info("camera session created", "session", s.id, "mode", string(mode))
	if target, ok := s.processor.Target(); ok {
		log.Info("frames will be resized", "session", s.id,
			"from", capture.Size{Width: capture.DefaultWidth, Height: capture.DefaultHeight}.String(),
			"to", target.String())
	}
	s.emit(EventCreated, "")

	return s
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// Mode returns the session mode.
func (s *Session) Mode() Mode {
	return s.mode
}

// Device returns the owned capture device.
func (s *Session) Device() capture.Device {
	return s.device
}

// TargetSize returns the output size and whether frames are resized.
func (s *Session) TargetSize() (capture.Size, bool) {
	return s.processor.Target()
}

// Start starts the device and validates it with one processed frame.
//
// A closed or retired session returns ErrClosed without touching the device.
// A running session is stopped and allowed to settle first. If the
// validation read yields no frame, ErrNoFrame is returned and the device is
// left running so a later Start or Read can retry.
func (s *Session) Start() error {
	s.op.Lock()
	defer s.op.Unlock()

	log.Info("starting camera", "session", s.id)

	if s.Closed() {
		log.Warn("camera session closed, not starting", "session", s.id)
		return ErrClosed
	}

	if s.isRunningFlag() {
		s.stop()
		s.sleep(s.settleDelay)
	}

	if err := s.acquire(); err != nil {
		if errors.Is(err, ErrClosed) {
			log.Warn("camera session closed, not starting", "session", s.id)
			return err
		}
		return s.startFailed(fmt.Errorf("camera start failed: %w", err))
	}

	s.sleep(s.initDelay)

	raw, err := s.device.Value()
	if err != nil {
		return s.startFailed(fmt.Errorf("camera start failed: %w", err))
	}
	if raw == nil {
		return s.startFailed(ErrNoFrame)
	}
	defer raw.Close()

	log.Info("camera started", "session", s.id, "raw_size", frameSize(raw))

	processed := s.processor.Process(raw)
	if processed == nil {
		return s.startFailed(ErrProcessing)
	}
	if processed != raw {
		defer processed.Close()
	}

	log.Info("processed frame", "session", s.id, "size", frameSize(processed))
	s.emit(EventStarted, "")

	return nil
}

// acquire starts the device unless the session has been closed or retired.
// The check and the start happen under mu so Retire cannot interleave.
func (s *Session) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.device.SetRunning(true); err != nil {
		return err
	}
	s.running = true
	return nil
}

// Retire marks the session unusable without touching the device. It is used
// when the device has been, or is about to be, reclaimed by someone else.
// A Start in progress either finishes acquiring the device before Retire
// returns or fails with ErrClosed. It reports false if the session was
// already closed or retired.
func (s *Session) Retire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	s.running = false
	return true
}

// Closed reports whether the session was closed or retired.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) startFailed(err error) error {
	log.Warn("camera start failed", "session", s.id, "error", err)
	s.emit(EventStartFailed, err.Error())
	return err
}

// Stop stops the device. The session is marked stopped even when the device
// reports an error; the error is logged and returned.
func (s *Session) Stop() error {
	s.op.Lock()
	defer s.op.Unlock()

	return s.stop()
}

func (s *Session) stop() error {
	err := s.device.SetRunning(false)
	s.setRunning(false)

	if err != nil {
		log.Warn("warning during camera stop", "session", s.id, "error", err)
		s.emit(EventStopped, err.Error())
		return fmt.Errorf("camera stop: %w", err)
	}

	s.sleep(s.settleDelay)

	log.Info("camera stopped", "session", s.id)
	s.emit(EventStopped, "")

	return nil
}

// Close stops the session if running, deregisters its device and releases
// the device's capture resource. Close is idempotent.
func (s *Session) Close() error {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	running := s.running
	s.mu.Unlock()

	var errs []error

	if running {
		if err := s.stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if s.registry != nil {
		s.registry.Deregister(s.id)
	}

	if holder, ok := s.device.(capture.ResourceHolder); ok {
		if r := holder.Resource(); r != nil {
			if err := r.Release(); err != nil {
				log.Warn("release capture resource failed", "session", s.id, "error", err)
				errs = append(errs, fmt.Errorf("release capture resource: %w", err))
			}
		}
	}

	err := errors.Join(errs...)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	s.emit(EventClosed, detail)

	return err
}

// Read returns the current processed frame, or nil if the session is not
// running or no frame is available. The caller owns the returned Mat.
func (s *Session) Read() *gocv.Mat {
	if !s.IsRunning() {
		log.Warn("camera not running", "session", s.id)
		return nil
	}

	raw, err := s.device.Value()
	if err != nil {
		log.Warn("error reading from camera", "session", s.id, "error", err)
		return nil
	}
	if raw == nil {
		return nil
	}

	processed := s.processor.Process(raw)
	if processed != raw {
		raw.Close()
	}

	return processed
}

// Frame is an alias for Read.
func (s *Session) Frame() *gocv.Mat {
	return s.Read()
}

// RawFrame returns the current frame at native resolution without
// processing, or nil if none is available.
func (s *Session) RawFrame() *gocv.Mat {
	raw, err := s.device.Value()
	if err != nil {
		log.Warn("error reading raw frame", "session", s.id, "error", err)
		return nil
	}
	return raw
}

// IsRunning reports whether the session started the device and the device
// is still running. Reclamation can stop the device behind the session.
func (s *Session) IsRunning() bool {
	return s.isRunningFlag() && s.device.Running()
}

// OutputWidth returns the width of frames returned by Read.
func (s *Session) OutputWidth() int {
	if target, ok := s.processor.Target(); ok {
		return target.Width
	}
	return capture.DefaultWidth
}

// OutputHeight returns the height of frames returned by Read.
func (s *Session) OutputHeight() int {
	if target, ok := s.processor.Target(); ok {
		return target.Height
	}
	return capture.DefaultHeight
}

// Observe forwards device frame notifications to fn with the new frame
// processed. It returns false if the device does not publish changes.
func (s *Session) Observe(fn func(capture.Change)) bool {
	n, ok := s.device.(capture.Notifier)
	if !ok || fn == nil {
		return false
	}

	n.Observe(func(c capture.Change) {
		raw := c.New
		c.New = s.processor.Process(raw)
		fn(c)
		if c.New != nil && c.New != raw {
			c.New.Close()
		}
	})

	return true
}

// UnobserveAll removes all observers. It returns false if the device does
// not publish changes.
func (s *Session) UnobserveAll() bool {
	n, ok := s.device.(capture.Notifier)
	if !ok {
		return false
	}
	n.UnobserveAll()
	return true
}

func (s *Session) isRunningFlag() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Session) setRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
}

func (s *Session) emit(kind EventKind, detail string) {
	if s.journal == nil {
		return
	}

	ev := Event{
		SessionID: s.id,
		Kind:      kind,
		Mode:      s.mode,
		Detail:    detail,
		Time:      time.Now(),
	}
	if err := s.journal.Record(ev); err != nil {
		log.Warn("failed to record session event", "session", s.id, "kind", string(kind), "error", err)
	}
}

func frameSize(m *gocv.Mat) string {
	return fmt.Sprintf("%dx%dx%d", m.Cols(), m.Rows(), m.Channels())
}
