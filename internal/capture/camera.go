package capture

import (
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Capture backends.
const (
	// BackendCSI drives a MIPI CSI sensor through a GStreamer nvarguscamerasrc pipeline.
	BackendCSI = "csi"
	// BackendUSB opens a V4L2 device by index.
	BackendUSB = "usb"
	// BackendMock plays back a synthetic test pattern.
	BackendMock = "mock"
)

// readRetryDelay is how long the reader waits after a failed grab.
const readRetryDelay = 10 * time.Millisecond

// Config holds the settings used to open a camera.
type Config struct {
	Backend  string
	SensorID int
	DeviceID int
	// Pipeline overrides the generated GStreamer pipeline for BackendCSI.
	Pipeline string

	Width  int
	Height int
	FPS    int
}

// DefaultConfig returns a CSI camera config at the default resolution and frame rate.
func DefaultConfig() Config {
	return Config{
		Backend: BackendCSI,
		Width:   DefaultWidth,
		Height:  DefaultHeight,
		FPS:     DefaultFPS,
	}
}

// GStreamerPipeline returns the appsink pipeline for a CSI sensor delivering
// BGR frames at the given size and rate.
func GStreamerPipeline(sensorID, width, height, fps int) string {
	return fmt.Sprintf(
		"nvarguscamerasrc sensor-id=%d ! "+
			"video/x-raw(memory:NVMM), width=(int)%d, height=(int)%d, format=(string)NV12, framerate=(fraction)%d/1 ! "+
			"nvvidconv ! video/x-raw, width=(int)%d, height=(int)%d, format=(string)BGRx ! "+
			"videoconvert ! video/x-raw, format=(string)BGR ! appsink drop=true max-buffers=1",
		sensorID, width, height, fps, width, height,
	)
}

// Camera is a GoCV-backed capture device. While running, a background reader
// keeps the most recent frame available through Value and notifies observers.
type Camera struct {
	cfg       Config
	capture   *gocv.VideoCapture
	mu        sync.Mutex
	running   bool
	latest    *gocv.Mat
	observers []func(Change)
	stopCh    chan struct{}
	done      chan struct{}
}

// NewCamera creates an unstarted camera. The hardware is opened on the first
// SetRunning(true). Zero size or rate fields fall back to the defaults.
func NewCamera(cfg Config) *Camera {
	if cfg.Backend == "" {
		cfg.Backend = BackendCSI
	}
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = DefaultHeight
	}
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}

	return &Camera{cfg: cfg}
}

// Config returns the camera configuration.
func (c *Camera) Config() Config {
	return c.cfg
}

// SetRunning starts or stops frame acquisition.
// Starting an already running camera is a no-op, as is stopping a stopped one.
func (c *Camera) SetRunning(running bool) error {
	if running {
		return c.start()
	}
	c.halt()
	return nil
}

// Running returns true while the background reader is active.
func (c *Camera) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.running
}

// Value returns a copy of the most recent frame, or nil if none was captured yet.
func (c *Camera) Value() (*gocv.Mat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.latest == nil || c.latest.Empty() {
		return nil, nil
	}

	frame := c.latest.Clone()
	return &frame, nil
}

// Observe registers fn to be called on the reader goroutine for every new frame.
// Callbacks must not call SetRunning or Stop.
func (c *Camera) Observe(fn func(Change)) {
	if fn == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.observers = append(c.observers, fn)
}

// UnobserveAll removes every registered observer.
func (c *Camera) UnobserveAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.observers = nil
}

// Stop halts acquisition and releases the capture device.
func (c *Camera) Stop() error {
	return c.release()
}

// Resource returns the open capture resource, or nil if the hardware is not open.
func (c *Camera) Resource() Resource {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return nil
	}
	return cameraResource{camera: c}
}

func (c *Camera) start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	if c.capture == nil {
		vc, err := c.open()
		if err != nil {
			return fmt.Errorf("open %s camera: %w", c.cfg.Backend, err)
		}
		c.capture = vc
	}

	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	c.running = true

	go c.readLoop(c.capture, c.stopCh, c.done)

	return nil
}

func (c *Camera) open() (*gocv.VideoCapture, error) {
	if c.cfg.Backend == BackendUSB {
		vc, err := gocv.OpenVideoCapture(c.cfg.DeviceID)
		if err != nil {
			return nil, err
		}
		vc.Set(gocv.VideoCaptureFrameWidth, float64(c.cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(c.cfg.Height))
		vc.Set(gocv.VideoCaptureFPS, float64(c.cfg.FPS))
		return vc, nil
	}

	pipeline := c.cfg.Pipeline
	if pipeline == "" {
		pipeline = GStreamerPipeline(c.cfg.SensorID, c.cfg.Width, c.cfg.Height, c.cfg.FPS)
	}
	return gocv.OpenVideoCaptureWithAPI(pipeline, gocv.VideoCaptureGstreamer)
}

// halt stops the reader and waits for it to exit. The capture stays open.
func (c *Camera) halt() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	done := c.done
	c.mu.Unlock()

	<-done
}

func (c *Camera) release() error {
	c.halt()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.latest != nil {
		c.latest.Close()
		c.latest = nil
	}

	if c.capture == nil {
		return nil
	}

	err := c.capture.Close()
	c.capture = nil

	return err
}

func (c *Camera) readLoop(vc *gocv.VideoCapture, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		frame := gocv.NewMat()
		if ok := vc.Read(&frame); !ok || frame.Empty() {
			frame.Close()
			select {
			case <-stop:
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}

		c.mu.Lock()
		old := c.latest
		c.latest = &frame
		observers := append(([]func(Change))(nil), c.observers...)
		c.mu.Unlock()

		for _, fn := range observers {
			fn(Change{Name: "value", Old: old, New: &frame, Owner: c})
		}

		if old != nil {
			old.Close()
		}
	}
}

// cameraResource releases the VideoCapture held by a Camera.
type cameraResource struct {
	camera *Camera
}

func (r cameraResource) Release() error {
	return r.camera.release()
}
