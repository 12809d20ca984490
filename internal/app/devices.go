package app

import (
	"image"
	"image/color"

	"github.com/ayusman/jetcam/internal/capture"
	"github.com/ayusman/jetcam/internal/session"
	"gocv.io/x/gocv"
)

// NewDeviceFactory returns the session.DeviceFactory for cfg.Backend.
// The mock backend plays back a looping test pattern.
func NewDeviceFactory(cfg capture.Config) session.DeviceFactory {
	return func(width, height, fps int) capture.Device {
		c := cfg
		c.Width = width
		c.Height = height
		c.FPS = fps

		if c.Backend == capture.BackendMock {
			return capture.NewMockDevice([]*gocv.Mat{TestPattern(width, height)}, true)
		}
		return capture.NewCamera(c)
	}
}

// TestPattern renders a BGR frame of vertical grey bars.
func TestPattern(width, height int) *gocv.Mat {
	frame := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)

	const bars = 8
	barWidth := width / bars
	if barWidth == 0 {
		barWidth = 1
	}
	for i := 0; i < bars; i++ {
		shade := uint8(i * 255 / (bars - 1))
		rect := image.Rect(i*barWidth, 0, (i+1)*barWidth, height)
		gocv.Rectangle(&frame, rect, color.RGBA{R: shade, G: shade, B: shade, A: 255}, -1)
	}

	return &frame
}
