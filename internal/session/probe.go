package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/ayusman/jetcam/internal/capture"
	"github.com/ayusman/jetcam/internal/log"
)

// ProbeWarmup is how long Probe lets the device run before reading a frame.
const ProbeWarmup = 2 * time.Second

// Probe checks that dev can deliver a frame: it starts the device, waits
// warmup, reads one frame and stops the device again. It returns the size of
// the frame read. A nil sleep uses time.Sleep.
func Probe(dev capture.Device, warmup time.Duration, sleep func(time.Duration)) (capture.Size, error) {
	if sleep == nil {
		sleep = time.Sleep
	}

	if err := dev.SetRunning(true); err != nil {
		log.Warn("camera probe failed", "error", err)
		return capture.Size{}, fmt.Errorf("probe start: %w", err)
	}

	sleep(warmup)

	frame, readErr := dev.Value()
	stopErr := dev.SetRunning(false)

	if readErr != nil {
		log.Warn("camera probe failed", "error", readErr)
		return capture.Size{}, errors.Join(fmt.Errorf("probe read: %w", readErr), stopErr)
	}
	if frame == nil {
		log.Warn("camera not capturing")
		return capture.Size{}, errors.Join(ErrNoFrame, stopErr)
	}
	defer frame.Close()

	size := capture.Size{Width: frame.Cols(), Height: frame.Rows()}
	log.Info("camera available", "size", size.String(), "channels", frame.Channels())

	if stopErr != nil {
		return size, fmt.Errorf("probe stop: %w", stopErr)
	}
	return size, nil
}
