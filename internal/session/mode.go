package session

import (
	"strings"

	"github.com/ayusman/jetcam/internal/capture"
)

// Mode selects how captured frames are prepared for the consumer.
type Mode string

const (
	// ModeInference resizes frames to the model input size for road following.
	ModeInference Mode = "inference"
	// ModeTraining resizes frames to the model input size for data collection.
	ModeTraining Mode = "training"
	// ModeSafe keeps the native capture resolution for testing.
	ModeSafe Mode = "safe"
	// ModeDefault behaves like inference.
	ModeDefault Mode = "default"
)

// ModelInputSize is the frame size expected by the vision models.
var ModelInputSize = capture.Size{Width: 224, Height: 224}

// ParseMode converts s to a Mode. Unrecognized values map to ModeDefault.
func ParseMode(s string) Mode {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeInference, ModeTraining, ModeSafe, ModeDefault:
		return m
	default:
		return ModeDefault
	}
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeInference, ModeTraining, ModeSafe, ModeDefault:
		return true
	}
	return false
}

// TargetSize returns the output size for m, or nil when frames keep the
// native resolution.
func (m Mode) TargetSize() *capture.Size {
	if m == ModeSafe {
		return nil
	}
	s := ModelInputSize
	return &s
}

func (m Mode) String() string {
	return string(m)
}
