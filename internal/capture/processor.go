package capture

import (
	"errors"
	"fmt"
	"image"

	"github.com/ayusman/jetcam/internal/log"
	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"
)

// Resize backends selectable by name.
const (
	ResizeBackendGoCV    = "gocv"
	ResizeBackendImaging = "imaging"
)

// Size is a frame size in pixels.
type Size struct {
	Width  int
	Height int
}

// Point returns the size as an image.Point (X=width, Y=height).
func (s Size) Point() image.Point {
	return image.Pt(s.Width, s.Height)
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// ResizeFunc resizes src to size and returns a new Mat owned by the caller.
// On error the returned Mat is the zero Mat and must not be used.
type ResizeFunc func(src gocv.Mat, size Size) (gocv.Mat, error)

// ResizeGoCV resizes with OpenCV linear interpolation.
func ResizeGoCV(src gocv.Mat, size Size) (gocv.Mat, error) {
	if src.Empty() {
		return gocv.Mat{}, ErrEmptyFrame
	}
	if size.Width <= 0 || size.Height <= 0 {
		return gocv.Mat{}, fmt.Errorf("invalid target size %s", size)
	}

	dst := gocv.NewMat()
	gocv.Resize(src, &dst, size.Point(), 0, 0, gocv.InterpolationLinear)

	if dst.Empty() {
		dst.Close()
		return gocv.Mat{}, errors.New("resize produced an empty frame")
	}

	return dst, nil
}

// ResizeImaging resizes in pure Go through disintegration/imaging.
// It is slower than ResizeGoCV but does not depend on OpenCV's imgproc build.
func ResizeImaging(src gocv.Mat, size Size) (gocv.Mat, error) {
	if src.Empty() {
		return gocv.Mat{}, ErrEmptyFrame
	}
	if size.Width <= 0 || size.Height <= 0 {
		return gocv.Mat{}, fmt.Errorf("invalid target size %s", size)
	}

	img, err := src.ToImage()
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("convert frame to image: %w", err)
	}

	resized := imaging.Resize(img, size.Width, size.Height, imaging.Linear)

	dst, err := gocv.ImageToMatRGB(resized)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("convert image to frame: %w", err)
	}

	return dst, nil
}

// ResizerByName returns the resize backend with the given name.
// An empty name selects ResizeGoCV.
func ResizerByName(name string) (ResizeFunc, error) {
	switch name {
	case "", ResizeBackendGoCV:
		return ResizeGoCV, nil
	case ResizeBackendImaging:
		return ResizeImaging, nil
	default:
		return nil, fmt.Errorf("unknown resize backend %q", name)
	}
}

// Process prepares a raw frame for a consumer.
//
// A nil frame yields nil. A nil target returns frame unchanged. Otherwise the
// frame is resized to target; if resizing fails the failure is logged and the
// original frame is returned, so callers always get a usable frame back.
// When the result differs from frame, the caller owns both Mats.
func Process(frame *gocv.Mat, target *Size, resize ResizeFunc) *gocv.Mat {
	if frame == nil {
		return nil
	}
	if target == nil {
		return frame
	}
	if resize == nil {
		resize = ResizeGoCV
	}

	resized, err := resize(*frame, *target)
	if err != nil {
		log.Warn("resize failed, using unresized frame", "target", target.String(), "error", err)
		return frame
	}

	return &resized
}

// Processor binds a target size and a resize backend.
type Processor struct {
	target *Size
	resize ResizeFunc
}

// NewProcessor creates a Processor. A nil target disables resizing and a nil
// resize selects ResizeGoCV.
func NewProcessor(target *Size, resize ResizeFunc) *Processor {
	if resize == nil {
		resize = ResizeGoCV
	}

	var t *Size
	if target != nil {
		s := *target
		t = &s
	}

	return &Processor{target: t, resize: resize}
}

// Target returns the target size and whether one is set.
func (p *Processor) Target() (Size, bool) {
	if p.target == nil {
		return Size{}, false
	}
	return *p.target, true
}

// Process runs Process with the bound target and backend.
func (p *Processor) Process(frame *gocv.Mat) *gocv.Mat {
	return Process(frame, p.target, p.resize)
}
