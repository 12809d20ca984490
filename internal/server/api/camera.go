package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ayusman/jetcam/internal/app"
	"github.com/ayusman/jetcam/internal/log"
	"github.com/ayusman/jetcam/internal/reclaim"
	"github.com/ayusman/jetcam/internal/session"
)

// Controller drives the camera. It is implemented by *app.App.
type Controller interface {
	Status() app.Status
	Start() error
	Stop() error
	Release() reclaim.Report
	Snapshot() ([]byte, error)
}

// CameraHandler handles HTTP requests for the camera resource.
type CameraHandler struct {
	ctrl Controller
}

// NewCameraHandler creates a new CameraHandler with the given controller.
func NewCameraHandler(c Controller) *CameraHandler {
	return &CameraHandler{ctrl: c}
}

type releaseResponse struct {
	Reclaimed []string `json:"reclaimed"`
	Errors    []string `json:"errors,omitempty"`
}

// ServeHTTP routes /api/camera and its sub-resources.
func (h *CameraHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/camera")
	path = strings.TrimPrefix(path, "/")

	switch path {
	case "":
		h.only(w, r, http.MethodGet, h.status)
	case "frame":
		h.only(w, r, http.MethodGet, h.frame)
	case "start":
		h.only(w, r, http.MethodPost, h.start)
	case "stop":
		h.only(w, r, http.MethodPost, h.stop)
	case "release":
		h.only(w, r, http.MethodPost, h.release)
	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}

func (h *CameraHandler) only(w http.ResponseWriter, r *http.Request, method string, fn http.HandlerFunc) {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fn(w, r)
}

// status handles GET /api/camera.
func (h *CameraHandler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

// start handles POST /api/camera/start.
func (h *CameraHandler) start(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Start(); err != nil {
		log.Warn("camera start failed", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

// stop handles POST /api/camera/stop.
func (h *CameraHandler) stop(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Stop(); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

// release handles POST /api/camera/release.
func (h *CameraHandler) release(w http.ResponseWriter, r *http.Request) {
	report := h.ctrl.Release()

	resp := releaseResponse{Reclaimed: report.Reclaimed}
	if resp.Reclaimed == nil {
		resp.Reclaimed = []string{}
	}
	for _, err := range report.Errors {
		resp.Errors = append(resp.Errors, err.Error())
	}

	writeJSON(w, http.StatusOK, resp)
}

// frame handles GET /api/camera/frame and returns the current frame as JPEG.
func (h *CameraHandler) frame(w http.ResponseWriter, r *http.Request) {
	data, err := h.ctrl.Snapshot()
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// statusFor maps controller errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrNoSession):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoFrame):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
