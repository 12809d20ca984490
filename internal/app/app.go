// Package app ties capture sessions, the handle registry and the session
// journal together for the jetcam service.
package app

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ayusman/jetcam/internal/capture"
	"github.com/ayusman/jetcam/internal/log"
	"github.com/ayusman/jetcam/internal/reclaim"
	"github.com/ayusman/jetcam/internal/session"
	"github.com/ayusman/jetcam/internal/store"
	"gocv.io/x/gocv"
)

var (
	// ErrNoSession is returned when an operation needs an open session.
	ErrNoSession = errors.New("no camera session")
	// ErrNoDevice is returned when the device factory produced nothing.
	ErrNoDevice = errors.New("no capture device")
	// ErrOpenFailed is returned when a session could not be created.
	ErrOpenFailed = errors.New("failed to open camera session")
)

// Config holds configuration options for the application.
type Config struct {
	// Store journals session lifecycles. Optional.
	Store *store.Store
	// Mode is used when Start is called without an open session.
	Mode session.Mode
	// DeviceFactory builds the capture device of each session.
	DeviceFactory session.DeviceFactory
	// Resize is the frame resize backend. Nil selects capture.ResizeGoCV.
	Resize capture.ResizeFunc

	// Zero delays select the package defaults.
	SettleDelay  time.Duration
	InitDelay    time.Duration
	ReclaimDelay time.Duration

	// Sleep replaces time.Sleep for every hardware delay.
	Sleep func(time.Duration)
	// Registry tracks live capture handles. Nil selects reclaim.Default().
	Registry *reclaim.Registry
}

// Status is a snapshot of the application's camera state.
type Status struct {
	SessionID string `json:"session_id,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Running   bool   `json:"running"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Handles   int    `json:"handles"`
}

// App owns the current capture session.
type App struct {
	config    Config
	registry  *reclaim.Registry
	reclaimer *reclaim.Reclaimer

	// op serializes Open, Start, Stop, Release and Close.
	op sync.Mutex

	mu          sync.RWMutex
	session     *session.Session
	subscribers map[int]func(session.Event)
	nextSub     int
}

// New creates an App. Sessions left open by earlier processes are marked
// abandoned in the journal.
func New(config Config) *App {
	if config.Mode == "" {
		config.Mode = session.ModeDefault
	}
	if config.DeviceFactory == nil {
		config.DeviceFactory = session.NewCameraDevice
	}
	if config.SettleDelay <= 0 {
		config.SettleDelay = session.SettleDelay
	}
	if config.InitDelay <= 0 {
		config.InitDelay = session.InitDelay
	}
	if config.ReclaimDelay <= 0 {
		config.ReclaimDelay = reclaim.SettleDelay
	}
	if config.Sleep == nil {
		config.Sleep = time.Sleep
	}

	registry := config.Registry
	if registry == nil {
		registry = reclaim.Default()
	}

	a := &App{
		config:      config,
		registry:    registry,
		reclaimer:   reclaim.New(reclaim.WithSettleDelay(config.ReclaimDelay), reclaim.WithSleep(config.Sleep)),
		subscribers: make(map[int]func(session.Event)),
	}

	if config.Store != nil {
		ids, err := config.Store.Sessions().Abandon()
		if err != nil {
			log.Warn("failed to check for abandoned sessions", "error", err)
		} else if len(ids) > 0 {
			log.Warn("sessions abandoned by a previous process", "sessions", ids)
		}
	}

	return a
}

// Open reclaims every registered capture handle and opens a new session in
// mode. A previously open session is retired and replaced.
func (a *App) Open(mode session.Mode) (*session.Session, error) {
	a.op.Lock()
	defer a.op.Unlock()

	return a.open(mode)
}

func (a *App) open(mode session.Mode) (*session.Session, error) {
	a.retire()

	sess, ok := reclaim.SafeCreate(a.reclaimer, a.registry, func() (*session.Session, error) {
		dev := a.config.DeviceFactory(capture.DefaultWidth, capture.DefaultHeight, capture.DefaultFPS)
		if dev == nil {
			return nil, ErrNoDevice
		}
		return session.New(mode, a.sessionOptions(dev)...), nil
	})

	if !ok {
		return nil, ErrOpenFailed
	}

	a.swap(sess)
	return sess, nil
}

// retire drops the current session and marks it unusable, so it cannot
// reacquire the hardware once its device has been reclaimed. It records
// the reclaimed event and returns the retired session, or nil.
func (a *App) retire() *session.Session {
	prev := a.swap(nil)
	if prev == nil || !prev.Retire() {
		return nil
	}

	a.Record(session.Event{SessionID: prev.ID(), Kind: session.EventReclaimed, Mode: prev.Mode(), Time: time.Now()})
	return prev
}

func (a *App) sessionOptions(dev capture.Device) []session.Option {
	return []session.Option{
		session.WithDevice(dev),
		session.WithResize(a.config.Resize),
		session.WithSleep(a.config.Sleep),
		session.WithDelays(a.config.SettleDelay, a.config.InitDelay),
		session.WithRegistry(a.registry),
		session.WithJournal(a),
	}
}

// Start starts the current session, opening one in the configured mode
// if none is open.
func (a *App) Start() error {
	a.op.Lock()
	defer a.op.Unlock()

	sess := a.Session()
	if sess == nil {
		var err error
		if sess, err = a.open(a.config.Mode); err != nil {
			return err
		}
	}
	return sess.Start()
}

// Stop stops the current session.
func (a *App) Stop() error {
	a.op.Lock()
	defer a.op.Unlock()

	sess := a.Session()
	if sess == nil {
		return ErrNoSession
	}
	return sess.Stop()
}

// Release reclaims every registered capture handle and drops the current session.
func (a *App) Release() reclaim.Report {
	a.op.Lock()
	defer a.op.Unlock()

	prev := a.retire()
	report := a.reclaimer.Reclaim(a.registry)

	if prev != nil && len(report.Errors) > 0 {
		log.Warn("camera release incomplete", "session", prev.ID(), "error", errors.Join(report.Errors...))
	}

	return report
}

// Close closes the current session.
func (a *App) Close() error {
	a.op.Lock()
	defer a.op.Unlock()

	sess := a.swap(nil)
	if sess == nil {
		return nil
	}
	return sess.Close()
}

// Session returns the current session, or nil.
func (a *App) Session() *session.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}

func (a *App) swap(sess *session.Session) *session.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.session
	a.session = sess
	return prev
}

// Status reports the current session's state.
func (a *App) Status() Status {
	st := Status{Handles: a.registry.Len()}

	sess := a.Session()
	if sess == nil {
		return st
	}

	st.SessionID = sess.ID()
	st.Mode = sess.Mode().String()
	st.Running = sess.IsRunning()
	st.Width = sess.OutputWidth()
	st.Height = sess.OutputHeight()
	return st
}

// Snapshot returns the current processed frame encoded as JPEG.
func (a *App) Snapshot() ([]byte, error) {
	sess := a.Session()
	if sess == nil {
		return nil, ErrNoSession
	}

	frame := sess.Read()
	if frame == nil {
		return nil, session.ErrNoFrame
	}
	defer frame.Close()

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, *frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	return append([]byte(nil), buf.GetBytes()...), nil
}

// Subscribe registers fn for every session event and returns a function
// that removes it. fn is called synchronously and must not block.
func (a *App) Subscribe(fn func(session.Event)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextSub
	a.nextSub++
	a.subscribers[id] = fn

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.subscribers, id)
	}
}

// Record journals ev and forwards it to subscribers. It implements session.Journal.
func (a *App) Record(ev session.Event) error {
	var err error
	if a.config.Store != nil {
		if err = a.config.Store.Sessions().Record(ev); err != nil {
			err = fmt.Errorf("journal %s event: %w", ev.Kind, err)
		}
	}

	a.mu.RLock()
	subs := make([]func(session.Event), 0, len(a.subscribers))
	for _, fn := range a.subscribers {
		subs = append(subs, fn)
	}
	a.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}

	return err
}
