// Package tray provides a system tray interface for controlling the jetcam capture session.
package tray

import (
	"sync"

	"github.com/getlantern/systray"
)

// Tray represents the system tray application.
type Tray struct {
	onToggle  func(running bool) error
	onRelease func()
	onOpenUI  func()
	onQuit    func()
	running   bool
	mu        sync.RWMutex

	// Menu items stored for later updates
	menuToggle *systray.MenuItem
	menuStatus *systray.MenuItem
}

// New creates a new Tray instance with capture stopped.
func New() *Tray {
	return &Tray{}
}

// OnToggle sets the callback invoked when capture is started or stopped from the menu.
// If the callback fails the menu keeps its previous state.
func (t *Tray) OnToggle(fn func(running bool) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onToggle = fn
}

// OnRelease sets the callback invoked by "Release cameras".
func (t *Tray) OnRelease(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRelease = fn
}

// OnOpenUI sets the callback invoked by "Open Control Panel...".
func (t *Tray) OnOpenUI(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOpenUI = fn
}

// OnQuit sets the callback function to be called when the quit menu item is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until systray.Quit() is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// onReady is called when the system tray is ready.
// It sets up the menu structure.
func (t *Tray) onReady() {
	systray.SetTitle("jetcam")
	systray.SetTooltip("jetcam camera capture")

	t.menuToggle = systray.AddMenuItem(toggleTitle(false), "Start or stop capture")
	systray.AddSeparator()

	t.menuStatus = systray.AddMenuItem("Status: idle", "Current capture session")
	t.menuStatus.Disable()
	systray.AddSeparator()

	menuRelease := systray.AddMenuItem("Release cameras", "Stop every camera handle and wait for the sensor")
	menuOpenUI := systray.AddMenuItem("Open Control Panel...", "Open the control panel in a browser")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit jetcam")

	go func() {
		for {
			select {
			case <-t.menuToggle.ClickedCh:
				t.handleToggle()
			case <-menuRelease.ClickedCh:
				t.handleRelease()
			case <-menuOpenUI.ClickedCh:
				t.handleOpenUI()
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			}
		}
	}()
}

func (t *Tray) onExit() {}

func toggleTitle(running bool) string {
	if running {
		return "● Capturing"
	}
	return "○ Stopped"
}

// handleToggle handles the toggle menu item click.
func (t *Tray) handleToggle() {
	t.mu.RLock()
	want := !t.running
	callback := t.onToggle
	t.mu.RUnlock()

	// Call the callback outside the lock; starting blocks for the sensor delays.
	if callback != nil {
		if err := callback(want); err != nil {
			t.SetStatus("error: " + err.Error())
			return
		}
	}

	t.SetRunning(want)
}

// handleRelease handles the release menu item click.
func (t *Tray) handleRelease() {
	t.mu.RLock()
	callback := t.onRelease
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}

	t.SetRunning(false)
	t.SetStatus("idle")
}

func (t *Tray) handleOpenUI() {
	t.mu.RLock()
	callback := t.onOpenUI
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

// handleQuit handles the quit menu item click.
func (t *Tray) handleQuit() {
	t.mu.RLock()
	callback := t.onQuit
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}

	systray.Quit()
}

// SetRunning updates the capture toggle.
func (t *Tray) SetRunning(running bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.running = running
	if t.menuToggle != nil {
		t.menuToggle.SetTitle(toggleTitle(running))
	}
}

// SetStatus updates the status line in the menu.
func (t *Tray) SetStatus(status string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.menuStatus != nil {
		if status == "" {
			t.menuStatus.SetTitle("Status: idle")
		} else {
			t.menuStatus.SetTitle("Status: " + status)
		}
	}
}

// IsRunning returns the capture state shown in the menu.
func (t *Tray) IsRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}
