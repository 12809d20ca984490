package reclaim

import (
	"fmt"
	"reflect"
	"runtime"
	"time"

	"github.com/ayusman/jetcam/internal/capture"
	"github.com/ayusman/jetcam/internal/log"
)

// SettleDelay is how long the hardware needs after handles are released
// before a new session can acquire it.
const SettleDelay = 3 * time.Second

// Report summarizes a Reclaim pass.
type Report struct {
	// Reclaimed lists the names removed from the scope.
	Reclaimed []string
	// Errors collects every cleanup failure; none of them stopped the pass.
	Errors []error
}

// Reclaimer stops and forgets stray capture handles.
type Reclaimer struct {
	settle  time.Duration
	sleep   func(time.Duration)
	collect func()
}

// Option configures a Reclaimer.
type Option func(*Reclaimer)

// WithSettleDelay overrides SettleDelay.
func WithSettleDelay(d time.Duration) Option {
	return func(r *Reclaimer) {
		if d >= 0 {
			r.settle = d
		}
	}
}

// WithSleep replaces time.Sleep for the settle delay.
func WithSleep(fn func(time.Duration)) Option {
	return func(r *Reclaimer) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// WithCollector replaces runtime.GC as the collection pass.
func WithCollector(fn func()) Option {
	return func(r *Reclaimer) {
		if fn != nil {
			r.collect = fn
		}
	}
}

// New creates a Reclaimer.
func New(opts ...Option) *Reclaimer {
	r := &Reclaimer{
		settle:  SettleDelay,
		sleep:   time.Sleep,
		collect: runtime.GC,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsCameraLike reports whether v exposes a running flag or a capture resource.
// Nil values, including typed nil pointers, are never camera-like.
func IsCameraLike(v any) bool {
	if isNil(v) {
		return false
	}
	switch v.(type) {
	case capture.RunningSetter, capture.ResourceHolder:
		return true
	}
	return false
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Reclaim stops every camera-like handle in scope and removes it.
//
// For each handle it clears the running flag, calls Stop and releases the
// capture resource, attempting every step even when an earlier one failed.
// The entry is removed regardless of the outcome. Once all entries are
// processed a collection pass runs and Reclaim waits for the settle delay,
// after which the hardware can be acquired again. Non camera-like entries
// are left untouched.
func (r *Reclaimer) Reclaim(scope Scope) Report {
	var report Report

	log.Info("releasing all cameras")

	var found []string
	for _, name := range scope.Names() {
		v, ok := scope.Lookup(name)
		if ok && IsCameraLike(v) {
			found = append(found, name)
		}
	}
	log.Info("found camera handles", "names", found)

	for _, name := range found {
		v, ok := scope.Lookup(name)
		if !ok {
			continue
		}

		for _, err := range cleanup(name, v) {
			log.Warn("cleanup failed", "handle", name, "error", err)
			report.Errors = append(report.Errors, err)
		}

		scope.Remove(name)
		report.Reclaimed = append(report.Reclaimed, name)
		log.Debug("handle removed", "handle", name)
	}

	r.collect()
	log.Debug("collection pass completed")

	log.Info("waiting for camera hardware to release", "delay", r.settle)
	r.sleep(r.settle)

	log.Info("camera release complete", "reclaimed", len(report.Reclaimed), "errors", len(report.Errors))

	return report
}

// cleanup runs each release step independently and returns the failures.
func cleanup(name string, v any) []error {
	var errs []error

	if rs, ok := v.(capture.RunningSetter); ok {
		if err := rs.SetRunning(false); err != nil {
			errs = append(errs, fmt.Errorf("%s: clear running flag: %w", name, err))
		}
	}

	if st, ok := v.(capture.Stopper); ok {
		if err := st.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("%s: stop: %w", name, err))
		}
	}

	if rh, ok := v.(capture.ResourceHolder); ok {
		if res := rh.Resource(); res != nil {
			if err := res.Release(); err != nil {
				errs = append(errs, fmt.Errorf("%s: release resource: %w", name, err))
			}
		}
	}

	return errs
}

// SafeCreate reclaims every handle in scope and then calls factory.
// A factory error is logged and reported as false instead of being returned.
func SafeCreate[T any](r *Reclaimer, scope Scope, factory func() (T, error)) (T, bool) {
	log.Info("safe camera creation")

	r.Reclaim(scope)

	v, err := factory()
	if err != nil {
		var zero T
		log.Error("failed to create camera", "error", err)
		return zero, false
	}

	log.Info("camera created")
	return v, true
}
