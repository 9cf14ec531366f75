package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
)

// ConsumerStatus is the adapter lifecycle state.
type ConsumerStatus int

const (
	ConsumerIdle      ConsumerStatus = iota // Not holding the camera
	ConsumerAcquiring                       // Acquisition or retry in progress
	ConsumerActive                          // Sharing the live Handle
	ConsumerFailed                          // Retry budget exhausted
)

func (s ConsumerStatus) String() string {
	switch s {
	case ConsumerAcquiring:
		return "acquiring"
	case ConsumerActive:
		return "active"
	case ConsumerFailed:
		return "failed"
	default:
		return "idle"
	}
}

// ConsumerState is an observable snapshot for UI binding.
type ConsumerState struct {
	Status     ConsumerStatus
	Handle     *Handle // The shared feed, nil unless Active
	Err        error   // Terminal error when Failed
	Pending    bool    // An initialize or switch is in flight
	Attempts   int     // Failures consumed in the current campaign
	Settings   VideoSettings
	Devices    []DeviceInfo
	Permission PermissionState
}

// InitFailure is the terminal error surfaced once the retry budget is
// exhausted. It carries the environment snapshot and every option set that
// was attempted, which is what support needs to diagnose a refusing device.
type InitFailure struct {
	Last        *CameraError
	Environment EnvironmentContext
	Attempted   []StreamOptions
}

func (e *InitFailure) Error() string {
	return fmt.Sprintf("camera init failed after %d attempts: %v", len(e.Attempted), e.Last)
}

func (e *InitFailure) Unwrap() error { return e.Last }

// Consumer is the per-UI-unit facade over the Manager. Each mounted view
// that needs the camera creates one Consumer; the Consumer owns retry,
// backoff and constraint relaxation, while the Manager owns the hardware.
type Consumer struct {
	id  string
	mgr *Manager
	log logging.LeveledLogger

	mu                sync.Mutex
	status            ConsumerStatus
	opts              StreamOptions
	handle            *Handle
	settings          VideoSettings
	lastErr           error
	pending           bool
	attempts          int
	permissionRetried bool
	epoch             uint64 // bumped by switch/stop; stale async results are discarded
	attempted         []StreamOptions
	stateCb           func(ConsumerState)
}

// NewConsumer creates an adapter bound to the manager. opts is the
// consumer's requested configuration; relaxation during retries always
// starts over from it.
func NewConsumer(mgr *Manager, opts StreamOptions) *Consumer {
	return &Consumer{
		id:   uuid.NewString(),
		mgr:  mgr,
		opts: opts,
		log:  mgr.logFactory.NewLogger("camera.consumer"),
	}
}

// ID returns the consumer's registration key with the manager.
func (c *Consumer) ID() string { return c.id }

// OnStateChange registers a callback invoked (on its own goroutine) after
// every observable transition.
func (c *Consumer) OnStateChange(cb func(ConsumerState)) {
	c.mu.Lock()
	c.stateCb = cb
	c.mu.Unlock()
}

// State returns the current observable snapshot.
func (c *Consumer) State() ConsumerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Consumer) stateLocked() ConsumerState {
	return ConsumerState{
		Status:     c.status,
		Handle:     c.handle,
		Err:        c.lastErr,
		Pending:    c.pending,
		Attempts:   c.attempts,
		Settings:   c.settings,
		Devices:    c.mgr.ListDevices(),
		Permission: c.mgr.PermissionState(),
	}
}

func (c *Consumer) notify() {
	c.mu.Lock()
	cb := c.stateCb
	state := c.stateLocked()
	c.mu.Unlock()
	if cb != nil {
		go cb(state)
	}
}

// Initialized reports whether the consumer currently shares a live Handle.
func (c *Consumer) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == ConsumerActive && c.handle != nil && c.handle.Active()
}

// Initialize acquires the shared camera, retrying recoverable failures with
// backoff and progressively relaxed constraints. Calling it while already
// Active with a live, enabled Handle is a no-op, as is calling it while a
// previous Initialize is still running.
func (c *Consumer) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.status == ConsumerActive && c.handle != nil && c.handle.Active() &&
		(c.handle.Video() == nil || c.handle.Video().Enabled()) {
		c.mu.Unlock()
		return nil
	}
	if c.pending {
		c.mu.Unlock()
		return nil
	}
	c.pending = true
	c.status = ConsumerAcquiring
	c.attempts = 0
	c.attempted = nil
	c.lastErr = nil
	epoch := c.epoch
	opts := c.opts
	c.mu.Unlock()
	c.notify()

	return c.campaign(ctx, epoch, opts)
}

// campaign runs the acquire/retry loop for one Initialize call.
func (c *Consumer) campaign(ctx context.Context, epoch uint64, requested StreamOptions) error {
	cfg := c.mgr.cfg
	attempt := 0
	current := requested

	for {
		c.mu.Lock()
		c.attempted = append(c.attempted, current)
		c.mu.Unlock()

		h, err := c.mgr.Acquire(ctx, c.id, current)
		if err == nil {
			c.mu.Lock()
			if c.epoch != epoch {
				c.mu.Unlock()
				return nil
			}
			c.handle = h
			c.settings = h.Settings()
			c.status = ConsumerActive
			c.pending = false
			c.attempts = 0
			c.lastErr = nil
			c.mu.Unlock()
			c.notify()
			return nil
		}

		if ctx.Err() != nil {
			// The caller gave up waiting. The consumer stays registered
			// with the manager until Stop; only this campaign ends.
			c.mu.Lock()
			if c.epoch == epoch {
				c.status = ConsumerIdle
				c.pending = false
			}
			c.mu.Unlock()
			c.notify()
			return ctx.Err()
		}

		cerr := Classify(err)
		attempt++

		recoverable := cerr.Recoverable()
		if cerr.Kind == KindPermissionDenied {
			c.mu.Lock()
			if c.permissionRetried {
				recoverable = false
			} else {
				c.permissionRetried = true
			}
			c.mu.Unlock()
		}

		if !recoverable || attempt > cfg.ReconnectAttempts {
			c.mu.Lock()
			failure := &InitFailure{
				Last:        cerr,
				Environment: c.mgr.env,
				Attempted:   append([]StreamOptions(nil), c.attempted...),
			}
			if c.epoch != epoch {
				c.mu.Unlock()
				return nil
			}
			c.status = ConsumerFailed
			c.pending = false
			c.attempts = attempt
			c.lastErr = failure
			c.mu.Unlock()
			c.notify()
			c.log.Warnf("giving up after %d attempts: %v", attempt, cerr)
			return failure
		}

		c.mu.Lock()
		c.attempts = attempt
		c.mu.Unlock()
		c.notify()

		delay := time.Duration(attempt) * cfg.ReconnectDelay
		c.log.Debugf("retry %d/%d in %s after %v", attempt, cfg.ReconnectAttempts, delay, cerr)
		t := c.mgr.clock.Timer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			c.mu.Lock()
			if c.epoch == epoch {
				c.status = ConsumerIdle
				c.pending = false
			}
			c.mu.Unlock()
			c.notify()
			return ctx.Err()
		}

		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		current = relaxOptions(requested, attempt)
	}
}

// relaxOptions widens the request stage by stage. Stage 1 drops sizing but
// keeps the chosen camera; stage 2 falls back to bare boolean constraints;
// later stages add audio, which unblocks video capture on some stacks.
func relaxOptions(requested StreamOptions, stage int) StreamOptions {
	switch {
	case stage <= 1:
		out := requested.Clone()
		if out.Video != nil {
			out.Video.Width = 0
			out.Video.Height = 0
			out.Video.FrameRate = 0
			out.Video.Mode = ConstraintIdeal
		}
		return out
	case stage == 2:
		out := StreamOptions{}
		if requested.Video != nil {
			out.Video = &VideoConstraints{}
		}
		if requested.Audio != nil {
			out.Audio = &AudioConstraints{}
		}
		return out
	default:
		return StreamOptions{Video: &VideoConstraints{}, Audio: &AudioConstraints{}}
	}
}

// SwitchFacing toggles between the front and back camera by switching the
// shared Handle. Because one Handle serves everyone, every consumer sees
// the new feed. The result is epoch-tagged: if a newer switch or a Stop
// happens before this one resolves, its outcome is discarded.
func (c *Consumer) SwitchFacing(ctx context.Context) error {
	c.mu.Lock()
	if c.status != ConsumerActive || c.handle == nil {
		c.mu.Unlock()
		return fmt.Errorf("switch facing: consumer not active")
	}

	facing := c.settings.Facing
	if facing == FacingNone {
		if c.opts.Video != nil {
			facing = c.opts.Video.FacingMode
		}
	}

	opts := c.opts.Clone()
	if opts.Video == nil {
		opts.Video = &VideoConstraints{}
	}
	opts.Video.FacingMode = facing.Toggle()
	// Facing picks the device now; a pinned ID would override it.
	opts.Video.DeviceID = ""

	c.opts = opts
	c.epoch++
	epoch := c.epoch
	c.pending = true
	c.mu.Unlock()
	c.notify()

	h, err := c.mgr.SwitchDevice(ctx, c.id, opts)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		cerr := Classify(err)
		c.status = ConsumerFailed
		c.handle = nil
		c.pending = false
		c.lastErr = cerr
		c.mu.Unlock()
		c.notify()
		return cerr
	}
	c.handle = h
	c.settings = h.Settings()
	c.status = ConsumerActive
	c.pending = false
	c.lastErr = nil
	c.mu.Unlock()
	c.notify()
	return nil
}

// Stop deregisters from the manager and returns to Idle. It never stops
// the shared Handle directly; the manager owns teardown and will only
// destroy the feed once every consumer is gone and the grace period ends.
func (c *Consumer) Stop() {
	c.mu.Lock()
	c.epoch++
	c.status = ConsumerIdle
	c.pending = false
	c.handle = nil
	c.settings = VideoSettings{}
	c.lastErr = nil
	c.attempts = 0
	c.mu.Unlock()

	c.mgr.Release(c.id)
	c.notify()
}
