package camera

import (
	"context"
	"io"
	"sync"
)

// Platform is the hardware abstraction the Manager acquires through. One
// adapter exists per runtime (V4L2, AVFoundation, the RTMP virtual camera,
// the synthetic pattern generator); the Manager never touches a platform
// API directly.
type Platform interface {
	io.Closer

	// Acquire opens a camera feed matching the options and returns a live
	// Handle. Failures should wrap the package sentinels (ErrPermissionDenied,
	// ErrDeviceNotFound, ...) so Classify can bucket them. Acquire is not
	// expected to be cancellable mid-flight; callers race it with a timeout.
	Acquire(ctx context.Context, opts StreamOptions) (*Handle, error)

	// EnumerateDevices lists capture devices. Labels may be empty before
	// the first successful acquisition on permission-gated platforms.
	EnumerateDevices(ctx context.Context) ([]DeviceInfo, error)

	// QueryPermission reports the current permission state without
	// prompting. Platforms lacking a query primitive return PermissionUnknown.
	QueryPermission(ctx context.Context) (PermissionState, error)

	// Notifications emits device-change and visibility events, nil when the
	// platform has no asynchronous signals.
	Notifications() <-chan PlatformEvent
}

// platformRegistry holds the process default platform, set by adapter init().
type platformRegistry struct {
	platform Platform
	mu       sync.RWMutex
}

var globalPlatformRegistry = &platformRegistry{}

// RegisterPlatform sets the process-default platform. Build-tagged adapters
// register themselves from init when their native library is loadable.
func RegisterPlatform(p Platform) {
	globalPlatformRegistry.mu.Lock()
	defer globalPlatformRegistry.mu.Unlock()
	globalPlatformRegistry.platform = p
}

// DefaultPlatform returns the registered platform, nil when none is
// available on this host.
func DefaultPlatform() Platform {
	globalPlatformRegistry.mu.RLock()
	defer globalPlatformRegistry.mu.RUnlock()
	return globalPlatformRegistry.platform
}

// PlatformEvents is an embeddable notification source for adapters.
// Emit never blocks; a slow listener just misses the event, which is
// acceptable for best-effort cache refresh signals.
type PlatformEvents struct {
	once sync.Once
	ch   chan PlatformEvent
}

func (e *PlatformEvents) init() {
	e.once.Do(func() {
		e.ch = make(chan PlatformEvent, 8)
	})
}

// Notifications returns the event channel.
func (e *PlatformEvents) Notifications() <-chan PlatformEvent {
	e.init()
	return e.ch
}

// Emit publishes an event without blocking.
func (e *PlatformEvents) Emit(kind PlatformEventKind) {
	e.init()
	select {
	case e.ch <- PlatformEvent{Kind: kind}:
	default:
	}
}
