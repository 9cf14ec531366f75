package camera

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handle is a live camera feed. The Manager owns the only Handle in the
// process and shares it by reference with every active consumer; consumers
// must never stop it themselves. Destroying a Handle stops all of its
// underlying tracks exactly once.
type Handle struct {
	id    string
	epoch uint64 // acquisition epoch, tagged by the manager

	video *VideoTrack
	audio *AudioTrack

	stopped  atomic.Bool
	mu       sync.Mutex
	onStopFn []func()
}

// NewHandle wraps freshly acquired tracks. Platform adapters call this from
// Acquire; either track may be nil when that kind was not requested.
func NewHandle(video *VideoTrack, audio *AudioTrack) *Handle {
	return &Handle{
		id:    uuid.NewString(),
		video: video,
		audio: audio,
	}
}

// ID returns the unique identifier of this feed.
func (h *Handle) ID() string { return h.id }

// Video returns the video track, nil if none was requested.
func (h *Handle) Video() *VideoTrack { return h.video }

// Audio returns the audio track, nil if none was requested.
func (h *Handle) Audio() *AudioTrack { return h.audio }

// Settings returns the granted video settings, zero when there is no video.
func (h *Handle) Settings() VideoSettings {
	if h.video == nil {
		return VideoSettings{}
	}
	return h.video.Settings()
}

// Active reports whether any track is still live.
func (h *Handle) Active() bool {
	if h.stopped.Load() {
		return false
	}
	if h.video != nil && h.video.Live() {
		return true
	}
	if h.audio != nil && h.audio.Live() {
		return true
	}
	return false
}

// OnStop registers platform cleanup to run after the tracks end. Adapters
// use this to release capture sessions or FFI resources.
func (h *Handle) OnStop(f func()) {
	h.mu.Lock()
	h.onStopFn = append(h.onStopFn, f)
	h.mu.Unlock()
}

// stop ends all tracks and runs platform cleanup. Idempotent; only the
// manager calls it.
func (h *Handle) stop() {
	if !h.stopped.CompareAndSwap(false, true) {
		return
	}
	if h.video != nil {
		h.video.End()
	}
	if h.audio != nil {
		h.audio.End()
	}

	h.mu.Lock()
	fns := h.onStopFn
	h.onStopFn = nil
	h.mu.Unlock()
	for _, f := range fns {
		f()
	}
}
