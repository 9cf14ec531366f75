package camera

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// TrackState represents the state of a track.
type TrackState int

const (
	TrackStateLive  TrackState = iota // Track is active and producing media
	TrackStateEnded                   // Track has ended
	TrackStateMuted                   // Track is muted (still active but not producing)
)

func (s TrackState) String() string {
	switch s {
	case TrackStateLive:
		return "live"
	case TrackStateEnded:
		return "ended"
	case TrackStateMuted:
		return "muted"
	default:
		return "unknown"
	}
}

// ErrTrackEnded is returned by reads on a track that has stopped producing.
var ErrTrackEnded = errors.New("track ended")

// VideoFrameCallback is called when a raw frame is available (push mode).
type VideoFrameCallback func(frame *VideoFrame)

// EncodedFrameCallback is called when an encoded frame is available.
type EncodedFrameCallback func(frame *EncodedFrame)

// AudioSamplesCallback is called when audio samples are available.
type AudioSamplesCallback func(samples *AudioSamples)

// VideoSettings describes the settings a platform actually granted, which
// may differ from what was requested.
type VideoSettings struct {
	Width     int
	Height    int
	FrameRate int
	DeviceID  string
	Facing    FacingMode
}

// trackBase carries the state shared by video and audio tracks.
type trackBase struct {
	id      string
	label   string
	state   atomic.Int32
	muted   atomic.Bool
	enabled atomic.Bool
	done    chan struct{}
	endedCb func()
	mu      sync.RWMutex
}

func newTrackBase(label string) trackBase {
	b := trackBase{
		id:    uuid.NewString(),
		label: label,
		done:  make(chan struct{}),
	}
	b.state.Store(int32(TrackStateLive))
	b.enabled.Store(true)
	return b
}

func (t *trackBase) ID() string    { return t.id }
func (t *trackBase) Label() string { return t.label }

func (t *trackBase) State() TrackState { return TrackState(t.state.Load()) }

func (t *trackBase) Muted() bool       { return t.muted.Load() }
func (t *trackBase) SetMuted(m bool)   { t.muted.Store(m) }
func (t *trackBase) Enabled() bool     { return t.enabled.Load() }
func (t *trackBase) SetEnabled(e bool) { t.enabled.Store(e) }

// Live reports whether the track still produces media.
func (t *trackBase) Live() bool { return t.State() != TrackStateEnded }

// OnEnded sets a callback invoked once when the track ends.
func (t *trackBase) OnEnded(callback func()) {
	t.mu.Lock()
	t.endedCb = callback
	t.mu.Unlock()
}

// End marks the track ended and wakes all blocked readers. Idempotent.
// The ended callback runs on its own goroutine.
func (t *trackBase) End() {
	old := TrackState(t.state.Swap(int32(TrackStateEnded)))
	if old == TrackStateEnded {
		return
	}
	close(t.done)

	t.mu.RLock()
	cb := t.endedCb
	t.mu.RUnlock()
	if cb != nil {
		go cb()
	}
}

// VideoTrack is a live camera feed. Platforms that capture raw frames push
// through PushFrame; platforms that capture pre-encoded bitstreams push
// through PushEncoded. A track carries one or the other, never both.
type VideoTrack struct {
	trackBase
	deviceID string
	settings VideoSettings

	frameCh   chan *VideoFrame
	encodedCh chan *EncodedFrame
	frameCb   VideoFrameCallback
	encodedCb EncodedFrameCallback
}

// NewVideoTrack creates a live video track. Platform adapters call this
// during acquisition and feed it via the Push methods.
func NewVideoTrack(label, deviceID string, settings VideoSettings) *VideoTrack {
	return &VideoTrack{
		trackBase: newTrackBase(label),
		deviceID:  deviceID,
		settings:  settings,
		frameCh:   make(chan *VideoFrame, 3),
		encodedCh: make(chan *EncodedFrame, 8),
	}
}

// Settings returns the granted capture settings.
func (t *VideoTrack) Settings() VideoSettings { return t.settings }

// DeviceID returns the device this track captures from.
func (t *VideoTrack) DeviceID() string { return t.deviceID }

// OnFrame sets the push-mode callback for raw frames.
func (t *VideoTrack) OnFrame(cb VideoFrameCallback) {
	t.mu.Lock()
	t.frameCb = cb
	t.mu.Unlock()
}

// OnEncoded sets the push-mode callback for encoded frames.
func (t *VideoTrack) OnEncoded(cb EncodedFrameCallback) {
	t.mu.Lock()
	t.encodedCb = cb
	t.mu.Unlock()
}

// PushFrame delivers a raw frame. Muted or disabled tracks drop frames, as
// does a full buffer; capture must never block on a slow consumer.
func (t *VideoTrack) PushFrame(frame *VideoFrame) {
	if !t.Live() || t.muted.Load() || !t.enabled.Load() {
		return
	}

	t.mu.RLock()
	cb := t.frameCb
	t.mu.RUnlock()
	if cb != nil {
		cb(frame)
		return
	}

	select {
	case t.frameCh <- frame:
	default:
		// Drop frame if buffer is full
	}
}

// PushEncoded delivers an encoded frame.
func (t *VideoTrack) PushEncoded(frame *EncodedFrame) {
	if !t.Live() || t.muted.Load() || !t.enabled.Load() {
		return
	}

	t.mu.RLock()
	cb := t.encodedCb
	t.mu.RUnlock()
	if cb != nil {
		cb(frame)
		return
	}

	select {
	case t.encodedCh <- frame:
	default:
	}
}

// ReadFrame reads the next raw frame (blocking).
func (t *VideoTrack) ReadFrame(ctx context.Context) (*VideoFrame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrTrackEnded
	case frame := <-t.frameCh:
		return frame, nil
	}
}

// ReadEncoded reads the next encoded frame (blocking).
func (t *VideoTrack) ReadEncoded(ctx context.Context) (*EncodedFrame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrTrackEnded
	case frame := <-t.encodedCh:
		return frame, nil
	}
}

// AudioTrack is a live microphone feed.
type AudioTrack struct {
	trackBase
	deviceID string
	settings AudioSettings

	samplesCh chan *AudioSamples
	samplesCb AudioSamplesCallback
}

// AudioSettings describes the granted audio capture settings.
type AudioSettings struct {
	SampleRate       int
	ChannelCount     int
	DeviceID         string
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// NewAudioTrack creates a live audio track.
func NewAudioTrack(label, deviceID string, settings AudioSettings) *AudioTrack {
	return &AudioTrack{
		trackBase: newTrackBase(label),
		deviceID:  deviceID,
		settings:  settings,
		samplesCh: make(chan *AudioSamples, 8),
	}
}

// Settings returns the granted capture settings.
func (t *AudioTrack) Settings() AudioSettings { return t.settings }

// DeviceID returns the device this track captures from.
func (t *AudioTrack) DeviceID() string { return t.deviceID }

// OnSamples sets the push-mode callback.
func (t *AudioTrack) OnSamples(cb AudioSamplesCallback) {
	t.mu.Lock()
	t.samplesCb = cb
	t.mu.Unlock()
}

// PushSamples delivers captured samples, dropping when the buffer is full.
func (t *AudioTrack) PushSamples(samples *AudioSamples) {
	if !t.Live() || t.muted.Load() || !t.enabled.Load() {
		return
	}

	t.mu.RLock()
	cb := t.samplesCb
	t.mu.RUnlock()
	if cb != nil {
		cb(samples)
		return
	}

	select {
	case t.samplesCh <- samples:
	default:
	}
}

// ReadSamples reads the next audio samples (blocking).
func (t *AudioTrack) ReadSamples(ctx context.Context) (*AudioSamples, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrTrackEnded
	case samples := <-t.samplesCh:
		return samples, nil
	}
}
