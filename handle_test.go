package camera

import (
	"testing"
)

func testVideoTrack(label string) *VideoTrack {
	return NewVideoTrack(label, "test:0", VideoSettings{
		Width: 1280, Height: 720, FrameRate: 30, DeviceID: "test:0", Facing: FacingUser,
	})
}

func TestHandleAccessors(t *testing.T) {
	vt := testVideoTrack("Test Camera")
	at := NewAudioTrack("Test Mic", "mic:0", AudioSettings{SampleRate: 48000, ChannelCount: 1})
	h := NewHandle(vt, at)

	if h.ID() == "" {
		t.Error("ID is empty")
	}
	if h.Video() != vt {
		t.Error("Video() returned wrong track")
	}
	if h.Audio() != at {
		t.Error("Audio() returned wrong track")
	}
	if got := h.Settings(); got != vt.Settings() {
		t.Errorf("Settings() = %+v, want %+v", got, vt.Settings())
	}
	if !h.Active() {
		t.Error("fresh handle should be active")
	}
}

func TestHandleSettingsWithoutVideo(t *testing.T) {
	at := NewAudioTrack("Test Mic", "mic:0", AudioSettings{SampleRate: 48000})
	h := NewHandle(nil, at)

	if got := h.Settings(); got != (VideoSettings{}) {
		t.Errorf("Settings() = %+v, want zero", got)
	}
	if !h.Active() {
		t.Error("audio-only handle should be active")
	}
}

func TestHandleStop(t *testing.T) {
	vt := testVideoTrack("Test Camera")
	at := NewAudioTrack("Test Mic", "mic:0", AudioSettings{})
	h := NewHandle(vt, at)

	calls := 0
	sawEnded := false
	h.OnStop(func() {
		calls++
		// Cleanup runs after the tracks ended.
		sawEnded = !vt.Live() && !at.Live()
	})

	h.stop()
	h.stop()

	if calls != 1 {
		t.Errorf("OnStop ran %d times, want 1", calls)
	}
	if !sawEnded {
		t.Error("OnStop ran before the tracks ended")
	}
	if h.Active() {
		t.Error("stopped handle reports active")
	}
	if vt.State() != TrackStateEnded || at.State() != TrackStateEnded {
		t.Errorf("track states = %v/%v, want ended", vt.State(), at.State())
	}
}

func TestHandleStopCallbackOrder(t *testing.T) {
	h := NewHandle(testVideoTrack("Test Camera"), nil)

	var order []int
	h.OnStop(func() { order = append(order, 1) })
	h.OnStop(func() { order = append(order, 2) })

	h.stop()

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("callback order = %v, want [1 2]", order)
	}
}

func TestHandleActiveAfterTrackEnd(t *testing.T) {
	vt := testVideoTrack("Test Camera")
	at := NewAudioTrack("Test Mic", "mic:0", AudioSettings{})
	h := NewHandle(vt, at)

	vt.End()
	if !h.Active() {
		t.Error("handle with a live audio track should still be active")
	}
	at.End()
	if h.Active() {
		t.Error("handle with all tracks ended reports active")
	}
}

func TestHandleUniqueIDs(t *testing.T) {
	a := NewHandle(testVideoTrack("a"), nil)
	b := NewHandle(testVideoTrack("b"), nil)
	if a.ID() == b.ID() {
		t.Error("two handles share an ID")
	}
}
