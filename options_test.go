package camera

import (
	"testing"
)

func TestFacingMode_Toggle(t *testing.T) {
	tests := []struct {
		in   FacingMode
		want FacingMode
	}{
		{FacingUser, FacingEnvironment},
		{FacingEnvironment, FacingUser},
		{FacingNone, FacingEnvironment},
	}

	for _, tt := range tests {
		if got := tt.in.Toggle(); got != tt.want {
			t.Errorf("%q.Toggle() = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConstraintMode_String(t *testing.T) {
	if got := ConstraintIdeal.String(); got != "ideal" {
		t.Errorf("ideal String() = %q", got)
	}
	if got := ConstraintExact.String(); got != "exact" {
		t.Errorf("exact String() = %q", got)
	}
}

func TestStreamOptions_Clone(t *testing.T) {
	orig := StreamOptions{
		Video: &VideoConstraints{DeviceID: "cam:0", Width: 1280, Height: 720, FrameRate: 30, FacingMode: FacingUser},
		Audio: &AudioConstraints{SampleRate: 48000, EchoCancellation: true},
	}

	clone := orig.Clone()
	clone.Video.Width = 640
	clone.Audio.SampleRate = 16000

	if orig.Video.Width != 1280 {
		t.Errorf("original video mutated: Width = %d", orig.Video.Width)
	}
	if orig.Audio.SampleRate != 48000 {
		t.Errorf("original audio mutated: SampleRate = %d", orig.Audio.SampleRate)
	}
}

func TestStreamOptions_CloneNil(t *testing.T) {
	clone := StreamOptions{}.Clone()
	if clone.Video != nil || clone.Audio != nil {
		t.Errorf("Clone of empty options = %+v, want nil kinds", clone)
	}
}

func TestStreamOptions_Has(t *testing.T) {
	if o := VideoOnly(); !o.HasVideo() || o.HasAudio() {
		t.Errorf("VideoOnly: HasVideo=%v HasAudio=%v", o.HasVideo(), o.HasAudio())
	}
	if o := (StreamOptions{Audio: &AudioConstraints{}}); o.HasVideo() || !o.HasAudio() {
		t.Errorf("audio only: HasVideo=%v HasAudio=%v", o.HasVideo(), o.HasAudio())
	}
}

func TestDefaultStreamOptions(t *testing.T) {
	o := DefaultStreamOptions()
	if o.Video == nil {
		t.Fatal("Video is nil")
	}
	if o.Video.Width != 1280 || o.Video.Height != 720 || o.Video.FrameRate != 30 {
		t.Errorf("defaults = %dx%d@%d, want 1280x720@30", o.Video.Width, o.Video.Height, o.Video.FrameRate)
	}
	if o.Video.FacingMode != FacingUser {
		t.Errorf("FacingMode = %q, want %q", o.Video.FacingMode, FacingUser)
	}
	if o.Video.Mode != ConstraintIdeal {
		t.Errorf("Mode = %v, want ideal", o.Video.Mode)
	}
}
