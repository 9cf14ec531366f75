package camera

// FacingMode expresses which way a camera points (like the getUserMedia
// facingMode constraint).
type FacingMode string

const (
	FacingNone        FacingMode = ""            // No preference
	FacingUser        FacingMode = "user"        // Front camera
	FacingEnvironment FacingMode = "environment" // Back camera
)

// Toggle flips between the front and back camera. An unset preference
// toggles to the back camera, the common reason to switch at all.
func (f FacingMode) Toggle() FacingMode {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// ConstraintMode controls how strictly numeric video constraints bind.
type ConstraintMode int

const (
	ConstraintIdeal ConstraintMode = iota // Best effort, platform may deviate
	ConstraintExact                       // Must match exactly or acquisition fails
)

func (m ConstraintMode) String() string {
	if m == ConstraintExact {
		return "exact"
	}
	return "ideal"
}

// VideoConstraints describes the requested camera capture.
type VideoConstraints struct {
	DeviceID   string         // Specific device ID ("" = any)
	Width      int            // Requested width (0 = platform default)
	Height     int            // Requested height (0 = platform default)
	FrameRate  int            // Requested framerate (0 = platform default)
	Mode       ConstraintMode // How strictly width/height/framerate bind
	FacingMode FacingMode     // Preferred camera facing
}

// Clone returns an independent copy.
func (v *VideoConstraints) Clone() *VideoConstraints {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// AudioConstraints describes the requested microphone capture.
type AudioConstraints struct {
	DeviceID         string // Specific device ID ("" = any)
	SampleRate       int    // Requested sample rate (0 = platform default)
	ChannelCount     int    // Requested channels (0 = platform default)
	EchoCancellation bool   // Enable echo cancellation
	NoiseSuppression bool   // Enable noise suppression
	AutoGainControl  bool   // Enable automatic gain control
}

// Clone returns an independent copy.
func (a *AudioConstraints) Clone() *AudioConstraints {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// StreamOptions configures an acquisition request. A nil constraint pointer
// means that track kind is not requested.
type StreamOptions struct {
	Video *VideoConstraints // nil = no video
	Audio *AudioConstraints // nil = no audio
}

// Clone returns a deep copy so transforms never mutate a caller's options.
func (o StreamOptions) Clone() StreamOptions {
	return StreamOptions{
		Video: o.Video.Clone(),
		Audio: o.Audio.Clone(),
	}
}

// HasVideo reports whether video capture is requested.
func (o StreamOptions) HasVideo() bool { return o.Video != nil }

// HasAudio reports whether audio capture is requested.
func (o StreamOptions) HasAudio() bool { return o.Audio != nil }

// VideoOnly requests any camera with platform-default settings.
func VideoOnly() StreamOptions {
	return StreamOptions{Video: &VideoConstraints{}}
}

// DefaultStreamOptions requests a 720p30 front camera, the setting most
// capture UIs start from.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		Video: &VideoConstraints{
			Width:      1280,
			Height:     720,
			FrameRate:  30,
			FacingMode: FacingUser,
		},
	}
}
