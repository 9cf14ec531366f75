package camera

import (
	"fmt"
	"strings"
)

// DeviceKind represents the type of capture device.
type DeviceKind int

const (
	DeviceKindVideoInput DeviceKind = iota // Camera
	DeviceKindAudioInput                   // Microphone
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceKindVideoInput:
		return "videoinput"
	case DeviceKindAudioInput:
		return "audioinput"
	default:
		return "unknown"
	}
}

// DeviceInfo describes a capture device (like browser's MediaDeviceInfo).
// Labels may be empty until a first acquisition grants permission.
type DeviceInfo struct {
	DeviceID string     // Unique identifier for the device
	GroupID  string     // Devices with the same groupID share a physical unit
	Kind     DeviceKind // Device type
	Label    string     // Human-readable device name
	Facing   FacingMode // Inferred camera facing, FacingNone when unknown
}

// InferFacing guesses a camera's facing from its label. Platform device
// lists rarely carry facing metadata, so pickers fall back to naming
// conventions; an unrecognized label stays FacingNone.
func InferFacing(label string) FacingMode {
	l := strings.ToLower(label)
	for _, kw := range frontFacingKeywords {
		if strings.Contains(l, kw) {
			return FacingUser
		}
	}
	for _, kw := range backFacingKeywords {
		if strings.Contains(l, kw) {
			return FacingEnvironment
		}
	}
	return FacingNone
}

var (
	frontFacingKeywords = []string{"front", "user", "facetime", "selfie", "integrated"}
	backFacingKeywords  = []string{"back", "rear", "environment", "world"}
)

// SelectDevice picks the camera satisfying the video constraints. A pinned
// DeviceID must match exactly; otherwise facing preference applies, then
// the first camera wins. An empty camera list is DeviceNotFound. A pinned
// ID (or an exact facing) that matches nothing while cameras exist is
// Overconstrained, mirroring how browsers treat unsatisfiable exact
// constraints.
func SelectDevice(devices []DeviceInfo, opts StreamOptions) (DeviceInfo, error) {
	var want string
	facing := FacingNone
	exact := false
	if opts.Video != nil {
		want = opts.Video.DeviceID
		facing = opts.Video.FacingMode
		exact = opts.Video.Mode == ConstraintExact
	}

	cameras := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		if d.Kind == DeviceKindVideoInput {
			cameras = append(cameras, d)
		}
	}
	if len(cameras) == 0 {
		return DeviceInfo{}, fmt.Errorf("no video input devices: %w", ErrDeviceNotFound)
	}

	if want != "" {
		for _, d := range cameras {
			if d.DeviceID == want {
				return d, nil
			}
		}
		return DeviceInfo{}, fmt.Errorf("device %q: %w", want, ErrOverconstrained)
	}

	if facing != FacingNone {
		for _, d := range cameras {
			if d.Facing == facing {
				return d, nil
			}
		}
		if exact {
			return DeviceInfo{}, fmt.Errorf("facing %q: %w", facing, ErrOverconstrained)
		}
	}
	return cameras[0], nil
}

// PermissionState is the cached tri-state outcome of permission probing.
type PermissionState int

const (
	PermissionUnknown PermissionState = iota // Not yet determined
	PermissionGranted                        // User approved camera access
	PermissionDenied                         // User or OS refused camera access
)

func (p PermissionState) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// PlatformEventKind identifies asynchronous platform notifications.
type PlatformEventKind int

const (
	EventDeviceChange      PlatformEventKind = iota // A device was plugged or unplugged
	EventVisibilityHidden                           // The app moved to the background
	EventVisibilityVisible                          // The app returned to the foreground
)

func (k PlatformEventKind) String() string {
	switch k {
	case EventDeviceChange:
		return "devicechange"
	case EventVisibilityHidden:
		return "hidden"
	case EventVisibilityVisible:
		return "visible"
	default:
		return "unknown"
	}
}

// PlatformEvent is an asynchronous notification from a Platform.
type PlatformEvent struct {
	Kind PlatformEventKind
}
