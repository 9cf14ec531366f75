package camera

import (
	"os"
	"runtime"
)

// EnvironmentContext is an immutable snapshot of platform capabilities taken
// once at startup. Acquisition paths consult it instead of re-probing.
type EnvironmentContext struct {
	OS             string // GOOS value at detection time
	RuntimeVersion string // Go runtime version

	Mobile   bool // Phone or tablet class device
	IOS      bool
	Android  bool
	Headless bool // No display attached (CI boxes, servers)

	PreferredFacing FacingMode // Facing to use when the caller has no preference

	// Feature flags. Exact constraint matching is refused outright by some
	// mobile capture stacks, so requests there are downgraded to ideal.
	SupportsExactConstraints bool
	SupportsWebRTC           bool
	SupportsVisibility       bool
}

// Capture ceilings applied on mobile-class devices, where oversized requests
// either fail or thermal-throttle within minutes.
const (
	mobileMaxWidth     = 1280
	mobileMaxHeight    = 720
	mobileMaxFrameRate = 30
)

// Detect inspects the ambient platform and returns its capability snapshot.
func Detect() EnvironmentContext {
	return detectWith(runtime.GOOS, runtime.Version(), os.Getenv)
}

// detectWith is Detect with its inputs injected, keeping the mapping a pure
// function of (goos, version, env).
func detectWith(goos, version string, getenv func(string) string) EnvironmentContext {
	env := EnvironmentContext{
		OS:             goos,
		RuntimeVersion: version,
		IOS:            goos == "ios",
		Android:        goos == "android",
	}
	env.Mobile = env.IOS || env.Android
	env.Headless = goos == "linux" && getenv("DISPLAY") == "" && getenv("WAYLAND_DISPLAY") == ""

	if env.Mobile {
		env.PreferredFacing = FacingUser
	}

	env.SupportsExactConstraints = !env.Mobile
	env.SupportsWebRTC = true
	env.SupportsVisibility = !env.Headless

	return env
}

// AdaptOptions rewrites an acquisition request for the detected platform:
// exact constraints become ideal where exact matching is refused, resolution
// and frame rate are clamped on mobile, and mobile audio gets echo
// cancellation and noise suppression. The input is never mutated; identical
// inputs produce identical outputs.
func AdaptOptions(opts StreamOptions, env EnvironmentContext) StreamOptions {
	out := opts.Clone()

	if v := out.Video; v != nil {
		if v.Mode == ConstraintExact && !env.SupportsExactConstraints {
			v.Mode = ConstraintIdeal
		}
		if env.Mobile {
			if v.Width > mobileMaxWidth {
				v.Width = mobileMaxWidth
			}
			if v.Height > mobileMaxHeight {
				v.Height = mobileMaxHeight
			}
			if v.FrameRate > mobileMaxFrameRate {
				v.FrameRate = mobileMaxFrameRate
			}
		}
		if v.FacingMode == FacingNone && v.DeviceID == "" {
			v.FacingMode = env.PreferredFacing
		}
	}

	if a := out.Audio; a != nil && env.Mobile {
		a.EchoCancellation = true
		a.NoiseSuppression = true
	}

	return out
}
