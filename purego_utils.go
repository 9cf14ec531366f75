//go:build (darwin || linux) && !nodevices

// Shared utilities for the purego-based platform adapters.

package camera

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unsafe"
)

// goStringFromPtr converts a C string pointer to a Go string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	// Find string length
	p := unsafe.Pointer(ptr)
	var length int
	for {
		if *(*byte)(unsafe.Pointer(uintptr(p) + uintptr(length))) == 0 {
			break
		}
		length++
		if length > 1024 { // Safety limit
			break
		}
	}
	if length == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(p), length))
}

// cString returns a NUL-terminated byte slice for passing to C. The slice
// must stay referenced until the native call returns.
func cString(s string) []byte {
	return append([]byte(s), 0)
}

// wrapShimErr turns a shim error string into a Go error, wrapping the
// package sentinels for the errno texts every platform produces so
// Classify buckets them without further help.
func wrapShimErr(op, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "operation not permitted"):
		return fmt.Errorf("%s: %s: %w", op, msg, ErrPermissionDenied)
	case strings.Contains(lower, "busy"):
		return fmt.Errorf("%s: %s: %w", op, msg, ErrDeviceInUse)
	case strings.Contains(lower, "no such"):
		return fmt.Errorf("%s: %s: %w", op, msg, ErrDeviceNotFound)
	}
	return fmt.Errorf("%s: %s", op, msg)
}

// findLibrary searches for the native capture shim in common locations.
func findLibrary(libName string) string {
	searchPaths := []string{
		os.Getenv("GLIMMERCAM_LIB_PATH"),
	}

	if exe, err := os.Executable(); err == nil {
		searchPaths = append(searchPaths, filepath.Dir(exe))
	}
	searchPaths = append(searchPaths,
		"/usr/local/lib",
		"/usr/lib",
	)

	for _, p := range searchPaths {
		if p == "" {
			continue
		}
		candidate := filepath.Join(p, libName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	return ""
}
