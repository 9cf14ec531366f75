//go:build darwin && !nodevices

package camera

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/pion/logging"
)

// AVFoundation authorization status values, as returned by the shim.
const (
	avAuthorizationStatusNotDetermined = 0
	avAuthorizationStatusRestricted    = 1
	avAuthorizationStatusDenied        = 2
	avAuthorizationStatusAuthorized    = 3
)

var (
	avfOnce    sync.Once
	avfHandle  uintptr
	avfInitErr error
	avfLoaded  bool
)

// libglimmercam_avf function pointers
var (
	camAVVideoDeviceCount       func() int32
	camAVVideoDeviceID          func(index int32) uintptr
	camAVVideoDeviceLabel       func(index int32) uintptr
	camAVAudioInputDeviceCount  func() int32
	camAVAudioInputDeviceID     func(index int32) uintptr
	camAVAudioInputDeviceLabel  func(index int32) uintptr
	camAVFreeString             func(ptr uintptr)
	camAVCameraPermissionStatus func() int32
	camAVRequestCameraPerm      func()
	camAVVideoCaptureCreate     func(deviceID uintptr, width, height, fps int32, callback, userData uintptr) uint64
	camAVVideoCaptureStart      func(handle uint64) int32
	camAVVideoCaptureStop       func(handle uint64) int32
	camAVVideoCaptureDestroy    func(handle uint64)
	camAVVideoDeviceFPSRange    func(deviceID uintptr, minFPS, maxFPS uintptr) int32
	camAVGetError               func() uintptr
)

func initAVFoundation() {
	avfOnce.Do(func() {
		libPath := findLibrary("libglimmercam_avf.dylib")
		if libPath == "" {
			avfInitErr = fmt.Errorf("libglimmercam_avf.dylib not found")
			return
		}

		var err error
		avfHandle, err = purego.Dlopen(libPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			avfInitErr = fmt.Errorf("failed to load %s: %w", libPath, err)
			return
		}

		purego.RegisterLibFunc(&camAVVideoDeviceCount, avfHandle, "glimmercam_avf_video_device_count")
		purego.RegisterLibFunc(&camAVVideoDeviceID, avfHandle, "glimmercam_avf_video_device_id")
		purego.RegisterLibFunc(&camAVVideoDeviceLabel, avfHandle, "glimmercam_avf_video_device_label")
		purego.RegisterLibFunc(&camAVAudioInputDeviceCount, avfHandle, "glimmercam_avf_audio_input_device_count")
		purego.RegisterLibFunc(&camAVAudioInputDeviceID, avfHandle, "glimmercam_avf_audio_input_device_id")
		purego.RegisterLibFunc(&camAVAudioInputDeviceLabel, avfHandle, "glimmercam_avf_audio_input_device_label")
		purego.RegisterLibFunc(&camAVFreeString, avfHandle, "glimmercam_avf_free_string")
		purego.RegisterLibFunc(&camAVCameraPermissionStatus, avfHandle, "glimmercam_avf_camera_permission_status")
		purego.RegisterLibFunc(&camAVRequestCameraPerm, avfHandle, "glimmercam_avf_request_camera_permission")
		purego.RegisterLibFunc(&camAVVideoCaptureCreate, avfHandle, "glimmercam_avf_video_capture_create")
		purego.RegisterLibFunc(&camAVVideoCaptureStart, avfHandle, "glimmercam_avf_video_capture_start")
		purego.RegisterLibFunc(&camAVVideoCaptureStop, avfHandle, "glimmercam_avf_video_capture_stop")
		purego.RegisterLibFunc(&camAVVideoCaptureDestroy, avfHandle, "glimmercam_avf_video_capture_destroy")
		purego.RegisterLibFunc(&camAVVideoDeviceFPSRange, avfHandle, "glimmercam_avf_video_device_fps_range")
		purego.RegisterLibFunc(&camAVGetError, avfHandle, "glimmercam_avf_get_error")

		avfLoaded = true
	})
}

// IsAVFoundationAvailable reports whether the AVFoundation shim could be
// loaded.
func IsAVFoundationAvailable() bool {
	initAVFoundation()
	return avfLoaded
}

// Callback routing, same scheme as the Linux adapter: one process-wide
// purego callback demuxed by an integer key.
var (
	avfCapturesMu     sync.RWMutex
	avfVideoCaptures  = make(map[uintptr]*VideoTrack)
	avfCaptureCounter uintptr

	avfCallbackOnce  sync.Once
	avfFrameCallback uintptr
)

func initAVFCallback() {
	avfCallbackOnce.Do(func() {
		avfFrameCallback = purego.NewCallback(avfFrameHandler)
	})
}

func avfFrameHandler(
	yPlane uintptr, yStride int32,
	uPlane uintptr, uStride int32,
	vPlane uintptr, vStride int32,
	width, height int32,
	timestampNs int64,
	userData uintptr,
) {
	avfCapturesMu.RLock()
	track := avfVideoCaptures[userData]
	avfCapturesMu.RUnlock()
	if track == nil {
		return
	}

	// The CMSampleBuffer backing these planes is released when the
	// callback returns, so the data must be copied out.
	ySize := int(yStride) * int(height)
	uvHeight := int(height) / 2
	uSize := int(uStride) * uvHeight
	vSize := int(vStride) * uvHeight

	yData := make([]byte, ySize)
	uData := make([]byte, uSize)
	vData := make([]byte, vSize)
	copy(yData, unsafe.Slice((*byte)(unsafe.Pointer(yPlane)), ySize))
	copy(uData, unsafe.Slice((*byte)(unsafe.Pointer(uPlane)), uSize))
	copy(vData, unsafe.Slice((*byte)(unsafe.Pointer(vPlane)), vSize))

	track.PushFrame(&VideoFrame{
		Data:      [][]byte{yData, uData, vData},
		Stride:    []int{int(yStride), int(uStride), int(vStride)},
		Width:     int(width),
		Height:    int(height),
		Format:    PixelFormatI420,
		Timestamp: timestampNs,
	})
}

// AVFCameraConfig configures the macOS camera platform.
type AVFCameraConfig struct {
	LoggerFactory logging.LoggerFactory
}

// AVFCamera is the macOS Platform over AVFoundation. Unlike V4L2 it has a
// real permission model: the first capture attempt raises the system
// prompt, and the answer is queryable without prompting again.
type AVFCamera struct {
	PlatformEvents

	log logging.LeveledLogger

	mu     sync.Mutex
	stops  map[uintptr]func()
	closed bool
}

var _ Platform = (*AVFCamera)(nil)

// NewAVFCamera creates the macOS platform.
func NewAVFCamera(cfg AVFCameraConfig) *AVFCamera {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	initAVFoundation()
	return &AVFCamera{
		log:   cfg.LoggerFactory.NewLogger("camera.avf"),
		stops: make(map[uintptr]func()),
	}
}

// EnumerateDevices lists cameras and microphones. Before the permission
// prompt has been answered, AVFoundation returns generic labels.
func (c *AVFCamera) EnumerateDevices(ctx context.Context) ([]DeviceInfo, error) {
	if !avfLoaded {
		return nil, fmt.Errorf("avfoundation shim: %w", avfInitErr)
	}

	count := camAVVideoDeviceCount()
	devices := make([]DeviceInfo, 0, count)
	for i := int32(0); i < count; i++ {
		idPtr := camAVVideoDeviceID(i)
		labelPtr := camAVVideoDeviceLabel(i)
		if idPtr != 0 && labelPtr != 0 {
			label := goStringFromPtr(labelPtr)
			devices = append(devices, DeviceInfo{
				DeviceID: goStringFromPtr(idPtr),
				Kind:     DeviceKindVideoInput,
				Label:    label,
				Facing:   InferFacing(label),
			})
			camAVFreeString(idPtr)
			camAVFreeString(labelPtr)
		}
	}

	acount := camAVAudioInputDeviceCount()
	for i := int32(0); i < acount; i++ {
		idPtr := camAVAudioInputDeviceID(i)
		labelPtr := camAVAudioInputDeviceLabel(i)
		if idPtr != 0 && labelPtr != 0 {
			devices = append(devices, DeviceInfo{
				DeviceID: goStringFromPtr(idPtr),
				Kind:     DeviceKindAudioInput,
				Label:    goStringFromPtr(labelPtr),
			})
			camAVFreeString(idPtr)
			camAVFreeString(labelPtr)
		}
	}

	return devices, nil
}

// QueryPermission maps the AVFoundation authorization status without
// prompting. Restricted (parental controls, MDM) reads as denied since no
// prompt can fix it.
func (c *AVFCamera) QueryPermission(ctx context.Context) (PermissionState, error) {
	if !avfLoaded {
		return PermissionUnknown, fmt.Errorf("avfoundation shim: %w", avfInitErr)
	}
	switch camAVCameraPermissionStatus() {
	case avAuthorizationStatusAuthorized:
		return PermissionGranted, nil
	case avAuthorizationStatusDenied, avAuthorizationStatusRestricted:
		return PermissionDenied, nil
	default:
		return PermissionUnknown, nil
	}
}

// Acquire resolves authorization first, raising the system prompt when the
// status is not determined, then opens the selected camera. Audio capture
// is not wired through the AVFoundation shim yet; requests for it fall
// back to video only.
func (c *AVFCamera) Acquire(ctx context.Context, opts StreamOptions) (*Handle, error) {
	if !avfLoaded {
		return nil, fmt.Errorf("avfoundation shim: %w", avfInitErr)
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("avfoundation platform closed")
	}

	status := camAVCameraPermissionStatus()
	if status == avAuthorizationStatusNotDetermined {
		camAVRequestCameraPerm()
		status = c.awaitAuthorization(ctx)
	}
	switch status {
	case avAuthorizationStatusDenied, avAuthorizationStatusRestricted:
		return nil, fmt.Errorf("camera authorization: %w", ErrPermissionDenied)
	case avAuthorizationStatusNotDetermined:
		return nil, fmt.Errorf("camera authorization prompt unresolved: %w", ErrAcquireTimeout)
	}

	devices, err := c.EnumerateDevices(ctx)
	if err != nil {
		return nil, err
	}
	device, err := SelectDevice(devices, opts)
	if err != nil {
		return nil, err
	}

	video, videoID, err := c.openVideo(device, opts.Video)
	if err != nil {
		return nil, err
	}
	if opts.HasAudio() {
		c.log.Warnf("audio capture not wired on avfoundation, continuing video only")
	}

	h := NewHandle(video, nil)
	h.OnStop(func() { c.releaseCapture(videoID) })

	s := video.Settings()
	c.log.Debugf("acquired %s at %dx%d@%dfps", device.DeviceID, s.Width, s.Height, s.FrameRate)
	return h, nil
}

// awaitAuthorization polls the status while the system prompt is on
// screen. The caller bounds the wait through ctx; the manager's permission
// timeout covers the user never answering.
func (c *AVFCamera) awaitAuthorization(ctx context.Context) int32 {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return avAuthorizationStatusNotDetermined
		case <-ticker.C:
			if s := camAVCameraPermissionStatus(); s != avAuthorizationStatusNotDetermined {
				return s
			}
		}
	}
}

func (c *AVFCamera) openVideo(device DeviceInfo, cons *VideoConstraints) (*VideoTrack, uintptr, error) {
	initAVFCallback()

	width, height, fps := 640, 480, 30
	if cons != nil {
		if cons.Width > 0 {
			width = cons.Width
		}
		if cons.Height > 0 {
			height = cons.Height
		}
		if cons.FrameRate > 0 {
			fps = cons.FrameRate
		}
	}

	// AVFoundation rejects session setup outright when the framerate is
	// outside the device's range, so clamp ideal requests up front and
	// fail exact ones.
	if minFPS, maxFPS, err := deviceFPSRange(device.DeviceID); err == nil && maxFPS > 0 {
		if cons != nil && cons.Mode == ConstraintExact && cons.FrameRate > 0 &&
			(cons.FrameRate < minFPS || cons.FrameRate > maxFPS) {
			return nil, 0, fmt.Errorf("framerate %d outside device range %d-%d: %w",
				cons.FrameRate, minFPS, maxFPS, ErrOverconstrained)
		}
		if fps > maxFPS {
			fps = maxFPS
		}
		if fps < minFPS {
			fps = minFPS
		}
	}

	avfCapturesMu.Lock()
	avfCaptureCounter++
	captureID := avfCaptureCounter
	avfCapturesMu.Unlock()

	id := cString(device.DeviceID)
	handle := camAVVideoCaptureCreate(
		uintptr(unsafe.Pointer(&id[0])),
		int32(width), int32(height), int32(fps),
		avfFrameCallback, captureID,
	)
	runtime.KeepAlive(id)
	if handle == 0 {
		return nil, 0, avfErr("create capture")
	}

	track := NewVideoTrack(device.Label, device.DeviceID, VideoSettings{
		Width:     width,
		Height:    height,
		FrameRate: fps,
		DeviceID:  device.DeviceID,
		Facing:    device.Facing,
	})

	avfCapturesMu.Lock()
	avfVideoCaptures[captureID] = track
	avfCapturesMu.Unlock()

	if camAVVideoCaptureStart(handle) != 0 {
		avfCapturesMu.Lock()
		delete(avfVideoCaptures, captureID)
		avfCapturesMu.Unlock()
		camAVVideoCaptureDestroy(handle)
		return nil, 0, avfErr("start capture")
	}

	c.addCapture(captureID, func() {
		avfCapturesMu.Lock()
		delete(avfVideoCaptures, captureID)
		avfCapturesMu.Unlock()
		camAVVideoCaptureStop(handle)
		camAVVideoCaptureDestroy(handle)
	})
	return track, captureID, nil
}

// deviceFPSRange reads the supported framerate range for a device.
func deviceFPSRange(deviceID string) (minFPS, maxFPS int, err error) {
	if !avfLoaded {
		return 0, 0, fmt.Errorf("avfoundation shim: %w", avfInitErr)
	}

	var idPtr uintptr
	var id []byte
	if deviceID != "" {
		id = cString(deviceID)
		idPtr = uintptr(unsafe.Pointer(&id[0]))
	}

	var minVal, maxVal int32
	result := camAVVideoDeviceFPSRange(
		idPtr,
		uintptr(unsafe.Pointer(&minVal)),
		uintptr(unsafe.Pointer(&maxVal)),
	)
	runtime.KeepAlive(id)
	if result != 0 {
		return 0, 0, avfErr("query fps range")
	}
	return int(minVal), int(maxVal), nil
}

func (c *AVFCamera) addCapture(id uintptr, stop func()) {
	c.mu.Lock()
	c.stops[id] = stop
	c.mu.Unlock()
}

func (c *AVFCamera) releaseCapture(id uintptr) {
	c.mu.Lock()
	stop := c.stops[id]
	delete(c.stops, id)
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Close stops any captures still running.
func (c *AVFCamera) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stops := c.stops
	c.stops = make(map[uintptr]func())
	c.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	return nil
}

func avfErr(op string) error {
	msg := "unknown error"
	if ptr := camAVGetError(); ptr != 0 {
		msg = goStringFromPtr(ptr)
	}
	return wrapShimErr(op, msg)
}

func init() {
	if IsAVFoundationAvailable() {
		RegisterPlatform(NewAVFCamera(AVFCameraConfig{}))
	}
}
