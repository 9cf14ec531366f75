//go:build linux && !nodevices

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

// Native shim state. libglimmercam_v4l2.so wraps the V4L2 ioctl surface
// behind a C ABI purego can bind to; libglimmercam_alsa.so does the same
// for ALSA capture. Either library may be absent.
var (
	v4l2Once    sync.Once
	v4l2Handle  uintptr
	v4l2InitErr error
	v4l2Loaded  bool

	alsaOnce    sync.Once
	alsaHandle  uintptr
	alsaInitErr error
	alsaLoaded  bool
)

// V4L2 shim function pointers
var (
	camV4L2DeviceCount      func() int32
	camV4L2DevicePath       func(index int32) uintptr
	camV4L2DeviceName       func(index int32) uintptr
	camV4L2FreeString       func(ptr uintptr)
	camV4L2CaptureCreate    func(devicePath uintptr, width, height, fps int32, callback, userData uintptr) uint64
	camV4L2CaptureStart     func(handle uint64) int32
	camV4L2CaptureStop      func(handle uint64) int32
	camV4L2CaptureDestroy   func(handle uint64)
	camV4L2CaptureGetWidth  func(handle uint64) int32
	camV4L2CaptureGetHeight func(handle uint64) int32
	camV4L2CaptureGetFPS    func(handle uint64) int32
	camV4L2GetError         func() uintptr
)

// ALSA shim function pointers
var (
	camALSAInputDeviceCount     func() int32
	camALSAInputDeviceID        func(index int32) uintptr
	camALSAInputDeviceName      func(index int32) uintptr
	camALSAFreeString           func(ptr uintptr)
	camALSACaptureCreate        func(deviceID uintptr, sampleRate, channels int32, callback, userData uintptr) uint64
	camALSACaptureStart         func(handle uint64) int32
	camALSACaptureStop          func(handle uint64) int32
	camALSACaptureDestroy       func(handle uint64)
	camALSACaptureGetSampleRate func(handle uint64) int32
	camALSACaptureGetChannels   func(handle uint64) int32
	camALSAGetError             func() uintptr
)

func initV4L2() {
	v4l2Once.Do(func() {
		libPath := findLibrary("libglimmercam_v4l2.so")
		if libPath == "" {
			v4l2InitErr = fmt.Errorf("libglimmercam_v4l2.so not found")
			return
		}

		var err error
		v4l2Handle, err = purego.Dlopen(libPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			v4l2InitErr = fmt.Errorf("failed to load %s: %w", libPath, err)
			return
		}

		purego.RegisterLibFunc(&camV4L2DeviceCount, v4l2Handle, "glimmercam_v4l2_device_count")
		purego.RegisterLibFunc(&camV4L2DevicePath, v4l2Handle, "glimmercam_v4l2_device_path")
		purego.RegisterLibFunc(&camV4L2DeviceName, v4l2Handle, "glimmercam_v4l2_device_name")
		purego.RegisterLibFunc(&camV4L2FreeString, v4l2Handle, "glimmercam_v4l2_free_string")
		purego.RegisterLibFunc(&camV4L2CaptureCreate, v4l2Handle, "glimmercam_v4l2_capture_create")
		purego.RegisterLibFunc(&camV4L2CaptureStart, v4l2Handle, "glimmercam_v4l2_capture_start")
		purego.RegisterLibFunc(&camV4L2CaptureStop, v4l2Handle, "glimmercam_v4l2_capture_stop")
		purego.RegisterLibFunc(&camV4L2CaptureDestroy, v4l2Handle, "glimmercam_v4l2_capture_destroy")
		purego.RegisterLibFunc(&camV4L2CaptureGetWidth, v4l2Handle, "glimmercam_v4l2_capture_get_width")
		purego.RegisterLibFunc(&camV4L2CaptureGetHeight, v4l2Handle, "glimmercam_v4l2_capture_get_height")
		purego.RegisterLibFunc(&camV4L2CaptureGetFPS, v4l2Handle, "glimmercam_v4l2_capture_get_fps")
		purego.RegisterLibFunc(&camV4L2GetError, v4l2Handle, "glimmercam_v4l2_get_error")

		v4l2Loaded = true
	})
}

func initALSA() {
	alsaOnce.Do(func() {
		libPath := findLibrary("libglimmercam_alsa.so")
		if libPath == "" {
			alsaInitErr = fmt.Errorf("libglimmercam_alsa.so not found")
			return
		}

		var err error
		alsaHandle, err = purego.Dlopen(libPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			alsaInitErr = fmt.Errorf("failed to load %s: %w", libPath, err)
			return
		}

		purego.RegisterLibFunc(&camALSAInputDeviceCount, alsaHandle, "glimmercam_alsa_input_device_count")
		purego.RegisterLibFunc(&camALSAInputDeviceID, alsaHandle, "glimmercam_alsa_input_device_id")
		purego.RegisterLibFunc(&camALSAInputDeviceName, alsaHandle, "glimmercam_alsa_input_device_name")
		purego.RegisterLibFunc(&camALSAFreeString, alsaHandle, "glimmercam_alsa_free_string")
		purego.RegisterLibFunc(&camALSACaptureCreate, alsaHandle, "glimmercam_alsa_capture_create")
		purego.RegisterLibFunc(&camALSACaptureStart, alsaHandle, "glimmercam_alsa_capture_start")
		purego.RegisterLibFunc(&camALSACaptureStop, alsaHandle, "glimmercam_alsa_capture_stop")
		purego.RegisterLibFunc(&camALSACaptureDestroy, alsaHandle, "glimmercam_alsa_capture_destroy")
		purego.RegisterLibFunc(&camALSACaptureGetSampleRate, alsaHandle, "glimmercam_alsa_capture_get_sample_rate")
		purego.RegisterLibFunc(&camALSACaptureGetChannels, alsaHandle, "glimmercam_alsa_capture_get_channels")
		purego.RegisterLibFunc(&camALSAGetError, alsaHandle, "glimmercam_alsa_get_error")

		alsaLoaded = true
	})
}

// IsV4L2Available reports whether the V4L2 shim could be loaded.
func IsV4L2Available() bool {
	initV4L2()
	return v4l2Loaded
}

// IsALSAAvailable reports whether the ALSA shim could be loaded.
func IsALSAAvailable() bool {
	initALSA()
	return alsaLoaded
}

// Callback routing. purego callbacks carry no Go context, so every capture
// registers under an integer key that the shim passes back as userData.
var (
	linuxCapturesMu     sync.RWMutex
	linuxVideoCaptures  = make(map[uintptr]*VideoTrack)
	linuxAudioCaptures  = make(map[uintptr]*AudioTrack)
	linuxCaptureCounter uintptr

	linuxCallbackOnce   sync.Once
	v4l2FrameCallback   uintptr
	alsaSamplesCallback uintptr
)

func initLinuxCallbacks() {
	linuxCallbackOnce.Do(func() {
		v4l2FrameCallback = purego.NewCallback(v4l2FrameHandler)
		alsaSamplesCallback = purego.NewCallback(alsaSamplesHandler)
	})
}

func v4l2FrameHandler(
	yPlane uintptr, yStride int32,
	uPlane uintptr, uStride int32,
	vPlane uintptr, vStride int32,
	width, height int32,
	timestampNs int64,
	userData uintptr,
) {
	linuxCapturesMu.RLock()
	track := linuxVideoCaptures[userData]
	linuxCapturesMu.RUnlock()
	if track == nil {
		return
	}

	// The shim re-queues the buffer when this callback returns, so the
	// plane data must be copied before it leaves the frame.
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

func alsaSamplesHandler(
	data uintptr, byteLen int32,
	sampleRate, channels int32,
	timestampNs int64,
	userData uintptr,
) {
	linuxCapturesMu.RLock()
	track := linuxAudioCaptures[userData]
	linuxCapturesMu.RUnlock()
	if track == nil || byteLen <= 0 {
		return
	}

	buf := make([]byte, int(byteLen))
	copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(data)), int(byteLen)))

	count := 0
	if bytesPerFrame := int(channels) * AudioFormatS16.BytesPerSample(); bytesPerFrame > 0 {
		count = len(buf) / bytesPerFrame
	}
	track.PushSamples(&AudioSamples{
		Data:        buf,
		SampleRate:  int(sampleRate),
		Channels:    int(channels),
		SampleCount: count,
		Format:      AudioFormatS16,
		Timestamp:   timestampNs,
	})
}

// V4L2CameraConfig configures the Linux camera platform.
type V4L2CameraConfig struct {
	LoggerFactory logging.LoggerFactory
}

// V4L2Camera is the Linux Platform. Cameras come from the V4L2 shim and
// microphones from the ALSA shim; when a shim is missing, that device kind
// is simply absent from enumeration.
type V4L2Camera struct {
	PlatformEvents

	log  logging.LeveledLogger
	done chan struct{}

	mu     sync.Mutex
	stops  map[uintptr]func()
	closed bool
}

var _ Platform = (*V4L2Camera)(nil)

// NewV4L2Camera creates the Linux platform. Shim loading happens here but
// construction never fails; an adapter without its shim reports errors from
// Acquire and EnumerateDevices instead.
func NewV4L2Camera(cfg V4L2CameraConfig) *V4L2Camera {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	initV4L2()
	initALSA()
	c := &V4L2Camera{
		log:   cfg.LoggerFactory.NewLogger("camera.v4l2"),
		done:  make(chan struct{}),
		stops: make(map[uintptr]func()),
	}
	if v4l2Loaded {
		go c.watchHotplug()
	}
	return c
}

// watchHotplug polls the device count and emits devicechange when it
// moves. udev would push proper hotplug events but needs its own binding;
// polling keeps the shim surface small.
func (c *V4L2Camera) watchHotplug() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	last := int32(-1)
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			n := camV4L2DeviceCount()
			if last >= 0 && n != last {
				c.Emit(EventDeviceChange)
			}
			last = n
		}
	}
}

// EnumerateDevices lists V4L2 cameras and ALSA microphones. Facing is
// inferred from the device label since V4L2 has no facing metadata.
func (c *V4L2Camera) EnumerateDevices(ctx context.Context) ([]DeviceInfo, error) {
	if !v4l2Loaded {
		return nil, fmt.Errorf("v4l2 shim: %w", v4l2InitErr)
	}

	count := camV4L2DeviceCount()
	devices := make([]DeviceInfo, 0, count)
	for i := int32(0); i < count; i++ {
		pathPtr := camV4L2DevicePath(i)
		namePtr := camV4L2DeviceName(i)
		if pathPtr != 0 && namePtr != 0 {
			label := goStringFromPtr(namePtr)
			devices = append(devices, DeviceInfo{
				DeviceID: goStringFromPtr(pathPtr),
				Kind:     DeviceKindVideoInput,
				Label:    label,
				Facing:   InferFacing(label),
			})
			camV4L2FreeString(pathPtr)
			camV4L2FreeString(namePtr)
		}
	}

	if alsaLoaded {
		acount := camALSAInputDeviceCount()
		for i := int32(0); i < acount; i++ {
			idPtr := camALSAInputDeviceID(i)
			namePtr := camALSAInputDeviceName(i)
			if idPtr != 0 && namePtr != 0 {
				devices = append(devices, DeviceInfo{
					DeviceID: goStringFromPtr(idPtr),
					Kind:     DeviceKindAudioInput,
					Label:    goStringFromPtr(namePtr),
				})
				camALSAFreeString(idPtr)
				camALSAFreeString(namePtr)
			}
		}
	}

	return devices, nil
}

// QueryPermission reports PermissionUnknown. V4L2 has no permission
// prompt; access control is plain file permissions on the device nodes,
// and those only surface as EACCES from an actual open.
func (c *V4L2Camera) QueryPermission(ctx context.Context) (PermissionState, error) {
	return PermissionUnknown, nil
}

// Acquire opens the camera selected by the constraints, plus a microphone
// when audio is requested. Audio is best effort: a camera feed without
// sound beats no feed, and the retry ladder adds audio as a workaround, so
// a microphone failure must not sink the whole acquisition.
func (c *V4L2Camera) Acquire(ctx context.Context, opts StreamOptions) (*Handle, error) {
	if !v4l2Loaded {
		return nil, fmt.Errorf("v4l2 shim: %w", v4l2InitErr)
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("v4l2 platform closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
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

	var audio *AudioTrack
	var audioID uintptr
	if opts.HasAudio() {
		audio, audioID, err = c.openAudio(opts.Audio)
		if err != nil {
			c.log.Warnf("audio capture unavailable: %v", err)
			audio = nil
		}
	}

	h := NewHandle(video, audio)
	h.OnStop(func() { c.releaseCapture(videoID) })
	if audio != nil {
		h.OnStop(func() { c.releaseCapture(audioID) })
	}

	s := video.Settings()
	c.log.Debugf("acquired %s at %dx%d@%dfps (audio=%v)", device.DeviceID, s.Width, s.Height, s.FrameRate, audio != nil)
	return h, nil
}

func (c *V4L2Camera) openVideo(device DeviceInfo, cons *VideoConstraints) (*VideoTrack, uintptr, error) {
	initLinuxCallbacks()

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

	linuxCapturesMu.Lock()
	linuxCaptureCounter++
	captureID := linuxCaptureCounter
	linuxCapturesMu.Unlock()

	path := cString(device.DeviceID)
	handle := camV4L2CaptureCreate(
		uintptr(unsafe.Pointer(&path[0])),
		int32(width), int32(height), int32(fps),
		v4l2FrameCallback, captureID,
	)
	runtime.KeepAlive(path)
	if handle == 0 {
		return nil, 0, v4l2Err("create capture")
	}

	// The driver negotiates the nearest supported format; read back what
	// it actually granted.
	gw := int(camV4L2CaptureGetWidth(handle))
	gh := int(camV4L2CaptureGetHeight(handle))
	gf := int(camV4L2CaptureGetFPS(handle))
	if gw == 0 {
		gw = width
	}
	if gh == 0 {
		gh = height
	}
	if gf == 0 {
		gf = fps
	}

	if cons != nil && cons.Mode == ConstraintExact {
		if (cons.Width > 0 && gw != cons.Width) ||
			(cons.Height > 0 && gh != cons.Height) ||
			(cons.FrameRate > 0 && gf != cons.FrameRate) {
			camV4L2CaptureDestroy(handle)
			return nil, 0, fmt.Errorf("device granted %dx%d@%dfps: %w", gw, gh, gf, ErrOverconstrained)
		}
	}

	track := NewVideoTrack(device.Label, device.DeviceID, VideoSettings{
		Width:     gw,
		Height:    gh,
		FrameRate: gf,
		DeviceID:  device.DeviceID,
		Facing:    device.Facing,
	})

	linuxCapturesMu.Lock()
	linuxVideoCaptures[captureID] = track
	linuxCapturesMu.Unlock()

	if camV4L2CaptureStart(handle) != 0 {
		linuxCapturesMu.Lock()
		delete(linuxVideoCaptures, captureID)
		linuxCapturesMu.Unlock()
		camV4L2CaptureDestroy(handle)
		return nil, 0, v4l2Err("start capture")
	}

	c.addCapture(captureID, func() {
		linuxCapturesMu.Lock()
		delete(linuxVideoCaptures, captureID)
		linuxCapturesMu.Unlock()
		camV4L2CaptureStop(handle)
		camV4L2CaptureDestroy(handle)
	})
	return track, captureID, nil
}

func (c *V4L2Camera) openAudio(cons *AudioConstraints) (*AudioTrack, uintptr, error) {
	if !alsaLoaded {
		return nil, 0, fmt.Errorf("alsa shim: %w", alsaInitErr)
	}
	initLinuxCallbacks()

	sampleRate, channels := 48000, 1
	deviceID := "default"
	if cons != nil {
		if cons.SampleRate > 0 {
			sampleRate = cons.SampleRate
		}
		if cons.ChannelCount > 0 {
			channels = cons.ChannelCount
		}
		if cons.DeviceID != "" {
			deviceID = cons.DeviceID
		}
	}

	linuxCapturesMu.Lock()
	linuxCaptureCounter++
	captureID := linuxCaptureCounter
	linuxCapturesMu.Unlock()

	id := cString(deviceID)
	handle := camALSACaptureCreate(
		uintptr(unsafe.Pointer(&id[0])),
		int32(sampleRate), int32(channels),
		alsaSamplesCallback, captureID,
	)
	runtime.KeepAlive(id)
	if handle == 0 {
		return nil, 0, alsaErr("create capture")
	}

	gr := int(camALSACaptureGetSampleRate(handle))
	gc := int(camALSACaptureGetChannels(handle))
	if gr == 0 {
		gr = sampleRate
	}
	if gc == 0 {
		gc = channels
	}

	track := NewAudioTrack("Microphone", deviceID, AudioSettings{
		SampleRate:       gr,
		ChannelCount:     gc,
		DeviceID:         deviceID,
		EchoCancellation: cons != nil && cons.EchoCancellation,
		NoiseSuppression: cons != nil && cons.NoiseSuppression,
		AutoGainControl:  cons != nil && cons.AutoGainControl,
	})

	linuxCapturesMu.Lock()
	linuxAudioCaptures[captureID] = track
	linuxCapturesMu.Unlock()

	if camALSACaptureStart(handle) != 0 {
		linuxCapturesMu.Lock()
		delete(linuxAudioCaptures, captureID)
		linuxCapturesMu.Unlock()
		camALSACaptureDestroy(handle)
		return nil, 0, alsaErr("start capture")
	}

	c.addCapture(captureID, func() {
		linuxCapturesMu.Lock()
		delete(linuxAudioCaptures, captureID)
		linuxCapturesMu.Unlock()
		camALSACaptureStop(handle)
		camALSACaptureDestroy(handle)
	})
	return track, captureID, nil
}

func (c *V4L2Camera) addCapture(id uintptr, stop func()) {
	c.mu.Lock()
	c.stops[id] = stop
	c.mu.Unlock()
}

func (c *V4L2Camera) releaseCapture(id uintptr) {
	c.mu.Lock()
	stop := c.stops[id]
	delete(c.stops, id)
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Close stops any captures still running. Handles torn down through the
// manager clean up after themselves; this is the backstop for process
// shutdown.
func (c *V4L2Camera) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stops := c.stops
	c.stops = make(map[uintptr]func())
	c.mu.Unlock()

	close(c.done)
	for _, stop := range stops {
		stop()
	}
	return nil
}

// v4l2Err wraps the shim's last-error string, mapping the common errno
// texts onto package sentinels so Classify buckets them.
func v4l2Err(op string) error {
	msg := "unknown error"
	if ptr := camV4L2GetError(); ptr != 0 {
		msg = goStringFromPtr(ptr)
	}
	return wrapShimErr(op, msg)
}

func alsaErr(op string) error {
	msg := "unknown error"
	if ptr := camALSAGetError(); ptr != 0 {
		msg = goStringFromPtr(ptr)
	}
	return wrapShimErr(op, msg)
}

func init() {
	if IsV4L2Available() {
		RegisterPlatform(NewV4L2Camera(V4L2CameraConfig{}))
	}
}
