package camera

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
)

// PatternType defines the type of test pattern to generate.
type PatternType int

const (
	PatternColorBars    PatternType = iota // SMPTE color bars
	PatternGradient                        // Horizontal gradient
	PatternCheckerboard                    // Checkerboard pattern
	PatternSolidColor                      // Solid color
	PatternNoise                           // Random noise
	PatternMovingBox                       // Moving box (animated)
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternGradient:
		return "Gradient"
	case PatternCheckerboard:
		return "Checkerboard"
	case PatternSolidColor:
		return "SolidColor"
	case PatternNoise:
		return "Noise"
	case PatternMovingBox:
		return "MovingBox"
	default:
		return "Unknown"
	}
}

// Pattern camera device IDs. Stable across acquisitions so pinned device
// requests keep working.
const (
	PatternFrontDeviceID = "pattern:front"
	PatternBackDeviceID  = "pattern:back"
)

// PatternCameraConfig configures the synthetic camera platform.
type PatternCameraConfig struct {
	Width       int         // Default frame width (default: 1280)
	Height      int         // Default frame height (default: 720)
	FPS         int         // Frames per second (default: 30)
	FrontFace   PatternType // Pattern for the front device (default: MovingBox)
	BackFace    PatternType // Pattern for the back device (default: ColorBars)
	CheckerSize int         // Size of each checker square (default: 32)

	// For SolidColor pattern
	SolidR, SolidG, SolidB uint8

	// Simulation knobs
	DenyPermission bool          // Every acquisition fails as permission denied
	AcquireDelay   time.Duration // Artificial prompt latency before acquisition resolves

	LoggerFactory logging.LoggerFactory
}

// DefaultPatternCameraConfig returns a default pattern camera configuration.
func DefaultPatternCameraConfig() PatternCameraConfig {
	return PatternCameraConfig{
		Width:       1280,
		Height:      720,
		FPS:         30,
		FrontFace:   PatternMovingBox,
		BackFace:    PatternColorBars,
		CheckerSize: 32,
	}
}

// PatternCamera is a Platform that serves synthetic video from two virtual
// devices, one front-facing and one back-facing. It needs no hardware and
// no permissions, which makes it the platform of choice for demos and for
// exercising switching flows end to end. Emit is exported through the
// embedded PlatformEvents, so callers can inject devicechange and
// visibility events by hand.
type PatternCamera struct {
	PlatformEvents

	cfg PatternCameraConfig
	log logging.LeveledLogger

	mu     sync.Mutex
	gens   map[*patternGen]struct{}
	closed atomic.Bool
}

var _ Platform = (*PatternCamera)(nil)

// NewPatternCamera creates the synthetic platform.
func NewPatternCamera(cfg PatternCameraConfig) *PatternCamera {
	if cfg.Width <= 0 {
		cfg.Width = 1280
	}
	if cfg.Height <= 0 {
		cfg.Height = 720
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.CheckerSize <= 0 {
		cfg.CheckerSize = 32
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &PatternCamera{
		cfg:  cfg,
		log:  cfg.LoggerFactory.NewLogger("camera.pattern"),
		gens: make(map[*patternGen]struct{}),
	}
}

// Acquire resolves a virtual device and starts its generator.
func (c *PatternCamera) Acquire(ctx context.Context, opts StreamOptions) (*Handle, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("pattern camera closed")
	}
	if c.cfg.AcquireDelay > 0 {
		select {
		case <-time.After(c.cfg.AcquireDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.cfg.DenyPermission {
		return nil, fmt.Errorf("pattern: %w", ErrPermissionDenied)
	}

	deviceID, label, facing, pattern, err := c.resolveDevice(opts)
	if err != nil {
		return nil, err
	}

	width, height := c.cfg.Width, c.cfg.Height
	fps := c.cfg.FPS
	if opts.Video != nil {
		if opts.Video.Width > 0 {
			width = opts.Video.Width
		}
		if opts.Video.Height > 0 {
			height = opts.Video.Height
		}
		if opts.Video.FrameRate > 0 {
			fps = opts.Video.FrameRate
		}
	}
	// I420 needs even dimensions.
	width &^= 1
	height &^= 1

	settings := VideoSettings{
		Width:     width,
		Height:    height,
		FrameRate: fps,
		DeviceID:  deviceID,
		Facing:    facing,
	}
	vt := NewVideoTrack(label, deviceID, settings)

	var at *AudioTrack
	if opts.Audio != nil {
		at = NewAudioTrack("Pattern Tone", deviceID, AudioSettings{
			SampleRate:   48000,
			ChannelCount: 2,
			DeviceID:     deviceID,
		})
	}

	gen := newPatternGen(c.cfg, pattern, width, height, fps, vt, at)

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		gen.stop()
		return nil, fmt.Errorf("pattern camera closed")
	}
	c.gens[gen] = struct{}{}
	c.mu.Unlock()

	gen.start()

	h := NewHandle(vt, at)
	h.OnStop(func() {
		gen.stop()
		c.mu.Lock()
		delete(c.gens, gen)
		c.mu.Unlock()
	})

	c.log.Debugf("acquired %s %dx%d@%d", deviceID, width, height, fps)
	return h, nil
}

func (c *PatternCamera) resolveDevice(opts StreamOptions) (deviceID, label string, facing FacingMode, pattern PatternType, err error) {
	want := ""
	reqFacing := FacingNone
	if opts.Video != nil {
		want = opts.Video.DeviceID
		reqFacing = opts.Video.FacingMode
	}

	switch {
	case want == PatternBackDeviceID || (want == "" && reqFacing == FacingEnvironment):
		return PatternBackDeviceID, "Rear Wide Camera", FacingEnvironment, c.cfg.BackFace, nil
	case want == PatternFrontDeviceID || want == "":
		return PatternFrontDeviceID, "FaceTime HD Camera", FacingUser, c.cfg.FrontFace, nil
	default:
		return "", "", FacingNone, 0, fmt.Errorf("pattern: device %q: %w", want, ErrOverconstrained)
	}
}

// EnumerateDevices lists the two virtual devices.
func (c *PatternCamera) EnumerateDevices(ctx context.Context) ([]DeviceInfo, error) {
	return []DeviceInfo{
		{DeviceID: PatternFrontDeviceID, GroupID: "pattern", Kind: DeviceKindVideoInput, Label: "FaceTime HD Camera", Facing: FacingUser},
		{DeviceID: PatternBackDeviceID, GroupID: "pattern", Kind: DeviceKindVideoInput, Label: "Rear Wide Camera", Facing: FacingEnvironment},
	}, nil
}

// QueryPermission reflects the DenyPermission knob.
func (c *PatternCamera) QueryPermission(ctx context.Context) (PermissionState, error) {
	if c.cfg.DenyPermission {
		return PermissionDenied, nil
	}
	return PermissionGranted, nil
}

// Close stops every running generator. Idempotent.
func (c *PatternCamera) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	gens := make([]*patternGen, 0, len(c.gens))
	for g := range c.gens {
		gens = append(gens, g)
	}
	c.gens = make(map[*patternGen]struct{})
	c.mu.Unlock()

	for _, g := range gens {
		g.stop()
	}
	return nil
}

// patternGen drives one acquisition's video (and optional audio) tracks.
type patternGen struct {
	pattern     PatternType
	width       int
	height      int
	fps         int
	checkerSize int
	solidR      uint8
	solidG      uint8
	solidB      uint8

	// Pre-allocated frame buffer (I420 format)
	yPlane []byte
	uPlane []byte
	vPlane []byte

	frameDuration time.Duration
	frameCount    uint64
	rngState      uint64

	video *VideoTrack
	audio *AudioTrack

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newPatternGen(cfg PatternCameraConfig, pattern PatternType, width, height, fps int, vt *VideoTrack, at *AudioTrack) *patternGen {
	ySize := width * height
	uvSize := (width / 2) * (height / 2)
	frameData := make([]byte, ySize+uvSize*2)

	ctx, cancel := context.WithCancel(context.Background())
	return &patternGen{
		pattern:       pattern,
		width:         width,
		height:        height,
		fps:           fps,
		checkerSize:   cfg.CheckerSize,
		solidR:        cfg.SolidR,
		solidG:        cfg.SolidG,
		solidB:        cfg.SolidB,
		yPlane:        frameData[:ySize],
		uPlane:        frameData[ySize : ySize+uvSize],
		vPlane:        frameData[ySize+uvSize:],
		frameDuration: time.Second / time.Duration(fps),
		rngState:      uint64(time.Now().UnixNano()),
		video:         vt,
		audio:         at,
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (g *patternGen) start() {
	g.wg.Add(1)
	go g.videoLoop()
	if g.audio != nil {
		g.wg.Add(1)
		go g.audioLoop()
	}
}

func (g *patternGen) stop() {
	g.once.Do(func() {
		g.cancel()
		g.wg.Wait()
	})
}

func (g *patternGen) videoLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.frameDuration)
	defer ticker.Stop()

	startTime := time.Now()
	g.generatePattern(0)

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.frameCount++
			g.generatePattern(g.frameCount)

			g.video.PushFrame(&VideoFrame{
				Data:      [][]byte{g.yPlane, g.uPlane, g.vPlane},
				Stride:    []int{g.width, g.width / 2, g.width / 2},
				Width:     g.width,
				Height:    g.height,
				Format:    PixelFormatI420,
				Timestamp: time.Since(startTime).Nanoseconds(),
				Duration:  g.frameDuration.Nanoseconds(),
			})
		}
	}
}

// audioLoop pushes a 440Hz stereo tone in 20ms S16 frames.
func (g *patternGen) audioLoop() {
	defer g.wg.Done()

	const (
		sampleRate = 48000
		channels   = 2
		frameSize  = 960 // 20ms at 48kHz
		frequency  = 440.0
		amplitude  = 0.25 * 32767.0
	)

	sampleData := make([]byte, frameSize*channels*2)
	phaseIncrement := 2.0 * math.Pi * frequency / float64(sampleRate)
	phase := 0.0

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			idx := 0
			for i := 0; i < frameSize; i++ {
				sample := int16(amplitude * math.Sin(phase))
				phase += phaseIncrement
				if phase > 2*math.Pi {
					phase -= 2 * math.Pi
				}
				for ch := 0; ch < channels; ch++ {
					sampleData[idx] = byte(sample)
					sampleData[idx+1] = byte(sample >> 8)
					idx += 2
				}
			}

			g.audio.PushSamples(&AudioSamples{
				Data:        sampleData,
				SampleRate:  sampleRate,
				Channels:    channels,
				SampleCount: frameSize,
				Format:      AudioFormatS16,
				Timestamp:   time.Since(startTime).Nanoseconds(),
			})
		}
	}
}

func (g *patternGen) generatePattern(frameNum uint64) {
	switch g.pattern {
	case PatternColorBars:
		g.generateColorBars()
	case PatternGradient:
		g.generateGradient()
	case PatternCheckerboard:
		g.generateCheckerboard()
	case PatternSolidColor:
		g.generateSolidColor(g.solidR, g.solidG, g.solidB)
	case PatternNoise:
		g.generateNoise()
	case PatternMovingBox:
		g.generateMovingBox(frameNum)
	default:
		g.generateColorBars()
	}
}

// SMPTE color bars (simplified 8-bar pattern)
var colorBarsRGB = [][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

func (g *patternGen) generateColorBars() {
	w, h := g.width, g.height
	barWidth := w / 8

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			barIdx := x / barWidth
			if barIdx >= 8 {
				barIdx = 7
			}

			rgb := colorBarsRGB[barIdx]
			yVal, u, v := rgbToYUV(rgb[0], rgb[1], rgb[2])

			// Y plane
			g.yPlane[y*w+x] = yVal

			// UV planes (subsampled 2x2)
			if x%2 == 0 && y%2 == 0 {
				uvIdx := (y/2)*(w/2) + (x / 2)
				g.uPlane[uvIdx] = u
				g.vPlane[uvIdx] = v
			}
		}
	}
}

func (g *patternGen) generateGradient() {
	w, h := g.width, g.height

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Horizontal gradient from black to white
			yVal := uint8((x * 255) / w)

			g.yPlane[y*w+x] = yVal

			if x%2 == 0 && y%2 == 0 {
				uvIdx := (y/2)*(w/2) + (x / 2)
				g.uPlane[uvIdx] = 128 // Neutral
				g.vPlane[uvIdx] = 128
			}
		}
	}
}

func (g *patternGen) generateCheckerboard() {
	w, h := g.width, g.height
	size := g.checkerSize

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Alternate black/white based on position
			isWhite := ((x/size)+(y/size))%2 == 0
			var yVal uint8
			if isWhite {
				yVal = 235 // White
			} else {
				yVal = 16 // Black
			}

			g.yPlane[y*w+x] = yVal

			if x%2 == 0 && y%2 == 0 {
				uvIdx := (y/2)*(w/2) + (x / 2)
				g.uPlane[uvIdx] = 128
				g.vPlane[uvIdx] = 128
			}
		}
	}
}

func (g *patternGen) generateSolidColor(r, gr, b uint8) {
	yVal, u, v := rgbToYUV(r, gr, b)

	for i := range g.yPlane {
		g.yPlane[i] = yVal
	}
	for i := range g.uPlane {
		g.uPlane[i] = u
		g.vPlane[i] = v
	}
}

func (g *patternGen) generateNoise() {
	// Simple xorshift64 PRNG for fast noise
	for i := range g.yPlane {
		g.rngState ^= g.rngState << 13
		g.rngState ^= g.rngState >> 7
		g.rngState ^= g.rngState << 17
		g.yPlane[i] = uint8(g.rngState)
	}

	// Neutral chroma for grayscale noise
	for i := range g.uPlane {
		g.uPlane[i] = 128
		g.vPlane[i] = 128
	}
}

func (g *patternGen) generateMovingBox(frameNum uint64) {
	w, h := g.width, g.height

	// Clear to black
	for i := range g.yPlane {
		g.yPlane[i] = 16
	}
	for i := range g.uPlane {
		g.uPlane[i] = 128
		g.vPlane[i] = 128
	}

	// Calculate box position (moves in a circle)
	boxSize := 100
	centerX := w / 2
	centerY := h / 2
	radius := float64(min(w, h)) / 4

	angle := float64(frameNum) * 0.05 // Radians per frame
	boxX := centerX + int(radius*math.Cos(angle)) - boxSize/2
	boxY := centerY + int(radius*math.Sin(angle)) - boxSize/2

	// Draw white box
	for y := boxY; y < boxY+boxSize && y < h; y++ {
		if y < 0 {
			continue
		}
		for x := boxX; x < boxX+boxSize && x < w; x++ {
			if x < 0 {
				continue
			}
			g.yPlane[y*w+x] = 235

			if x%2 == 0 && y%2 == 0 {
				uvIdx := (y/2)*(w/2) + (x / 2)
				if uvIdx < len(g.uPlane) {
					g.uPlane[uvIdx] = 128
					g.vPlane[uvIdx] = 128
				}
			}
		}
	}
}

// rgbToYUV converts RGB to YUV (BT.601)
func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	yf := 16.0 + 65.481*float64(r)/255.0 + 128.553*float64(g)/255.0 + 24.966*float64(b)/255.0
	uf := 128.0 - 37.797*float64(r)/255.0 - 74.203*float64(g)/255.0 + 112.0*float64(b)/255.0
	vf := 128.0 + 112.0*float64(r)/255.0 - 93.786*float64(g)/255.0 - 18.214*float64(b)/255.0

	y = uint8(clamp(yf, 16, 235))
	u = uint8(clamp(uf, 16, 240))
	v = uint8(clamp(vf, 16, 240))
	return
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
