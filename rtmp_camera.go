package camera

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

// RTMPCameraConfig configures the virtual camera server.
type RTMPCameraConfig struct {
	Addr             string                // Listen address (default ":1935")
	Width            int                   // Reported capture width (default 1280)
	Height           int                   // Reported capture height (default 720)
	FrameRate        int                   // Reported frame rate (default 30)
	WaitForPublisher bool                  // Block Acquire until a publisher connects
	LoggerFactory    logging.LoggerFactory // Logging (default: pion default factory)
}

// DefaultRTMPCameraConfig returns a config with sensible defaults.
func DefaultRTMPCameraConfig() RTMPCameraConfig {
	return RTMPCameraConfig{
		Addr:             ":1935",
		Width:            1280,
		Height:           720,
		FrameRate:        30,
		WaitForPublisher: true,
	}
}

// RTMPCamera is a Platform backed by inbound RTMP pushes. Each publishing
// name shows up as one camera device: pushing a stream plugs the camera in,
// disconnecting unplugs it. H.264 video is passed through without
// transcoding, so publishers must send AVC.
//
// Facing is inferred from the publishing name, so pushing to live/front and
// live/back yields a switchable front/back pair:
//
//	ffmpeg -re -i clip.mp4 -c:v libx264 -f flv rtmp://localhost:1935/live/front
type RTMPCamera struct {
	PlatformEvents

	cfg RTMPCameraConfig
	log logging.LeveledLogger
	ln  net.Listener

	mu       sync.Mutex
	feeds    map[string]*rtmpFeed
	arrivals chan struct{} // closed and recreated when a publisher appears
	closed   atomic.Bool
}

var _ Platform = (*RTMPCamera)(nil)

// NewRTMPCamera starts the RTMP listener and returns the platform.
func NewRTMPCamera(cfg RTMPCameraConfig) (*RTMPCamera, error) {
	if cfg.Addr == "" {
		cfg.Addr = ":1935"
	}
	if cfg.Width == 0 {
		cfg.Width = 1280
	}
	if cfg.Height == 0 {
		cfg.Height = 720
	}
	if cfg.FrameRate == 0 {
		cfg.FrameRate = 30
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("rtmp listen: %w", err)
	}

	c := &RTMPCamera{
		cfg:      cfg,
		log:      cfg.LoggerFactory.NewLogger("camera.rtmp"),
		ln:       ln,
		feeds:    make(map[string]*rtmpFeed),
		arrivals: make(chan struct{}),
	}

	srv := rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			return conn, &rtmp.ConnConfig{
				Handler: &rtmpConnHandler{cam: c},
				ControlState: rtmp.StreamControlStateConfig{
					DefaultBandwidthWindowSize: 6 * 1024 * 1024,
				},
			}
		},
	})
	go func() {
		if err := srv.Serve(ln); err != nil && !c.closed.Load() {
			c.log.Errorf("rtmp serve: %v", err)
		}
	}()

	c.log.Infof("virtual camera listening on %s", ln.Addr())
	return c, nil
}

// Addr returns the actual listen address, useful with ":0".
func (c *RTMPCamera) Addr() net.Addr { return c.ln.Addr() }

// Acquire attaches a new track to a matching feed. With WaitForPublisher
// set it blocks until a publisher connects or ctx expires, which mirrors
// how a permission prompt stalls acquisition on native platforms.
func (c *RTMPCamera) Acquire(ctx context.Context, opts StreamOptions) (*Handle, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("rtmp camera closed")
	}
	for {
		feed, arrivals, err := c.pickFeed(opts)
		if err != nil {
			return nil, err
		}
		if feed != nil {
			return c.attach(feed), nil
		}
		if !c.cfg.WaitForPublisher {
			return nil, fmt.Errorf("rtmp: no publisher connected: %w", ErrDeviceNotFound)
		}
		select {
		case <-arrivals:
		case <-ctx.Done():
			return nil, fmt.Errorf("rtmp: waiting for publisher: %w", ctx.Err())
		}
	}
}

// pickFeed selects the feed matching the constraints. A nil feed with a nil
// error means no candidate exists yet and the caller may wait on arrivals.
func (c *RTMPCamera) pickFeed(opts StreamOptions) (*rtmpFeed, chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	arrivals := c.arrivals

	names := make([]string, 0, len(c.feeds))
	for name := range c.feeds {
		names = append(names, name)
	}
	sort.Strings(names)

	var want string
	facing := FacingNone
	exact := false
	if opts.Video != nil {
		want = opts.Video.DeviceID
		facing = opts.Video.FacingMode
		exact = opts.Video.Mode == ConstraintExact
	}

	if want != "" {
		for _, name := range names {
			if c.feeds[name].deviceID == want {
				return c.feeds[name], arrivals, nil
			}
		}
		if len(names) > 0 {
			// Other feeds exist but the pinned one is gone.
			return nil, nil, fmt.Errorf("rtmp: device %q: %w", want, ErrOverconstrained)
		}
		return nil, arrivals, nil
	}

	if facing != FacingNone {
		for _, name := range names {
			if InferFacing(name) == facing {
				return c.feeds[name], arrivals, nil
			}
		}
		if exact && len(names) > 0 {
			return nil, nil, fmt.Errorf("rtmp: facing %q: %w", facing, ErrOverconstrained)
		}
	}

	if len(names) == 0 {
		return nil, arrivals, nil
	}
	return c.feeds[names[0]], arrivals, nil
}

func (c *RTMPCamera) attach(feed *rtmpFeed) *Handle {
	settings := VideoSettings{
		Width:     feed.width,
		Height:    feed.height,
		FrameRate: c.cfg.FrameRate,
		DeviceID:  feed.deviceID,
		Facing:    InferFacing(feed.name),
	}
	vt := NewVideoTrack(feed.name, feed.deviceID, settings)
	feed.attach(vt)
	h := NewHandle(vt, nil)
	h.OnStop(func() { feed.detach(vt) })
	return h
}

// EnumerateDevices lists the currently publishing feeds.
func (c *RTMPCamera) EnumerateDevices(ctx context.Context) ([]DeviceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.feeds))
	for name := range c.feeds {
		names = append(names, name)
	}
	sort.Strings(names)

	devices := make([]DeviceInfo, 0, len(names))
	for _, name := range names {
		devices = append(devices, DeviceInfo{
			DeviceID: c.feeds[name].deviceID,
			GroupID:  "rtmp",
			Kind:     DeviceKindVideoInput,
			Label:    name,
			Facing:   InferFacing(name),
		})
	}
	return devices, nil
}

// QueryPermission always grants: network feeds have no OS prompt.
func (c *RTMPCamera) QueryPermission(ctx context.Context) (PermissionState, error) {
	return PermissionGranted, nil
}

// Close stops the listener and ends every feed. Idempotent.
func (c *RTMPCamera) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.ln.Close()

	c.mu.Lock()
	feeds := make([]*rtmpFeed, 0, len(c.feeds))
	for _, f := range c.feeds {
		feeds = append(feeds, f)
	}
	c.feeds = make(map[string]*rtmpFeed)
	c.mu.Unlock()

	for _, f := range feeds {
		f.end()
	}
	return err
}

// rtmpFeed is one publishing name with its attached consumer tracks.
type rtmpFeed struct {
	name     string
	deviceID string
	width    int
	height   int
	sps, pps []byte // written only from the connection goroutine

	mu      sync.Mutex
	tracks  map[*VideoTrack]struct{}
	lastKey *EncodedFrame // replayed to late attachers so decoding can start
	closed  atomic.Bool
}

func (f *rtmpFeed) attach(t *VideoTrack) {
	f.mu.Lock()
	f.tracks[t] = struct{}{}
	key := f.lastKey
	f.mu.Unlock()
	if key != nil {
		t.PushEncoded(key.Clone())
	}
}

func (f *rtmpFeed) detach(t *VideoTrack) {
	f.mu.Lock()
	delete(f.tracks, t)
	f.mu.Unlock()
}

func (f *rtmpFeed) broadcast(frame *EncodedFrame) {
	f.mu.Lock()
	if frame.IsKeyframe() {
		f.lastKey = frame.Clone()
	}
	tracks := make([]*VideoTrack, 0, len(f.tracks))
	for t := range f.tracks {
		tracks = append(tracks, t)
	}
	f.mu.Unlock()

	for _, t := range tracks {
		t.PushEncoded(frame)
	}
}

func (f *rtmpFeed) end() {
	if !f.closed.CompareAndSwap(false, true) {
		return
	}
	f.mu.Lock()
	tracks := make([]*VideoTrack, 0, len(f.tracks))
	for t := range f.tracks {
		tracks = append(tracks, t)
	}
	f.tracks = make(map[*VideoTrack]struct{})
	f.mu.Unlock()

	for _, t := range tracks {
		t.End()
	}
}

type rtmpConnHandler struct {
	rtmp.DefaultHandler
	cam  *RTMPCamera
	feed *rtmpFeed
}

func (h *rtmpConnHandler) OnPublish(_ *rtmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPublish) error {
	name := cmd.PublishingName
	if name == "" {
		return fmt.Errorf("empty publishing name")
	}

	feed := &rtmpFeed{
		name:     name,
		deviceID: "rtmp:" + name,
		width:    h.cam.cfg.Width,
		height:   h.cam.cfg.Height,
		tracks:   make(map[*VideoTrack]struct{}),
	}

	var old *rtmpFeed
	h.cam.mu.Lock()
	old = h.cam.feeds[name]
	h.cam.feeds[name] = feed
	close(h.cam.arrivals)
	h.cam.arrivals = make(chan struct{})
	h.cam.mu.Unlock()
	if old != nil {
		old.end()
	}

	h.feed = feed
	h.cam.Emit(EventDeviceChange)
	h.cam.log.Infof("publisher connected: %s", name)
	return nil
}

func (h *rtmpConnHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	feed := h.feed
	if feed == nil || feed.closed.Load() {
		return nil
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, payload); err != nil {
		return nil
	}
	data := buf.Bytes()
	if len(data) < 5 {
		return nil
	}

	// FLV video tag header
	frameType := (data[0] >> 4) & 0x0F
	codecID := data[0] & 0x0F
	if codecID != 7 { // Not AVC/H.264
		return nil
	}

	avcType := data[1]
	avcData := data[5:]

	switch avcType {
	case 0: // Sequence header
		if feed.sps == nil {
			feed.sps, feed.pps = extractSPSPPS(avcData)
			if feed.sps != nil {
				h.cam.log.Debugf("%s: sps/pps %d/%d bytes", feed.name, len(feed.sps), len(feed.pps))
			}
		}

	case 1: // NALU
		if feed.sps == nil {
			return nil
		}

		nalus := parseAVCCNALUs(avcData)
		if len(nalus) == 0 {
			return nil
		}

		isKey := frameType == 1
		annexB := buildAnnexB(nalus, feed.sps, feed.pps, isKey)

		ft := FrameTypeDelta
		if isKey {
			ft = FrameTypeKey
		}
		feed.broadcast(&EncodedFrame{
			Data:      annexB,
			FrameType: ft,
			Timestamp: timestamp * 90, // ms to 90kHz
		})
	}

	return nil
}

func (h *rtmpConnHandler) OnClose() {
	feed := h.feed
	if feed == nil {
		return
	}
	h.feed = nil

	h.cam.mu.Lock()
	if h.cam.feeds[feed.name] == feed {
		delete(h.cam.feeds, feed.name)
	}
	h.cam.mu.Unlock()

	feed.end()
	h.cam.Emit(EventDeviceChange)
	h.cam.log.Infof("publisher disconnected: %s", feed.name)
}

// extractSPSPPS pulls the parameter sets out of an AVCDecoderConfigurationRecord.
func extractSPSPPS(data []byte) (sps, pps []byte) {
	if len(data) < 8 {
		return
	}
	offset := 5
	numSPS := int(data[offset] & 0x1F)
	offset++

	for i := 0; i < numSPS && offset+2 <= len(data); i++ {
		length := int(data[offset])<<8 | int(data[offset+1])
		offset += 2
		if offset+length <= len(data) {
			sps = make([]byte, length)
			copy(sps, data[offset:offset+length])
			offset += length
		}
	}

	if offset >= len(data) {
		return
	}
	numPPS := int(data[offset])
	offset++

	for i := 0; i < numPPS && offset+2 <= len(data); i++ {
		length := int(data[offset])<<8 | int(data[offset+1])
		offset += 2
		if offset+length <= len(data) {
			pps = make([]byte, length)
			copy(pps, data[offset:offset+length])
			offset += length
		}
	}
	return
}

// parseAVCCNALUs splits length-prefixed AVCC data into NAL units.
func parseAVCCNALUs(data []byte) [][]byte {
	var nalus [][]byte
	for offset := 0; offset+4 <= len(data); {
		length := int(data[offset])<<24 | int(data[offset+1])<<16 | int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4
		if length <= 0 || offset+length > len(data) {
			break
		}
		nalu := make([]byte, length)
		copy(nalu, data[offset:offset+length])
		nalus = append(nalus, nalu)
		offset += length
	}
	return nalus
}

// buildAnnexB assembles NAL units into an Annex-B frame, prepending SPS/PPS
// on keyframes so every keyframe is independently decodable.
func buildAnnexB(nalus [][]byte, sps, pps []byte, isKey bool) []byte {
	sc := []byte{0, 0, 0, 1}
	var out []byte

	if isKey && sps != nil && pps != nil {
		out = append(out, sc...)
		out = append(out, sps...)
		out = append(out, sc...)
		out = append(out, pps...)
	}

	for _, nalu := range nalus {
		out = append(out, sc...)
		out = append(out, nalu...)
	}
	return out
}
