package camera

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func newPublishTrack(t *testing.T) *webrtc.TrackLocalStaticRTP {
	t.Helper()
	track, err := NewLocalVideoTrack("camera-stream")
	if err != nil {
		t.Fatalf("NewLocalVideoTrack: %v", err)
	}
	return track
}

func publisherOrientation(p *Publisher) VideoOrientation {
	p.pkt.mu.Lock()
	defer p.pkt.mu.Unlock()
	if p.pkt.orientation == nil {
		return VideoOrientation{}
	}
	return *p.pkt.orientation
}

func TestNewLocalVideoTrack(t *testing.T) {
	track := newPublishTrack(t)
	if track.ID() != "video" {
		t.Errorf("ID = %q, want video", track.ID())
	}
	if track.StreamID() != "camera-stream" {
		t.Errorf("StreamID = %q", track.StreamID())
	}
	if track.Codec().MimeType != webrtc.MimeTypeH264 {
		t.Errorf("MimeType = %q, want H264", track.Codec().MimeType)
	}
}

func TestPublishHandleRequiresVideo(t *testing.T) {
	track := newPublishTrack(t)

	if _, err := PublishHandle(nil, track); err == nil {
		t.Error("nil handle accepted")
	}

	at := NewAudioTrack("mic", "test:a", AudioSettings{SampleRate: 48000})
	audioOnly := NewHandle(nil, at)
	defer audioOnly.stop()
	if _, err := PublishHandle(audioOnly, track); err == nil {
		t.Error("audio-only handle accepted")
	}
}

// TestPublisherForwardsFrames: frames flow through the packetizer even while
// the RTP track is unbound; packet counters stay at zero until a transport
// attaches, frame counters do not.
func TestPublisherForwardsFrames(t *testing.T) {
	vt := testVideoTrack("cam")
	h := NewHandle(vt, nil)
	defer h.stop()

	pub, err := PublishHandle(h, newPublishTrack(t))
	if err != nil {
		t.Fatalf("PublishHandle: %v", err)
	}
	defer pub.Close()

	idr := append([]byte{0x65}, make([]byte, 40)...)
	vt.PushEncoded(&EncodedFrame{
		Data:      annexB(testSPS, testPPS, idr),
		FrameType: FrameTypeKey,
		Timestamp: 0,
	})
	vt.PushEncoded(&EncodedFrame{
		Data:      annexB([]byte{0x41, 1, 2}),
		FrameType: FrameTypeDelta,
		Timestamp: 3000,
	})

	waitUntil(t, func() bool { return pub.Stats().FramesSent == 2 })

	s := pub.Stats()
	if s.KeyframesSent != 1 {
		t.Errorf("KeyframesSent = %d, want 1", s.KeyframesSent)
	}
	if s.PacketsSent != 0 || s.BytesSent != 0 {
		t.Errorf("unbound track counted packets: %+v", s)
	}
}

func TestPublisherOrientationFollowsFacing(t *testing.T) {
	vt := testVideoTrack("front cam") // FacingUser
	h := NewHandle(vt, nil)
	defer h.stop()

	pub, err := PublishHandle(h, newPublishTrack(t))
	if err != nil {
		t.Fatalf("PublishHandle: %v", err)
	}
	defer pub.Close()

	o := publisherOrientation(pub)
	if !o.FlipHorizontal || o.CameraBackFacing {
		t.Errorf("front camera orientation = %+v, want mirrored front", o)
	}
}

// TestPublisherReplaceHandle: when the feed ends under a camera switch, the
// pump parks and resumes seamlessly on the replacement handle.
func TestPublisherReplaceHandle(t *testing.T) {
	vt1 := testVideoTrack("front cam")
	h1 := NewHandle(vt1, nil)

	pub, err := PublishHandle(h1, newPublishTrack(t))
	if err != nil {
		t.Fatalf("PublishHandle: %v", err)
	}
	defer pub.Close()

	vt1.PushEncoded(&EncodedFrame{Data: annexB([]byte{0x41, 1}), FrameType: FrameTypeDelta, Timestamp: 0})
	waitUntil(t, func() bool { return pub.Stats().FramesSent == 1 })

	// The switch tears the old feed down; the pump must park, not exit.
	h1.stop()

	vt2 := NewVideoTrack("back cam", "test:1", VideoSettings{
		Width: 1280, Height: 720, FrameRate: 30,
		DeviceID: "test:1", Facing: FacingEnvironment,
	})
	h2 := NewHandle(vt2, nil)
	defer h2.stop()
	if err := pub.ReplaceHandle(h2); err != nil {
		t.Fatalf("ReplaceHandle: %v", err)
	}

	vt2.PushEncoded(&EncodedFrame{Data: annexB([]byte{0x41, 2}), FrameType: FrameTypeDelta, Timestamp: 3000})
	waitUntil(t, func() bool { return pub.Stats().FramesSent == 2 })

	o := publisherOrientation(pub)
	if !o.CameraBackFacing || o.FlipHorizontal {
		t.Errorf("orientation after switch = %+v, want back facing", o)
	}

	if err := pub.ReplaceHandle(nil); err == nil {
		t.Error("nil replacement accepted")
	}
}

func TestPublisherCloseIdempotent(t *testing.T) {
	vt := testVideoTrack("cam")
	h := NewHandle(vt, nil)
	defer h.stop()

	pub, err := PublishHandle(h, newPublishTrack(t))
	if err != nil {
		t.Fatalf("PublishHandle: %v", err)
	}

	if err := pub.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	// The pump is gone: frames pushed after Close are never counted.
	time.Sleep(50 * time.Millisecond)
	before := pub.Stats()
	vt.PushEncoded(&EncodedFrame{Data: annexB([]byte{0x41, 7}), FrameType: FrameTypeDelta, Timestamp: 0})
	time.Sleep(50 * time.Millisecond)
	if after := pub.Stats(); after != before {
		t.Errorf("stats moved after Close: %+v -> %+v", before, after)
	}
}

func TestPublisherKeyframeCallback(t *testing.T) {
	vt := testVideoTrack("cam")
	h := NewHandle(vt, nil)
	defer h.stop()

	pub, err := PublishHandle(h, newPublishTrack(t))
	if err != nil {
		t.Fatalf("PublishHandle: %v", err)
	}
	defer pub.Close()

	called := make(chan struct{}, 1)
	pub.OnKeyframeRequest(func() { called <- struct{}{} })

	pub.mu.Lock()
	cb := pub.keyframeCb
	pub.mu.Unlock()
	if cb == nil {
		t.Fatal("callback not registered")
	}
	cb()
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("callback did not run")
	}
}
