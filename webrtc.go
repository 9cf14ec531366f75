package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// NewLocalVideoTrack creates an H.264 RTP track suitable for AddTrack on a
// peer connection and for PublishHandle.
func NewLocalVideoTrack(streamID string) (*webrtc.TrackLocalStaticRTP, error) {
	return webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		"video", streamID,
	)
}

// PublisherStats is a point-in-time snapshot of a Publisher.
type PublisherStats struct {
	PacketsSent   uint64
	BytesSent     uint64
	FramesSent    uint64
	KeyframesSent uint64
	PLIsReceived  uint64
}

// Publisher pumps the shared camera Handle's encoded video into a WebRTC
// track. It survives camera switches: when the current feed ends, the pump
// parks until ReplaceHandle installs the successor.
type Publisher struct {
	track *webrtc.TrackLocalStaticRTP
	pkt   *H264Packetizer
	log   logging.LeveledLogger

	mu         sync.Mutex
	handle     *Handle
	source     *VideoTrack
	replaced   chan struct{} // closed when a new handle is installed
	keyframeCb func()

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	packetsSent   atomic.Uint64
	bytesSent     atomic.Uint64
	framesSent    atomic.Uint64
	keyframesSent atomic.Uint64
	plisReceived  atomic.Uint64
}

var _ io.Closer = (*Publisher)(nil)

// PublishHandle starts forwarding the handle's encoded video into track.
// The handle must carry a video track. The caller still owns the handle's
// lifetime through the manager; closing the Publisher never tears down the
// camera.
func PublishHandle(h *Handle, track *webrtc.TrackLocalStaticRTP) (*Publisher, error) {
	if h == nil || h.Video() == nil {
		return nil, fmt.Errorf("publish: handle has no video track")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		track:    track,
		pkt:      NewH264Packetizer(rand.Uint32(), 96, DefaultMTU),
		log:      logging.NewDefaultLoggerFactory().NewLogger("camera.publish"),
		handle:   h,
		source:   h.Video(),
		replaced: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.pkt.SetOrientation(OrientationFor(h.Settings().Facing))
	go p.pump()
	return p, nil
}

// ReplaceHandle swaps the feed after a camera switch. Receivers keep the
// same RTP track; only the source behind it changes.
func (p *Publisher) ReplaceHandle(h *Handle) error {
	if h == nil || h.Video() == nil {
		return fmt.Errorf("publish: handle has no video track")
	}
	p.mu.Lock()
	p.handle = h
	p.source = h.Video()
	p.pkt.SetOrientation(OrientationFor(h.Settings().Facing))
	close(p.replaced)
	p.replaced = make(chan struct{})
	p.mu.Unlock()
	return nil
}

// OnKeyframeRequest registers a callback invoked (on its own goroutine)
// when a receiver asks for a refresh via PLI or FIR. Wire it to whatever
// can force an IDR upstream.
func (p *Publisher) OnKeyframeRequest(cb func()) {
	p.mu.Lock()
	p.keyframeCb = cb
	p.mu.Unlock()
}

// WatchSender consumes RTCP from the sender and surfaces keyframe requests.
// Reading the sender is required with pion anyway; the loop ends when the
// peer connection closes the sender.
func (p *Publisher) WatchSender(sender *webrtc.RTPSender) {
	go func() {
		for {
			pkts, _, err := sender.ReadRTCP()
			if err != nil {
				return
			}
			for _, pkt := range pkts {
				switch pkt.(type) {
				case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
					p.plisReceived.Add(1)
					p.mu.Lock()
					cb := p.keyframeCb
					p.mu.Unlock()
					if cb != nil {
						go cb()
					}
				}
			}
		}
	}()
}

func (p *Publisher) pump() {
	for {
		p.mu.Lock()
		src := p.source
		repl := p.replaced
		p.mu.Unlock()

		frame, err := src.ReadEncoded(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			// The feed ended, usually because of a camera switch. Park
			// until the successor handle arrives.
			select {
			case <-repl:
				continue
			case <-p.ctx.Done():
				return
			}
		}

		if frame.IsKeyframe() {
			p.keyframesSent.Add(1)
		}

		packets, err := p.pkt.Packetize(frame)
		if err != nil {
			p.log.Warnf("packetize: %v", err)
			continue
		}
		for _, pkt := range packets {
			if err := p.track.WriteRTP(pkt); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					// Track not bound to a transport yet.
					continue
				}
				p.log.Warnf("write rtp: %v", err)
				continue
			}
			p.packetsSent.Add(1)
			p.bytesSent.Add(uint64(pkt.MarshalSize()))
		}
		p.framesSent.Add(1)
	}
}

// Stats returns a snapshot of forwarding counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		PacketsSent:   p.packetsSent.Load(),
		BytesSent:     p.bytesSent.Load(),
		FramesSent:    p.framesSent.Load(),
		KeyframesSent: p.keyframesSent.Load(),
		PLIsReceived:  p.plisReceived.Load(),
	}
}

// Close stops the pump. Idempotent.
func (p *Publisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	return nil
}
