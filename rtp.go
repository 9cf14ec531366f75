package camera

import (
	"fmt"

	"github.com/pion/rtp"
)

// Aliases so callers of the publish bridge don't need to import pion/rtp.
type (
	// RTPPacket is an alias to pion's rtp.Packet
	RTPPacket = rtp.Packet

	// RTPHeader is an alias to pion's rtp.Header
	RTPHeader = rtp.Header
)

// DefaultMTU is the packet size budget for RTP payloads (UDP safe).
const DefaultMTU = 1200

// ExtensionIDVideoOrientation is the one-byte RTP header extension ID
// carrying CVO (Coordination of Video Orientation).
const ExtensionIDVideoOrientation = 4

// VideoOrientation represents the CVO (Coordination of Video Orientation)
// extension. The back/front bit mirrors the facing mode of the device behind
// the shared camera handle, so receivers can un-mirror front feeds.
type VideoOrientation struct {
	CameraBackFacing bool // true = back camera, false = front camera
	FlipHorizontal   bool // Flip horizontally
	Rotation         int  // 0, 90, 180, 270 degrees clockwise
}

// OrientationFor builds the CVO value for a facing mode. Front cameras are
// mirrored on every mainstream platform, so they get the flip bit.
func OrientationFor(facing FacingMode) VideoOrientation {
	return VideoOrientation{
		CameraBackFacing: facing == FacingEnvironment,
		FlipHorizontal:   facing == FacingUser,
	}
}

// Marshal returns the extension payload bytes.
func (v VideoOrientation) Marshal() []byte {
	var val uint8
	if v.CameraBackFacing {
		val |= 0x08
	}
	if v.FlipHorizontal {
		val |= 0x04
	}
	switch v.Rotation {
	case 90:
		val |= 0x01
	case 180:
		val |= 0x02
	case 270:
		val |= 0x03
	}
	return []byte{val}
}

// Unmarshal parses a video orientation extension.
func (v *VideoOrientation) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty video orientation data")
	}
	b := data[0]
	v.CameraBackFacing = (b & 0x08) != 0
	v.FlipHorizontal = (b & 0x04) != 0
	switch b & 0x03 {
	case 1:
		v.Rotation = 90
	case 2:
		v.Rotation = 180
	case 3:
		v.Rotation = 270
	default:
		v.Rotation = 0
	}
	return nil
}

// IsRTPTimestampOlder returns true if ts1 is older than or equal to ts2,
// handling 32-bit wraparound correctly per RTP timestamp comparison rules.
// The depacketizer uses it to discard late-arriving packets.
func IsRTPTimestampOlder(ts1, ts2 uint32) bool {
	if ts1 == ts2 {
		return true
	}
	// ts1 is older if (ts2 - ts1) < 2^31
	diff := ts2 - ts1
	return diff < 0x80000000
}
