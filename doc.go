// Package camera arbitrates exclusive access to a device camera across
// concurrent consumers in one process.
//
// Hardware cameras are exclusive: at most one capture session can hold a
// device, opening one is slow and permission-gated, and tearing one down
// mid-handoff loses the permission warm-up. The Manager owns the single
// live Handle and brokers it:
//   - concurrent Acquire calls coalesce onto one in-flight hardware attempt
//   - attempt starts are rate limited to keep a flapping device from
//     wedging the capture stack
//   - the last Release arms a teardown grace timer instead of stopping the
//     feed, so back-to-back consumers reuse the warm handle
//   - visibility loss suspends capture; visibility return restores it
//
// Key pieces include:
//   - Manager: the process-wide broker (Acquire/Release/SwitchDevice)
//   - Consumer: a retry ladder over the Manager with constraint relaxation
//   - Classify: maps platform failures onto a closed error taxonomy
//   - Platform: the hardware abstraction (V4L2, AVFoundation, RTMP ingest,
//     synthetic patterns)
//   - Publisher: bridges a Handle onto a WebRTC video track
//
// # Architecture
//
//	Consumer -> Manager -> Platform -> Handle{VideoTrack, AudioTrack}
//	Handle -> Publisher -> RTP packetizer -> WebRTC track
//
// # Native Libraries
//
// The V4L2 and AVFoundation platforms load libglimmercam_* shims via
// purego (CGO_ENABLED=0). Set GLIMMERCAM_LIB_PATH to the directory
// containing them. The RTMP and pattern platforms are pure Go and need no
// shim, which also makes them the test and demo backends.
//
// # Build Tags
//
//   - nodevices: disable the native capture platforms
package camera
