// Package http2 implements the server side of HTTP/2 over cleartext TCP
// (RFC 9113): frame parsing and serialization, the connection and stream
// state machines, flow control, and the HPACK codec lifecycle.
package http2

// Frame size limits (RFC 9113 §4.2)
const (
	// MaxFrameSize is the largest payload the wire format can express
	MaxFrameSize = 1<<24 - 1

	// DefaultMaxFrameSize is the default SETTINGS_MAX_FRAME_SIZE (16 KB)
	DefaultMaxFrameSize = 16384

	// MinMaxFrameSize is the smallest legal SETTINGS_MAX_FRAME_SIZE value
	MinMaxFrameSize = 16384

	// FrameHeaderLen is the fixed frame header length
	FrameHeaderLen = 9
)

// Window size limits (RFC 9113 §6.9.1)
const (
	// MaxWindowSize is the maximum flow-control window (2^31-1)
	MaxWindowSize = 1<<31 - 1

	// DefaultWindowSize is the initial window size before SETTINGS
	DefaultWindowSize = 65535

	// ConnectionStreamID is the stream ID for connection-scoped frames
	ConnectionStreamID = 0
)

// Settings IDs (RFC 9113 §6.5.2)
const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

// SettingID identifies a SETTINGS parameter
type SettingID uint16

// Default setting values
const (
	DefaultHeaderTableSize      = 4096
	DefaultMaxConcurrentStreams = 100
)

// ClientPreface is the fixed 24-byte opener every HTTP/2 connection begins
// with: "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n" (RFC 9113 §3.4).
var ClientPreface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// Maximum values
const (
	MaxStreamID = 1<<31 - 1
	MaxPadding  = 255
)

// Pseudo-header names (RFC 9113 §8.3.1)
const (
	PseudoMethod    = ":method"
	PseudoPath      = ":path"
	PseudoScheme    = ":scheme"
	PseudoAuthority = ":authority"
	PseudoStatus    = ":status"
)
