package protocol

// Wire frame type space for the UDP channel (spec.md §4.2).
const (
	FrameThumbnail  byte = 0x01
	FrameMJPEG      byte = 0x02
	FrameH264Key    byte = 0x03
	FrameH264Delta  byte = 0x04
	FrameAudioOpus  byte = 0x05 // supplemental: agent audio alongside video
	FrameControl    byte = 0x10
	FrameControlAck byte = 0x11
	FramePing       byte = 0x20
	FramePong       byte = 0x21

	// FragmentedBit marks a fragmented message; set on the high bit of the
	// on-wire type byte. Never set in the constants above directly — the
	// channel layer ORs it in when framing. All FrameXxx constants above
	// must stay below 0x80 so ORing this bit in never collides with
	// another defined frame type on receive.
	FragmentedBit byte = 0x80
)

// WireMagic is the 2-byte magic that opens every UDP datagram on the
// channel.
const WireMagic uint16 = 0x5743

// MaxSinglePacketPayload is the largest payload that fits unfragmented in
// one UDP datagram, staying comfortably under common path MTUs.
const MaxSinglePacketPayload = 1191

// NATType is the classification produced by STUN probing (spec.md §4.1).
type NATType string

const (
	NATFullCone NATType = "full-cone-like"
	NATSymmetric NATType = "symmetric"
	NATUnknown  NATType = "unknown"
)

// Frame is a unit the encoder pipeline emits (spec.md §3).
type Frame struct {
	Sequence    uint32
	IsKeyframe  bool
	HeaderByte  byte
	Payload     []byte
}
