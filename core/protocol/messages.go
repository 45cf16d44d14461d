// Package protocol defines the JSON control envelope and UDP wire types
// shared by the agent and the manager. Both processes import this package
// so the two sides never drift from each other's framing.
package protocol

import "encoding/hex"

// Control message types exchanged over the reliable channel (§4.6).
const (
	TypeAuth              = "auth"
	TypeAuthOK            = "auth_ok"
	TypeAuthFail          = "auth_fail"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeRequestThumbnail  = "request_thumbnail"
	TypeStartStream       = "start_stream"
	TypeStreamStarted     = "stream_started"
	TypeUpdateStream      = "update_stream"
	TypeStopStream        = "stop_stream"
	TypeRequestKeyframe   = "request_keyframe"
	TypeStartThumbPush    = "start_thumbnail_push"
	TypeStopThumbPush     = "stop_thumbnail_push"
	TypeKeyEvent          = "key_event"
	TypeMouseEvent        = "mouse_event"
	TypeSpecialKey        = "special_key"
	TypeClipboard         = "clipboard"
	TypeGetClipboard      = "get_clipboard"
	TypeFileStart         = "file_start"
	TypeFileAck           = "file_ack"
	TypeFileProgress      = "file_progress"
	TypeFileEnd           = "file_end"
	TypeFileComplete      = "file_complete"
	TypeExecute           = "execute"
	TypeExecuteResult     = "execute_result"
	TypeUpdateRequest     = "update_request"
	TypeUpdateStarted     = "update_started"
	TypeRequestMonitors   = "request_monitors"
	TypeMonitorList       = "monitor_list"
	TypeSelectMonitor     = "select_monitor"
	TypeStartAudioStream  = "start_audio_stream"
	TypeStopAudioStream   = "stop_audio_stream"
	TypeConnModeChanged   = "connection_mode_changed"
	TypeUnknownType       = "unknown_type"
	TypeError             = "error"

	// Relay-only handshake (§4.5, Open Question #2): the single canonical
	// first frame on the relay WebSocket.
	TypeAgentHello = "agent_hello"
	TypeRelayOK    = "relay_ok"

	// Signaling messages (always traverse the relay, §4.3/§6).
	TypeUDPOffer  = "udp_offer"
	TypeUDPAnswer = "udp_answer"
)

// ConnectionMode enumerates the transport a session is carried over.
type ConnectionMode string

const (
	ModeLAN          ConnectionMode = "lan"
	ModeWAN          ConnectionMode = "wan"
	ModeUDPP2P       ConnectionMode = "udp-p2p"
	ModeRelay        ConnectionMode = "relay"
	ModeDisconnected ConnectionMode = "disconnected"
)

// Monitor describes one capture-source display.
type Monitor struct {
	Index  int `json:"index"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ControlMessage is the JSON envelope for every reliable control message
// defined in spec.md §4.6. Fields are tagged omitempty so each message type
// only serializes the fields it actually uses, matching the teacher's
// ControlMsg/Message pattern (agent/... formerly server/protocol.go,
// core/internal/protocol/message.go).
type ControlMessage struct {
	Type string `json:"type"`

	// auth / auth_ok / auth_fail
	ManagerID   string `json:"manager_id,omitempty"`
	Token       string `json:"token,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	OSInfo      string `json:"os_info,omitempty"`
	ScreenW     int    `json:"screen_width,omitempty"`
	ScreenH     int    `json:"screen_height,omitempty"`
	Reason      string `json:"reason,omitempty"`

	// ping/pong
	Ts int64 `json:"ts,omitempty"`

	// start_stream / stream_started / update_stream
	FPS              int    `json:"fps,omitempty"`
	Quality          int    `json:"quality,omitempty"`
	Codec            string `json:"codec,omitempty"`
	Encoder          string `json:"encoder,omitempty"`
	KeyframeInterval int    `json:"keyframe_interval,omitempty"`
	Width            int    `json:"width,omitempty"`
	Height           int    `json:"height,omitempty"`

	// start_thumbnail_push
	IntervalSec float64 `json:"interval,omitempty"`

	// key_event / mouse_event / special_key
	Key       string   `json:"key,omitempty"`
	Action    string   `json:"action,omitempty"`
	Modifiers []string `json:"modifiers,omitempty"`
	X         int      `json:"x,omitempty"`
	Y         int      `json:"y,omitempty"`
	Button    string   `json:"button,omitempty"`
	ScrollDX  int      `json:"scroll_dx,omitempty"`
	ScrollDY  int      `json:"scroll_dy,omitempty"`
	Combo     string   `json:"combo,omitempty"`

	// clipboard / get_clipboard
	Format string `json:"format,omitempty"`
	Data   string `json:"data,omitempty"` // text content, or base64 image

	// file_start / file_ack / file_progress / file_end / file_complete
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Status   string `json:"status,omitempty"`
	Path     string `json:"path,omitempty"`
	Received int64  `json:"received,omitempty"`
	Total    int64  `json:"total,omitempty"`

	// execute / execute_result
	Command    string `json:"command,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ReturnCode int    `json:"returncode,omitempty"`

	// request_monitors / monitor_list / select_monitor
	Monitors []Monitor `json:"monitors,omitempty"`
	MonitorID int      `json:"monitor_id,omitempty"`

	// connection_mode_changed
	Mode ConnectionMode `json:"mode,omitempty"`

	// agent_hello / relay_ok (relay WebSocket only)
	// AgentID reused above.

	// udp_offer / udp_answer (signaling, always via relay)
	Target      string `json:"target_agent,omitempty"`
	UDPIP       string `json:"udp_ip,omitempty"`
	UDPPort     int    `json:"udp_port,omitempty"`
	UDPPort2    int    `json:"udp_port2,omitempty"`
	PunchToken  string `json:"punch_token,omitempty"` // hex-encoded 16 bytes
	NATType     string `json:"nat_type,omitempty"`
}

// EncodePunchToken hex-encodes a 16-byte punch token for the udp_offer/
// udp_answer wire fields (spec.md §3 "Punch token").
func EncodePunchToken(token [16]byte) string {
	return hex.EncodeToString(token[:])
}

// DecodePunchToken parses a hex-encoded punch token. ok is false if s is
// not exactly 16 bytes of valid hex.
func DecodePunchToken(s string) (token [16]byte, ok bool) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		return token, false
	}
	copy(token[:], b)
	return token, true
}
