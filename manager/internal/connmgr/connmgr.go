// Package connmgr drives the per-agent connection state machine of
// spec.md §4.4: TRY_LAN, TRY_WAN, TRY_UDP_PUNCH, and RELAY are each
// attempted in order, the first to succeed becomes the live session
// transport, and a CONNECTED→DISCONNECTED edge re-enters the cascade after
// a short delay. It is the manager-side counterpart of the agent's
// session package: where session.Manager answers incoming transports,
// connmgr.Manager dials out to find one.
package connmgr

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"core/natpunch"
	"core/protocol"
	"core/stun"
)

const (
	lanTimeout       = 3 * time.Second
	wanTimeout       = 5 * time.Second
	reconnectDelay   = 10 * time.Second // CONNECTED -> DISCONNECTED, per spec.md §4.4
	cascadeRetryWait = 5 * time.Second  // every candidate transport failed this pass
)

// State is one node of the spec.md §4.4 state machine.
type State int

const (
	Disconnected State = iota
	TryLAN
	TryWAN
	TryUDPPunch
	Relay
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case TryLAN:
		return "try_lan"
	case TryWAN:
		return "try_wan"
	case TryUDPPunch:
		return "try_udp_punch"
	case Relay:
		return "relay"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Target identifies the agent this Manager maintains a connection to and
// the credentials used to authenticate with it.
type Target struct {
	AgentID     string
	ManagerID   string
	Token       string
	PrivateAddr string // host:port, "" if unknown
	PublicAddr  string // host:port, "" if unknown
	RelayURL    string // directory relay endpoint, e.g. wss://host/ws/manager
	STUNServers []string
}

// transport is the minimal send/receive-lifecycle contract both the
// websocket-backed (LAN/WAN/relay) and UDP-punch-backed carriers satisfy.
type transport interface {
	SendControl(protocol.ControlMessage) error
	SendBinary([]byte) error
	Close()
	Done() <-chan struct{}
}

// Manager maintains one agent's connection, re-running the cascade
// whenever the current transport dies.
type Manager struct {
	target Target

	onMode    func(protocol.ConnectionMode)
	onControl func(protocol.ControlMessage)
	onFrame   func(frameType byte, seq uint32, payload []byte)

	// loginOK reports whether the directory login is currently valid;
	// when false, TRY_UDP_PUNCH and RELAY are skipped (spec.md §4.4, no
	// signaling channel available without a directory session).
	loginOK func() bool

	mu        sync.Mutex
	state     State
	transport transport
}

// New builds a Manager for target. onMode is called on every state
// transition with the resulting ConnectionMode (meaningful only once
// Connected); onControl/onFrame receive messages once a transport is live.
func New(target Target, loginOK func() bool, onMode func(protocol.ConnectionMode), onControl func(protocol.ControlMessage), onFrame func(byte, uint32, []byte)) *Manager {
	if loginOK == nil {
		loginOK = func() bool { return false }
	}
	return &Manager{target: target, loginOK: loginOK, onMode: onMode, onControl: onControl, onFrame: onFrame}
}

// State returns the current cascade position.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SendControl forwards msg over the live transport, if any.
func (m *Manager) SendControl(msg protocol.ControlMessage) error {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return fmt.Errorf("connmgr: not connected")
	}
	return t.SendControl(msg)
}

// SendBinary forwards a raw binary payload (e.g. a file-transfer chunk)
// over the live transport, if any.
func (m *Manager) SendBinary(data []byte) error {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return fmt.Errorf("connmgr: not connected")
	}
	return t.SendBinary(data)
}

// Run drives the state machine until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if t, mode, ok := m.attempt(ctx); ok {
			m.setTransport(t)
			m.setState(Connected)
			if m.onMode != nil {
				m.onMode(mode)
			}
			<-t.Done()
			m.setTransport(nil)
			m.setState(Disconnected)
			if m.onMode != nil {
				m.onMode(protocol.ModeDisconnected)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		m.setState(Disconnected)
		select {
		case <-ctx.Done():
			return
		case <-time.After(cascadeRetryWait):
		}
	}
}

// attempt runs one pass of the TRY_LAN -> TRY_WAN -> TRY_UDP_PUNCH -> RELAY
// cascade, returning the first transport that authenticates successfully.
func (m *Manager) attempt(ctx context.Context) (transport, protocol.ConnectionMode, bool) {
	m.setState(TryLAN)
	if t, ok := m.tryDirect(ctx, m.target.PrivateAddr, lanTimeout); ok {
		return t, protocol.ModeLAN, true
	}

	m.setState(TryWAN)
	if t, ok := m.tryDirect(ctx, m.target.PublicAddr, wanTimeout); ok {
		return t, protocol.ModeWAN, true
	}

	if !m.loginOK() {
		return nil, "", false
	}

	m.setState(TryUDPPunch)
	if t, ok := m.tryUDPPunch(ctx); ok {
		return t, protocol.ModeUDPP2P, true
	}

	m.setState(Relay)
	if t, ok := m.tryRelay(ctx); ok {
		return t, protocol.ModeRelay, true
	}

	return nil, "", false
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) setTransport(t transport) {
	m.mu.Lock()
	m.transport = t
	m.mu.Unlock()
}

func (m *Manager) tryDirect(ctx context.Context, addr string, timeout time.Duration) (transport, bool) {
	if addr == "" {
		return nil, false
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hello := protocol.ControlMessage{Type: protocol.TypeAuth, ManagerID: m.target.ManagerID, Token: m.target.Token}
	t, reply, err := dialWS(ctx, dialCtx, "ws://"+addr+"/ws", hello, m.onControl, m.onFrame)
	if err != nil {
		slog.Debug("connmgr: direct dial failed", "addr", addr, "err", err)
		return nil, false
	}
	if reply.Type != protocol.TypeAuthOK {
		t.Close()
		return nil, false
	}
	return t, true
}

func (m *Manager) tryRelay(ctx context.Context) (transport, bool) {
	if m.target.RelayURL == "" {
		return nil, false
	}
	dialCtx, cancel := context.WithTimeout(ctx, wanTimeout)
	defer cancel()

	hello := protocol.ControlMessage{Type: protocol.TypeAuth, ManagerID: m.target.ManagerID, Token: m.target.Token, Target: m.target.AgentID}
	t, reply, err := dialWS(ctx, dialCtx, m.target.RelayURL, hello, m.onControl, m.onFrame)
	if err != nil {
		slog.Debug("connmgr: relay dial failed", "err", err)
		return nil, false
	}
	if reply.Type != protocol.TypeAuthOK {
		t.Close()
		return nil, false
	}
	return t, true
}

// tryUDPPunch executes spec.md §4.3 over a short-lived relay-authenticated
// signaling session: once authenticated, it exchanges udp_offer/udp_answer
// with the agent, then punches a direct UDP hole and re-authenticates over
// the resulting channel (spec.md §4.4).
func (m *Manager) tryUDPPunch(ctx context.Context) (transport, bool) {
	if m.target.RelayURL == "" {
		return nil, false
	}

	sigCtx, sigCancel := context.WithTimeout(ctx, wanTimeout)
	hello := protocol.ControlMessage{Type: protocol.TypeAuth, ManagerID: m.target.ManagerID, Token: m.target.Token, Target: m.target.AgentID}

	answers := make(chan protocol.ControlMessage, 1)
	onSignalingControl := func(msg protocol.ControlMessage) {
		if msg.Type == protocol.TypeUDPAnswer {
			select {
			case answers <- msg:
			default:
			}
		}
	}

	sig, reply, err := dialWS(ctx, sigCtx, m.target.RelayURL, hello, onSignalingControl, nil)
	sigCancel()
	if err != nil || reply.Type != protocol.TypeAuthOK {
		if sig != nil {
			sig.Close()
		}
		return nil, false
	}
	defer sig.Close()

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, false
	}
	class := stun.Classify(conn, m.target.STUNServers, 3*time.Second)
	ep, discErr := stun.Discover(conn, m.target.STUNServers)
	if discErr != nil {
		conn.Close()
		return nil, false
	}

	tokenUUID, err := uuid.NewRandom()
	if err != nil {
		conn.Close()
		return nil, false
	}
	token := natpunch.Token(tokenUUID)

	offer := protocol.ControlMessage{
		Type: protocol.TypeUDPOffer, Target: m.target.AgentID,
		UDPIP: ep.IP.String(), UDPPort: class.Port1, UDPPort2: class.Port2,
		NATType: string(class.Type), PunchToken: protocol.EncodePunchToken(token),
	}
	if err := sig.SendControl(offer); err != nil {
		conn.Close()
		return nil, false
	}

	var answer protocol.ControlMessage
	select {
	case answer = <-answers:
	case <-time.After(wanTimeout):
		conn.Close()
		return nil, false
	case <-ctx.Done():
		conn.Close()
		return nil, false
	}
	if answer.Status == "error" {
		conn.Close()
		return nil, false
	}

	peerIP := net.ParseIP(answer.UDPIP)
	if peerIP == nil {
		conn.Close()
		return nil, false
	}
	peerSymmetric := answer.NATType == string(protocol.NATSymmetric)
	selfSymmetric := class.Type == protocol.NATSymmetric
	var candidates []int
	if peerSymmetric && answer.UDPPort2 != 0 && answer.UDPPort2 != answer.UDPPort {
		candidates = natpunch.CandidatePorts(answer.UDPPort, answer.UDPPort2)
	}

	res, err := natpunch.Punch(ctx, conn, &net.UDPAddr{IP: peerIP, Port: answer.UDPPort}, candidates, token, natpunch.RoleInitiator, peerSymmetric, selfSymmetric)
	if err != nil {
		return nil, false
	}

	t, udpReply, err := dialUDP(ctx, res.Conn, res.Peer, protocol.ControlMessage{Type: protocol.TypeAuth, ManagerID: m.target.ManagerID, Token: m.target.Token}, m.onControl, m.onFrame)
	if err != nil || udpReply.Type != protocol.TypeAuthOK {
		if t != nil {
			t.Close()
		}
		return nil, false
	}
	return t, true
}
