package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"core/natpunch"
	"core/protocol"
	"core/relay"
	"core/stun"
	"core/udpchannel"

	"agent/internal/session"
	"agent/internal/store"
)

// relayTransportAdapter routes control/binary frames arriving over the
// agent's single relay WebSocket (spec.md §4.5) into session.Manager,
// exactly as wslisten.Handler does for a direct connection. Because the
// relay carries exactly one socket per agent, it multiplexes at most one
// active relay-routed manager session at a time; a manager reconnecting
// via relay re-authenticates and supersedes the previous one, same as two
// direct connections would.
type relayTransportAdapter struct {
	mgr         *session.Manager
	st          *store.Store
	stunServers []string

	mu      sync.Mutex
	session *relay.Session
	active  *session.Session
}

func newRelayTransportAdapter(mgr *session.Manager, st *store.Store, stunServers []string) *relayTransportAdapter {
	return &relayTransportAdapter{mgr: mgr, st: st, stunServers: stunServers}
}

// relayTransport adapts *relay.Session to session.Transport.
type relayTransport struct {
	rs *relay.Session
}

func (t *relayTransport) SendControl(msg protocol.ControlMessage) error {
	return t.rs.SendControl(msg)
}

func (t *relayTransport) SendFrame(frame []byte) error {
	return t.rs.SendBinary(frame)
}

func (t *relayTransport) Close() {
	// The relay socket itself stays open for the next manager; only the
	// logical session is torn down, which happens via supersession in
	// Manager.Authenticate.
}

func (a *relayTransportAdapter) onMessage(m relay.ControlOrBinary) {
	a.mu.Lock()
	active := a.active
	a.mu.Unlock()

	if m.Binary != nil {
		if active == nil {
			return
		}
		if resp := active.BinaryFrame(m.Binary); resp != nil {
			_ = a.session.SendControl(*resp)
		}
		return
	}

	msg := *m.Text
	if msg.Type == protocol.TypeUDPOffer {
		reply := a.handleUDPOffer(msg)
		_ = a.session.SendControl(reply)
		return
	}
	if msg.Type == protocol.TypeAuth {
		sess, reply, err := a.mgr.Authenticate(context.Background(), msg.ManagerID, msg.Token, &relayTransport{rs: a.session})
		if err != nil {
			slog.Info("relay: auth failed", "manager_id", msg.ManagerID, "err", err)
			_ = a.session.SendControl(reply)
			return
		}
		a.mu.Lock()
		a.active = sess
		a.mu.Unlock()
		if a.st != nil {
			_ = a.st.LogSessionEvent(msg.ManagerID, "auth_ok", "relay")
		}
		_ = a.session.SendControl(reply)
		return
	}

	if active == nil {
		return
	}
	if resp := active.Dispatch(context.Background(), msg); resp != nil {
		_ = a.session.SendControl(*resp)
	}
}

// handleUDPOffer answers a manager's TRY_UDP_PUNCH signaling offer (spec.md
// §4.3/§4.4), relayed to this agent by the directory. It classifies this
// agent's own NAT synchronously (so it can reply within the relay's
// handshake window) and launches the actual hole-punch — which can take
// several seconds — in the background; a successful punch hands the
// resulting channel to session.Manager exactly as a direct WebSocket would.
func (a *relayTransportAdapter) handleUDPOffer(offer protocol.ControlMessage) protocol.ControlMessage {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return protocol.ControlMessage{Type: protocol.TypeUDPAnswer, Status: "error", Reason: err.Error()}
	}

	class := stun.Classify(conn, a.stunServers, 3*time.Second)
	ep, discErr := stun.Discover(conn, a.stunServers)

	token, ok := protocol.DecodePunchToken(offer.PunchToken)
	if !ok || discErr != nil {
		conn.Close()
		return protocol.ControlMessage{Type: protocol.TypeUDPAnswer, Status: "error", Reason: "stun discovery failed"}
	}

	peerIP := net.ParseIP(offer.UDPIP)
	if peerIP == nil {
		conn.Close()
		return protocol.ControlMessage{Type: protocol.TypeUDPAnswer, Status: "error", Reason: "invalid offer endpoint"}
	}
	peerSymmetric := offer.NATType == string(protocol.NATSymmetric)
	selfSymmetric := class.Type == protocol.NATSymmetric
	var candidates []int
	if peerSymmetric && offer.UDPPort2 != 0 && offer.UDPPort2 != offer.UDPPort {
		candidates = natpunch.CandidatePorts(offer.UDPPort, offer.UDPPort2)
	}

	go a.punchAndServe(conn, &net.UDPAddr{IP: peerIP, Port: offer.UDPPort}, candidates, token, peerSymmetric, selfSymmetric)

	return protocol.ControlMessage{
		Type:       protocol.TypeUDPAnswer,
		Status:     "ok",
		UDPIP:      ep.IP.String(),
		UDPPort:    class.Port1,
		UDPPort2:   class.Port2,
		NATType:    string(class.Type),
		PunchToken: offer.PunchToken,
	}
}

func (a *relayTransportAdapter) punchAndServe(conn net.PacketConn, peer *net.UDPAddr, candidates []int, token natpunch.Token, peerSymmetric, selfSymmetric bool) {
	ctx := context.Background()
	res, err := natpunch.Punch(ctx, conn, peer, candidates, token, natpunch.RoleResponder, peerSymmetric, selfSymmetric)
	if err != nil {
		slog.Info("relay: udp punch failed", "err", err)
		conn.Close()
		return
	}

	var (
		ch        *udpchannel.Channel
		transport *session.UDPTransport
		active    *session.Session
	)
	ch = udpchannel.New(res.Conn, res.Peer, udpchannel.Options{
		OnControl: func(payload []byte) {
			var msg protocol.ControlMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				return
			}
			if msg.Type == protocol.TypeAuth {
				sess, reply, err := a.mgr.Authenticate(ctx, msg.ManagerID, msg.Token, transport)
				if err == nil {
					active = sess
					if a.st != nil {
						_ = a.st.LogSessionEvent(msg.ManagerID, "auth_ok", "udp-p2p")
					}
				}
				_ = transport.SendControl(reply)
				return
			}
			if active == nil {
				return
			}
			if resp := active.Dispatch(ctx, msg); resp != nil {
				_ = transport.SendControl(*resp)
			}
		},
	})
	transport = session.NewUDPTransport(ch)
	ch.Run(ctx)
}
