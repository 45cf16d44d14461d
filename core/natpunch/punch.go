// Package natpunch orchestrates UDP hole-punching between two peers that
// have already exchanged endpoints and NAT classifications over a
// signaling side-channel (spec.md §4.3).
package natpunch

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"time"
)

const (
	punchInterval     = 30 * time.Millisecond
	punchDuration     = 6 * time.Second
	punchDurationSymm = 8 * time.Second

	ackInterval = 100 * time.Millisecond
	ackCount    = 10

	punchMagic uint32 = 0x50554e43 // "PUNC"
)

// Role identifies which side of the punch a datagram came from.
type Role byte

const (
	RoleInitiator Role = 1 // "manager role" in spec.md §4.3
	RoleResponder Role = 2 // "agent" in spec.md §4.3
)

// ErrPunchFailed is returned when no matching datagram arrives within the
// punching window.
var ErrPunchFailed = errors.New("natpunch: no matching datagram received")

// Result is the outcome of a successful punch: the socket and the peer
// address actually observed (which may differ from the advertised one,
// e.g. after symmetric-NAT port prediction).
type Result struct {
	Conn net.PacketConn
	Peer net.Addr
}

// CandidatePorts builds the destination-port candidate list for
// symmetric-NAT port prediction (spec.md §4.3). port1 and port2 are the
// two ports the peer's own STUN classification observed.
func CandidatePorts(port1, port2 int) []int {
	delta := port2 - port1
	if delta < 0 {
		delta = -delta
	}
	if delta <= 20 && delta != 0 {
		// Sequential allocator: extrapolate the delta forward.
		out := make([]int, 0, 32)
		step := port2 - port1
		p := port2
		for i := 0; i < 32; i++ {
			p += step
			if p < 1 || p > 65535 {
				break
			}
			out = append(out, p)
		}
		return out
	}
	// Random allocator, or delta == 0 (treated as full-cone by the caller
	// and never reaches here per spec_full.md Open Question #1): window of
	// +/-128 around port1, stepped by 4.
	out := make([]int, 0, 64)
	for p := port1 - 128; p <= port1+128; p += 4 {
		if p < 1 || p > 65535 {
			continue
		}
		out = append(out, p)
	}
	return out
}

func buildPunchDatagram(magic uint32, token [16]byte, role Role) []byte {
	buf := make([]byte, 4+16+1)
	binary.BigEndian.PutUint32(buf[0:4], magic)
	copy(buf[4:20], token[:])
	buf[20] = byte(role)
	return buf
}

func parsePunchDatagram(buf []byte) (magic uint32, token [16]byte, role Role, ok bool) {
	if len(buf) != 21 {
		return 0, token, 0, false
	}
	magic = binary.BigEndian.Uint32(buf[0:4])
	copy(token[:], buf[4:20])
	role = Role(buf[20])
	return magic, token, role, true
}

const punchAckMagic uint32 = 0x504b4143 // "PKAC"

// Punch executes the symmetric punch procedure described in spec.md §4.3:
// transmit to the peer's advertised endpoint (and, for a symmetric peer,
// round-robin across the predicted candidate ports) every 30ms, and on
// receipt of a matching token reply with 10 PUNCH_ACKs at 100ms intervals
// before returning the discovered peer address.
//
// primary is the peer's advertised endpoint. candidates is the extra port
// list from CandidatePorts, used only when peerSymmetric is true; it may be
// nil otherwise.
func Punch(ctx context.Context, conn net.PacketConn, primary *net.UDPAddr, candidates []int, token [16]byte, role Role, peerSymmetric, selfSymmetric bool) (Result, error) {
	duration := punchDuration
	if peerSymmetric || selfSymmetric {
		duration = punchDurationSymm
	}
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var candAddrs []*net.UDPAddr
	for _, p := range candidates {
		candAddrs = append(candAddrs, &net.UDPAddr{IP: primary.IP, Port: p})
	}

	outDatagram := buildPunchDatagram(punchMagic, token, role)

	type recvResult struct {
		addr net.Addr
		err  error
	}
	recvCh := make(chan recvResult, 1)
	go func() {
		buf := make([]byte, 64)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				select {
				case <-ctx.Done():
					recvCh <- recvResult{err: ctx.Err()}
					return
				default:
					continue
				}
			}
			magic, gotToken, _, ok := parsePunchDatagram(buf[:n])
			if !ok || magic != punchMagic || gotToken != token {
				continue // forged or unrelated datagram, silently discarded
			}
			recvCh <- recvResult{addr: addr}
			return
		}
	}()

	ticker := time.NewTicker(punchInterval)
	defer ticker.Stop()
	candIdx := 0

	for {
		select {
		case <-ctx.Done():
			return Result{}, ErrPunchFailed
		case r := <-recvCh:
			if r.err != nil {
				return Result{}, ErrPunchFailed
			}
			sendAcks(conn, r.addr, token, role)
			return Result{Conn: conn, Peer: r.addr}, nil
		case <-ticker.C:
			_, _ = conn.WriteTo(outDatagram, primary)
			if len(candAddrs) > 0 {
				_, _ = conn.WriteTo(outDatagram, candAddrs[candIdx])
				candIdx = (candIdx + 1) % len(candAddrs)
			}
		}
	}
}

func sendAcks(conn net.PacketConn, peer net.Addr, token [16]byte, role Role) {
	ack := buildPunchDatagram(punchAckMagic, token, role)
	for i := 0; i < ackCount; i++ {
		_, _ = conn.WriteTo(ack, peer)
		time.Sleep(ackInterval)
	}
}

// AwaitAck listens for PUNCH_ACK datagrams that consolidate the mapping
// after this side already matched the peer's PUNCH datagram. It is
// tolerant of never seeing one (the peer's 1s ack burst may race with this
// call returning); callers typically proceed to the channel layer
// regardless.
func AwaitAck(conn net.PacketConn, token [16]byte, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 64)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		magic, gotToken, _, ok := parsePunchDatagram(buf[:n])
		if ok && magic == punchAckMagic && gotToken == token {
			return
		}
	}
}

// Token is the shared 16-byte punch-token type. manager/internal/connmgr
// mints values with github.com/google/uuid — a v4 UUID is already exactly
// 16 random bytes — and the agent decodes the one it is sent; this alias
// just names the boundary.
type Token = [16]byte
