// Package stun implements the minimal subset of RFC 5389 STUN Binding
// Requests needed to discover a UDP socket's NAT-mapped public endpoint and
// classify the NAT in front of it (spec.md §4.1).
//
// This is a from-scratch, wire-level client rather than a wrapper around a
// general ICE/STUN/TURN library: the rest of the transport core punches raw
// UDP datagrams directly against the socket STUN probed, so the client needs
// to own the socket the whole time, not hand it to an agent abstraction.
package stun

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"core/protocol"
)

const (
	magicCookie uint32 = 0x2112A442

	msgTypeBindingRequest  uint16 = 0x0001
	msgTypeBindingResponse uint16 = 0x0101

	attrMappedAddress    uint16 = 0x0001
	attrXORMappedAddress uint16 = 0x0020

	familyIPv4 byte = 0x01

	perServerTimeout = 3 * time.Second
)

// ErrNoResponse is returned when a STUN server never answers within the
// per-server timeout.
var ErrNoResponse = errors.New("stun: no response from server")

// Endpoint is a discovered (IP, port) pair.
type Endpoint struct {
	IP   net.IP
	Port int
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.IP, e.Port) }

// Discover sends a Binding Request to each server in turn from conn and
// returns the first successfully parsed mapped address. Each server gets up
// to 3s; failures move on to the next server per spec.md §4.1.
func Discover(conn net.PacketConn, servers []string) (Endpoint, error) {
	for _, addr := range servers {
		ep, err := discoverOne(conn, addr, perServerTimeout)
		if err == nil {
			return ep, nil
		}
	}
	return Endpoint{}, ErrNoResponse
}

func discoverOne(conn net.PacketConn, addr string, timeout time.Duration) (Endpoint, error) {
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return Endpoint{}, err
	}
	txID, err := newTransactionID()
	if err != nil {
		return Endpoint{}, err
	}
	req := buildBindingRequest(txID)

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	if _, err := conn.WriteTo(req, raddr); err != nil {
		return Endpoint{}, err
	}

	buf := make([]byte, 512)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return Endpoint{}, err
		}
		ep, gotTxID, ok := parseBindingResponse(buf[:n])
		if !ok || gotTxID != txID {
			continue
		}
		return ep, nil
	}
}

// Classification is the outcome of probing several STUN servers in
// parallel on one socket (spec.md §4.1 "Classify NAT type").
type Classification struct {
	Type     protocol.NATType
	Port1    int // external port observed via the first distinct server
	Port2    int // external port observed via the second distinct server; 0 if unavailable
}

// probeResult is delivered on the results channel by one goroutine per
// server in Classify.
type probeResult struct {
	ep  Endpoint
	err error
}

// Classify sends one Binding Request to each server in parallel on the same
// socket, correlating responses by transaction ID, and classifies the NAT
// per spec.md §4.1. Fewer than two distinct server results yields
// NATUnknown, which callers must treat pessimistically (as symmetric).
func Classify(conn net.PacketConn, servers []string, timeout time.Duration) Classification {
	if timeout <= 0 {
		timeout = perServerTimeout
	}
	if len(servers) == 0 {
		return Classification{Type: protocol.NATUnknown}
	}

	type txEntry struct {
		id   [12]byte
		addr *net.UDPAddr
	}
	entries := make([]txEntry, 0, len(servers))
	results := make(chan probeResult, len(servers))

	deadline := time.Now().Add(timeout)
	_ = conn.SetReadDeadline(deadline)

	for _, s := range servers {
		raddr, err := net.ResolveUDPAddr("udp4", s)
		if err != nil {
			continue
		}
		txID, err := newTransactionID()
		if err != nil {
			continue
		}
		entries = append(entries, txEntry{id: txID, addr: raddr})
		if _, err := conn.WriteTo(buildBindingRequest(txID), raddr); err != nil {
			continue
		}
	}
	if len(entries) == 0 {
		return Classification{Type: protocol.NATUnknown}
	}

	go func() {
		buf := make([]byte, 512)
		seen := map[[12]byte]bool{}
		for len(seen) < len(entries) && time.Now().Before(deadline) {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				break
			}
			ep, txID, ok := parseBindingResponse(buf[:n])
			if !ok || seen[txID] {
				continue
			}
			matched := false
			for _, e := range entries {
				if e.id == txID {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
			seen[txID] = true
			results <- probeResult{ep: ep}
		}
		close(results)
	}()

	var ports []int
	for r := range results {
		if r.err == nil {
			ports = append(ports, r.ep.Port)
		}
	}

	if len(ports) < 2 {
		return Classification{Type: protocol.NATUnknown}
	}
	if ports[0] == ports[1] {
		return Classification{Type: protocol.NATFullCone, Port1: ports[0], Port2: ports[1]}
	}
	return Classification{Type: protocol.NATSymmetric, Port1: ports[0], Port2: ports[1]}
}

func newTransactionID() ([12]byte, error) {
	var id [12]byte
	_, err := rand.Read(id[:])
	return id, err
}

func buildBindingRequest(txID [12]byte) []byte {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint16(buf[0:2], msgTypeBindingRequest)
	binary.BigEndian.PutUint16(buf[2:4], 0) // length, no attributes
	binary.BigEndian.PutUint32(buf[4:8], magicCookie)
	copy(buf[8:20], txID[:])
	return buf
}

// parseBindingResponse extracts the mapped endpoint and transaction ID from
// a STUN Binding Response, preferring XOR-MAPPED-ADDRESS over
// MAPPED-ADDRESS per spec.md §4.1.
func parseBindingResponse(b []byte) (Endpoint, [12]byte, bool) {
	var txID [12]byte
	if len(b) < 20 {
		return Endpoint{}, txID, false
	}
	msgType := binary.BigEndian.Uint16(b[0:2])
	if msgType != msgTypeBindingResponse {
		return Endpoint{}, txID, false
	}
	length := binary.BigEndian.Uint16(b[2:4])
	cookie := binary.BigEndian.Uint32(b[4:8])
	if cookie != magicCookie {
		return Endpoint{}, txID, false
	}
	copy(txID[:], b[8:20])
	if len(b) < 20+int(length) {
		return Endpoint{}, txID, false
	}

	var mapped, xorMapped *Endpoint
	off := 20
	end := 20 + int(length)
	for off+4 <= end {
		attrType := binary.BigEndian.Uint16(b[off : off+2])
		attrLen := binary.BigEndian.Uint16(b[off+2 : off+4])
		valStart := off + 4
		valEnd := valStart + int(attrLen)
		if valEnd > end || valEnd > len(b) {
			break
		}
		val := b[valStart:valEnd]
		switch attrType {
		case attrMappedAddress:
			if ep, ok := parseMappedAddress(val); ok {
				mapped = &ep
			}
		case attrXORMappedAddress:
			if ep, ok := parseXORMappedAddress(val, txID); ok {
				xorMapped = &ep
			}
		}
		// attributes are padded to 4-byte boundaries
		off = valEnd + ((4 - int(attrLen)%4) % 4)
	}

	if xorMapped != nil {
		return *xorMapped, txID, true
	}
	if mapped != nil {
		return *mapped, txID, true
	}
	return Endpoint{}, txID, false
}

func parseMappedAddress(val []byte) (Endpoint, bool) {
	if len(val) < 8 || val[1] != familyIPv4 {
		return Endpoint{}, false
	}
	port := binary.BigEndian.Uint16(val[2:4])
	ip := net.IPv4(val[4], val[5], val[6], val[7])
	return Endpoint{IP: ip, Port: int(port)}, true
}

func parseXORMappedAddress(val []byte, txID [12]byte) (Endpoint, bool) {
	if len(val) < 8 || val[1] != familyIPv4 {
		return Endpoint{}, false
	}
	xport := binary.BigEndian.Uint16(val[2:4])
	port := xport ^ uint16(magicCookie>>16)

	var cookieBytes [4]byte
	binary.BigEndian.PutUint32(cookieBytes[:], magicCookie)
	xaddr := [4]byte{val[4], val[5], val[6], val[7]}
	var addr [4]byte
	addr[0] = xaddr[0] ^ cookieBytes[0]
	addr[1] = xaddr[1] ^ cookieBytes[1]
	addr[2] = xaddr[2] ^ cookieBytes[2]
	addr[3] = xaddr[3] ^ cookieBytes[3]

	return Endpoint{IP: net.IPv4(addr[0], addr[1], addr[2], addr[3]), Port: int(port)}, true
}
