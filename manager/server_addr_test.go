package main

import (
	"testing"
)

func TestNormalizeAgentAddrPlainHostname(t *testing.T) {
	addr, err := normalizeAgentAddr("myserver")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "myserver:8080" {
		t.Errorf("expected 'myserver:8080', got %q", addr)
	}
}

func TestNormalizeAgentAddrWithPort(t *testing.T) {
	addr, err := normalizeAgentAddr("myserver:5000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "myserver:5000" {
		t.Errorf("expected 'myserver:5000', got %q", addr)
	}
}

func TestNormalizeAgentAddrCustomSchemePrefix(t *testing.T) {
	addr, err := normalizeAgentAddr("myproto://192.168.1.10:8080")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "192.168.1.10:8080" {
		t.Errorf("expected '192.168.1.10:8080', got %q", addr)
	}
}

func TestNormalizeAgentAddrCustomSchemePrefixNoPort(t *testing.T) {
	addr, err := normalizeAgentAddr("myproto://192.168.1.10")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "192.168.1.10:8080" {
		t.Errorf("expected '192.168.1.10:8080', got %q", addr)
	}
}

func TestNormalizeAgentAddrWssPrefix(t *testing.T) {
	addr, err := normalizeAgentAddr("wss://example.com:8080")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "example.com:8080" {
		t.Errorf("expected 'example.com:8080', got %q", addr)
	}
}

func TestNormalizeAgentAddrHttpsPrefix(t *testing.T) {
	addr, err := normalizeAgentAddr("https://example.com:9000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "example.com:9000" {
		t.Errorf("expected 'example.com:9000', got %q", addr)
	}
}

func TestNormalizeAgentAddrHttpsPrefixNoPort(t *testing.T) {
	addr, err := normalizeAgentAddr("https://example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "example.com:8080" {
		t.Errorf("expected 'example.com:8080', got %q", addr)
	}
}

func TestNormalizeAgentAddrEmpty(t *testing.T) {
	_, err := normalizeAgentAddr("")
	if err == nil {
		t.Error("expected error for empty address")
	}
}

func TestNormalizeAgentAddrWhitespaceOnly(t *testing.T) {
	_, err := normalizeAgentAddr("   ")
	if err == nil {
		t.Error("expected error for whitespace-only address")
	}
}

func TestNormalizeAgentAddrLeadingTrailingWhitespace(t *testing.T) {
	addr, err := normalizeAgentAddr("  myhost:8080  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "myhost:8080" {
		t.Errorf("expected 'myhost:8080', got %q", addr)
	}
}

func TestNormalizeAgentAddrIPv4(t *testing.T) {
	addr, err := normalizeAgentAddr("10.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "10.0.0.1:8080" {
		t.Errorf("expected '10.0.0.1:8080', got %q", addr)
	}
}

func TestNormalizeAgentAddrIPv4WithPort(t *testing.T) {
	addr, err := normalizeAgentAddr("10.0.0.1:9000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "10.0.0.1:9000" {
		t.Errorf("expected '10.0.0.1:9000', got %q", addr)
	}
}

func TestNormalizeAgentAddrIPv6Bracketed(t *testing.T) {
	addr, err := normalizeAgentAddr("[::1]:8080")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "[::1]:8080" {
		t.Errorf("expected '[::1]:8080', got %q", addr)
	}
}

func TestNormalizeAgentAddrIPv6BracketedNoPort(t *testing.T) {
	addr, err := normalizeAgentAddr("[::1]")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "[::1]:8080" {
		t.Errorf("expected '[::1]:8080', got %q", addr)
	}
}

func TestNormalizeAgentAddrIPv6Raw(t *testing.T) {
	addr, err := normalizeAgentAddr("::1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "[::1]:8080" {
		t.Errorf("expected '[::1]:8080', got %q", addr)
	}
}

func TestNormalizeAgentAddrTrailingSlash(t *testing.T) {
	addr, err := normalizeAgentAddr("myserver:8080/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "myserver:8080" {
		t.Errorf("expected 'myserver:8080', got %q", addr)
	}
}

func TestNormalizeAgentAddrTrailingPath(t *testing.T) {
	addr, err := normalizeAgentAddr("myserver:8080/ws")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "myserver:8080" {
		t.Errorf("expected 'myserver:8080', got %q", addr)
	}
}

func TestNormalizeAgentAddrInvalidPort(t *testing.T) {
	_, err := normalizeAgentAddr("myserver:0")
	if err == nil {
		t.Error("expected error for port 0")
	}
}

func TestNormalizeAgentAddrPortTooHigh(t *testing.T) {
	_, err := normalizeAgentAddr("myserver:99999")
	if err == nil {
		t.Error("expected error for port > 65535")
	}
}

func TestNormalizeAgentAddrNonNumericPort(t *testing.T) {
	_, err := normalizeAgentAddr("myserver:abc")
	if err == nil {
		t.Error("expected error for non-numeric port")
	}
}

func TestNormalizeAgentAddrDefaultPort(t *testing.T) {
	if defaultServerPort != "8080" {
		t.Errorf("expected default port '8080', got %q", defaultServerPort)
	}
}

func TestNormalizeAgentAddrCustomSchemePrefixWithPath(t *testing.T) {
	addr, err := normalizeAgentAddr("myproto://192.168.1.10:8080/join")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "192.168.1.10:8080" {
		t.Errorf("expected '192.168.1.10:8080', got %q", addr)
	}
}

func TestNormalizeAgentAddrPort1(t *testing.T) {
	addr, err := normalizeAgentAddr("host:1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "host:1" {
		t.Errorf("expected 'host:1', got %q", addr)
	}
}

func TestNormalizeAgentAddrPort65535(t *testing.T) {
	addr, err := normalizeAgentAddr("host:65535")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "host:65535" {
		t.Errorf("expected 'host:65535', got %q", addr)
	}
}

func TestNormalizeAgentAddrLocalhostDefault(t *testing.T) {
	addr, err := normalizeAgentAddr("localhost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "localhost:8080" {
		t.Errorf("expected 'localhost:8080', got %q", addr)
	}
}
