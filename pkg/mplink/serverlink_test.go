package mplink

import (
	"net"
	"net/netip"
	"testing"
	"time"
)

func newTestServerLink(t *testing.T) (*ServerLink, netip.AddrPort) {
	t.Helper()
	s := NewServerLink(nopLogger())
	if err := s.Bind([]netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:0")}, 0); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	s.Run()
	t.Cleanup(func() { s.Close() })
	return s, s.localBinds[0].socket.LocalAddr().(*net.UDPAddr).AddrPort()
}

func dialUDP(t *testing.T, raddr netip.AddrPort) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(raddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServerLinkBootstrapAndAdmission(t *testing.T) {
	s, addr := newTestServerLink(t)
	client := dialUDP(t, addr)

	tok, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}

	inner := append([]byte{0x01, 0, 0, 0, 0}, "hi"...)
	wire := EncodeWithToken(tok, inner)
	if _, err := client.Write(wire); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 2048)
	n, origin, ok := s.Recvfrom(buf)
	if !ok {
		t.Fatal("Recvfrom reported no data")
	}
	if origin != tok {
		t.Fatal("origin token mismatch")
	}
	if buf[0] != PacketUncompressedData {
		t.Fatalf("stripped[0] = %#x", buf[0])
	}
	if string(buf[5:n]) != "hi" {
		t.Fatalf("payload = %q, want %q", buf[5:n], "hi")
	}

	if !s.AddSlave(tok, 0xDEADBEEF) {
		t.Fatal("AddSlave failed")
	}

	connIDFrame := encodeConnID(0xDEADBEEF, []byte("x"))
	if _, err := client.Write(connIDFrame); err != nil {
		t.Fatalf("write: %v", err)
	}

	n, origin, ok = s.Recvfrom(buf)
	if !ok || origin != tok {
		t.Fatalf("conn-id datagram not routed to slave token: ok=%v origin=%v", ok, origin)
	}
	if string(buf[5:n]) != "x" {
		t.Fatalf("payload = %q, want %q", buf[5:n], "x")
	}
}

func TestServerLinkSecondPathAppears(t *testing.T) {
	s := NewServerLink(nopLogger())
	if err := s.Bind([]netip.AddrPort{
		netip.MustParseAddrPort("127.0.0.1:0"),
		netip.MustParseAddrPort("127.0.0.1:0"),
	}, 0); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	s.Run()
	defer s.Close()

	addr0 := s.localBinds[0].socket.LocalAddr().(*net.UDPAddr).AddrPort()
	addr1 := s.localBinds[1].socket.LocalAddr().(*net.UDPAddr).AddrPort()

	tok, _ := NewToken()
	inner := append([]byte{0x01, 0, 0, 0, 0}, "a"...)
	wire := EncodeWithToken(tok, inner)

	c0 := dialUDP(t, addr0)
	if _, err := c0.Write(wire); err != nil {
		t.Fatalf("write bind0: %v", err)
	}

	buf := make([]byte, 2048)
	if _, _, ok := s.Recvfrom(buf); !ok {
		t.Fatal("no data from bind0")
	}

	c1 := dialUDP(t, addr1)
	if _, err := c1.Write(wire); err != nil {
		t.Fatalf("write bind1: %v", err)
	}
	if _, origin, ok := s.Recvfrom(buf); !ok || origin != tok {
		t.Fatal("bind1 datagram not attributed to same token")
	}

	s.mu.Lock()
	h := s.tokenToHandle[tok]
	slave := s.arena[h]
	paths := len(slave.Paths)
	s.mu.Unlock()

	if paths != 2 {
		t.Fatalf("expected 2 paths, got %d", paths)
	}

	for _, lb := range s.localBinds {
		lb.mu.Lock()
		_, has := lb.tokenToHandle[tok]
		lb.mu.Unlock()
		if !has {
			t.Fatal("invariant 2 violated: token missing from a local bind that should index it")
		}
	}
}

func TestServerLinkStaleBootstrapRejected(t *testing.T) {
	s, addr := newTestServerLink(t)
	client := dialUDP(t, addr)

	tok, _ := NewToken()
	inner := append([]byte{0x01, 0, 0, 0, 0}, "first"...)
	if _, err := client.Write(EncodeWithToken(tok, inner)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 2048)
	if _, _, ok := s.Recvfrom(buf); !ok {
		t.Fatal("no data for first datagram")
	}

	s.mu.Lock()
	h := s.tokenToHandle[tok]
	s.arena[h].ConnectedTime = time.Now().Add(-16 * time.Second)
	lastActive := s.arena[h].Paths[0].LastActive
	s.mu.Unlock()

	if _, err := client.Write(EncodeWithToken(tok, inner)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// the stale datagram should be dropped silently: nothing else should
	// ever arrive on the rendezvous for it, so we confirm the slave's path
	// count did not grow and its existing path was not refreshed (an
	// accepted datagram on this bind would have set LastActive to now).
	time.Sleep(50 * time.Millisecond)

	s.mu.Lock()
	pathCount := len(s.arena[h].Paths)
	refreshed := s.arena[h].Paths[0].LastActive
	s.mu.Unlock()
	if pathCount != 1 {
		t.Fatalf("stale bootstrap datagram should not have added a path, got %d paths", pathCount)
	}
	if !refreshed.Equal(lastActive) {
		t.Fatal("stale bootstrap datagram should not have refreshed the path")
	}
}

func TestServerLinkTeardownSymmetry(t *testing.T) {
	s, addr := newTestServerLink(t)
	client := dialUDP(t, addr)

	tok, _ := NewToken()
	inner := append([]byte{0x01, 0, 0, 0, 0}, "a"...)
	client.Write(EncodeWithToken(tok, inner))

	buf := make([]byte, 2048)
	s.Recvfrom(buf)
	s.AddSlave(tok, 0xAABBCCDD)

	s.CloseSlave(tok)

	s.mu.Lock()
	_, inArena := s.tokenToHandle[tok]
	_, inConnID := s.connIDToHandle[ConnID(0xAABBCCDD)]
	s.mu.Unlock()
	if inArena || inConnID {
		t.Fatal("closeSlave left stale index entries")
	}
	for _, lb := range s.localBinds {
		lb.mu.Lock()
		_, has := lb.tokenToHandle[tok]
		lb.mu.Unlock()
		if has {
			t.Fatal("closeSlave left a LocalBind index entry")
		}
	}

	// a fresh datagram with the same token re-creates a brand-new slave
	client.Write(EncodeWithToken(tok, inner))
	if _, origin, ok := s.Recvfrom(buf); !ok || origin != tok {
		t.Fatal("token should be admitted again after closeSlave")
	}

	s.mu.Lock()
	h := s.tokenToHandle[tok]
	connected := s.arena[h].ConnectedTime
	s.mu.Unlock()
	if time.Since(connected) > time.Second {
		t.Fatal("re-created slave should have a fresh connected_time")
	}
}
