package mpkcp

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pg9182/mplink/pkg/mplink"
)

// TestClientServerStream drives the full pipeline from spec.md section 2:
// app -> kcp -> out-callback -> ClientLink.Sendto -> wire -> server
// receiver -> ServerLink.Recvfrom -> AcceptQueue -> kcp -> app.
func TestClientServerStream(t *testing.T) {
	server := mplink.NewServerLink(zerolog.Nop())
	if err := server.Bind([]netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:0")}, 0); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	server.Run()
	defer server.Close()

	aq := NewAcceptQueue(zerolog.Nop(), server)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go aq.Run(ctx)

	client, err := mplink.NewClientLink(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClientLink: %v", err)
	}
	defer client.Close()

	serverBindAddr := addrOf(t, server)
	if err := client.Connect([]netip.AddrPort{serverBindAddr}, mplink.ProtocolAny); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client.Run()

	cpc := NewClientPacketConn(client)
	clientSess, err := Dial(cpc, nil, 0, 0)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer clientSess.Close()

	if _, err := clientSess.Write([]byte("ping")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	acceptCtx, acceptCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer acceptCancel()
	accepted, err := aq.Accept(acceptCtx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	serverSess, err := NewSession(server, accepted, nil, 0, 0)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer serverSess.Close()

	buf := make([]byte, 64)
	serverSess.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := serverSess.Read(buf)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q, want %q", buf[:n], "ping")
	}
}

func addrOf(t *testing.T, server *mplink.ServerLink) netip.AddrPort {
	t.Helper()
	addrs := server.LocalAddrs()
	if len(addrs) == 0 {
		t.Fatal("server has no local binds")
	}
	return addrs[0]
}
