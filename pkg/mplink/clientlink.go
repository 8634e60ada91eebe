package mplink

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// Protocol is a bitmask of address families a ClientLink is allowed to use.
type Protocol int

const (
	ProtocolIPv4 Protocol = 1 << iota
	ProtocolIPv6
	ProtocolAny = ProtocolIPv4 | ProtocolIPv6
)

// RemoteEndpoint is one address a ClientLink can send to, sharing a socket
// with every other remote of the same address family.
type RemoteEndpoint struct {
	Addr   netip.AddrPort
	socket *net.UDPConn
}

// ClientLink owns a client's set of paths, the token identifying it during
// bootstrap, and the receiver tasks reading off each underlying socket.
type ClientLink struct {
	Log zerolog.Logger

	mu          sync.Mutex
	remoteHosts []RemoteEndpoint
	sockets     map[bool]*net.UDPConn // keyed by isIPv6
	token       Token
	connID      ConnID
	lastSend    int
	closed      bool

	rv   *rendezvous
	wg   sync.WaitGroup
	recv int // receiver_count

	Metrics *linkMetrics
}

// NewClientLink allocates a ClientLink with a fresh random token.
func NewClientLink(log zerolog.Logger) (*ClientLink, error) {
	tok, err := NewToken()
	if err != nil {
		return nil, err
	}
	m := newLinkMetrics("mplink_client")
	return &ClientLink{
		Log:      log,
		token:    tok,
		sockets:  map[bool]*net.UDPConn{},
		rv:       newRendezvous(m.rendezvous_put_wait_seconds),
		lastSend: -1,
		Metrics:  m,
	}, nil
}

// Token returns the bootstrap token this link uses until the server assigns
// a connection id.
func (c *ClientLink) Token() Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Connect resolves each (address, port) in remotes in order, skipping
// families disallowed by allowed, lazily creating one ephemeral socket per
// family on first use. It succeeds iff at least one remote was bound.
func (c *ClientLink) Connect(remotes []netip.AddrPort, allowed Protocol) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	familyAllowed := func(a netip.Addr) bool {
		if a.Is4() || a.Is4In6() {
			return allowed&ProtocolIPv4 != 0
		}
		return allowed&ProtocolIPv6 != 0
	}

	var failedFamily = map[bool]bool{}

	for _, r := range remotes {
		isV6 := !(r.Addr().Is4() || r.Addr().Is4In6())
		if !familyAllowed(r.Addr()) || failedFamily[isV6] {
			continue
		}

		sock, ok := c.sockets[isV6]
		if !ok {
			network := "udp4"
			laddr := "0.0.0.0:0"
			if isV6 {
				network, laddr = "udp6", "[::]:0"
			}
			conn, err := net.ListenPacket(network, laddr)
			if err != nil {
				failedFamily[isV6] = true
				c.Log.Debug().Bool("ipv6", isV6).Err(err).Msg("bind client socket failed, dropping family")
				continue
			}
			sock = conn.(*net.UDPConn)
			c.sockets[isV6] = sock
		}

		c.remoteHosts = append(c.remoteHosts, RemoteEndpoint{Addr: r, socket: sock})
	}

	if len(c.remoteHosts) == 0 {
		return newError(HostNotFoundError, "no usable remotes", nil)
	}
	return nil
}

// ConnectHost resolves host via net.DefaultResolver under ctx, appends port to each
// resulting address, and connects to all of them. It returns
// HostNotFoundError if the name does not resolve to any address.
func (c *ClientLink) ConnectHost(ctx context.Context, host string, port uint16, allowed Protocol) error {
	if addr, err := netip.ParseAddr(host); err == nil {
		return c.Connect([]netip.AddrPort{netip.AddrPortFrom(addr, port)}, allowed)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil || len(ips) == 0 {
		return newError(HostNotFoundError, "resolve "+host, err)
	}

	remotes := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		if a, ok := netip.AddrFromSlice(ip); ok {
			remotes = append(remotes, netip.AddrPortFrom(a.Unmap(), port))
		}
	}
	if len(remotes) == 0 {
		return newError(HostNotFoundError, "resolve "+host, nil)
	}
	return c.Connect(remotes, allowed)
}

// Run starts one receiver task per distinct underlying socket. It does not
// block.
func (c *ClientLink) Run() {
	c.mu.Lock()
	sockets := make([]*net.UDPConn, 0, len(c.sockets))
	for _, s := range c.sockets {
		sockets = append(sockets, s)
	}
	c.mu.Unlock()

	for i, s := range sockets {
		sock := s
		spawn(&c.wg, c.Log, taskName("do_receive", i), func() {
			c.doReceive(sock)
		})
	}
}

func taskName(prefix string, i int) string {
	return prefix + "_" + strconv.Itoa(i)
}

// doReceive is the receiver task body for one underlying socket.
func (c *ClientLink) doReceive(sock *net.UDPConn) {
	c.mu.Lock()
	c.recv++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.recv--
		done := c.recv == 0
		c.mu.Unlock()
		if done {
			c.rv.close()
		}
	}()

	buf := make([]byte, 64*1024)
	for {
		n, _, err := sock.ReadFromUDP(buf)
		if err != nil {
			c.Log.Debug().Err(err).Msg("client receiver exiting")
			return
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		if !c.rv.put(Token{}, false, payload) {
			c.Metrics.rx_datagrams_total.dropped.Inc()
			return
		}
		c.Metrics.rx_datagrams_total.ok.Inc()
	}
}

// sendto selects the next remote via round-robin and writes bytes to it.
// who is ignored on the client.
func (c *ClientLink) sendto(bytes []byte, _ Token) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if len(c.remoteHosts) == 0 {
		c.mu.Unlock()
		return 0, ErrNoPath
	}
	c.lastSend = nextSendClient(c.lastSend, len(c.remoteHosts))
	remote := c.remoteHosts[c.lastSend]
	c.mu.Unlock()

	n, err := remote.socket.WriteToUDPAddrPort(bytes, remote.Addr)
	if err != nil {
		c.Metrics.tx_datagrams_total.error.Inc()
		return n, newError(SocketAccessError, "write", err)
	}
	c.Metrics.tx_datagrams_total.ok.Inc()
	return n, nil
}

// Recvfrom delegates to the rendezvous. who is never populated on the
// client.
func (c *ClientLink) Recvfrom(buf []byte) (n int, ok bool) {
	n, _, _, ok = c.rv.take(buf)
	return n, ok
}

// Sendto is the out-callback wired into the reliability engine: given a
// raw engine-produced payload, it frames it per spec.md section 6 — with a
// token while no connection id has been assigned, by connection id
// afterward — and sends it on the next path chosen by round-robin. A short
// write is fatal to the connection, matching spec.md section 4.4.
func (c *ClientLink) Sendto(payload []byte) (int, error) {
	c.mu.Lock()
	connID := c.connID
	token := c.token
	c.mu.Unlock()

	inner := encodeConnID(connID, payload)

	var framed []byte
	if connID == 0 {
		if len(inner)+1+TokenSize > MaxDatagramSize {
			return 0, ErrDatagramTooLarge
		}
		framed = EncodeWithToken(token, inner)
	} else {
		if len(inner) > MaxDatagramSize {
			return 0, ErrDatagramTooLarge
		}
		framed = inner
	}

	n, err := c.sendto(framed, Token{})
	if err != nil || n != len(framed) {
		// Abort waits for the receiver tasks, which may be blocked handing
		// a datagram to the goroutine that called Sendto, so it runs apart.
		go c.Abort()
		return n, ErrShortSend
	}
	return n, nil
}

// SetConnID records the connection id assigned by the server, switching
// subsequent outbound datagrams from token framing to connection-id framing.
func (c *ClientLink) SetConnID(id ConnID) {
	c.mu.Lock()
	c.connID = id
	c.mu.Unlock()
}

// Close tears down every underlying socket and unblocks any pending
// recvfrom.
func (c *ClientLink) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sockets := make([]*net.UDPConn, 0, len(c.sockets))
	for _, s := range c.sockets {
		sockets = append(sockets, s)
	}
	c.mu.Unlock()

	for _, s := range sockets {
		s.Close()
	}
	c.wg.Wait()
	c.rv.close()
	return nil
}

// Abort is equivalent to Close for a ClientLink; there is no teardown
// distinction in the core, only in the reliability engine above it.
func (c *ClientLink) Abort() error {
	return c.Close()
}

// Filter always returns false in the core; reserved for compression or
// encryption adapters.
func (c *ClientLink) Filter(_ []byte) bool {
	return false
}
