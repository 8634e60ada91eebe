package mpkcp

import (
	"net"

	"github.com/pg9182/mplink/pkg/mplink"
)

// clientAddr is the placeholder remote address reported for every datagram
// a ClientPacketConn hands to KCP; the client has no per-packet origin
// since mplink.ClientLink.Recvfrom never populates one.
const clientAddr = pktAddr("client")

// ClientPacketConn adapts a *mplink.ClientLink to net.PacketConn so
// kcp.NewConn3 can drive it directly. WriteTo ignores its addr parameter:
// mplink.ClientLink.Sendto already knows how to pick an outbound path.
type ClientPacketConn struct {
	noDeadlines
	Link *mplink.ClientLink
}

// NewClientPacketConn wraps link.
func NewClientPacketConn(link *mplink.ClientLink) *ClientPacketConn {
	return &ClientPacketConn{Link: link}
}

func (c *ClientPacketConn) ReadFrom(p []byte) (n int, addr net.Addr, err error) {
	n, ok := c.Link.Recvfrom(p)
	if !ok {
		return 0, clientAddr, net.ErrClosed
	}
	return n, clientAddr, nil
}

func (c *ClientPacketConn) WriteTo(p []byte, _ net.Addr) (n int, err error) {
	return c.Link.Sendto(p)
}

func (c *ClientPacketConn) Close() error {
	return c.Link.Close()
}

func (c *ClientPacketConn) LocalAddr() net.Addr {
	return clientAddr
}

// SlavePacketConn adapts one admitted server-side slave (identified by its
// bootstrap token) to net.PacketConn, so a kcp.UDPSession can be run per
// slave. Its ReadFrom is fed by an AcceptQueue's demux loop, since
// mplink.ServerLink.Recvfrom hands back one datagram at a time across every
// slave sharing the link's single rendezvous.
type SlavePacketConn struct {
	noDeadlines
	link  *mplink.ServerLink
	token mplink.Token
	addr  pktAddr

	in chan []byte
}

func newSlavePacketConn(link *mplink.ServerLink, token mplink.Token) *SlavePacketConn {
	return &SlavePacketConn{
		link:  link,
		token: token,
		addr:  pktAddr("slave-" + token.ShortString()),
		in:    make(chan []byte, 16),
	}
}

func (s *SlavePacketConn) ReadFrom(p []byte) (n int, addr net.Addr, err error) {
	buf, ok := <-s.in
	if !ok {
		return 0, s.addr, net.ErrClosed
	}
	return copy(p, buf), s.addr, nil
}

func (s *SlavePacketConn) WriteTo(p []byte, _ net.Addr) (n int, err error) {
	return s.link.Sendto(p, s.token)
}

func (s *SlavePacketConn) Close() error {
	return nil // lifecycle is owned by the AcceptQueue / ServerLink.CloseSlave
}

func (s *SlavePacketConn) LocalAddr() net.Addr {
	return s.addr
}

// deliver hands one already-demuxed datagram to this slave's reader. It
// never blocks: a full inbound channel means the session isn't keeping up,
// so the datagram is dropped (unlike mplink's rendezvous one layer down,
// which blocks its producers instead).
func (s *SlavePacketConn) deliver(b []byte) {
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case s.in <- cp:
	default:
	}
}

func (s *SlavePacketConn) closeReader() {
	close(s.in)
}
