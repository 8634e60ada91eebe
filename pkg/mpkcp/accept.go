package mpkcp

import (
	"context"
	"sync"

	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pg9182/mplink/pkg/mplink"
)

// AcceptQueue demultiplexes one ServerLink's rendezvous across however many
// slaves are currently admitted, handing each its own SlavePacketConn, and
// stands in for the "accept() queue for server-side slave connections"
// spec.md lists as an external collaborator: this module supplies a
// minimal one so the rest of the stack can be exercised end to end.
type AcceptQueue struct {
	Log  zerolog.Logger
	link *mplink.ServerLink

	mu     sync.Mutex
	slaves map[mplink.Token]*SlavePacketConn

	accept chan *Accepted
}

// Accepted is one newly admitted server-side connection, ready to have a
// kcp.UDPSession built on top of it once the reliability engine finishes
// its handshake and calls ServerLink.AddSlave.
type Accepted struct {
	Token mplink.Token
	Conn  *SlavePacketConn
}

// NewAcceptQueue creates a queue demultiplexing link's rendezvous. Run must
// be called to start the demux loop.
func NewAcceptQueue(log zerolog.Logger, link *mplink.ServerLink) *AcceptQueue {
	return &AcceptQueue{
		Log:    log,
		link:   link,
		slaves: map[mplink.Token]*SlavePacketConn{},
		accept: make(chan *Accepted, 16),
	}
}

// Run demultiplexes datagrams from the link until ctx is cancelled or the
// link closes. It is the sole reader of link.Recvfrom, so only one
// AcceptQueue may run per ServerLink.
func (q *AcceptQueue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		buf := make([]byte, 64*1024)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			n, origin, ok := q.link.Recvfrom(buf)
			if !ok {
				close(q.accept)
				return nil
			}

			q.mu.Lock()
			conn, known := q.slaves[origin]
			if !known {
				conn = newSlavePacketConn(q.link, origin)
				q.slaves[origin] = conn
				q.mu.Unlock()

				q.Log.Debug().Str("token", origin.ShortString()).Msg("new slave accepted")
				select {
				case q.accept <- &Accepted{Token: origin, Conn: conn}:
				case <-ctx.Done():
					return ctx.Err()
				}
			} else {
				q.mu.Unlock()
			}

			conn.deliver(buf[:n])
		}
	})
	return g.Wait()
}

// Accept blocks until a new slave's first datagram has been observed.
func (q *AcceptQueue) Accept(ctx context.Context) (*Accepted, error) {
	select {
	case a, ok := <-q.accept:
		if !ok {
			return nil, mplink.ErrClosed
		}
		return a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Forget drops demux state for token and closes its SlavePacketConn's
// reader; call after ServerLink.CloseSlave/AbortSlave.
func (q *AcceptQueue) Forget(token mplink.Token) {
	q.mu.Lock()
	conn, ok := q.slaves[token]
	delete(q.slaves, token)
	q.mu.Unlock()

	if ok {
		conn.closeReader()
	}
}

// NewSession builds a kcp.UDPSession on top of a just-accepted slave,
// drawing a fresh connection id with ServerLink.NextConnectionID and
// assigning it via ServerLink.AddSlave before the
// session starts sending, matching the bootstrap handshake in spec.md
// section 4.5: the reliability engine calls addSlave once it finalizes
// admission.
func NewSession(link *mplink.ServerLink, a *Accepted, block kcp.BlockCrypt, dataShards, parityShards int) (*kcp.UDPSession, error) {
	connID, err := link.NextConnectionID()
	if err != nil {
		return nil, err
	}
	if !link.AddSlave(a.Token, connID) {
		return nil, mplink.ErrClosed
	}
	return kcp.NewConn3(uint32(connID), a.Conn.addr, block, dataShards, parityShards, a.Conn)
}

// Dial builds a client-side kcp.UDPSession over conn. convid is 0 until the
// caller later learns the server-assigned connection id and calls
// conn.Link.SetConnID; the session's own conv tracking is independent of
// mplink's framing and is not updated here.
func Dial(conn *ClientPacketConn, block kcp.BlockCrypt, dataShards, parityShards int) (*kcp.UDPSession, error) {
	return kcp.NewConn3(0, clientAddr, block, dataShards, parityShards, conn)
}
