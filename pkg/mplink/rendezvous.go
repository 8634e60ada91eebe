package mplink

import (
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// rendezvous is a bounded-capacity-1 mailbox between however many receiver
// goroutines are reading off UDP sockets and the single poll-style consumer
// the reliability engine drives through recvfrom. It deliberately holds at
// most one datagram: if the consumer is slow, producers block, and kernel
// receive buffers absorb the backpressure instead. This is the single-queue
// half of the "generalized data pipeline" kcp-go sits on top of, narrowed to
// a width of one.
//
// The condition-variable shape follows the inqueue/flag.Cond pattern used by
// hand-rolled net.PacketConn adapters for kcp-go (see the kcpConn type
// wrapped around github.com/xtaci/kcp-go sessions elsewhere in this module's
// lineage), cut down to a single slot with an explicit cancellation flag.
type rendezvous struct {
	mu        sync.Mutex
	cond      *sync.Cond
	full      bool
	payload   []byte
	origin    Token
	hasOrigin bool
	closed    bool

	waitSeconds *metrics.Histogram
}

func newRendezvous(waitSeconds *metrics.Histogram) *rendezvous {
	r := &rendezvous{waitSeconds: waitSeconds}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// put waits for the slot to be empty and deposits payload with the given
// origin token (the zero token on the client). It returns false if the
// rendezvous was closed before or while waiting.
func (r *rendezvous) put(origin Token, hasOrigin bool, payload []byte) bool {
	start := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.full && !r.closed {
		r.cond.Wait()
	}
	if r.waitSeconds != nil {
		r.waitSeconds.Update(time.Since(start).Seconds())
	}
	if r.closed {
		return false
	}

	r.payload = payload
	r.origin = origin
	r.hasOrigin = hasOrigin
	r.full = true
	r.cond.Broadcast()
	return true
}

// take waits for the slot to be non-empty (or for close) and copies the
// datagram into buf, returning the number of bytes copied, the origin
// token, and whether any data was returned at all. A return with ok false
// (and n 0) means end-of-stream: the rendezvous was closed and will never
// produce more data.
func (r *rendezvous) take(buf []byte) (n int, origin Token, hasOrigin bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for !r.full && !r.closed {
		r.cond.Wait()
	}
	if !r.full {
		// closed with nothing pending: sentinel end-of-stream
		return 0, Token{}, false, false
	}

	n = copy(buf, r.payload)
	origin, hasOrigin = r.origin, r.hasOrigin
	r.payload, r.hasOrigin = nil, false
	r.full = false
	r.cond.Broadcast()
	return n, origin, hasOrigin, true
}

// close cancels all current and future waiters, delivering a single
// end-of-stream sentinel to anyone blocked in take.
func (r *rendezvous) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	r.full = false
	r.payload = nil
	r.hasOrigin = false
	r.cond.Broadcast()
}
