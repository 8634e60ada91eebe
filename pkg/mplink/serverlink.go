package mplink

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BindMode is a bitmask of options for ServerLink.Bind.
type BindMode int

const (
	// ReuseAddressHint requests SO_REUSEADDR/SO_REUSEPORT on the bound
	// socket where the platform supports it.
	ReuseAddressHint BindMode = 1 << iota
)

// LocalBind is one local UDP socket the server listens on, plus the index
// of paths reachable through it.
type LocalBind struct {
	Addr   netip.AddrPort
	socket *net.UDPConn

	mu            sync.Mutex
	tokenToHandle map[Token]slaveHandle // token -> slave arena handle, only for tokens with a path on this bind
}

// slaveHandle is the arena index type recommended by spec.md section 9, used
// in place of reference-counted pointers shared across three indexes.
type slaveHandle uint64

// ServerLink owns the server's local binds, demultiplexes inbound
// datagrams by token or connection id, and manages slave lifecycle. Every
// SlaveState lives in a single arena keyed by handle; tokenToHandle,
// connIDToHandle, and each LocalBind's tokenToHandle all point into it, so
// closeSlave is one arena delete plus index cleanup.
type ServerLink struct {
	Log zerolog.Logger

	mu             sync.Mutex
	localBinds     []*LocalBind
	arena          map[slaveHandle]*SlaveState
	nextHandle     slaveHandle
	tokenToHandle  map[Token]slaveHandle
	connIDToHandle map[ConnID]slaveHandle
	closed         bool

	rv   *rendezvous
	wg   sync.WaitGroup
	recv int

	Metrics *linkMetrics
}

// NewServerLink allocates an empty ServerLink.
func NewServerLink(log zerolog.Logger) *ServerLink {
	m := newLinkMetrics("mplink_server")
	return &ServerLink{
		Log:            log,
		arena:          map[slaveHandle]*SlaveState{},
		tokenToHandle:  map[Token]slaveHandle{},
		connIDToHandle: map[ConnID]slaveHandle{},
		rv:             newRendezvous(m.rendezvous_put_wait_seconds),
		Metrics:        m,
	}
}

// Bind creates one UDP socket per address in locals and appends a LocalBind
// for each that succeeds. It succeeds overall iff at least one bind worked.
func (s *ServerLink) Bind(locals []netip.AddrPort, mode BindMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for _, addr := range locals {
		lc := net.ListenConfig{}
		if mode&ReuseAddressHint != 0 {
			lc.Control = reuseAddrControl
		}

		network := "udp4"
		if addr.Addr().Is6() && !addr.Addr().Is4In6() {
			network = "udp6"
		}

		pc, err := lc.ListenPacket(nil, network, addr.String())
		if err != nil {
			lastErr = err
			s.Log.Debug().Stringer("addr", addr).Err(err).Msg("bind server socket failed")
			continue
		}

		lb := &LocalBind{
			Addr:          addr,
			socket:        pc.(*net.UDPConn),
			tokenToHandle: map[Token]slaveHandle{},
		}
		s.localBinds = append(s.localBinds, lb)
	}

	if len(s.localBinds) == 0 {
		if lastErr != nil {
			return newError(UnknownSocketError, "bind", lastErr)
		}
		return newError(HostNotFoundError, "no local binds", nil)
	}
	return nil
}

// Run starts one receiver task per LocalBind. It does not block.
func (s *ServerLink) Run() {
	s.mu.Lock()
	binds := append([]*LocalBind(nil), s.localBinds...)
	s.mu.Unlock()

	for i, lb := range binds {
		idx, bind := i, lb
		spawn(&s.wg, s.Log, taskName("do_accept", idx), func() {
			s.doReceive(bind)
		})
	}
}

func (s *ServerLink) doReceive(lb *LocalBind) {
	s.mu.Lock()
	s.recv++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.recv--
		done := s.recv == 0
		s.mu.Unlock()
		if done {
			s.rv.close()
		}
	}()

	buf := make([]byte, 64*1024)
	for {
		n, from, err := lb.socket.ReadFromUDPAddrPort(buf)
		if err != nil {
			s.Log.Debug().Err(err).Msg("server receiver exiting")
			return
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

		if n < 5 {
			s.Metrics.rx_datagrams_total.invalid.Inc()
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		token, out, ok := s.handleInbound(lb, from, datagram)
		if !ok {
			continue
		}

		if !s.rv.put(token, true, out) {
			return
		}
	}
}

// handleInbound classifies and routes one inbound datagram per spec.md
// section 4.6, returning the origin token and the payload to deliver
// through the rendezvous. ok is false if the datagram was dropped.
func (s *ServerLink) handleInbound(lb *LocalBind, from netip.AddrPort, datagram []byte) (Token, []byte, bool) {
	now := time.Now()
	c := Classify(datagram)

	switch c.Kind {
	case ClassifyInvalid:
		s.Metrics.rx_datagrams_total.invalid.Inc()
		return Token{}, nil, false

	case ClassifyWithToken:
		token := c.Token

		s.mu.Lock()
		lb.mu.Lock()
		if h, ok := lb.tokenToHandle[token]; ok {
			slave, ok := s.arena[h]
			lb.mu.Unlock()
			if !ok {
				s.mu.Unlock()
				s.Metrics.rx_datagrams_total.dropped.Inc()
				return Token{}, nil, false
			}
			if slave.expired(now) {
				s.mu.Unlock()
				s.Metrics.rx_datagrams_total.dropped.Inc()
				return Token{}, nil, false
			}
			// lb.tokenToHandle already proves this bind has exactly one
			// registered path for token; find it by socket alone, the way
			// the original looks a path up by (local bind, token) and
			// refreshes it without comparing the packet's source address.
			for _, p := range slave.Paths {
				if p.Socket == lb.socket {
					p.LastActive = now
					break
				}
			}
			s.mu.Unlock()
		} else {
			lb.mu.Unlock()
			h, exists := s.tokenToHandle[token]
			if exists {
				slave := s.arena[h]
				if slave.expired(now) {
					s.mu.Unlock()
					s.Metrics.rx_datagrams_total.dropped.Inc()
					return Token{}, nil, false
				}
				p := slave.append(from, lb.socket, now)
				lb.mu.Lock()
				lb.tokenToHandle[token] = h
				lb.mu.Unlock()
				s.Metrics.paths_active.Inc()
				_ = p
			} else {
				slave := newSlaveState(token, now)
				h = s.nextHandle
				s.nextHandle++
				s.arena[h] = slave
				s.tokenToHandle[token] = h
				slave.append(from, lb.socket, now)
				lb.mu.Lock()
				lb.tokenToHandle[token] = h
				lb.mu.Unlock()
				s.Metrics.slaves_total.created.Inc()
				s.Metrics.slaves_active.Inc()
				s.Metrics.paths_active.Inc()
				s.Log.Debug().Str("token", token.ShortString()).Msg("slave created")
			}
			s.mu.Unlock()
		}

		s.Metrics.rx_datagrams_total.ok.Inc()
		return token, stripTokenInPlace(datagram), true

	default: // ClassifyByConnID
		id := c.ConnID

		s.mu.Lock()
		h, ok := s.connIDToHandle[id]
		if !ok {
			s.mu.Unlock()
			s.Metrics.rx_datagrams_total.dropped.Inc()
			return Token{}, nil, false
		}
		slave := s.arena[h]
		token := slave.Token

		lb.mu.Lock()
		if _, has := lb.tokenToHandle[token]; !has {
			lb.tokenToHandle[token] = h
			lb.mu.Unlock()
			slave.append(from, lb.socket, now)
			s.Metrics.paths_active.Inc()
		} else {
			lb.mu.Unlock()
			for _, p := range slave.Paths {
				if p.Socket == lb.socket {
					p.LastActive = now
					break
				}
			}
		}
		s.mu.Unlock()

		s.Metrics.rx_datagrams_total.ok.Inc()
		return token, datagram, true
	}
}

// LocalAddrs returns the address each successfully bound LocalBind is
// listening on, in bind order.
func (s *ServerLink) LocalAddrs() []netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]netip.AddrPort, len(s.localBinds))
	for i, lb := range s.localBinds {
		addrs[i] = lb.socket.LocalAddr().(*net.UDPAddr).AddrPort()
	}
	return addrs
}

// SlaveInfo is a point-in-time snapshot of one admitted slave, for
// monitoring and debugging.
type SlaveInfo struct {
	Token         Token
	ConnID        ConnID
	Paths         int
	ConnectedTime time.Time
}

// Snapshot returns a point-in-time view of every slave currently in the
// arena, admitted or still bootstrapping.
func (s *ServerLink) Snapshot() []SlaveInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SlaveInfo, 0, len(s.arena))
	for _, st := range s.arena {
		out = append(out, SlaveInfo{
			Token:         st.Token,
			ConnID:        st.ConnID,
			Paths:         len(st.Paths),
			ConnectedTime: st.ConnectedTime,
		})
	}
	return out
}

// Sendto looks up the slave owning origin and sends bytes on its best
// current path.
func (s *ServerLink) Sendto(bytes []byte, origin Token) (int, error) {
	s.mu.Lock()
	h, ok := s.tokenToHandle[origin]
	if !ok {
		s.mu.Unlock()
		return 0, ErrNoToken
	}
	slave := s.arena[h]
	s.mu.Unlock()

	n, err := slave.send(bytes)
	if err != nil {
		s.Metrics.tx_datagrams_total.error.Inc()
		return n, err
	}
	s.Metrics.tx_datagrams_total.ok.Inc()
	return n, nil
}

// Recvfrom delegates to the rendezvous, yielding the origin token alongside
// the datagram.
func (s *ServerLink) Recvfrom(buf []byte) (n int, origin Token, ok bool) {
	n, origin, _, ok = s.rv.take(buf)
	return n, origin, ok
}

// AddSlave assigns connID to the slave identified by token, as the
// reliability engine does immediately after finalizing its handshake. It is
// a no-op returning false if the slave no longer exists.
func (s *ServerLink) AddSlave(token Token, connID ConnID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.tokenToHandle[token]
	if !ok {
		return false
	}
	slave := s.arena[h]
	slave.ConnID = connID
	s.connIDToHandle[connID] = h
	return true
}

// NextConnectionID draws a random, unused 32-bit connection id.
func (s *ServerLink) NextConnectionID() (ConnID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return nextConnID(func(id ConnID) bool {
		_, used := s.connIDToHandle[id]
		return used
	})
}

// CloseSlave and AbortSlave both remove the slave identified by token from
// every index: the arena, connIDToHandle, and every LocalBind's
// tokenToHandle. The core draws no distinction between them; the
// distinction belongs to the reliability engine's teardown semantics.
func (s *ServerLink) CloseSlave(token Token) {
	s.removeSlave(token, s.Metrics.slaves_total.closed)
}

func (s *ServerLink) AbortSlave(token Token) {
	s.removeSlave(token, s.Metrics.slaves_total.aborted)
}

func (s *ServerLink) removeSlave(token Token, counted interface{ Inc() }) {
	s.mu.Lock()
	h, ok := s.tokenToHandle[token]
	if !ok {
		s.mu.Unlock()
		return
	}
	slave := s.arena[h]

	delete(s.arena, h)
	delete(s.tokenToHandle, token)
	if slave.ConnID != 0 {
		delete(s.connIDToHandle, slave.ConnID)
	}
	binds := append([]*LocalBind(nil), s.localBinds...)
	pathCount := len(slave.Paths)
	s.mu.Unlock()

	for _, lb := range binds {
		lb.mu.Lock()
		if _, ok := lb.tokenToHandle[token]; ok {
			delete(lb.tokenToHandle, token)
		}
		lb.mu.Unlock()
	}

	s.Metrics.slaves_active.Dec()
	if pathCount > 0 {
		s.Metrics.paths_active.Add(-pathCount)
	}
	counted.Inc()
	s.Log.Debug().Str("token", token.ShortString()).Msg("slave removed")
}

// Close shuts down every local bind's socket and waits for all receiver
// tasks to exit.
func (s *ServerLink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	binds := append([]*LocalBind(nil), s.localBinds...)
	s.mu.Unlock()

	for _, lb := range binds {
		lb.socket.Close()
	}
	s.wg.Wait()
	s.rv.close()
	return nil
}

// Abort is equivalent to Close for a ServerLink.
func (s *ServerLink) Abort() error {
	return s.Close()
}

// Filter always returns false in the core; reserved for compression or
// encryption adapters.
func (s *ServerLink) Filter(_ []byte) bool {
	return false
}
