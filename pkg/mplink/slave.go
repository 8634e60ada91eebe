package mplink

import (
	"net"
	"net/netip"
	"time"
)

// PathBinding is one observed (remote address, remote port, local socket)
// triple for a server-side slave.
type PathBinding struct {
	RemoteAddr netip.AddrPort
	Socket     *net.UDPConn // the local bind's socket; not owned by the binding
	LastActive time.Time
}

// SlaveState is per-token server-side state: the set of paths a client has
// been observed on, its assigned connection id (if any), and its admission
// time.
type SlaveState struct {
	Token         Token
	ConnID        ConnID // zero until addSlave is called
	ConnectedTime time.Time
	Paths         []*PathBinding
	lastSend      int
}

// newSlaveState creates a slave admitted at now, with connection id 0.
func newSlaveState(token Token, now time.Time) *SlaveState {
	return &SlaveState{
		Token:         token,
		ConnectedTime: now,
		lastSend:      -1,
	}
}

// append records a newly observed path for this slave. The caller is
// responsible for also indexing the returned binding in the originating
// LocalBind.
func (s *SlaveState) append(addr netip.AddrPort, socket *net.UDPConn, now time.Time) *PathBinding {
	p := &PathBinding{RemoteAddr: addr, Socket: socket, LastActive: now}
	s.Paths = append(s.Paths, p)
	return p
}

// expired reports whether now is past the bootstrap window measured from
// this slave's ConnectedTime.
func (s *SlaveState) expired(now time.Time) bool {
	return now.Sub(s.ConnectedTime) > BootstrapWindow
}

// send picks a path via nextSendServer and writes bytes to it.
func (s *SlaveState) send(bytes []byte) (int, error) {
	if len(s.Paths) == 0 {
		return 0, ErrNoPath
	}

	last := make([]time.Time, len(s.Paths))
	for i, p := range s.Paths {
		last[i] = p.LastActive
	}

	idx, resume := nextSendServer(last, s.lastSend, time.Now())
	if resume >= 0 {
		s.lastSend = resume
	}

	p := s.Paths[idx]
	if p.Socket == nil {
		return 0, newError(UnknownSocketError, "path socket gone", nil)
	}

	n, err := p.Socket.WriteToUDPAddrPort(bytes, p.RemoteAddr)
	if err != nil {
		return n, newError(SocketAccessError, "write", err)
	}
	return n, nil
}
