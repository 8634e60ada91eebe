// Package mpkcp wires github.com/pg9182/mplink's ClientLink and ServerLink
// into github.com/xtaci/kcp-go/v5, the concrete reliability engine
// spec.md's mplink core treats as an external collaborator. It implements
// the adapters named in SPEC_FULL.md section 4.7: net.PacketConn wrappers
// around a ClientLink and around one admitted server-side slave, plus a
// minimal accept queue standing in for the "accept() queue for server-side
// slave connections" spec.md also calls out as out of this module's core
// scope.
package mpkcp

import (
	"net"
	"time"
)

// pktAddr is the constant net.Addr every mplink-backed net.PacketConn
// reports: mplink itself owns real path selection, so the address KCP sees
// per packet is a fixed placeholder rather than a meaningful peer address.
type pktAddr string

func (a pktAddr) Network() string { return "mplink" }
func (a pktAddr) String() string  { return string(a) }

// noDeadlines implements the net.Conn deadline methods as a permanent
// no-op, matching kcpxfer's hand-rolled kcpConn adapter in the rest of the
// pack, which returns nil unconditionally for all three.
type noDeadlines struct{}

func (noDeadlines) SetDeadline(_ time.Time) error     { return nil }
func (noDeadlines) SetReadDeadline(_ time.Time) error  { return nil }
func (noDeadlines) SetWriteDeadline(_ time.Time) error { return nil }

var _ net.PacketConn = (*ClientPacketConn)(nil)
var _ net.PacketConn = (*SlavePacketConn)(nil)
