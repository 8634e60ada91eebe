// Package mplink implements the path-management and demultiplexing state
// machine beneath a multi-path reliable datagram transport. It drives an
// external reliability engine (such as KCP) from datagrams arriving on any
// number of concurrent UDP sockets, picks an outbound path per send, and
// binds a server-side "slave" connection to the set of paths a client is
// observed on.
//
// The package does not implement ARQ, congestion control, reordering,
// fragmentation, or encryption. Those belong to the reliability engine that
// sits on top of a ClientLink or ServerLink.
package mplink

import "time"

// BootstrapWindow is how long after a SlaveState is created that
// token-framed datagrams are still accepted for it.
const BootstrapWindow = 15 * time.Second

// FreshnessWindow is how recently a path must have been active to be
// eligible for outbound selection on the server.
const FreshnessWindow = 30 * time.Second

// TokenSize is the fixed width, in bytes, of a client bootstrap token.
const TokenSize = 256

// MaxDatagramSize is the largest datagram the out-callback will accept
// before rejecting it; the engine must fragment above this.
const MaxDatagramSize = 65535
