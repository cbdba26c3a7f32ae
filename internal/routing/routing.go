// Package routing maps keys to owning nodes.
//
// Ownership is index = hash64(routing_token) mod len(roster). The
// routing token is the key's numeric bucket segment when present,
// otherwise the whole scheme-stripped key (see internal/key). Hashing
// only the digit prefix is the sole mechanism that guarantees keys
// sharing a numeric bucket segment colocate on one node — load-bearing
// for map_from_n's correctness.
package routing

import (
	"github.com/cespare/xxhash/v2"

	"github.com/sharded4/s4/internal/key"
	"github.com/sharded4/s4/internal/roster"
)

// Router resolves key ownership against a fixed roster.
type Router struct {
	ros *roster.Roster
}

// New builds a Router over a loaded roster.
func New(ros *roster.Roster) *Router {
	return &Router{ros: ros}
}

// Index returns the routing index for a key: hash64(routing token) mod
// roster size.
func (rt *Router) Index(k string) int {
	token := key.RoutingToken(k)
	return int(xxhash.Sum64String(token) % uint64(rt.ros.Len()))
}

// Owner returns the roster entry that owns a key.
func (rt *Router) Owner(k string) roster.Entry {
	return rt.ros.At(rt.Index(k))
}

// IsLocal reports whether a key is owned by this process, i.e. whether
// its owning roster entry is the one rewritten to the loopback sentinel.
func (rt *Router) IsLocal(k string) bool {
	owner := rt.Owner(k)
	return owner.Address == roster.LoopbackSentinel
}

// SameOwner reports whether two keys route to the same node — the
// invariant map() relies on to validate in/out pairs without actually
// dispatching them.
func (rt *Router) SameOwner(a, b string) bool {
	return rt.Index(a) == rt.Index(b)
}
