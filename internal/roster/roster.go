// Package roster loads the static, cluster-wide list of peer nodes.
//
// The roster file is one "address:port" pair per line, identical on
// every node. At load time, any line whose address matches one of the
// local machine's own interface addresses is rewritten to a loopback
// sentinel, so that "is this key mine" reduces to a string comparison
// against the rewritten roster rather than a live network probe.
package roster

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// LoopbackSentinel is substituted for any roster address that resolves to
// one of this machine's own interfaces.
const LoopbackSentinel = "127.0.0.1"

// Entry is one roster line after loopback rewriting.
type Entry struct {
	// Address is either the configured address, or LoopbackSentinel if
	// this line names the local node.
	Address string
	Port    int
	// Raw is the address exactly as written in the roster file, before
	// rewriting; used for dialing peers.
	Raw string
}

// Roster is the ordered, immutable list of peer nodes. Ordering
// defines routing indices, so every node must load the same file.
type Roster struct {
	entries []Entry
}

// DefaultPath returns the configured roster file path: $S4_CONF_PATH, or
// ~/.s4.conf if unset.
func DefaultPath() string {
	if p := os.Getenv("S4_CONF_PATH"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".s4.conf"
	}
	return home + "/.s4.conf"
}

// Load reads and parses a roster file, rewriting any line whose address
// is local to LoopbackSentinel.
func Load(path string) (*Roster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("roster: open %s: %w", path, err)
	}
	defer f.Close()

	locals, err := localAddresses()
	if err != nil {
		return nil, fmt.Errorf("roster: enumerate local addresses: %w", err)
	}

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		addr, portStr, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("roster: malformed line %q, want address:port", line)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("roster: malformed port in %q: %w", line, err)
		}
		e := Entry{Address: addr, Port: port, Raw: addr}
		if locals[addr] {
			e.Address = LoopbackSentinel
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("roster: read %s: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("roster: %s contains no entries", path)
	}
	return &Roster{entries: entries}, nil
}

// FromEntries builds a Roster directly, primarily for tests and for
// in-process multi-node harnesses that don't want a file on disk.
func FromEntries(entries []Entry) *Roster {
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	return &Roster{entries: cp}
}

// Len returns the number of nodes in the cluster.
func (r *Roster) Len() int {
	return len(r.entries)
}

// At returns the entry at a routing index.
func (r *Roster) At(i int) Entry {
	return r.entries[i%len(r.entries)]
}

// Entries returns the full, ordered roster.
func (r *Roster) Entries() []Entry {
	return r.entries
}

// LocalIndex returns the index of the entry rewritten to the loopback
// sentinel, i.e. this process's own position in the roster. Ok is false
// if no entry is local (misconfiguration: this node isn't in its own
// roster).
func (r *Roster) LocalIndex() (idx int, ok bool) {
	for i, e := range r.entries {
		if e.Address == LoopbackSentinel {
			return i, true
		}
	}
	return 0, false
}

// DialAddress formats "host:port" for dialing, using the raw
// (non-rewritten) address so peers never dial a loopback sentinel that
// only makes sense on the owning node.
func (e Entry) DialAddress() string {
	return net.JoinHostPort(e.Raw, strconv.Itoa(e.Port))
}

func localAddresses() (map[string]bool, error) {
	out := map[string]bool{"0.0.0.0": true, "localhost": true, "127.0.0.1": true}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return out, err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		out[ipNet.IP.String()] = true
	}
	return out, nil
}
