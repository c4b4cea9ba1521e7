// Package subs tracks which market-data channels any consumer currently
// wants. Channels are reference-counted: only the 0→1 and 1→0 transitions
// produce wire traffic, emitted as Change events for the connection
// manager to act on. While disconnected the events are simply not acted
// upon; the next successful connect resyncs the full active set.
package subs

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ChangeBufferSize is the capacity of the Change event channel.
const ChangeBufferSize = 256

// Change is a 0→1 (Subscribe=true) or 1→0 (Subscribe=false) transition
// for a single channel. Seq orders changes against Snapshot calls so a
// consumer can tell whether a full-set resync already covers a change.
type Change struct {
	Symbol    string
	Subscribe bool
	Seq       uint64
}

// Registry reference-counts consumer interest per channel.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	refs    map[string]int
	seq     uint64
	changes chan Change
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		refs:    make(map[string]int),
		changes: make(chan Change, ChangeBufferSize),
	}
}

// Normalize canonicalizes a channel identifier. Symbols are uppercased
// so subscriptions differing only by case dedupe to one channel.
func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Subscribe records one more consumer for the channel. The first
// consumer emits a subscribe Change.
func (r *Registry) Subscribe(symbol string) {
	sym := Normalize(symbol)
	if sym == "" {
		return
	}

	r.mu.Lock()
	r.refs[sym]++
	first := r.refs[sym] == 1
	var seq uint64
	if first {
		r.seq++
		seq = r.seq
	}
	r.mu.Unlock()

	if first {
		r.logger.Debug("channel wanted", "symbol", sym)
		r.notify(Change{Symbol: sym, Subscribe: true, Seq: seq})
	}
}

// Unsubscribe records one less consumer for the channel. The last
// consumer emits an unsubscribe Change synchronously; it does not wait
// on any in-flight wire traffic. Unsubscribing an unknown channel is a
// no-op.
func (r *Registry) Unsubscribe(symbol string) {
	sym := Normalize(symbol)

	r.mu.Lock()
	count, ok := r.refs[sym]
	if !ok {
		r.mu.Unlock()
		return
	}
	count--
	last := count == 0
	var seq uint64
	if last {
		delete(r.refs, sym)
		r.seq++
		seq = r.seq
	} else {
		r.refs[sym] = count
	}
	r.mu.Unlock()

	if last {
		r.logger.Debug("channel released", "symbol", sym)
		r.notify(Change{Symbol: sym, Subscribe: false, Seq: seq})
	}
}

// ActiveChannels returns the sorted set of channels with at least one
// consumer. This is the authoritative set re-issued on reconnect.
func (r *Registry) ActiveChannels() []string {
	channels, _ := r.Snapshot()
	return channels
}

// Snapshot returns the active set together with the sequence number of
// the last emitted change. Any Change with Seq at or below the returned
// number is already reflected in the returned set.
func (r *Registry) Snapshot() ([]string, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.refs))
	for sym := range r.refs {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, r.seq
}

// RefCount returns the current consumer count for a channel.
func (r *Registry) RefCount(symbol string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[Normalize(symbol)]
}

// Changes returns the channel of 0→1 / 1→0 transitions.
func (r *Registry) Changes() <-chan Change {
	return r.changes
}

// notify sends a change without blocking the caller. If the buffer is
// full the oldest event is dropped in favor of the new one; a reconnect
// resync repairs any resulting drift.
func (r *Registry) notify(change Change) {
	select {
	case r.changes <- change:
	default:
		select {
		case <-r.changes:
			r.changes <- change
		default:
		}
		r.logger.Warn("subscription change buffer full, dropped oldest",
			"symbol", change.Symbol,
		)
	}
}
