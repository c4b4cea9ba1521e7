// Package state implements the reconciler that owns the canonical
// client-side trading collections: orders, positions, portfolio, and
// the per-symbol quote cache.
//
// Inbound push messages and REST snapshot responses merge into these
// collections under a single mutex, so merges into a collection are
// strictly serialized. Every entity carries the server timestamp of its
// last applied update; anything older is discarded, which keeps a
// snapshot taken after a confirmed command from being overwritten by a
// stale in-flight push message.
//
// All read accessors hand out value copies. Consumers observe changes
// through SubscribeChanges; the reconciler is the single source of
// truth and nothing downstream keeps a divergent derived copy.
package state
