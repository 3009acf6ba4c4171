// Package coalesce implements the single-flight coordination primitive the
// engine uses to de-duplicate concurrent materializations of the same
// snapshot or repository (spec §4.5).
//
// It is a thin, typed wrapper around [golang.org/x/sync/singleflight.Group]:
// that type already provides exactly the contract spec describes ("first
// caller starts the work, concurrent callers with the same key share its
// result, the key is released the instant the work completes"), the same
// primitive quay/claircore uses for its own in-process memoization (see
// rpm/files.go's filesCache and internal/cache/live.go).
package coalesce

import (
	"golang.org/x/sync/singleflight"
)

// Group coalesces concurrent calls presenting the same key into a single
// unit of work. The zero Group is ready to use.
type Group struct {
	sf singleflight.Group
}

// Do executes fn, making sure that only one execution is in flight for a
// given key at a time. If a duplicate call comes in, that caller waits for
// the original to complete and receives the same result.
//
// Key returns the formatted string used as the single-flight key; callers
// typically build it with [Key].
func (g *Group) Do(key string, fn func() (any, error)) (any, error, bool) {
	return g.sf.Do(key, fn)
}

// Key formats spec's "(operation-name, positional arguments…)" tuple into a
// single string key. Arguments are joined with a separator (ASCII unit
// separator) that's vanishingly unlikely to appear in a repository name,
// URL, or ref, so distinct tuples never collide.
func Key(op string, args ...string) string {
	key := op
	for _, a := range args {
		key += "\x1f" + a
	}
	return key
}

// Forget tells the Group to forget about a key, so that a subsequent call
// with the same key starts a new execution rather than waiting on (or
// replaying the result of) a just-finished one.
//
// This mirrors the Coalescer's "guaranteed-release" requirement (spec §7):
// callers don't normally need to call this themselves, since [Do] already
// clears its own key on completion, but it's exposed for tests and for
// callers that want to invalidate a coalesced failure eagerly.
func (g *Group) Forget(key string) { g.sf.Forget(key) }
