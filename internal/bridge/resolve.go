package bridge

import "strings"

// Resolve matches a free-form search string against a snapshot and
// returns at most one record. Three tiers, short-circuiting, in a fixed
// order:
//
//  1. Exact ID match (byte-exact, case-sensitive).
//  2. Case-insensitive exact name match, first in snapshot order.
//  3. Case-insensitive substring name match, first in snapshot order.
//
// Records with empty names can only match tier 1. A miss on all three
// tiers returns ok=false, a normal outcome rather than an error. Resolve is
// pure: same snapshot and search always yield the same result. The same
// algorithm serves devices and scenes.
func Resolve(snap Snapshot, search string) (Record, bool) {
	if r, ok := snap.Get(search); ok {
		return r, true
	}

	lower := strings.ToLower(search)

	for _, r := range snap {
		if r.Name != "" && strings.ToLower(r.Name) == lower {
			return r, true
		}
	}

	for _, r := range snap {
		if r.Name != "" && strings.Contains(strings.ToLower(r.Name), lower) {
			return r, true
		}
	}

	return Record{}, false
}
