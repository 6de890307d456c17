// Package eviction implements the bounds-driven victim selection (C4)
// applied by the target and action caches at flush time. It is grounded on
// the reference cache's internal/clockpro package: the same circular,
// doubly-linked "hand" traversal structure is kept, but the per-node
// decision is generalized from CLOCK-Pro's hot/cold/test state machine
// (suited to an in-memory value cache under continuous access pressure) to
// the simpler oldest-lastAccess-first sweep spec.md §4.4 specifies for
// on-disk cache entries, which are only revisited at explicit flush time
// rather than on every access.
package eviction

import "time"

// Bounds are the limits enforced at flush, each independently overridable
// via environment variables resolved by pkg/coordinator's config layer.
type Bounds struct {
	MaxBytes   int64
	MaxEntries int
	MaxAge     time.Duration
}

// DefaultTargetBounds matches spec.md §4.4's defaults for the target cache.
func DefaultTargetBounds() Bounds {
	return Bounds{MaxBytes: 1 << 30, MaxEntries: 10_000, MaxAge: 30 * 24 * time.Hour}
}

// DefaultActionBounds matches spec.md §4.4's defaults for the action cache.
func DefaultActionBounds() Bounds {
	return Bounds{MaxBytes: 1 << 30, MaxEntries: 50_000, MaxAge: 30 * 24 * time.Hour}
}

// Entry is the minimal view eviction needs of a cache record; target/action
// cache entries satisfy it directly.
type Entry struct {
	Key        string
	Size       int64
	LastAccess time.Time
}

// node is the ring element, directly descended from clockpro's metaNode:
// a circular doubly-linked list node wrapping one Entry. Unlike CLOCK-Pro,
// there is no state byte — the hand makes one pass ordered by LastAccess.
type node struct {
	next, prev *node
	entry      Entry
}

// ring is the clockpro-descended circular list, built fresh for each
// Select call (entries are not resident continuously the way a live value
// cache's CLOCK-Pro ring is — flush-time eviction operates on whatever
// snapshot the cache hands it).
type ring struct {
	head *node
	n    int
}

func newRing(entries []Entry) *ring {
	r := &ring{}
	for _, e := range entries {
		r.append(e)
	}
	return r
}

func (r *ring) append(e Entry) {
	n := &node{entry: e}
	if r.head == nil {
		n.next, n.prev = n, n
		r.head = n
	} else {
		tail := r.head.prev
		tail.next = n
		n.prev = tail
		n.next = r.head
		r.head.prev = n
	}
	r.n++
}

func (r *ring) remove(n *node) {
	if n.next == n {
		r.head = nil
	} else {
		n.prev.next = n.next
		n.next.prev = n.prev
		if r.head == n {
			r.head = n.next
		}
	}
	r.n--
}

// Select returns the keys to evict so that entries (after removing the
// selected victims) satisfies bounds. Ordering: oldest LastAccess first,
// then smallest LastAccess-to-size utility (recency per byte — an entry
// that is both old and large is evicted before one that is old and tiny),
// stopping as soon as every bound is satisfied, per spec.md §4.4.
func Select(entries []Entry, bounds Bounds) []string {
	if len(entries) == 0 {
		return nil
	}

	sorted := append([]Entry(nil), entries...)
	sortByVictimOrder(sorted)

	// The hand walks the clockpro-descended ring in victim order, removing
	// nodes as it goes — one pass, same traversal shape as CLOCK-Pro's
	// evictIfNeeded loop, just driven by a precomputed order instead of
	// re-examining state bits on every step.
	r := newRing(sorted)

	var totalBytes int64
	for _, e := range entries {
		totalBytes += e.Size
	}
	count := len(entries)
	now := time.Now()

	var victims []string
	hand := r.head
	for hand != nil && r.n > 0 {
		overBytes := bounds.MaxBytes > 0 && totalBytes > bounds.MaxBytes
		overCount := bounds.MaxEntries > 0 && count > bounds.MaxEntries
		overAge := bounds.MaxAge > 0 && now.Sub(hand.entry.LastAccess) > bounds.MaxAge
		if !overBytes && !overCount && !overAge {
			break
		}
		victims = append(victims, hand.entry.Key)
		totalBytes -= hand.entry.Size
		count--

		next := hand.next
		r.remove(hand)
		if r.n == 0 {
			break
		}
		hand = next
	}
	return victims
}

// sortByVictimOrder implements "oldest lastAccess, then smallest
// lastAccess-to-size utility" via a straightforward insertion sort — the
// entry sets eviction operates on are flush-time snapshots, not a hot-path
// structure, so O(n^2) on a typical few-thousand-entry cache is acceptable
// and keeps the comparison logic easy to audit next to spec.md §4.4's
// prose.
func sortByVictimOrder(entries []Entry) {
	less := func(a, b Entry) bool {
		if !a.LastAccess.Equal(b.LastAccess) {
			return a.LastAccess.Before(b.LastAccess)
		}
		return utility(a) < utility(b)
	}
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && less(entries[j], entries[j-1]); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// utility approximates "lastAccess-to-size": more recent-per-byte is higher
// utility (kept longer); we rank ascending so smallest utility evicts
// first.
func utility(e Entry) float64 {
	if e.Size <= 0 {
		return float64(e.LastAccess.UnixNano())
	}
	return float64(e.LastAccess.UnixNano()) / float64(e.Size)
}
