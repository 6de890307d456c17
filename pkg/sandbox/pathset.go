// Package sandbox implements the hermetic sandbox specification (C12): a
// set-theoretic model over absolute canonical paths (I, O, T), network/env/
// resource policy (N, E, R), and process policy (P), plus the containment
// and validation rules spec.md §4.12 requires.
package sandbox

import "strings"

// PathSet is a set of absolute, canonical paths. Containment is checked by
// exact match or directory-prefix match, per spec.md §4.12.
type PathSet struct {
	paths map[string]struct{}
}

// NewPathSet builds a PathSet from a list of absolute paths.
func NewPathSet(paths ...string) PathSet {
	s := PathSet{paths: make(map[string]struct{}, len(paths))}
	for _, p := range paths {
		s.paths[normalize(p)] = struct{}{}
	}
	return s
}

func normalize(p string) string {
	return strings.TrimSuffix(p, "/")
}

// Contains reports whether path is exactly one of the set's paths, or lies
// under one of them as a directory prefix.
func (s PathSet) Contains(path string) bool {
	path = normalize(path)
	if _, ok := s.paths[path]; ok {
		return true
	}
	for root := range s.paths {
		if strings.HasPrefix(path, root+"/") {
			return true
		}
	}
	return false
}

// Paths returns the set's members in sorted order, for deterministic
// display/serialization.
func (s PathSet) Paths() []string {
	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}
	sortStrings(out)
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// Union returns the set union of s and o.
func (s PathSet) Union(o PathSet) PathSet {
	out := NewPathSet()
	for p := range s.paths {
		out.paths[p] = struct{}{}
	}
	for p := range o.paths {
		out.paths[p] = struct{}{}
	}
	return out
}

// Intersect returns every path that is contained in both sets (by the
// prefix-aware Contains semantics, not raw string equality).
func (s PathSet) Intersect(o PathSet) PathSet {
	out := NewPathSet()
	for p := range s.paths {
		if o.Contains(p) {
			out.paths[p] = struct{}{}
		}
	}
	for p := range o.paths {
		if s.Contains(p) {
			out.paths[p] = struct{}{}
		}
	}
	return out
}

// Disjoint reports whether s and o share no path under prefix-aware
// containment — the primitive spec.md §4.12's validation invariants (I∩O=∅,
// I∩T=∅) are built from.
func (s PathSet) Disjoint(o PathSet) bool {
	for p := range s.paths {
		if o.Contains(p) {
			return false
		}
	}
	for p := range o.paths {
		if s.Contains(p) {
			return false
		}
	}
	return true
}

// Empty reports whether the set has no members.
func (s PathSet) Empty() bool { return len(s.paths) == 0 }
