package sandbox

import (
	buildcoreerrors "github.com/buildcore/buildcore/pkg/errors"
)

// NetworkPolicy controls egress. When Hermetic is true, every other flag
// must be false — enforced by Validate.
type NetworkPolicy struct {
	Hermetic    bool
	AllowLoopback bool
	AllowedHosts  []string
}

// EnvSet is a whitelist of environment variable names the action may read.
type EnvSet map[string]struct{}

// NewEnvSet builds an EnvSet from a list of variable names.
func NewEnvSet(keys ...string) EnvSet {
	s := make(EnvSet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// ResourceLimits bounds what a sandboxed action may consume. Defaults are
// spec.md §4.12's hermetic profile.
type ResourceLimits struct {
	MaxMemoryBytes   int64
	MaxCPUTimeMs     int64
	MaxProcesses     int
	MaxFileDescriptors int
	MaxDiskIOBytes   int64
	MaxNetworkIOBytes int64
	MaxOutputBytes   int64
	MaxChildProcesses int
}

// DefaultHermeticProfile returns spec.md §4.12's defaults: 4 GiB memory, 1
// hour CPU time, 128 processes, 512 FDs, 100 MiB output cap.
func DefaultHermeticProfile() ResourceLimits {
	return ResourceLimits{
		MaxMemoryBytes:     4 << 30,
		MaxCPUTimeMs:       int64(60 * 60 * 1000),
		MaxProcesses:       128,
		MaxFileDescriptors: 512,
		MaxOutputBytes:     100 << 20,
		MaxChildProcesses:  128,
	}
}

// ProcessPolicy records whether fork/exec is disallowed and the cap on
// children. Neither this spec type nor the scheduler enforces it or
// terminates children on parent exit.
type ProcessPolicy struct {
	DisallowForkExec bool
	MaxChildren      int
}

// Spec is the (I, O, T, N, E, R, P) tuple from spec.md §3/§4.12.
type Spec struct {
	I PathSet
	O PathSet
	T PathSet
	N NetworkPolicy
	E EnvSet
	R ResourceLimits
	P ProcessPolicy
}

// Validate enforces the invariants spec.md §4.12 names: I∩O=∅, I∩T=∅, and
// (when hermetic) no egress flags set.
func (s Spec) Validate() error {
	if !s.I.Disjoint(s.O) {
		return buildcoreerrors.New(buildcoreerrors.SandboxViolation, "sandbox",
			"input and output overlap")
	}
	if !s.I.Disjoint(s.T) {
		return buildcoreerrors.New(buildcoreerrors.SandboxViolation, "sandbox",
			"input and temp overlap")
	}
	if s.N.Hermetic {
		if s.N.AllowLoopback || len(s.N.AllowedHosts) > 0 {
			return buildcoreerrors.New(buildcoreerrors.SandboxViolation, "sandbox",
				"hermetic sandbox must forbid all egress")
		}
	}
	return nil
}

// CanRead reports whether path is readable: path ∈ I ∪ T.
func (s Spec) CanRead(path string) bool { return s.I.Contains(path) || s.T.Contains(path) }

// CanWrite reports whether path is writable: path ∈ O ∪ T.
func (s Spec) CanWrite(path string) bool { return s.O.Contains(path) || s.T.Contains(path) }

// EnvAllowed reports whether key ∈ E.
func (s Spec) EnvAllowed(key string) bool {
	_, ok := s.E[key]
	return ok
}

// EffectiveStagingLayout returns the union of every path category this
// spec touches — used by a sandbox implementation to precompute the
// directories it must stage before executing the action.
func (s Spec) EffectiveStagingLayout() PathSet {
	return s.I.Union(s.O).Union(s.T)
}
