// Package model holds the data types shared across the build graph, the
// cache layers, and the scheduler: identifiers, the external Target record,
// and source references. None of these types carry behaviour beyond simple
// construction and comparison — the owning components (graph, targetcache,
// actioncache, sourcerepo) hold the logic.
package model

import (
	"strconv"
	"strings"
)

// TargetId is the canonical identifier of a buildable unit, lexically
// "//package/path:name". Equality is string-canonical.
type TargetId string

// String returns the canonical lexical form.
func (t TargetId) String() string { return string(t) }

// ActionType enumerates the fine-grained build steps an ActionId can name.
type ActionType uint8

const (
	ActionCompile ActionType = iota + 1
	ActionLink
	ActionCodegen
	ActionTest
	ActionPackage
	ActionTransform
	ActionLint
	ActionTypeCheck
	ActionCustom
)

func (a ActionType) String() string {
	switch a {
	case ActionCompile:
		return "compile"
	case ActionLink:
		return "link"
	case ActionCodegen:
		return "codegen"
	case ActionTest:
		return "test"
	case ActionPackage:
		return "package"
	case ActionTransform:
		return "transform"
	case ActionLint:
		return "lint"
	case ActionTypeCheck:
		return "typecheck"
	case ActionCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// ActionId is the composite fine-grained cache key for a single build step.
// It stringifies deterministically as "target:type[:sub]:hash" so it can be
// used directly as a map key or a log field.
type ActionId struct {
	TargetID  TargetId
	Type      ActionType
	SubID     string // optional, e.g. a file path when one target emits many actions of the same Type
	InputHash string
}

// String renders the deterministic stringification used as an in-memory
// map key and log field. It is lossy (a canonical TargetId already
// contains a colon, so the components can't be safely reparsed from this
// string) — the on-disk action cache codec serializes the four fields
// separately instead of round-tripping through String.
func (a ActionId) String() string {
	var sb strings.Builder
	sb.WriteString(string(a.TargetID))
	sb.WriteByte(':')
	sb.WriteString(a.Type.String())
	if a.SubID != "" {
		sb.WriteByte(':')
		sb.WriteString(a.SubID)
	}
	sb.WriteByte(':')
	sb.WriteString(a.InputHash)
	return sb.String()
}

// FormatUint64Hex is a tiny helper kept here so callers building SubID/hash
// components from numeric keys don't each reimplement base-16 formatting.
func FormatUint64Hex(v uint64) string {
	return strconv.FormatUint(v, 16)
}
