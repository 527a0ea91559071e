// Package classify implements the ItemClassifier described in section 4.1 of
// the design specification. It is a pure function: given an item and a
// settings snapshot, it decides whether the item belongs to phase 1
// (immutable body) or phase 2 (mutable entry point).
package classify

import (
	"path"
	"strings"

	"github.com/release-engineering/exodus-commit/settings"
)

// Phase identifies which half of the two-phase commit an item belongs to.
type Phase int

const (
	// Phase1 is the immutable-body phase.
	Phase1 Phase = iota
	// Phase2 is the mutable-entry-point phase.
	Phase2
)

func (p Phase) String() string {
	if p == Phase2 {
		return "phase2"
	}
	return "phase1"
}

// Item is the minimal view of a relational Item row the classifier needs.
type Item struct {
	WebURI    string
	ObjectKey string
	LinkTo    string
}

// Classify implements section 4.1: an item is phase2 iff its basename
// equals the autoindex filename, its basename is in the configured
// entry_point_files set, or its web_uri matches any configured
// phase2_patterns regex. Everything else is phase1.
//
// Classify does no I/O and is deterministic given the same settings
// snapshot, satisfying the idempotence property of section 8.
func Classify(item Item, s settings.Settings) Phase {
	base := path.Base(item.WebURI)

	if base == s.AutoindexFilename {
		return Phase2
	}
	if s.EntryPointFile(base) {
		return Phase2
	}
	if s.Phase2Pattern(item.WebURI) {
		return Phase2
	}
	return Phase1
}

// ReadyForPhase1 implements the phase-1 selection filter of section 3: a
// link_to item with an unresolved object_key is skipped, and at write time
// object_key must be non-empty.
func ReadyForPhase1(item Item) bool {
	if item.LinkTo != "" && item.ObjectKey == "" {
		return false
	}
	return strings.TrimSpace(item.ObjectKey) != ""
}
