// Package ingest implements the tiered, zero-copy ingest pipeline: path
// classification, clonefile/copy fallback chains, destructive Phantom
// ingest, bounded parallel ingest with in-flight dedup, and the security
// filter that keeps secrets out of the CAS.
package ingest

import (
	"strings"

	"github.com/velo-sh/velo-rift-sub001/internal/cas"
)

// Tier re-exports cas.Tier so ingest callers don't need to import cas just
// to name a tier.
type Tier = cas.Tier

const (
	Tier1Immutable = cas.Tier1Immutable
	Tier2Mutable   = cas.Tier2Mutable
)

// Mode is the closed set of ingest strategies, deliberately a sum type
// rather than runtime polymorphism.
type Mode uint8

const (
	SolidTier1 Mode = iota
	SolidTier1Dedup
	SolidTier2
	SolidTier2Dedup
	Phantom
)

// Classifier assigns a Tier to a virtual path using two ordered pattern
// lists; the first match in tier1Patterns wins, then the first match in
// tier2Patterns, and anything unmatched defaults to Tier2Mutable.
type Classifier struct {
	tier1 []string
	tier2 []string
}

// NewClassifier builds a Classifier from configured pattern lists. Patterns
// are matched as path-component substrings (e.g. "node_modules/" matches
// any path containing that directory segment), mirroring the glob-ish
// matching original_source's tier.rs constant lists describe.
func NewClassifier(tier1Patterns, tier2Patterns []string) *Classifier {
	return &Classifier{tier1: tier1Patterns, tier2: tier2Patterns}
}

// DefaultClassifier returns the classifier seeded with the patterns spec
// §4.2 names as examples.
func DefaultClassifier() *Classifier {
	return NewClassifier(
		[]string{"node_modules/", ".cargo/registry/", "site-packages/"},
		[]string{"target/", "dist/"},
	)
}

func (c *Classifier) Classify(vpath string) Tier {
	for _, pat := range c.tier1 {
		if strings.Contains(vpath, pat) {
			return Tier1Immutable
		}
	}
	for _, pat := range c.tier2 {
		if strings.Contains(vpath, pat) {
			return Tier2Mutable
		}
	}
	return Tier2Mutable
}
