// Package mswim implements the Multi-Signal Weighted Intervention Model:
// five adjusted signals, a weighted composite, tier resolution, and the
// gate-override catalog. Scoring is pure and synchronous; all I/O happens
// before Score is called.
package mswim

import "fmt"

// FrictionCatalog resolves a friction id (F###) to a severity in [0,100].
// Injectable so tests control severities deterministically.
type FrictionCatalog interface {
	Severity(id string) int
}

// UnknownSeverity is returned for friction ids the catalog has no entry for.
const UnknownSeverity = 50

// compiled severity ranges, least specific first. Exact-id entries in
// defaultSeverities win over ranges.
var severityRanges = []struct {
	lo, hi   int
	severity int
}{
	{161, 177, 55}, // technical frictions
	{236, 247, 45}, // shipping frictions
}

var defaultSeverities = map[string]int{
	"F036": 70, // repeated help search
	"F053": 60, // out of stock
	"F096": 90, // payment declined
	"F097": 90, // payment gateway error
	"F112": 85, // checkout timeout
}

// Catalog is the default friction catalog: compiled severities plus
// optional per-id overrides from configuration.
type Catalog struct {
	overrides map[string]int
}

// NewCatalog builds a catalog with the given severity overrides layered on
// the compiled defaults. Overrides may be nil.
func NewCatalog(overrides map[string]int) *Catalog {
	return &Catalog{overrides: overrides}
}

// Severity returns the severity for a friction id, defaulting to
// UnknownSeverity for unrecognized ids.
func (c *Catalog) Severity(id string) int {
	if sev, ok := c.overrides[id]; ok {
		return sev
	}
	if sev, ok := defaultSeverities[id]; ok {
		return sev
	}
	var n int
	if _, err := fmt.Sscanf(id, "F%03d", &n); err == nil {
		for _, r := range severityRanges {
			if n >= r.lo && n <= r.hi {
				return r.severity
			}
		}
	}
	return UnknownSeverity
}

// maxSeverity returns the highest catalog severity across ids, or 0 for an
// empty set.
func maxSeverity(catalog FrictionCatalog, ids []string) int {
	max := 0
	for _, id := range ids {
		if sev := catalog.Severity(id); sev > max {
			max = sev
		}
	}
	return max
}
