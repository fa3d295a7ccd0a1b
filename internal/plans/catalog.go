// Package plans holds the static plan catalog. Definitions are built once at
// process start and never mutated afterwards.
package plans

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/shopbilling/pkg/enums"
)

const DefaultVersion = "2026-01"

// Definition is one immutable plan tier.
type Definition struct {
	ID           enums.PlanID
	Name         string
	MonthlyPrice decimal.Decimal
	Currency     string
	MaxUsers     int
	MaxShops     int
	Rank         int
	features     []enums.FeatureFlag
}

// Features returns a sorted copy of the plan's feature flags.
func (d Definition) Features() []enums.FeatureFlag {
	out := make([]enums.FeatureFlag, len(d.features))
	copy(out, d.features)
	return out
}

// Has reports whether the plan grants f.
func (d Definition) Has(f enums.FeatureFlag) bool {
	for _, candidate := range d.features {
		if candidate == f {
			return true
		}
	}
	return false
}

// IsPaid reports whether the tier carries a recurring charge.
func (d Definition) IsPaid() bool {
	return d.MonthlyPrice.IsPositive()
}

// Catalog is a versioned, exhaustive table of plan definitions.
type Catalog struct {
	version string
	byID    map[enums.PlanID]Definition
	ordered []Definition
}

// New validates defs and builds a catalog. Every enums.PlanID must be present
// exactly once.
func New(version string, defs []Definition) (*Catalog, error) {
	if version == "" {
		return nil, fmt.Errorf("catalog version is required")
	}
	byID := make(map[enums.PlanID]Definition, len(defs))
	ranks := make(map[int]enums.PlanID, len(defs))
	for _, def := range defs {
		if !def.ID.IsValid() {
			return nil, fmt.Errorf("unknown plan id %q", def.ID)
		}
		if _, dup := byID[def.ID]; dup {
			return nil, fmt.Errorf("duplicate plan %q", def.ID)
		}
		if other, dup := ranks[def.Rank]; dup {
			return nil, fmt.Errorf("plans %q and %q share rank %d", other, def.ID, def.Rank)
		}
		if def.MonthlyPrice.IsNegative() {
			return nil, fmt.Errorf("plan %q has a negative price", def.ID)
		}
		if def.MaxUsers <= 0 || def.MaxShops <= 0 {
			return nil, fmt.Errorf("plan %q must allow at least one user and shop", def.ID)
		}
		for _, f := range def.features {
			if !f.IsValid() {
				return nil, fmt.Errorf("plan %q grants unknown feature %q", def.ID, f)
			}
		}
		features := append([]enums.FeatureFlag(nil), def.features...)
		sort.Slice(features, func(i, j int) bool { return features[i] < features[j] })
		def.features = features
		byID[def.ID] = def
		ranks[def.Rank] = def.ID
	}
	for _, id := range enums.PlanIDs {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("plan %q has no definition", id)
		}
	}

	ordered := make([]Definition, 0, len(byID))
	for _, def := range byID {
		ordered = append(ordered, def)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Rank < ordered[j].Rank })

	return &Catalog{version: version, byID: byID, ordered: ordered}, nil
}

// Version identifies the catalog revision snapshots were computed against.
func (c *Catalog) Version() string {
	return c.version
}

// Lookup returns the definition for id.
func (c *Catalog) Lookup(id enums.PlanID) (Definition, bool) {
	def, ok := c.byID[id]
	return def, ok
}

// MustLookup panics on an unknown id; only call it with validated ids.
func (c *Catalog) MustLookup(id enums.PlanID) Definition {
	def, ok := c.byID[id]
	if !ok {
		panic(fmt.Sprintf("plans: unknown plan %q", id))
	}
	return def
}

// Lowest returns the lowest ranked tier.
func (c *Catalog) Lowest() Definition {
	return c.ordered[0]
}

// All returns every definition in rank order.
func (c *Catalog) All() []Definition {
	out := make([]Definition, len(c.ordered))
	copy(out, c.ordered)
	return out
}
