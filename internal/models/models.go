package models

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Category groups state variables by the part of the world they describe.
type Category string

const (
	CategoryPolitical     Category = "political"
	CategoryEconomic      Category = "economic"
	CategoryMilitary      Category = "military"
	CategorySocial        Category = "social"
	CategoryEnvironmental Category = "environmental"
	CategoryReligious     Category = "religious"
	CategoryMagical       Category = "magical"
	CategoryQuest         Category = "quest"
	CategoryOther         Category = "other"
)

// Categories lists every known state category in declaration order.
var Categories = []Category{
	CategoryPolitical, CategoryEconomic, CategoryMilitary, CategorySocial,
	CategoryEnvironmental, CategoryReligious, CategoryMagical, CategoryQuest, CategoryOther,
}

// ParseCategory resolves a category name, case-insensitively.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return CategoryOther, fmt.Errorf("unknown category %q", s)
}

// Region is the coarse world region a state variable applies to.
type Region string

const (
	RegionGlobal  Region = "global"
	RegionNorth   Region = "north"
	RegionSouth   Region = "south"
	RegionEast    Region = "east"
	RegionWest    Region = "west"
	RegionCentral Region = "central"
)

var Regions = []Region{RegionGlobal, RegionNorth, RegionSouth, RegionEast, RegionWest, RegionCentral}

// ParseRegion resolves a region name, case-insensitively.
func ParseRegion(s string) (Region, error) {
	r := Region(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Regions {
		if r == known {
			return r, nil
		}
	}
	return RegionGlobal, fmt.Errorf("unknown region %q", s)
}

// ChangeKind says how a state change came about.
type ChangeKind string

const (
	ChangeCreated    ChangeKind = "created"
	ChangeUpdated    ChangeKind = "updated"
	ChangeDeleted    ChangeKind = "deleted"
	ChangeMerged     ChangeKind = "merged"
	ChangeCalculated ChangeKind = "calculated"
)

// StateChangeRecord is one entry in a state variable's history.
type StateChangeRecord struct {
	ID        string     `yaml:"id" json:"id"`
	Key       string     `yaml:"key" json:"key"`
	Timestamp time.Time  `yaml:"timestamp" json:"timestamp"`
	OldValue  any        `yaml:"old_value,omitempty" json:"old_value,omitempty"`
	NewValue  any        `yaml:"new_value" json:"new_value"`
	Change    ChangeKind `yaml:"change" json:"change"`
	Reason    string     `yaml:"reason,omitempty" json:"reason,omitempty"`
	EntityID  string     `yaml:"entity_id,omitempty" json:"entity_id,omitempty"`
}

// StateVariable is a named, versioned value tracked in the world state.
// Keys are dot-delimited, e.g. "faction.iron_guard.morale".
type StateVariable struct {
	Key       string              `yaml:"key" json:"key"`
	Value     any                 `yaml:"value" json:"value"`
	Category  Category            `yaml:"category" json:"category"`
	Region    Region              `yaml:"region" json:"region"`
	Tags      []string            `yaml:"tags,omitempty" json:"tags,omitempty"`
	CreatedAt time.Time           `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time           `yaml:"updated_at" json:"updated_at"`
	History   []StateChangeRecord `yaml:"history" json:"history"`
}

// ValueAt returns the value implied by the latest change at or before t.
func (v *StateVariable) ValueAt(t time.Time) (any, bool) {
	for i := len(v.History) - 1; i >= 0; i-- {
		if !v.History[i].Timestamp.After(t) {
			return v.History[i].NewValue, true
		}
	}
	return nil, false
}

// HasAnyTag reports whether the variable carries at least one of tags.
func (v *StateVariable) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range v.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy that can be handed out safely.
func (v *StateVariable) Clone() *StateVariable {
	c := *v
	c.Value = CloneValue(v.Value)
	c.Tags = append([]string(nil), v.Tags...)
	c.History = make([]StateChangeRecord, len(v.History))
	for i, rec := range v.History {
		c.History[i] = rec.Clone()
	}
	return &c
}

// Clone returns a copy of the record with its values deep-copied.
func (r StateChangeRecord) Clone() StateChangeRecord {
	r.OldValue = CloneValue(r.OldValue)
	r.NewValue = CloneValue(r.NewValue)
	return r
}

// CloneValue deep-copies the container types a state value can hold: maps
// and slices as produced by YAML and JSON decoding. Scalars are returned as is.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = CloneValue(e)
		}
		return out
	case map[any]any:
		if t == nil {
			return t
		}
		out := make(map[any]any, len(t))
		for k, e := range t {
			out[k] = CloneValue(e)
		}
		return out
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	case map[string]string:
		return maps.Clone(t)
	case []string:
		return slices.Clone(t)
	case []int:
		return slices.Clone(t)
	case []float64:
		return slices.Clone(t)
	default:
		return v
	}
}

// StateSnapshot is the whole persisted world state, keyed by variable key.
type StateSnapshot map[string]*StateVariable

// Clamp01 clamps f into [0, 1].
func Clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
