package models

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// RumorCategory classifies what a rumor is about.
type RumorCategory string

const (
	RumorPolitical  RumorCategory = "political"
	RumorPersonal   RumorCategory = "personal"
	RumorSocial     RumorCategory = "social"
	RumorMilitary   RumorCategory = "military"
	RumorEconomic   RumorCategory = "economic"
	RumorReligious  RumorCategory = "religious"
	RumorHistorical RumorCategory = "historical"
	RumorGossip     RumorCategory = "gossip"
	RumorOther      RumorCategory = "other"
)

var RumorCategories = []RumorCategory{
	RumorPolitical, RumorPersonal, RumorSocial, RumorMilitary, RumorEconomic,
	RumorReligious, RumorHistorical, RumorGossip, RumorOther,
}

// ParseRumorCategory resolves a rumor category name. Unknown names map to
// RumorOther together with an error so callers can decide whether to log.
func ParseRumorCategory(s string) (RumorCategory, error) {
	c := RumorCategory(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range RumorCategories {
		if c == known {
			return c, nil
		}
	}
	return RumorOther, fmt.Errorf("unknown rumor category %q", s)
}

// Severity ranks how consequential a rumor is. The zero value is SeverityTrivial.
type Severity int

const (
	SeverityTrivial Severity = iota
	SeverityMinor
	SeverityModerate
	SeverityMajor
	SeverityCritical
)

var severityNames = [...]string{"trivial", "minor", "moderate", "major", "critical"}

func (s Severity) String() string {
	if s < SeverityTrivial || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity resolves a severity name.
func ParseSeverity(name string) (Severity, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range severityNames {
		if n == name {
			return Severity(i), nil
		}
	}
	return SeverityMinor, fmt.Errorf("unknown severity %q", name)
}

func (s Severity) MarshalText() ([]byte, error) {
	if s < SeverityTrivial || s > SeverityCritical {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(severityNames[s]), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Variant is one wording of a rumor. ParentVariantID is empty for the seed.
type Variant struct {
	ID              string            `yaml:"id" json:"id"`
	Content         string            `yaml:"content" json:"content"`
	CreatedAt       time.Time         `yaml:"created_at" json:"created_at"`
	ParentVariantID string            `yaml:"parent_variant_id,omitempty" json:"parent_variant_id,omitempty"`
	EntityID        string            `yaml:"entity_id" json:"entity_id"`
	Metadata        map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// SpreadRecord is the fact that an entity heard a variant, and how much it
// believed it at that moment.
type SpreadRecord struct {
	EntityID       string    `yaml:"entity_id" json:"entity_id"`
	VariantID      string    `yaml:"variant_id" json:"variant_id"`
	SourceEntityID string    `yaml:"source_entity_id,omitempty" json:"source_entity_id,omitempty"`
	Believability  float64   `yaml:"believability" json:"believability"`
	HeardAt        time.Time `yaml:"heard_at" json:"heard_at"`
}

// Rumor is a piece of in-world information. TruthValue is objective and
// independent of what anyone believes.
type Rumor struct {
	ID              string          `yaml:"id" json:"id"`
	CreatedAt       time.Time       `yaml:"created_at" json:"created_at"`
	OriginatorID    string          `yaml:"originator_id" json:"originator_id"`
	OriginalContent string          `yaml:"original_content" json:"original_content"`
	Categories      []RumorCategory `yaml:"categories" json:"categories"`
	Severity        Severity        `yaml:"severity" json:"severity"`
	TruthValue      float64         `yaml:"truth_value" json:"truth_value"`
	Variants        []Variant       `yaml:"variants" json:"variants"`
	Spread          []SpreadRecord  `yaml:"spread" json:"spread"`
}

// Knows reports whether entityID has ever heard the rumor.
func (r *Rumor) Knows(entityID string) bool {
	_, ok := r.LatestSpread(entityID)
	return ok
}

// LatestSpread returns the authoritative record for entityID: the one with the
// latest HeardAt, later list positions winning ties.
func (r *Rumor) LatestSpread(entityID string) (SpreadRecord, bool) {
	var (
		latest SpreadRecord
		found  bool
	)
	for _, s := range r.Spread {
		if s.EntityID != entityID {
			continue
		}
		if !found || !s.HeardAt.Before(latest.HeardAt) {
			latest = s
			found = true
		}
	}
	return latest, found
}

// Variant looks up a variant by id.
func (r *Rumor) Variant(id string) (Variant, bool) {
	for _, v := range r.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// ContentFor returns the wording entityID currently believes.
func (r *Rumor) ContentFor(entityID string) (string, bool) {
	latest, ok := r.LatestSpread(entityID)
	if !ok {
		return "", false
	}
	if v, ok := r.Variant(latest.VariantID); ok {
		return v.Content, true
	}
	return r.OriginalContent, true
}

// Entities lists every entity that knows the rumor, in first-heard order.
func (r *Rumor) Entities() []string {
	seen := make(map[string]bool, len(r.Spread))
	var out []string
	for _, s := range r.Spread {
		if !seen[s.EntityID] {
			seen[s.EntityID] = true
			out = append(out, s.EntityID)
		}
	}
	return out
}

// HasAnyCategory reports whether the rumor carries one of cats.
func (r *Rumor) HasAnyCategory(cats []RumorCategory) bool {
	for _, want := range cats {
		for _, have := range r.Categories {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy of the rumor.
func (r *Rumor) Clone() *Rumor {
	c := *r
	c.Categories = append([]RumorCategory(nil), r.Categories...)
	c.Variants = make([]Variant, len(r.Variants))
	for i, v := range r.Variants {
		v.Metadata = maps.Clone(v.Metadata)
		c.Variants[i] = v
	}
	c.Spread = append([]SpreadRecord(nil), r.Spread...)
	return &c
}
