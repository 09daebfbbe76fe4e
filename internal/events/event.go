package events

import (
	"time"

	"github.com/tatianab/worldcore/internal/models"
)

// Kind discriminates events. Kinds form a tree rooted at KindAny; subscribing
// to an inner kind receives every kind below it.
type Kind string

const (
	KindAny Kind = "*"

	KindWorldState      Kind = "world_state"
	KindStateCreated    Kind = "world_state.created"
	KindStateUpdated    Kind = "world_state.updated"
	KindStateDeleted    Kind = "world_state.deleted"
	KindStateMerged     Kind = "world_state.merged"
	KindStateCalculated Kind = "world_state.calculated"

	KindRumor        Kind = "rumor"
	KindRumorCreated Kind = "rumor.created"
	KindRumorSpread  Kind = "rumor.spread"
	KindRumorUpdated Kind = "rumor.updated"
	KindRumorMutated Kind = "rumor.mutated"
	KindRumorDecayed Kind = "rumor.decayed"
	KindRumorPurged  Kind = "rumor.purged"

	KindTime         Kind = "time"
	KindTimeAdvanced Kind = "time.advanced"
)

var supertypes = map[Kind]Kind{
	KindWorldState:      KindAny,
	KindStateCreated:    KindWorldState,
	KindStateUpdated:    KindWorldState,
	KindStateDeleted:    KindWorldState,
	KindStateMerged:     KindWorldState,
	KindStateCalculated: KindWorldState,

	KindRumor:        KindAny,
	KindRumorCreated: KindRumor,
	KindRumorSpread:  KindRumor,
	KindRumorUpdated: KindRumor,
	KindRumorMutated: KindRumor,
	KindRumorDecayed: KindRumor,
	KindRumorPurged:  KindRumor,

	KindTime:         KindAny,
	KindTimeAdvanced: KindTime,
}

// Known reports whether k is part of the kind tree.
func (k Kind) Known() bool {
	if k == KindAny {
		return true
	}
	_, ok := supertypes[k]
	return ok
}

// Lineage returns k followed by each of its supertypes up to KindAny.
func (k Kind) Lineage() []Kind {
	out := []Kind{k}
	for k != KindAny {
		parent, ok := supertypes[k]
		if !ok {
			break
		}
		out = append(out, parent)
		k = parent
	}
	return out
}

// Event is an immutable occurrence. The set of events is closed: only the
// payload types in this package implement it.
type Event interface {
	Kind() Kind
	OccurredAt() time.Time
	sealed()
}

// StateChanged announces a create/update/delete/merge/calculate on a state variable.
type StateChanged struct {
	Change   models.ChangeKind
	Key      string
	OldValue any
	NewValue any
	Category models.Category
	Region   models.Region
	Reason   string
	EntityID string
	At       time.Time
}

func (e StateChanged) Kind() Kind {
	switch e.Change {
	case models.ChangeCreated:
		return KindStateCreated
	case models.ChangeDeleted:
		return KindStateDeleted
	case models.ChangeMerged:
		return KindStateMerged
	case models.ChangeCalculated:
		return KindStateCalculated
	default:
		return KindStateUpdated
	}
}

func (e StateChanged) OccurredAt() time.Time { return e.At }
func (StateChanged) sealed()                 {}

// RumorCreated announces a new rumor and its seed variant.
type RumorCreated struct {
	RumorID      string
	OriginatorID string
	VariantID    string
	Content      string
	Categories   []models.RumorCategory
	Severity     models.Severity
	At           time.Time
}

func (RumorCreated) Kind() Kind              { return KindRumorCreated }
func (e RumorCreated) OccurredAt() time.Time { return e.At }
func (RumorCreated) sealed()                 {}

// RumorTransmitted announces that one entity passed a rumor to another.
// FirstHeard distinguishes a new listener (rumor.spread) from a repeat
// (rumor.updated).
type RumorTransmitted struct {
	RumorID       string
	FromEntityID  string
	ToEntityID    string
	VariantID     string
	Believability float64
	Mutated       bool
	FirstHeard    bool
	At            time.Time
}

func (e RumorTransmitted) Kind() Kind {
	if e.FirstHeard {
		return KindRumorSpread
	}
	return KindRumorUpdated
}

func (e RumorTransmitted) OccurredAt() time.Time { return e.At }
func (RumorTransmitted) sealed()                 {}

// BeliefChanged announces a direct believability adjustment.
type BeliefChanged struct {
	RumorID  string
	EntityID string
	Old      float64
	New      float64
	At       time.Time
}

func (BeliefChanged) Kind() Kind              { return KindRumorUpdated }
func (e BeliefChanged) OccurredAt() time.Time { return e.At }
func (BeliefChanged) sealed()                 {}

// RumorMutated announces a new variant.
type RumorMutated struct {
	RumorID         string
	EntityID        string
	VariantID       string
	ParentVariantID string
	OriginalContent string
	MutatedContent  string
	Strategy        string
	At              time.Time
}

func (RumorMutated) Kind() Kind              { return KindRumorMutated }
func (e RumorMutated) OccurredAt() time.Time { return e.At }
func (RumorMutated) sealed()                 {}

// RumorDecayed announces that believability in a rumor faded.
type RumorDecayed struct {
	RumorID  string
	Entities []string
	Rate     float64
	At       time.Time
}

func (RumorDecayed) Kind() Kind              { return KindRumorDecayed }
func (e RumorDecayed) OccurredAt() time.Time { return e.At }
func (RumorDecayed) sealed()                 {}

// RumorPurged announces an administrative removal.
type RumorPurged struct {
	RumorID string
	At      time.Time
}

func (RumorPurged) Kind() Kind              { return KindRumorPurged }
func (e RumorPurged) OccurredAt() time.Time { return e.At }
func (RumorPurged) sealed()                 {}

// TimeAdvanced is published by the world clock once per tick.
type TimeAdvanced struct {
	Tick int64
	At   time.Time
}

func (TimeAdvanced) Kind() Kind              { return KindTimeAdvanced }
func (e TimeAdvanced) OccurredAt() time.Time { return e.At }
func (TimeAdvanced) sealed()                 {}
