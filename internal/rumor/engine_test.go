package rumor

import (
	"context"
	"errors"
	"io"
	"log"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatianab/worldcore/internal/events"
	"github.com/tatianab/worldcore/internal/models"
	"github.com/tatianab/worldcore/internal/resilience"
	"github.com/tatianab/worldcore/internal/storage"
)

var quiet = log.New(io.Discard, "", 0)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type recorder struct {
	mu   sync.Mutex
	seen []events.Event
}

func (r *recorder) handle(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, ev)
	return nil
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.seen))
	for i, ev := range r.seen {
		out[i] = ev.Kind()
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = nil
}

type fixture struct {
	engine  *Engine
	backend *storage.Memory
	bus     *events.Bus
	clock   *fakeClock
	rec     *recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		backend: storage.NewMemory(),
		bus:     events.NewBus(events.WithLogger(quiet)),
		clock:   &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		rec:     &recorder{},
	}
	t.Cleanup(f.bus.Close)
	f.bus.Subscribe(events.KindRumor, f.rec.handle, 0)
	f.engine = f.open(t, opts...)
	return f
}

func (f *fixture) open(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithLogger(quiet),
		WithClock(f.clock.now),
		WithRand(rand.NewPCG(1, 2)),
		WithRetry(resilience.RetryConfig{MaxRetries: 1, InitialInterval: time.Millisecond}),
	}
	e, err := New(f.backend, f.bus, append(base, opts...)...)
	require.NoError(t, err)
	return e
}

func (f *fixture) create(t *testing.T, originator, content string) *models.Rumor {
	t.Helper()
	r, err := f.engine.Create(context.Background(), CreateRequest{
		Originator: originator,
		Content:    content,
		Categories: []models.RumorCategory{models.RumorPolitical},
		Severity:   models.SeverityMajor,
		TruthValue: 0.8,
	})
	require.NoError(t, err)
	return r
}

func TestCreateThenForEntity(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, "npc1", "The king is ill")

	require.Len(t, r.Variants, 1)
	require.Len(t, r.Spread, 1)
	assert.Equal(t, 1.0, r.Spread[0].Believability)
	assert.Empty(t, r.Variants[0].ParentVariantID)

	got := f.engine.ForEntity(context.Background(), "npc1", EntityFilter{})
	require.Len(t, got, 1)
	assert.Equal(t, "The king is ill", got[0].Content)
	assert.Equal(t, 1.0, got[0].Believability)
	assert.Equal(t, r.Variants[0].ID, got[0].VariantID)

	assert.Equal(t, []events.Kind{events.KindRumorCreated}, f.rec.kinds())
	stored, err := f.backend.GetRumor(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r, stored)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Create(ctx, CreateRequest{Originator: "npc1", Content: "   "})
	assert.ErrorIs(t, err, ErrInvalidRumor)
	_, err = f.engine.Create(ctx, CreateRequest{Content: "Taxes rise"})
	assert.ErrorIs(t, err, ErrInvalidRumor)
	_, err = f.engine.Create(ctx, CreateRequest{Originator: "npc1", Content: "Taxes rise", Severity: models.Severity(9)})
	assert.ErrorIs(t, err, ErrInvalidRumor)

	r, err := f.engine.Create(ctx, CreateRequest{Originator: "npc1", Content: "Taxes rise", TruthValue: 4})
	require.NoError(t, err)
	assert.Equal(t, []models.RumorCategory{models.RumorOther}, r.Categories)
	assert.Equal(t, 1.0, r.TruthValue)

	r, err = f.engine.Create(ctx, CreateRequest{
		Originator: "npc1",
		Content:    "Taxes rise",
		Categories: []models.RumorCategory{models.RumorEconomic, models.RumorPolitical, models.RumorEconomic},
		TruthValue: -1,
	})
	require.NoError(t, err)
	assert.Equal(t, []models.RumorCategory{models.RumorEconomic, models.RumorPolitical}, r.Categories)
	assert.Equal(t, 0.0, r.TruthValue)
}

func TestSpreadRequiresKnowledge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "npc1", "The king is ill")

	assert.False(t, f.engine.Spread(ctx, SpreadRequest{RumorID: r.ID, From: "stranger", To: "npc2"}))
	assert.False(t, f.engine.Spread(ctx, SpreadRequest{RumorID: "missing", From: "npc1", To: "npc2"}))
	assert.False(t, f.engine.Spread(ctx, SpreadRequest{RumorID: r.ID, From: "npc1", To: "npc2", VariantID: "nope"}))

	got, ok := f.engine.Get(ctx, r.ID)
	require.True(t, ok)
	assert.Len(t, got.Spread, 1)
}

func TestSpreadBelievability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "npc1", "The king is ill")
	f.rec.reset()

	require.True(t, f.engine.Spread(ctx, SpreadRequest{RumorID: r.ID, From: "npc1", To: "npc2", BelievabilityModifier: 0.2}))
	require.True(t, f.engine.Spread(ctx, SpreadRequest{RumorID: r.ID, From: "npc1", To: "npc2", BelievabilityModifier: 0.5}))
	require.True(t, f.engine.Spread(ctx, SpreadRequest{RumorID: r.ID, From: "npc2", To: "npc3", BelievabilityModifier: -0.9}))

	got, _ := f.engine.Get(ctx, r.ID)
	require.Len(t, got.Spread, 4)

	first, second := got.Spread[1], got.Spread[2]
	assert.InDelta(t, 0.7, first.Believability, 1e-9)
	assert.Equal(t, 1.0, second.Believability)
	assert.True(t, second.HeardAt.After(first.HeardAt), "later record must win even with a frozen clock")
	assert.Equal(t, "npc1", second.SourceEntityID)

	latest, ok := got.LatestSpread("npc3")
	require.True(t, ok)
	assert.Equal(t, 0.0, latest.Believability)
	assert.Equal(t, r.Variants[0].ID, latest.VariantID)

	assert.Equal(t, []events.Kind{events.KindRumorSpread, events.KindRumorUpdated, events.KindRumorSpread}, f.rec.kinds())
}

func TestSpreadWithMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "npc1", "The king is ill")
	f.rec.reset()

	require.True(t, f.engine.Spread(ctx, SpreadRequest{
		RumorID:             r.ID,
		From:                "npc1",
		To:                  "npc2",
		Mutate:              true,
		MutationProbability: 1,
	}))

	got, _ := f.engine.Get(ctx, r.ID)
	require.Len(t, got.Variants, 2)
	child := got.Variants[1]
	assert.Equal(t, r.Variants[0].ID, child.ParentVariantID)
	assert.Equal(t, "npc2", child.EntityID)
	assert.NotEqual(t, r.OriginalContent, child.Content)
	assert.NotEmpty(t, child.Metadata["strategy"])

	content, ok := got.ContentFor("npc2")
	require.True(t, ok)
	assert.Equal(t, child.Content, content)

	assert.Equal(t, []events.Kind{events.KindRumorMutated, events.KindRumorSpread}, f.rec.kinds())
	f.rec.mu.Lock()
	transmitted := f.rec.seen[1].(events.RumorTransmitted)
	f.rec.mu.Unlock()
	assert.True(t, transmitted.Mutated)
	assert.Equal(t, child.ID, transmitted.VariantID)
}

func TestSpreadWithoutMutationRoll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "npc1", "The king is ill")

	require.True(t, f.engine.Spread(ctx, SpreadRequest{RumorID: r.ID, From: "npc1", To: "npc2", Mutate: true, MutationProbability: -1}))
	got, _ := f.engine.Get(ctx, r.ID)
	assert.Len(t, got.Variants, 1)
}

func TestMutateExplicitContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "npc1", "The king is ill")

	v, ok := f.engine.Mutate(ctx, MutateRequest{
		RumorID:    r.ID,
		EntityID:   "npc1",
		NewContent: "The king is dead",
		Metadata:   map[string]string{"mood": "grim"},
	})
	require.True(t, ok)
	assert.Equal(t, "The king is dead", v.Content)
	assert.Equal(t, r.Variants[0].ID, v.ParentVariantID)
	assert.Equal(t, map[string]string{"mood": "grim", "strategy": string(StrategyExplicit)}, v.Metadata)

	// The entity's belief is unchanged by authoring a variant.
	content, _ := mustGet(t, f.engine, r.ID).ContentFor("npc1")
	assert.Equal(t, "The king is ill", content)

	_, ok = f.engine.Mutate(ctx, MutateRequest{RumorID: "missing", EntityID: "npc1"})
	assert.False(t, ok)
	_, ok = f.engine.Mutate(ctx, MutateRequest{RumorID: r.ID, EntityID: "stranger"})
	assert.False(t, ok, "no parent resolves for an entity that never heard it")
	_, ok = f.engine.Mutate(ctx, MutateRequest{RumorID: r.ID, EntityID: "stranger", ParentVariantID: "nope"})
	assert.False(t, ok)

	v, ok = f.engine.Mutate(ctx, MutateRequest{RumorID: r.ID, EntityID: "stranger", ParentVariantID: v.ID})
	require.True(t, ok)
	assert.Len(t, mustGet(t, f.engine, r.ID).Variants, 3)
}

func mustGet(t *testing.T, e *Engine, id string) *models.Rumor {
	t.Helper()
	r, ok := e.Get(context.Background(), id)
	require.True(t, ok)
	return r
}

func TestMutateUsesRewriter(t *testing.T) {
	var got RewriteRequest
	f := newFixture(t, WithRewriter(RewriterFunc(func(_ context.Context, req RewriteRequest) (string, error) {
		got = req
		return "  The king has died  ", nil
	})))
	r := f.create(t, "npc1", "The king is ill")

	v, ok := f.engine.Mutate(context.Background(), MutateRequest{RumorID: r.ID, EntityID: "npc1"})
	require.True(t, ok)
	assert.Equal(t, "The king has died", v.Content)
	assert.Equal(t, string(StrategyRewriter), v.Metadata["strategy"])
	assert.Equal(t, "The king is ill", got.Content)
	assert.Equal(t, models.SeverityMajor, got.Severity)
	assert.Equal(t, []models.RumorCategory{models.RumorPolitical}, got.Categories)
	assert.Equal(t, "npc1", got.EntityID)
}

func TestMutateFallsBackWhenRewriterFails(t *testing.T) {
	cases := map[string]RewriterFunc{
		"error": func(context.Context, RewriteRequest) (string, error) {
			return "", errors.New("model unavailable")
		},
		"panic": func(context.Context, RewriteRequest) (string, error) {
			panic("boom")
		},
		"empty": func(context.Context, RewriteRequest) (string, error) {
			return "   ", nil
		},
		"unchanged": func(_ context.Context, req RewriteRequest) (string, error) {
			return req.Content, nil
		},
	}
	for name, rw := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, WithRewriter(rw))
			r := f.create(t, "npc1", "The king is ill")

			v, ok := f.engine.Mutate(context.Background(), MutateRequest{RumorID: r.ID, EntityID: "npc1"})
			require.True(t, ok)
			assert.NotEqual(t, "The king is ill", v.Content)
			assert.Contains(t, structural, Strategy(v.Metadata["strategy"]))
		})
	}
}

func TestUpdateBelievability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "npc1", "The king is ill")
	require.True(t, f.engine.Spread(ctx, SpreadRequest{RumorID: r.ID, From: "npc1", To: "npc2"}))
	f.rec.reset()

	require.True(t, f.engine.UpdateBelievability(ctx, r.ID, "npc2", -0.3))
	require.True(t, f.engine.UpdateBelievability(ctx, r.ID, "npc2", -5))
	assert.False(t, f.engine.UpdateBelievability(ctx, r.ID, "stranger", 0.1))
	assert.False(t, f.engine.UpdateBelievability(ctx, "missing", "npc2", 0.1))

	got := mustGet(t, f.engine, r.ID)
	require.Len(t, got.Spread, 4)
	assert.InDelta(t, 0.2, got.Spread[2].Believability, 1e-9)
	assert.Equal(t, "npc1", got.Spread[2].SourceEntityID)
	latest, _ := got.LatestSpread("npc2")
	assert.Equal(t, 0.0, latest.Believability)

	assert.Equal(t, []events.Kind{events.KindRumorUpdated, events.KindRumorUpdated}, f.rec.kinds())
}

func TestDecayFloorsAtZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "npc1", "The king is ill")
	require.Equal(t, 1, f.engine.Decay(ctx, DecayOptions{Rate: 0.95}))
	latest, _ := mustGet(t, f.engine, r.ID).LatestSpread("npc1")
	require.InDelta(t, 0.05, latest.Believability, 1e-9)

	assert.Equal(t, 1, f.engine.Decay(ctx, DecayOptions{Rate: 0.1}))
	stored, err := f.backend.GetRumor(ctx, r.ID)
	require.NoError(t, err)
	latest, _ = stored.LatestSpread("npc1")
	assert.Equal(t, 0.0, latest.Believability)

	writes := f.backend.Writes()
	assert.Zero(t, f.engine.Decay(ctx, DecayOptions{Rate: 0.1}))
	assert.Equal(t, writes, f.backend.Writes(), "unchanged rumors are not persisted")
}

func TestDecayCountsEntityPairs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "npc1", "The king is ill")
	b := f.create(t, "npc1", "The queen is plotting")
	require.True(t, f.engine.Spread(ctx, SpreadRequest{RumorID: a.ID, From: "npc1", To: "npc2"}))
	require.True(t, f.engine.Spread(ctx, SpreadRequest{RumorID: a.ID, From: "npc1", To: "npc2"}))
	f.rec.reset()

	// a: npc1 and npc2 (two records, one pair); b: npc1.
	assert.Equal(t, 3, f.engine.Decay(ctx, DecayOptions{}))
	latest, _ := mustGet(t, f.engine, b.ID).LatestSpread("npc1")
	assert.InDelta(t, 1-DefaultDecayRate, latest.Believability, 1e-9)
	assert.Equal(t, []events.Kind{events.KindRumorDecayed, events.KindRumorDecayed}, f.rec.kinds())

	assert.Equal(t, 1, f.engine.Decay(ctx, DecayOptions{Entities: []string{"npc2"}}))
}

func TestDecayScalesBySeverity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trivial, err := f.engine.Create(ctx, CreateRequest{Originator: "npc1", Content: "The cat is fat", Severity: models.SeverityTrivial})
	require.NoError(t, err)
	critical, err := f.engine.Create(ctx, CreateRequest{Originator: "npc1", Content: "The dam will burst", Severity: models.SeverityCritical})
	require.NoError(t, err)

	f.engine.Decay(ctx, DecayOptions{Rate: 0.1, ScaleBySeverity: true})
	t1, _ := mustGet(t, f.engine, trivial.ID).LatestSpread("npc1")
	c1, _ := mustGet(t, f.engine, critical.ID).LatestSpread("npc1")
	assert.InDelta(t, 0.85, t1.Believability, 1e-9)
	assert.InDelta(t, 0.94, c1.Believability, 1e-9)
}

func TestQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ill := f.create(t, "npc1", "The king is ill")
	f.clock.advance(time.Minute)
	bread, err := f.engine.Create(ctx, CreateRequest{
		Originator: "baker",
		Content:    "Bread prices will double",
		Categories: []models.RumorCategory{models.RumorEconomic},
		Severity:   models.SeverityMinor,
		TruthValue: 0.2,
	})
	require.NoError(t, err)
	_, ok := f.engine.Mutate(ctx, MutateRequest{RumorID: bread.ID, EntityID: "baker", NewContent: "Flour is running out"})
	require.True(t, ok)

	ids := func(rs []*models.Rumor) []string {
		var out []string
		for _, r := range rs {
			out = append(out, r.ID)
		}
		return out
	}

	assert.Equal(t, []string{ill.ID, bread.ID}, ids(f.engine.Query(ctx, QueryFilter{})))
	assert.Equal(t, []string{bread.ID}, ids(f.engine.Query(ctx, QueryFilter{Text: "FLOUR"})))
	assert.Equal(t, []string{ill.ID}, ids(f.engine.Query(ctx, QueryFilter{Categories: []models.RumorCategory{models.RumorPolitical, models.RumorMilitary}})))
	assert.Equal(t, []string{ill.ID}, ids(f.engine.Query(ctx, QueryFilter{MinSeverity: models.SeverityModerate})))
	assert.Equal(t, []string{ill.ID}, ids(f.engine.Query(ctx, QueryFilter{MinTruth: 0.5})))
	assert.Equal(t, []string{bread.ID}, ids(f.engine.Query(ctx, QueryFilter{KnownBy: "baker"})))
	assert.Equal(t, []string{ill.ID}, ids(f.engine.Query(ctx, QueryFilter{Limit: 1})))
	assert.Empty(t, f.engine.Query(ctx, QueryFilter{Text: "dragon"}))
}

func TestForEntityOrderingAndFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.create(t, "npc1", "The king is ill")
	f.clock.advance(time.Hour)
	recent, err := f.engine.Create(ctx, CreateRequest{
		Originator: "npc1",
		Content:    "Wolves in the east woods",
		Categories: []models.RumorCategory{models.RumorMilitary},
	})
	require.NoError(t, err)
	f.clock.advance(time.Hour)
	require.True(t, f.engine.UpdateBelievability(ctx, recent.ID, "npc1", -0.7))

	got := f.engine.ForEntity(ctx, "npc1", EntityFilter{})
	require.Len(t, got, 2)
	assert.Equal(t, recent.ID, got[0].RumorID)
	assert.Equal(t, old.ID, got[1].RumorID)
	assert.Equal(t, 2, got[0].SpreadCount)

	got = f.engine.ForEntity(ctx, "npc1", EntityFilter{MinBelievability: 0.5})
	require.Len(t, got, 1)
	assert.Equal(t, old.ID, got[0].RumorID)

	got = f.engine.ForEntity(ctx, "npc1", EntityFilter{Categories: []models.RumorCategory{models.RumorMilitary}})
	require.Len(t, got, 1)
	assert.Equal(t, recent.ID, got[0].RumorID)

	assert.Len(t, f.engine.ForEntity(ctx, "npc1", EntityFilter{MaxCount: 1}), 1)
	assert.Empty(t, f.engine.ForEntity(ctx, "nobody", EntityFilter{}))
}

func TestPersistFailureKeepsChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.FailWrites(errors.New("disk full"))

	r := f.create(t, "npc1", "The king is ill")
	assert.Equal(t, 1, f.engine.Unsaved())
	_, err := f.backend.GetRumor(ctx, r.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.True(t, f.engine.Spread(ctx, SpreadRequest{RumorID: r.ID, From: "npc1", To: "npc2"}))
	assert.Len(t, mustGet(t, f.engine, r.ID).Spread, 2)
	assert.Error(t, f.engine.Flush(ctx))
	assert.Equal(t, 1, f.engine.Statistics(ctx).Unsaved)

	f.backend.FailWrites(nil)
	require.NoError(t, f.engine.Flush(ctx))
	assert.Zero(t, f.engine.Unsaved())
	stored, err := f.backend.GetRumor(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Spread, 2)
}

func TestDirtyRumorsRetriedOnNextWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.FailWrites(errors.New("disk full"))
	a := f.create(t, "npc1", "The king is ill")
	f.backend.FailWrites(nil)

	f.create(t, "npc1", "The queen is plotting")
	assert.Zero(t, f.engine.Unsaved())
	_, err := f.backend.GetRumor(ctx, a.ID)
	assert.NoError(t, err)
}

func TestReloadRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "npc1", "The king is ill")
	require.True(t, f.engine.Spread(ctx, SpreadRequest{RumorID: r.ID, From: "npc1", To: "npc2", BelievabilityModifier: 0.1}))
	_, ok := f.engine.Mutate(ctx, MutateRequest{RumorID: r.ID, EntityID: "npc2", NewContent: "The king is dying"})
	require.True(t, ok)
	want := mustGet(t, f.engine, r.ID)

	reopened := f.open(t)
	got, ok := reopened.Get(ctx, r.ID)
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.Len(t, reopened.ForEntity(ctx, "npc2", EntityFilter{}), 1)
}

func TestSmallCacheStillSeesWholeCorpus(t *testing.T) {
	f := newFixture(t, WithCacheSize(1))
	ctx := context.Background()
	var ids []string
	for _, content := range []string{"The king is ill", "The queen is plotting", "The bridge has fallen"} {
		ids = append(ids, f.create(t, "npc1", content).ID)
		f.clock.advance(time.Second)
	}

	assert.Len(t, f.engine.Query(ctx, QueryFilter{}), 3)
	assert.Len(t, f.engine.ForEntity(ctx, "npc1", EntityFilter{}), 3)
	for _, id := range ids {
		_, ok := f.engine.Get(ctx, id)
		assert.True(t, ok)
	}
	assert.Equal(t, 3, f.engine.Decay(ctx, DecayOptions{}))
	assert.Equal(t, 3, f.engine.Statistics(ctx).Rumors)
}

func TestPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "npc1", "The king is ill")
	keep := f.create(t, "npc1", "The queen is plotting")

	f.backend.FailWrites(errors.New("read-only"))
	assert.False(t, f.engine.Purge(ctx, r.ID))
	_, ok := f.engine.Get(ctx, r.ID)
	assert.True(t, ok)
	f.backend.FailWrites(nil)

	f.rec.reset()
	assert.True(t, f.engine.Purge(ctx, r.ID))
	assert.False(t, f.engine.Purge(ctx, r.ID))
	_, ok = f.engine.Get(ctx, r.ID)
	assert.False(t, ok)
	_, err := f.backend.GetRumor(ctx, r.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, []events.Kind{events.KindRumorPurged}, f.rec.kinds())

	all := f.engine.Query(ctx, QueryFilter{})
	require.Len(t, all, 1)
	assert.Equal(t, keep.ID, all[0].ID)
}

func TestStatistics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "npc1", "The king is ill")
	_, err := f.engine.Create(ctx, CreateRequest{Originator: "npc3", Content: "Rain tomorrow", Categories: []models.RumorCategory{models.RumorOther}, TruthValue: 0.4})
	require.NoError(t, err)
	require.True(t, f.engine.Spread(ctx, SpreadRequest{RumorID: r.ID, From: "npc1", To: "npc2"}))

	st := f.engine.Statistics(ctx)
	assert.Equal(t, 2, st.Rumors)
	assert.Equal(t, 2, st.Variants)
	assert.Equal(t, 3, st.SpreadRecords)
	assert.Equal(t, 3, st.Entities)
	assert.Equal(t, 1, st.ByCategory[models.RumorPolitical])
	assert.Equal(t, 1, st.BySeverity[models.SeverityTrivial])
	assert.InDelta(t, 0.6, st.AverageTruth, 1e-9)
	assert.InDelta(t, (1.0+0.5+1.0)/3, st.AverageBelief, 1e-9)
}

func TestMutateRumorWithHugeNumber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "npc1", "9223372036854775807 soldiers marched north")

	for range 30 {
		var (
			v  *models.Variant
			ok bool
		)
		require.NotPanics(t, func() { v, ok = f.engine.Mutate(ctx, MutateRequest{RumorID: r.ID, EntityID: "npc1"}) })
		require.True(t, ok)
		assert.NotEqual(t, r.OriginalContent, v.Content)
	}
	require.NotPanics(t, func() {
		f.engine.Spread(ctx, SpreadRequest{RumorID: r.ID, From: "npc1", To: "npc2", Mutate: true, MutationProbability: 1})
	})
}

// panicRepo fails loudly on every rumor write after armed is set.
type panicRepo struct {
	*storage.Memory
	armed bool
}

func (p *panicRepo) SaveRumor(ctx context.Context, r *models.Rumor) error {
	if p.armed {
		panic("disk on fire")
	}
	return p.Memory.SaveRumor(ctx, r)
}

func TestPanicInsideEngineReleasesLock(t *testing.T) {
	repo := &panicRepo{Memory: storage.NewMemory()}
	e, err := New(repo, nil, WithLogger(quiet), WithRetry(resilience.RetryConfig{MaxRetries: 0, InitialInterval: time.Millisecond}))
	require.NoError(t, err)
	ctx := context.Background()
	r, err := e.Create(ctx, CreateRequest{Originator: "npc1", Content: "The well is poisoned"})
	require.NoError(t, err)

	repo.armed = true
	assert.Panics(t, func() { e.Mutate(ctx, MutateRequest{RumorID: r.ID, EntityID: "npc1", NewContent: "The well is cursed"}) })
	assert.Panics(t, func() { e.Spread(ctx, SpreadRequest{RumorID: r.ID, From: "npc1", To: "npc2"}) })
	assert.Panics(t, func() { e.UpdateBelievability(ctx, r.ID, "npc1", -0.1) })
	assert.Panics(t, func() { e.Decay(ctx, DecayOptions{}) })

	done := make(chan bool)
	go func() {
		_, ok := e.Get(ctx, r.ID)
		done <- ok
	}()
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("engine still locked after a panic")
	}
}

func TestDecayIgnoresUnchangedCurrentBelief(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "npc1", "The king is ill")
	require.True(t, f.engine.UpdateBelievability(ctx, r.ID, "npc1", -1))
	f.rec.reset()

	// The older 1.0 record still fades, but npc1 already believes nothing.
	assert.Zero(t, f.engine.Decay(ctx, DecayOptions{Rate: 0.1}))
	assert.Empty(t, f.rec.kinds())

	stored, err := f.backend.GetRumor(ctx, r.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, stored.Spread[0].Believability, 1e-9)
	latest, _ := stored.LatestSpread("npc1")
	assert.Equal(t, 0.0, latest.Believability)
}

func TestDecayScalesByAge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.create(t, "npc1", "The old king is ill")
	f.clock.advance(3*24*time.Hour + time.Hour)
	fresh := f.create(t, "npc1", "The young prince is ill")

	f.engine.Decay(ctx, DecayOptions{Rate: 0.1, ScaleByAge: true})
	o, _ := mustGet(t, f.engine, old.ID).LatestSpread("npc1")
	n, _ := mustGet(t, f.engine, fresh.ID).LatestSpread("npc1")
	assert.InDelta(t, 0.87, o.Believability, 1e-9)
	assert.InDelta(t, 0.9, n.Believability, 1e-9)

	assert.Equal(t, 1.0, ageFactor(-time.Hour))
	assert.InDelta(t, 1.1, ageFactor(47*time.Hour), 1e-9)
}
