// Package rumor models how pieces of in-world information spread between
// entities, mutate as they are retold, and fade from belief.
package rumor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"math/rand/v2"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tatianab/worldcore/internal/events"
	"github.com/tatianab/worldcore/internal/models"
	"github.com/tatianab/worldcore/internal/resilience"
	"github.com/tatianab/worldcore/internal/storage"
)

// ErrInvalidRumor is returned by Create for unusable input.
var ErrInvalidRumor = errors.New("rumor: invalid rumor")

const (
	DefaultDecayRate           = 0.05
	DefaultMutationProbability = 0.2
	DefaultCacheSize           = 1024
	defaultLimit               = 50
	unknownBelievability       = 0.5
)

var severityDecay = map[models.Severity]float64{
	models.SeverityTrivial:  1.5,
	models.SeverityMinor:    1.2,
	models.SeverityModerate: 1.0,
	models.SeverityMajor:    0.8,
	models.SeverityCritical: 0.6,
}

// Publisher announces events. *events.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// CreateRequest describes a new rumor.
type CreateRequest struct {
	Originator string
	Content    string
	Categories []models.RumorCategory
	Severity   models.Severity
	TruthValue float64
}

// SpreadRequest describes one retelling.
type SpreadRequest struct {
	RumorID string
	From    string
	To      string
	// VariantID picks the wording to pass on; empty uses what From believes.
	VariantID             string
	BelievabilityModifier float64
	Mutate                bool
	// MutationProbability applies when Mutate is set; zero means
	// DefaultMutationProbability.
	MutationProbability float64
}

// MutateRequest describes a new variant.
type MutateRequest struct {
	RumorID  string
	EntityID string
	// ParentVariantID defaults to the variant EntityID believes.
	ParentVariantID string
	// NewContent, when set, is used verbatim.
	NewContent string
	Metadata   map[string]string
}

// DecayOptions controls Decay.
type DecayOptions struct {
	// Rate is subtracted from each believability; zero means the engine default.
	Rate float64
	// Entities limits decay to these entities when non-empty.
	Entities []string
	// ScaleBySeverity makes trivial rumors fade faster and critical ones slower.
	ScaleBySeverity bool
	// ScaleByAge adds a tenth of the rate for every full day since the rumor
	// was created.
	ScaleByAge bool
}

// QueryFilter selects rumors. Empty fields match everything.
type QueryFilter struct {
	Text        string
	Categories  []models.RumorCategory
	MinSeverity models.Severity
	MinTruth    float64
	KnownBy     string
	// Limit defaults to 50.
	Limit int
}

// EntityFilter selects what an entity knows.
type EntityFilter struct {
	Categories       []models.RumorCategory
	MinBelievability float64
	// MaxCount defaults to 50.
	MaxCount int
}

// EntityRumor is a rumor as one entity currently believes it.
type EntityRumor struct {
	RumorID       string
	VariantID     string
	Content       string
	Believability float64
	HeardAt       time.Time
	Categories    []models.RumorCategory
	Severity      models.Severity
	TruthValue    float64
	SpreadCount   int
}

// Statistics summarises the corpus.
type Statistics struct {
	Rumors        int
	Variants      int
	SpreadRecords int
	Entities      int
	ByCategory    map[models.RumorCategory]int
	BySeverity    map[models.Severity]int
	AverageTruth  float64
	// AverageBelief is taken over each entity's current record.
	AverageBelief float64
	Unsaved       int
}

// Engine owns the rumor corpus. Every operation runs under one mutex,
// persistence included; events are published after it is released.
type Engine struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, *models.Rumor]
	capacity int
	// complete is true while every rumor is cached.
	complete bool
	// dirty pins rumors whose last write failed so eviction cannot lose them.
	dirty map[string]*models.Rumor

	repo      storage.RumorRepository
	pub       Publisher
	rewriter  Rewriter
	rng       *rand.Rand
	mutator   *Mutator
	decayRate float64
	retry     resilience.RetryConfig
	logger    *log.Logger
	now       func() time.Time
}

type Option func(*Engine)

func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRand makes mutation and spread rolls reproducible.
func WithRand(src rand.Source) Option {
	return func(e *Engine) { e.rng = rand.New(src) }
}

func WithRewriter(r Rewriter) Option {
	return func(e *Engine) { e.rewriter = r }
}

func WithCacheSize(n int) Option {
	return func(e *Engine) { e.capacity = n }
}

func WithDecayRate(rate float64) Option {
	return func(e *Engine) {
		if rate > 0 {
			e.decayRate = min(rate, 1)
		}
	}
}

func WithRetry(cfg resilience.RetryConfig) Option {
	return func(e *Engine) { e.retry = cfg }
}

// New builds an engine over repo. Rumors are loaded lazily.
func New(repo storage.RumorRepository, pub Publisher, opts ...Option) (*Engine, error) {
	e := &Engine{
		dirty:     make(map[string]*models.Rumor),
		repo:      repo,
		pub:       pub,
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
		capacity:  DefaultCacheSize,
		decayRate: DefaultDecayRate,
		retry:     resilience.DefaultRetryConfig(),
		logger:    log.New(os.Stderr, "[rumor] ", log.LstdFlags),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.capacity < 1 {
		e.capacity = DefaultCacheSize
	}
	cache, err := lru.NewWithEvict(e.capacity, func(string, *models.Rumor) {
		e.complete = false
	})
	if err != nil {
		return nil, fmt.Errorf("rumor cache: %w", err)
	}
	e.cache = cache
	e.mutator = NewMutator(e.rng)
	return e, nil
}

// Create starts a rumor with its seed variant, believed fully by the originator.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*models.Rumor, error) {
	content := strings.TrimSpace(req.Content)
	originator := strings.TrimSpace(req.Originator)
	switch {
	case originator == "":
		return nil, fmt.Errorf("%w: originator is required", ErrInvalidRumor)
	case content == "":
		return nil, fmt.Errorf("%w: content is required", ErrInvalidRumor)
	case req.Severity < models.SeverityTrivial || req.Severity > models.SeverityCritical:
		return nil, fmt.Errorf("%w: severity %d out of range", ErrInvalidRumor, int(req.Severity))
	}

	categories := slices.Compact(slices.Sorted(slices.Values(req.Categories)))
	if len(categories) == 0 {
		categories = []models.RumorCategory{models.RumorOther}
	}

	now := e.now()
	seed := models.Variant{ID: uuid.NewString(), Content: content, CreatedAt: now, EntityID: originator}
	r := &models.Rumor{
		ID:              uuid.NewString(),
		CreatedAt:       now,
		OriginatorID:    originator,
		OriginalContent: content,
		Categories:      categories,
		Severity:        req.Severity,
		TruthValue:      models.Clamp01(req.TruthValue),
		Variants:        []models.Variant{seed},
		Spread: []models.SpreadRecord{{
			EntityID:      originator,
			VariantID:     seed.ID,
			Believability: 1.0,
			HeardAt:       now,
		}},
	}

	out := e.locked(func() *models.Rumor {
		e.cache.Add(r.ID, r)
		e.persistLocked(ctx, r)
		return r.Clone()
	})

	e.publish(ctx, events.RumorCreated{
		RumorID:      r.ID,
		OriginatorID: originator,
		VariantID:    seed.ID,
		Content:      content,
		Categories:   slices.Clone(categories),
		Severity:     r.Severity,
		At:           now,
	})
	return out, nil
}

// Get returns a copy of the rumor.
func (e *Engine) Get(ctx context.Context, id string) (*models.Rumor, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.lookupLocked(ctx, id)
	if r == nil {
		return nil, false
	}
	return r.Clone(), true
}

// Spread passes the rumor from one entity to another. It reports false, and
// changes nothing, when the rumor is unknown or From has never heard it.
func (e *Engine) Spread(ctx context.Context, req SpreadRequest) bool {
	if req.To == "" {
		return false
	}
	pending, ok := e.spread(ctx, req)
	if !ok {
		return false
	}
	e.publish(ctx, pending...)
	return true
}

func (e *Engine) spread(ctx context.Context, req SpreadRequest) ([]events.Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.lookupLocked(ctx, req.RumorID)
	if r == nil {
		return nil, false
	}
	from, ok := r.LatestSpread(req.From)
	if !ok {
		return nil, false
	}
	variantID := req.VariantID
	if variantID == "" {
		variantID = from.VariantID
	}
	if _, ok := r.Variant(variantID); !ok {
		return nil, false
	}

	var pending []events.Event
	mutated := false
	if req.Mutate {
		p := req.MutationProbability
		if p == 0 {
			p = DefaultMutationProbability
		}
		if e.rng.Float64() < p {
			// The listener garbles what it heard.
			if v, ev, ok := e.mutateLocked(ctx, r, req.To, variantID, "", nil); ok {
				variantID = v.ID
				mutated = true
				pending = append(pending, ev)
			}
		}
	}

	prior, known := r.LatestSpread(req.To)
	base := unknownBelievability
	if known {
		base = prior.Believability
	}
	rec := models.SpreadRecord{
		EntityID:       req.To,
		VariantID:      variantID,
		SourceEntityID: req.From,
		Believability:  models.Clamp01(base + req.BelievabilityModifier),
		HeardAt:        e.heardAt(prior, known),
	}
	r.Spread = append(r.Spread, rec)
	e.persistLocked(ctx, r)

	return append(pending, events.RumorTransmitted{
		RumorID:       r.ID,
		FromEntityID:  req.From,
		ToEntityID:    req.To,
		VariantID:     variantID,
		Believability: rec.Believability,
		Mutated:       mutated,
		FirstHeard:    !known,
		At:            rec.HeardAt,
	}), true
}

// Mutate derives a new variant. Content comes from NewContent, then the
// rewriter, then the local Mutator.
func (e *Engine) Mutate(ctx context.Context, req MutateRequest) (*models.Variant, bool) {
	v, ev, ok := func() (models.Variant, events.RumorMutated, bool) {
		e.mu.Lock()
		defer e.mu.Unlock()
		r := e.lookupLocked(ctx, req.RumorID)
		if r == nil {
			return models.Variant{}, events.RumorMutated{}, false
		}
		v, ev, ok := e.mutateLocked(ctx, r, req.EntityID, req.ParentVariantID, req.NewContent, req.Metadata)
		if ok {
			e.persistLocked(ctx, r)
		}
		return v, ev, ok
	}()
	if !ok {
		return nil, false
	}

	e.publish(ctx, ev)
	v.Metadata = maps.Clone(v.Metadata)
	return &v, true
}

func (e *Engine) mutateLocked(ctx context.Context, r *models.Rumor, entityID, parentID, content string, meta map[string]string) (models.Variant, events.RumorMutated, bool) {
	if parentID == "" {
		rec, ok := r.LatestSpread(entityID)
		if !ok {
			return models.Variant{}, events.RumorMutated{}, false
		}
		parentID = rec.VariantID
	}
	parent, ok := r.Variant(parentID)
	if !ok {
		return models.Variant{}, events.RumorMutated{}, false
	}

	var strategy Strategy
	content = strings.TrimSpace(content)
	if content != "" {
		strategy = StrategyExplicit
	} else {
		content, strategy = e.retell(ctx, r, entityID, parent.Content)
	}

	metadata := maps.Clone(meta)
	if metadata == nil {
		metadata = make(map[string]string, 1)
	}
	metadata["strategy"] = string(strategy)

	v := models.Variant{
		ID:              uuid.NewString(),
		Content:         content,
		CreatedAt:       e.now(),
		ParentVariantID: parent.ID,
		EntityID:        entityID,
		Metadata:        metadata,
	}
	r.Variants = append(r.Variants, v)

	return v, events.RumorMutated{
		RumorID:         r.ID,
		EntityID:        entityID,
		VariantID:       v.ID,
		ParentVariantID: parent.ID,
		OriginalContent: parent.Content,
		MutatedContent:  content,
		Strategy:        string(strategy),
		At:              v.CreatedAt,
	}, true
}

// retell asks the rewriter first and falls back to the Mutator.
func (e *Engine) retell(ctx context.Context, r *models.Rumor, entityID, content string) (string, Strategy) {
	if e.rewriter != nil {
		out, err := e.safeRewrite(ctx, RewriteRequest{
			Content:    content,
			Categories: slices.Clone(r.Categories),
			Severity:   r.Severity,
			TruthValue: r.TruthValue,
			EntityID:   entityID,
		})
		out = strings.TrimSpace(out)
		switch {
		case err != nil:
			e.logger.Printf("rewriter failed for rumor %s, using fallback: %v", r.ID, err)
		case out == "" || out == content:
			e.logger.Printf("rewriter returned nothing new for rumor %s, using fallback", r.ID)
		default:
			return out, StrategyRewriter
		}
	}
	return e.mutator.Mutate(content)
}

func (e *Engine) safeRewrite(ctx context.Context, req RewriteRequest) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("rewriter panic: %v", p)
		}
	}()
	return e.rewriter.Rewrite(ctx, req)
}

// UpdateBelievability records a change in how much entityID believes the
// rumor, keeping the variant and source it last heard.
func (e *Engine) UpdateBelievability(ctx context.Context, rumorID, entityID string, delta float64) bool {
	prior, rec, ok := func() (models.SpreadRecord, models.SpreadRecord, bool) {
		e.mu.Lock()
		defer e.mu.Unlock()
		r := e.lookupLocked(ctx, rumorID)
		if r == nil {
			return models.SpreadRecord{}, models.SpreadRecord{}, false
		}
		prior, ok := r.LatestSpread(entityID)
		if !ok {
			return models.SpreadRecord{}, models.SpreadRecord{}, false
		}
		rec := prior
		rec.Believability = models.Clamp01(prior.Believability + delta)
		rec.HeardAt = e.heardAt(prior, true)
		r.Spread = append(r.Spread, rec)
		e.persistLocked(ctx, r)
		return prior, rec, true
	}()
	if !ok {
		return false
	}

	e.publish(ctx, events.BeliefChanged{
		RumorID:  rumorID,
		EntityID: entityID,
		Old:      prior.Believability,
		New:      rec.Believability,
		At:       rec.HeardAt,
	})
	return true
}

// heardAt returns now, moved past prior when needed so the new record is the
// entity's latest.
func (e *Engine) heardAt(prior models.SpreadRecord, known bool) time.Time {
	at := e.now()
	if known && !at.After(prior.HeardAt) {
		at = prior.HeardAt.Add(time.Nanosecond)
	}
	return at
}

// Decay lowers every positive believability by the rate, never below zero,
// and returns how many (rumor, entity) pairs had their current belief
// lowered. Only changed rumors are persisted.
func (e *Engine) Decay(ctx context.Context, opts DecayOptions) int {
	rate := opts.Rate
	if rate <= 0 {
		rate = e.decayRate
	}
	rate = min(rate, 1)

	var only map[string]bool
	if len(opts.Entities) > 0 {
		only = make(map[string]bool, len(opts.Entities))
		for _, id := range opts.Entities {
			only[id] = true
		}
	}

	affected, pending := e.decay(ctx, rate, only, opts)
	e.publish(ctx, pending...)
	return affected
}

func (e *Engine) decay(ctx context.Context, rate float64, only map[string]bool, opts DecayOptions) (int, []events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	affected := 0
	var pending []events.Event
	for _, r := range e.corpusLocked(ctx) {
		step := rate
		if opts.ScaleBySeverity {
			step *= severityDecay[r.Severity]
		}
		if opts.ScaleByAge {
			step *= ageFactor(now.Sub(r.CreatedAt))
		}
		step = min(step, 1)

		before := currentBeliefs(r)
		changed := false
		for i := range r.Spread {
			rec := &r.Spread[i]
			if rec.Believability <= 0 || (only != nil && !only[rec.EntityID]) {
				continue
			}
			rec.Believability = max(0, rec.Believability-step)
			changed = true
		}
		if !changed {
			continue
		}

		e.cache.Add(r.ID, r)
		e.persistLocked(ctx, r)

		var lowered []string
		for id, b := range currentBeliefs(r) {
			if b != before[id] {
				lowered = append(lowered, id)
			}
		}
		if len(lowered) == 0 {
			continue
		}
		slices.Sort(lowered)
		affected += len(lowered)
		pending = append(pending, events.RumorDecayed{
			RumorID:  r.ID,
			Entities: lowered,
			Rate:     step,
			At:       now,
		})
	}
	return affected, pending
}

// currentBeliefs maps each entity to the believability of its latest record.
func currentBeliefs(r *models.Rumor) map[string]float64 {
	out := make(map[string]float64)
	for _, id := range r.Entities() {
		rec, _ := r.LatestSpread(id)
		out[id] = rec.Believability
	}
	return out
}

// ageFactor grows by a tenth for every full day since creation.
func ageFactor(age time.Duration) float64 {
	days := int(age / (24 * time.Hour))
	return 1 + float64(max(days, 0))*0.1
}

// Query returns matching rumors in creation order.
func (e *Engine) Query(ctx context.Context, f QueryFilter) []*models.Rumor {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	text := strings.ToLower(strings.TrimSpace(f.Text))

	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*models.Rumor
	for _, r := range e.corpusLocked(ctx) {
		if len(out) == limit {
			break
		}
		if text != "" && !mentions(r, text) {
			continue
		}
		if len(f.Categories) > 0 && !r.HasAnyCategory(f.Categories) {
			continue
		}
		if r.Severity < f.MinSeverity || r.TruthValue < f.MinTruth {
			continue
		}
		if f.KnownBy != "" && !r.Knows(f.KnownBy) {
			continue
		}
		out = append(out, r.Clone())
	}
	return out
}

func mentions(r *models.Rumor, lowered string) bool {
	if strings.Contains(strings.ToLower(r.OriginalContent), lowered) {
		return true
	}
	for _, v := range r.Variants {
		if strings.Contains(strings.ToLower(v.Content), lowered) {
			return true
		}
	}
	return false
}

// ForEntity lists what entityID currently believes, most recently heard first.
func (e *Engine) ForEntity(ctx context.Context, entityID string, f EntityFilter) []EntityRumor {
	limit := f.MaxCount
	if limit <= 0 {
		limit = defaultLimit
	}

	out := e.entityRumors(ctx, entityID, f)
	slices.SortStableFunc(out, func(a, b EntityRumor) int {
		return b.HeardAt.Compare(a.HeardAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (e *Engine) entityRumors(ctx context.Context, entityID string, f EntityFilter) []EntityRumor {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []EntityRumor
	for _, r := range e.corpusLocked(ctx) {
		rec, ok := r.LatestSpread(entityID)
		if !ok || rec.Believability < f.MinBelievability {
			continue
		}
		if len(f.Categories) > 0 && !r.HasAnyCategory(f.Categories) {
			continue
		}
		content := r.OriginalContent
		if v, ok := r.Variant(rec.VariantID); ok {
			content = v.Content
		}
		out = append(out, EntityRumor{
			RumorID:       r.ID,
			VariantID:     rec.VariantID,
			Content:       content,
			Believability: rec.Believability,
			HeardAt:       rec.HeardAt,
			Categories:    slices.Clone(r.Categories),
			Severity:      r.Severity,
			TruthValue:    r.TruthValue,
			SpreadCount:   len(r.Spread),
		})
	}
	return out
}

// Purge removes a rumor entirely. It reports false if the rumor is unknown or
// could not be deleted from storage.
func (e *Engine) Purge(ctx context.Context, id string) bool {
	ok := func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.lookupLocked(ctx, id) == nil {
			return false
		}
		err := resilience.Retry(ctx, e.retry, func() error { return e.repo.DeleteRumor(ctx, id) })
		if err != nil {
			e.logger.Printf("purge rumor %s: %v", id, err)
			return false
		}
		complete := e.complete
		e.cache.Remove(id)
		e.complete = complete
		delete(e.dirty, id)
		return true
	}()
	if !ok {
		return false
	}

	e.publish(ctx, events.RumorPurged{RumorID: id, At: e.now()})
	return true
}

// Statistics summarises the whole corpus.
func (e *Engine) Statistics(ctx context.Context) Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Statistics{
		ByCategory: make(map[models.RumorCategory]int),
		BySeverity: make(map[models.Severity]int),
		Unsaved:    len(e.dirty),
	}
	entities := make(map[string]bool)
	var truth, belief float64
	beliefs := 0
	for _, r := range e.corpusLocked(ctx) {
		st.Rumors++
		st.Variants += len(r.Variants)
		st.SpreadRecords += len(r.Spread)
		st.BySeverity[r.Severity]++
		for _, c := range r.Categories {
			st.ByCategory[c]++
		}
		truth += r.TruthValue
		for _, id := range r.Entities() {
			entities[id] = true
			rec, _ := r.LatestSpread(id)
			belief += rec.Believability
			beliefs++
		}
	}
	st.Entities = len(entities)
	if st.Rumors > 0 {
		st.AverageTruth = truth / float64(st.Rumors)
	}
	if beliefs > 0 {
		st.AverageBelief = belief / float64(beliefs)
	}
	return st
}

// Flush retries every write that previously failed.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for _, id := range slices.Sorted(maps.Keys(e.dirty)) {
		r := e.dirty[id]
		err := resilience.Retry(ctx, e.retry, func() error { return e.repo.SaveRumor(ctx, r) })
		if err != nil {
			errs = append(errs, fmt.Errorf("rumor %s: %w", id, err))
			continue
		}
		delete(e.dirty, id)
	}
	return errors.Join(errs...)
}

// Unsaved reports how many rumors have changes not yet persisted.
func (e *Engine) Unsaved() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.dirty)
}

// locked runs fn under the engine mutex.
func (e *Engine) locked(fn func() *models.Rumor) *models.Rumor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}

func (e *Engine) lookupLocked(ctx context.Context, id string) *models.Rumor {
	if r, ok := e.dirty[id]; ok {
		return r
	}
	if r, ok := e.cache.Get(id); ok {
		return r
	}
	if e.complete {
		return nil
	}
	r, err := e.repo.GetRumor(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.logger.Printf("load rumor %s: %v", id, err)
		}
		return nil
	}
	e.cache.Add(id, r)
	return r
}

// corpusLocked returns every rumor ordered by creation time. The repository
// is read in bulk unless the cache already holds everything; in-memory
// copies win over stored ones.
func (e *Engine) corpusLocked(ctx context.Context) []*models.Rumor {
	byID := make(map[string]*models.Rumor)
	if !e.complete {
		all, err := e.repo.AllRumors(ctx)
		if err != nil {
			e.logger.Printf("bulk load rumors: %v", err)
		}
		for _, r := range all {
			byID[r.ID] = r
		}
		for _, id := range e.cache.Keys() {
			if r, ok := e.cache.Peek(id); ok {
				byID[id] = r
			}
		}
		maps.Copy(byID, e.dirty)
		if err == nil && len(byID) <= e.capacity {
			for _, r := range byID {
				e.cache.Add(r.ID, r)
			}
			e.complete = true
		}
	} else {
		for _, r := range e.cache.Values() {
			byID[r.ID] = r
		}
		maps.Copy(byID, e.dirty)
	}

	out := slices.Collect(maps.Values(byID))
	slices.SortFunc(out, func(a, b *models.Rumor) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// persistLocked writes r with retries. On failure the change stays in memory
// and r is pinned as dirty; a later successful write also retries the other
// dirty rumors once.
func (e *Engine) persistLocked(ctx context.Context, r *models.Rumor) {
	err := resilience.Retry(ctx, e.retry, func() error { return e.repo.SaveRumor(ctx, r) })
	if err != nil {
		e.dirty[r.ID] = r
		e.logger.Printf("persist rumor %s: %v (kept in memory, will retry)", r.ID, err)
		return
	}
	delete(e.dirty, r.ID)

	for id, d := range e.dirty {
		if err := e.repo.SaveRumor(ctx, d); err == nil {
			delete(e.dirty, id)
		}
	}
}

func (e *Engine) publish(ctx context.Context, evs ...events.Event) {
	if e.pub == nil {
		return
	}
	for _, ev := range evs {
		if err := e.pub.Publish(ctx, ev); err != nil {
			e.logger.Printf("announce %s: %v", ev.Kind(), err)
		}
	}
}
