// Package world is the composition root: it picks a storage backend and wires
// the event bus, world state, rumor engine and the clock that drives decay.
package world

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tatianab/worldcore/internal/config"
	"github.com/tatianab/worldcore/internal/engine"
	"github.com/tatianab/worldcore/internal/events"
	"github.com/tatianab/worldcore/internal/models"
	"github.com/tatianab/worldcore/internal/resilience"
	"github.com/tatianab/worldcore/internal/rumor"
	"github.com/tatianab/worldcore/internal/storage"
	"github.com/tatianab/worldcore/internal/storage/redisstore"
	"github.com/tatianab/worldcore/internal/storage/sqlite"
	"github.com/tatianab/worldcore/internal/storage/yamlfile"
	"github.com/tatianab/worldcore/internal/worldstate"
)

// TickKey is the state variable holding the current world tick.
const TickKey = "world.time.tick"

type World struct {
	Bus    *events.Bus
	State  *worldstate.Store
	Rumors *rumor.Engine

	backend  storage.Backend
	rewriter *engine.Engine
	logger   *log.Logger
	now      func() time.Time

	decayEvery int
	decayRate  float64

	mu   sync.Mutex
	tick int64
}

type options struct {
	logger   *log.Logger
	backend  storage.Backend
	rewriter rumor.Rewriter
	now      func() time.Time
	eventLog *log.Logger
}

type Option func(*options)

// WithLogger sets the parent logger; each component keeps its own prefix.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBackend bypasses backend selection from the config.
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithRewriter replaces the Gemini rewriter.
func WithRewriter(r rumor.Rewriter) Option {
	return func(o *options) { o.rewriter = r }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithEventLog logs every event to l from an async subscriber.
func WithEventLog(l *log.Logger) Option {
	return func(o *options) { o.eventLog = l }
}

// Open builds a world from cfg. The returned world owns the backend and must
// be closed.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*World, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	logger := func(prefix string) *log.Logger {
		if o.logger == nil {
			return log.New(os.Stderr, prefix, log.LstdFlags)
		}
		return log.New(o.logger.Writer(), prefix, o.logger.Flags())
	}

	backend := o.backend
	if backend == nil {
		var err error
		backend, err = OpenBackend(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	w := &World{
		backend:    backend,
		logger:     logger("[world] "),
		now:        o.now,
		decayEvery: cfg.DecayEveryTicks,
		decayRate:  cfg.DecayRate,
	}
	w.Bus = events.NewBus(events.WithLogger(logger("[events] ")), events.WithWorkers(cfg.Workers))

	retry := resilience.DefaultRetryConfig()
	retry.MaxRetries = cfg.PersistRetries
	if cfg.PersistBackoff > 0 {
		retry.InitialInterval = cfg.PersistBackoff
	}

	state, err := worldstate.New(ctx, backend, w.Bus,
		worldstate.WithLogger(logger("[worldstate] ")),
		worldstate.WithClock(o.now),
		worldstate.WithRetry(retry),
	)
	if err != nil {
		w.Bus.Close()
		_ = backend.Close()
		return nil, err
	}
	w.State = state

	rewriter := o.rewriter
	if rewriter == nil && cfg.RewriterEnabled() {
		w.rewriter, err = engine.NewEngine(ctx, cfg.GeminiAPIKey, cfg.GeminiModel,
			engine.WithLogger(logger("[engine] ")),
			engine.WithRateLimit(cfg.RewriteRPS),
		)
		if err != nil {
			w.logger.Printf("rewriter disabled: %v", err)
		} else {
			rewriter = w.rewriter
		}
	}

	ropts := []rumor.Option{
		rumor.WithLogger(logger("[rumor] ")),
		rumor.WithClock(o.now),
		rumor.WithRetry(retry),
		rumor.WithCacheSize(cfg.RumorCacheSize),
		rumor.WithDecayRate(cfg.DecayRate),
	}
	if rewriter != nil {
		ropts = append(ropts, rumor.WithRewriter(rewriter))
	}
	w.Rumors, err = rumor.New(backend, w.Bus, ropts...)
	if err != nil {
		_ = w.Close(ctx)
		return nil, err
	}

	w.tick = asTick(state.Get(TickKey, int64(0)))
	w.Bus.Subscribe(events.KindTimeAdvanced, w.onTick, 100)
	if o.eventLog != nil {
		l := o.eventLog
		w.Bus.SubscribeAsync(events.KindAny, func(_ context.Context, ev events.Event) error {
			l.Printf("%s %+v", ev.Kind(), ev)
			return nil
		}, -100)
	}
	return w, nil
}

// OpenBackend opens the storage backend named by cfg.Backend.
func OpenBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemory(), nil
	case "yaml", "":
		s, err := yamlfile.Open(cfg.WorldDir())
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		path := cfg.SQLiteFile()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		s, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := redisstore.Open(ctx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix + cfg.World + ":",
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// Tick returns the current world tick.
func (w *World) Tick() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tick
}

// Advance moves time forward n ticks, announcing each one.
func (w *World) Advance(ctx context.Context, n int) error {
	for range n {
		w.mu.Lock()
		w.tick++
		tick := w.tick
		w.mu.Unlock()

		if err := w.Bus.Publish(ctx, events.TimeAdvanced{Tick: tick, At: w.now()}); err != nil {
			return err
		}
	}
	return nil
}

// onTick records the tick and decays rumors every decayEvery ticks.
func (w *World) onTick(ctx context.Context, ev events.Event) error {
	t, ok := ev.(events.TimeAdvanced)
	if !ok {
		return nil
	}
	err := w.State.Set(ctx, TickKey, t.Tick, worldstate.Meta{
		Category: models.CategoryOther,
		Region:   models.RegionGlobal,
		Reason:   "time advanced",
	})
	if err != nil {
		return fmt.Errorf("record tick: %w", err)
	}

	if w.decayEvery > 0 && t.Tick%int64(w.decayEvery) == 0 {
		n := w.Rumors.Decay(ctx, rumor.DecayOptions{Rate: w.decayRate, ScaleBySeverity: true, ScaleByAge: true})
		if n > 0 {
			w.logger.Printf("tick %d: decayed %d beliefs", t.Tick, n)
		}
	}
	return nil
}

// Close flushes unsaved changes, stops the bus and closes the backend.
func (w *World) Close(ctx context.Context) error {
	var errs []error
	if w.Rumors != nil {
		errs = append(errs, w.Rumors.Flush(ctx))
	}
	if w.State != nil {
		errs = append(errs, w.State.Flush(ctx))
	}
	w.Bus.Close()
	if w.rewriter != nil {
		w.rewriter.Close()
	}
	errs = append(errs, w.backend.Close())
	return errors.Join(errs...)
}

// asTick reads a stored tick. Backends that round-trip through JSON return
// float64, YAML returns int.
func asTick(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0
		}
		return int64(n)
	case uint64:
		return int64(n)
	default:
		return 0
	}
}
