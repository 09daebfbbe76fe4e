package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"

	"github.com/tatianab/worldcore/internal/config"
	"github.com/tatianab/worldcore/internal/models"
	"github.com/tatianab/worldcore/internal/rumor"
	"github.com/tatianab/worldcore/internal/world"
	"github.com/tatianab/worldcore/internal/worldstate"
)

const (
	maxRounds     = 10
	ticksPerRound = 2
)

var villagers = []string{"baker", "smith", "miller", "innkeeper", "guard", "priest"}

func main() {
	backend := flag.String("backend", "memory", "storage backend for the simulated world")
	seed := flag.Uint64("seed", 1, "seed for the gossip schedule")
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.Backend = *backend
	cfg.World = "simulation"
	cfg.DecayEveryTicks = 4

	w, err := world.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open world: %v", err)
	}
	defer func() {
		if err := w.Close(ctx); err != nil {
			log.Printf("Failed to close world: %v", err)
		}
	}()
	if cfg.RewriterEnabled() {
		fmt.Println("Gemini rewriter enabled, retellings come from the model")
	}

	// 1. Seed the world
	fmt.Println("--- Step 1: Seeding world state ---")
	seedState := []struct {
		key   string
		value any
		meta  worldstate.Meta
	}{
		{"village.ruler", "Lord Aldric", worldstate.Meta{Category: models.CategoryPolitical, Region: models.RegionCentral}},
		{"village.granary", 340, worldstate.Meta{Category: models.CategoryEconomic, Region: models.RegionCentral}},
		{"village.mood", "uneasy", worldstate.Meta{Category: models.CategorySocial, Region: models.RegionCentral}},
	}
	for _, s := range seedState {
		s.meta.Reason = "simulation seed"
		if err := w.State.Set(ctx, s.key, s.value, s.meta); err != nil {
			log.Fatalf("Failed to set %s: %v", s.key, err)
		}
		fmt.Printf("%s = %v\n", s.key, s.value)
	}

	// 2. Start rumors
	fmt.Println("\n--- Step 2: Starting rumors ---")
	seeds := []rumor.CreateRequest{
		{Originator: "baker", Content: "The granary lost 40 sacks of grain to rats last week",
			Categories: []models.RumorCategory{models.RumorEconomic}, Severity: models.SeverityModerate, TruthValue: 0.9},
		{Originator: "guard", Content: "Lord Aldric met a stranger at the north gate after midnight",
			Categories: []models.RumorCategory{models.RumorPolitical}, Severity: models.SeverityMajor, TruthValue: 0.4},
		{Originator: "innkeeper", Content: "The priest has been drinking the communion wine",
			Categories: []models.RumorCategory{models.RumorReligious, models.RumorGossip}, Severity: models.SeverityMinor, TruthValue: 0.1},
	}
	var ids []string
	for _, req := range seeds {
		r, err := w.Rumors.Create(ctx, req)
		if err != nil {
			log.Fatalf("Failed to create rumor: %v", err)
		}
		ids = append(ids, r.ID)
		fmt.Printf("%s: %q\n", r.OriginatorID, r.OriginalContent)
	}

	// 3. Gossip
	rng := rand.New(rand.NewPCG(*seed, *seed))
	for round := 1; round <= maxRounds; round++ {
		fmt.Printf("\n--- Round %d ---\n", round)
		for _, id := range ids {
			r, ok := w.Rumors.Get(ctx, id)
			if !ok {
				continue
			}
			knowers := r.Entities()
			from := knowers[rng.IntN(len(knowers))]
			to := villagers[rng.IntN(len(villagers))]
			if to == from {
				continue
			}
			spread := w.Rumors.Spread(ctx, rumor.SpreadRequest{
				RumorID:               id,
				From:                  from,
				To:                    to,
				BelievabilityModifier: rng.Float64()*0.4 - 0.2,
				Mutate:                true,
				MutationProbability:   0.3,
			})
			if spread {
				fmt.Printf("%s told %s\n", from, to)
			}
		}
		if err := w.Advance(ctx, ticksPerRound); err != nil {
			log.Fatalf("Failed to advance time: %v", err)
		}
	}

	// 4. Report
	fmt.Println("\n--- What the village believes ---")
	for _, who := range villagers {
		heard := w.Rumors.ForEntity(ctx, who, rumor.EntityFilter{MaxCount: 3})
		fmt.Printf("%s:\n", who)
		if len(heard) == 0 {
			fmt.Println("  (nothing)")
		}
		for _, er := range heard {
			fmt.Printf("  %.2f  %s\n", er.Believability, er.Content)
		}
	}

	st := w.Rumors.Statistics(ctx)
	fmt.Printf("\nTick %d: %d rumors, %d variants, %d spread records, average belief %.2f\n",
		w.Tick(), st.Rumors, st.Variants, st.SpreadRecords, st.AverageBelief)
}
