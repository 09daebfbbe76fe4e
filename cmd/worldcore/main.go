package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tatianab/worldcore/internal/config"
	"github.com/tatianab/worldcore/internal/storage/yamlfile"
	"github.com/tatianab/worldcore/internal/telemetry"
	"github.com/tatianab/worldcore/internal/tui"
	"github.com/tatianab/worldcore/internal/world"
)

func main() {
	list := flag.Bool("list", false, "list saved worlds and exit")
	headless := flag.Int("headless", 0, "advance `n` ticks without the UI, print statistics and exit")
	logFile := flag.String("log", "worldcore.log", "log file used while the UI is running")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *list {
		worlds, err := yamlfile.ListWorlds(cfg.SaveDir)
		if err != nil {
			fmt.Printf("Error listing worlds: %v\n", err)
			os.Exit(1)
		}
		for _, name := range worlds {
			fmt.Println(name)
		}
		return
	}

	shutdown, err := telemetry.Setup(ctx, "worldcore", cfg.OTelEndpoint)
	if err != nil {
		fmt.Printf("Error setting up tracing: %v\n", err)
		os.Exit(1)
	}
	defer shutdown(ctx)

	if *headless > 0 {
		if err := runHeadless(ctx, cfg, *headless); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	f, err := tea.LogToFile(*logFile, "worldcore")
	if err != nil {
		fmt.Printf("Error opening log file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w, err := world.Open(ctx, cfg, world.WithLogger(log.Default()))
	if err != nil {
		fmt.Printf("Error opening world: %v\n", err)
		os.Exit(1)
	}

	runErr := tui.Run(w)
	if err := w.Close(ctx); err != nil {
		fmt.Printf("Error saving world: %v\n", err)
	}
	if runErr != nil {
		fmt.Printf("Error running TUI: %v\n", runErr)
		os.Exit(1)
	}
}

func runHeadless(ctx context.Context, cfg *config.Config, ticks int) error {
	w, err := world.Open(ctx, cfg)
	if err != nil {
		return err
	}
	if err := w.Advance(ctx, ticks); err != nil {
		_ = w.Close(ctx)
		return err
	}

	st := w.Rumors.Statistics(ctx)
	fmt.Printf("world %q at tick %d\n", cfg.World, w.Tick())
	fmt.Printf("state keys: %d\n", len(w.State.Keys()))
	fmt.Printf("rumors: %d (%d variants, %d spread records, %d entities)\n",
		st.Rumors, st.Variants, st.SpreadRecords, st.Entities)
	fmt.Printf("average truth %.2f, average belief %.2f\n", st.AverageTruth, st.AverageBelief)
	return w.Close(ctx)
}
