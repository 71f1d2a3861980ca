package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/MRamiBalles/cadence/internal/infra/storage"
)

var (
	recapSince time.Duration
	recapJSON  bool
)

var recapCmd = &cobra.Command{
	Use:   "recap",
	Short: "Summarise persisted engine history",
	Long: `Rebuilds each loop's history from the event database written by
"cadenced run" with storage enabled.

Examples:
  cadenced recap --since 1h
  CADENCE_DB=/var/lib/cadence.db cadenced recap --json`,
	RunE: runRecap,
}

func init() {
	recapCmd.Flags().DurationVar(&recapSince, "since", 24*time.Hour, "How far back to look")
	recapCmd.Flags().BoolVar(&recapJSON, "json", false, "Print the recap as JSON")
	rootCmd.AddCommand(recapCmd)
}

func runRecap(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Path == "" {
		return errors.New("no database configured (set storage.path or CADENCE_DB)")
	}
	if _, err := os.Stat(cfg.Storage.Path); err != nil {
		return fmt.Errorf("database %s: %w", cfg.Storage.Path, err)
	}

	store, err := storage.Open(cfg.Storage.Path, 1)
	if err != nil {
		return err
	}
	defer store.Close()

	since := time.Now().Add(-recapSince)
	rec := store.Reconstructor()
	loops, err := rec.RebuildLoops(cmd.Context(), since)
	if err != nil {
		return err
	}
	recap, err := rec.GenerateRecap(cmd.Context(), since)
	if err != nil {
		return err
	}

	if recapJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"loops": loops, "events": recap})
	}

	ids := make([]string, 0, len(loops))
	for id := range loops {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	fmt.Printf("%-16s %-18s %8s %6s %6s %8s %8s\n", "LOOP", "STATE", "TARGET", "TRANS", "STOPS", "TIMEOUTS", "BREACHES")
	for _, id := range ids {
		h := loops[id]
		fmt.Printf("%-16s %-18s %8.1f %6d %6d %8d %8d\n",
			h.LoopID, h.State, h.TargetHz, h.Transitions, h.Stops, h.CallbackTimeouts, h.QualityBreaches)
	}
	fmt.Printf("\n%d events since %s\n", len(recap), since.Format(time.RFC3339))
	for _, e := range recap {
		fmt.Printf("  %s  %-8s  %s\n", e.Timestamp.Format("15:04:05.000"), e.Impact, e.Summary)
	}
	return nil
}
