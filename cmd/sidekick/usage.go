package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/scrypster/sidekick/internal/journal"
	"github.com/scrypster/sidekick/pkg/types"
	"github.com/spf13/cobra"
)

// Projection scenarios in decisions per minute.
var usageScenarios = []struct {
	name string
	dpm  float64
}{
	{"conservative", 6},
	{"moderate", 10},
	{"active", 15},
}

var (
	usageSince time.Duration
	usageJSON  bool
)

func init() {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show journaled decision and TTS usage with estimated cost",
		Run:   runUsage,
	}
	cmd.Flags().DurationVar(&usageSince, "since", 24*time.Hour, "Report window; 0 reports everything")
	cmd.Flags().BoolVar(&usageJSON, "json", false, "Print JSON")

	RootCmd.AddCommand(cmd)
}

func runUsage(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		exitErr("load config", err)
	}

	store, err := journal.Open(filepath.Join(cfg.System.DataPath, JournalFile), nil)
	if err != nil {
		exitErr("open journal", err)
	}
	defer store.Close()

	var since time.Time
	if usageSince > 0 {
		since = time.Now().Add(-usageSince)
	}
	sum, err := store.Summary(cmd.Context(), since)
	if err != nil {
		exitErr("summary", err)
	}

	estimates := make(map[string]journal.HourlyEstimate, len(usageScenarios))
	for _, sc := range usageScenarios {
		estimates[sc.name] = journal.EstimateHourlyCost(sc.dpm, 30, 5)
	}

	if usageJSON {
		b, _ := json.MarshalIndent(map[string]any{
			"summary":   sum,
			"estimates": estimates,
		}, "", "  ")
		fmt.Println(string(b))
		return
	}

	window := "all time"
	if usageSince > 0 {
		window = "last " + usageSince.String()
	}
	fmt.Printf("Usage (%s)\n", window)
	fmt.Printf("  actions:        %d (failed %d, dropped %d)\n", sum.Actions, sum.FailedActions, sum.DroppedActions)
	kinds := make([]string, 0, len(sum.ActionsByKind))
	for k := range sum.ActionsByKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Printf("    %-16s %d\n", k, sum.ActionsByKind[types.ActionKind(k)])
	}
	fmt.Printf("  decisions:      %d (%d in / %d out tokens)\n", sum.Decisions, sum.InputTokens, sum.OutputTokens)
	fmt.Printf("  tts characters: %d\n", sum.TTSCharacters)
	fmt.Printf("  cost:           $%.4f (decisions $%.4f, tts $%.4f)\n", sum.TotalCost, sum.DecisionCost, sum.TTSCost)

	fmt.Println("\nHourly projection")
	for _, sc := range usageScenarios {
		est := estimates[sc.name]
		fmt.Printf("  %-13s %4.0f decisions/h  $%.2f/h (decisions $%.2f, tts $%.2f cached)\n",
			sc.name, est.DecisionsPerHour, est.TotalCost, est.DecisionCost, est.TTSCostCached)
	}
}
