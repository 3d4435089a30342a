package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration without starting",
		Run:   runValidate,
	}

	RootCmd.AddCommand(cmd)
}

func runValidate(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		exitErr("load config", err)
	}
	if err := cfg.Validate(); err != nil {
		exitErr("invalid configuration", err)
	}

	personality := cfg.System.PersonalityPath
	if personality == "" {
		personality = "(built-in)"
	}
	fmt.Println("configuration OK")
	fmt.Printf("  personality:  %s (%s)\n", cfg.Personality.Name, personality)
	fmt.Printf("  llm provider: %s\n", cfg.LLM.Provider)
	fmt.Printf("  decision rpm: %d\n", cfg.RateLimits.DecisionMaxRPM)
	fmt.Printf("  avatar:       %s:%d (required: %t)\n", cfg.Avatar.Host, cfg.Avatar.Port, cfg.Avatar.Required)
	fmt.Printf("  youtube chat: %t\n", cfg.YouTube.VideoID != "")
	fmt.Printf("  control input: enabled=%t dry_run=%t\n", cfg.Safety.EnableInput, cfg.Safety.DryRun)
}
