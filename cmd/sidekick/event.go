package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/scrypster/sidekick/internal/notify"
	"github.com/spf13/cobra"
)

var gameEvent notify.Event

func init() {
	eventCmd := &cobra.Command{
		Use:   "event",
		Short: "Send an event to a running sidekick",
		Long:  "Writes an event file into the data directory; a running sidekick picks it up and removes it.",
	}

	sayCmd := &cobra.Command{
		Use:   "say <text>",
		Short: "Speak to the sidekick as the operator",
		Args:  cobra.MinimumNArgs(1),
		Run:   runEventSay,
	}

	gameCmd := &cobra.Command{
		Use:   "game",
		Short: "Report a game state change",
		Run:   runEventGame,
	}
	gameCmd.Flags().BoolVar(&gameEvent.Started, "start", false, "A game session started")
	gameCmd.Flags().BoolVar(&gameEvent.Ended, "end", false, "The game session ended")
	gameCmd.Flags().StringVar(&gameEvent.GameName, "name", "", "Game name (required with --start)")
	gameCmd.Flags().StringVar(&gameEvent.Goal, "goal", "", "Current goal")
	gameCmd.Flags().StringVar(&gameEvent.Outcome, "outcome", "", "Attempt outcome: success, failed or dropped")
	gameCmd.Flags().StringVar(&gameEvent.Achievement, "achievement", "", "Achievement unlocked")
	gameCmd.Flags().StringVar(&gameEvent.Description, "description", "", "Free-form description for the reaction")

	eventCmd.AddCommand(sayCmd, gameCmd)
	RootCmd.AddCommand(eventCmd)
}

func runEventSay(cmd *cobra.Command, args []string) {
	writeEvent(notify.Event{Type: notify.TypeOperatorSpeech, Text: strings.Join(args, " ")})
}

func runEventGame(cmd *cobra.Command, args []string) {
	evt := gameEvent
	evt.Type = notify.TypeGameState
	if evt == (notify.Event{Type: notify.TypeGameState}) {
		exitErr("game event", errors.New("nothing to report; see --help"))
	}
	writeEvent(evt)
}

func writeEvent(evt notify.Event) {
	cfg, err := loadConfig()
	if err != nil {
		exitErr("load config", err)
	}
	if err := notify.NewEventWriter(cfg.System.DataPath).Write(evt); err != nil {
		exitErr("write event", err)
	}
	fmt.Printf("queued %s event\n", evt.Type)
}
