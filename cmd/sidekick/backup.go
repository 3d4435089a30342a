package main

import (
	"fmt"
	"path/filepath"

	"github.com/scrypster/sidekick/internal/journal"
	"github.com/spf13/cobra"
)

var (
	backupDir  string
	backupKeep int
)

func init() {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the journal and prune old backups",
		Run:   runBackup,
	}
	cmd.Flags().StringVar(&backupDir, "dir", "", "Backup directory (default: {data}/backups)")
	cmd.Flags().IntVar(&backupKeep, "keep", 7, "Number of backups to keep; 0 keeps all")

	RootCmd.AddCommand(cmd)
}

func runBackup(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		exitErr("load config", err)
	}
	dir := backupDir
	if dir == "" {
		dir = filepath.Join(cfg.System.DataPath, "backups")
	}

	store, err := journal.Open(filepath.Join(cfg.System.DataPath, JournalFile), nil)
	if err != nil {
		exitErr("open journal", err)
	}
	defer store.Close()

	info, err := store.Backup(cmd.Context(), dir, backupKeep)
	if err != nil {
		exitErr("backup", err)
	}
	fmt.Printf("backed up to %s (%d bytes)\n", info.Path, info.Size)
}
