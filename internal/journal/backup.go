package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	backupPrefix     = "journal-"
	backupExt        = ".db"
	backupTimeLayout = "20060102T150405Z"
)

// BackupInfo describes one backup file.
type BackupInfo struct {
	Path    string    `json:"path"`
	Created time.Time `json:"created"`
	Size    int64     `json:"size"`
}

// Backup writes a consistent copy of the journal into dir with VACUUM INTO,
// verifies it and then removes all but the newest keep backups. keep <= 0
// disables pruning.
func (s *Store) Backup(ctx context.Context, dir string, keep int) (BackupInfo, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return BackupInfo{}, ErrClosed
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return BackupInfo{}, fmt.Errorf("failed to create backup directory: %w", err)
	}
	created := s.now().UTC()
	path := filepath.Join(dir, backupPrefix+created.Format(backupTimeLayout)+backupExt)
	if fileExists(path) {
		return BackupInfo{}, fmt.Errorf("backup %s already exists", path)
	}

	// VACUUM INTO takes a string literal, not a bound parameter.
	quoted := strings.ReplaceAll(path, "'", "''")
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO '"+quoted+"'"); err != nil {
		return BackupInfo{}, fmt.Errorf("failed to backup journal: %w", err)
	}
	if err := verifyBackup(path); err != nil {
		_ = os.Remove(path)
		return BackupInfo{}, err
	}

	st, err := os.Stat(path)
	if err != nil {
		return BackupInfo{}, fmt.Errorf("failed to stat backup: %w", err)
	}
	info := BackupInfo{Path: path, Created: created, Size: st.Size()}
	s.logger.Info("journal backed up", zap.String("path", path), zap.Int64("size", info.Size))

	if keep > 0 {
		if err := pruneBackups(dir, keep, s.logger); err != nil {
			return info, err
		}
	}
	return info, nil
}

// ListBackups returns the backups in dir, newest first.
func ListBackups(dir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var backups []BackupInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupExt) {
			continue
		}
		created, err := time.Parse(backupTimeLayout, strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupExt))
		if err != nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{Path: filepath.Join(dir, name), Created: created, Size: fi.Size()})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].Created.After(backups[j].Created) })
	return backups, nil
}

// pruneBackups keeps the newest keep backups. Every removal is attempted.
func pruneBackups(dir string, keep int, logger *zap.Logger) error {
	backups, err := ListBackups(dir)
	if err != nil || len(backups) <= keep {
		return err
	}
	var errs []error
	for _, b := range backups[keep:] {
		if err := os.Remove(b.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		logger.Debug("removed old backup", zap.String("path", b.Path))
	}
	return errors.Join(errs...)
}

// verifyBackup opens the backup read-only and runs an integrity check.
func verifyBackup(path string) error {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to run integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("backup integrity check failed: %s", result)
	}
	return nil
}
