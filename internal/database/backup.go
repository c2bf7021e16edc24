package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"agentcal/internal/config"
)

const backupPrefix = "agentcal_"

// BackupService snapshots the SQLite file on a cron schedule.
type BackupService struct {
	db     *DB
	cfg    config.BackupConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewBackupService(db *DB, cfg config.BackupConfig, logger *zerolog.Logger) *BackupService {
	return &BackupService{
		db:     db,
		cfg:    cfg,
		logger: logger.With().Str("component", "backup").Logger(),
		now:    time.Now,
	}
}

// Start validates the schedule, takes a first snapshot in the background
// and keeps snapshotting until ctx is done. It does not block.
func (s *BackupService) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info().Msg("backups disabled")
		return nil
	}

	sched, err := cron.ParseStandard(s.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("parse backup schedule %q: %w", s.cfg.Schedule, err)
	}
	c := cron.New()
	c.Schedule(sched, cron.FuncJob(func() { s.snapshot(ctx) }))
	c.Start()
	s.logger.Info().Str("schedule", s.cfg.Schedule).Msg("backups scheduled")

	go s.snapshot(ctx)
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

func (s *BackupService) snapshot(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.PerformBackup(ctx); err != nil {
		s.logger.Error().Err(err).Msg("backup failed")
		return
	}
	if n := s.CleanupOldBackups(); n > 0 {
		s.logger.Info().Int("removed", n).Msg("old backups removed")
	}
}

// PerformBackup writes a consistent copy of the database with VACUUM INTO
// and returns its path.
func (s *BackupService) PerformBackup(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.cfg.StoragePath, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	name := backupPrefix + s.now().UTC().Format("20060102_150405.000") + ".db"
	target := filepath.Join(s.cfg.StoragePath, name)
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, target); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", target, err)
	}
	s.logger.Info().Str("path", target).Msg("backup written")
	return target, nil
}

// CleanupOldBackups deletes snapshots past the retention period and
// returns how many were removed.
func (s *BackupService) CleanupOldBackups() int {
	if s.cfg.RetentionDays <= 0 {
		return 0
	}
	entries, err := os.ReadDir(s.cfg.StoragePath)
	if err != nil {
		s.logger.Error().Err(err).Msg("read backup dir")
		return 0
	}

	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), backupPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.StoragePath, e.Name())); err != nil {
			s.logger.Warn().Err(err).Str("file", e.Name()).Msg("remove old backup")
			continue
		}
		removed++
	}
	return removed
}
