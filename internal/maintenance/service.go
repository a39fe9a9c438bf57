// Package maintenance reclaims resources held by abandoned sessions.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Sessions interface {
	Idle(cutoff time.Time) []string
	Has(id string) bool
}

// Reaper discards a session together with its ledger, artifacts and workspace
// if it is still idle at cutoff.
type Reaper interface {
	ExpireSession(ctx context.Context, sessionID string, cutoff time.Time) (bool, error)
}

type Config struct {
	RetentionInterval time.Duration
	// IdleTTL is how long a session may stay untouched before it is discarded.
	IdleTTL time.Duration
	// DataDir is scanned for workspace directories without a live session.
	DataDir         string
	OrphanSafetyAge time.Duration
}

type Service struct {
	Sessions Sessions
	Reaper   Reaper
	Config   Config
	Logger   *slog.Logger
	Clock    func() time.Time
}

type RetentionSummary struct {
	IdleSessions    int `json:"idle_sessions"`
	SessionsExpired int `json:"sessions_expired"`
	OrphanDirs      int `json:"orphan_dirs"`
	DirsRemoved     int `json:"dirs_removed"`
	Failures        int `json:"failures"`
}

func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.retentionInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary, err := s.RunRetentionOnce(ctx)
			if err != nil {
				if s.Logger != nil {
					s.Logger.ErrorContext(ctx, "retention cycle failed", slog.Any("error", err), slog.Any("summary", summary))
				}
				continue
			}
			if s.Logger != nil && (summary.SessionsExpired > 0 || summary.DirsRemoved > 0) {
				s.Logger.InfoContext(ctx, "retention cycle completed", slog.Any("summary", summary))
			}
		}
	}
}

// RunRetentionOnce expires idle sessions and then removes workspace
// directories that no live session owns.
func (s *Service) RunRetentionOnce(ctx context.Context) (RetentionSummary, error) {
	if s.Sessions == nil {
		return RetentionSummary{}, fmt.Errorf("sessions are required")
	}
	if s.Reaper == nil {
		return RetentionSummary{}, fmt.Errorf("reaper is required")
	}

	now := s.now()
	summary := RetentionSummary{}
	failures := make([]string, 0)

	if s.Config.IdleTTL > 0 {
		cutoff := now.Add(-s.Config.IdleTTL)
		idle := s.Sessions.Idle(cutoff)
		summary.IdleSessions = len(idle)
		for _, id := range idle {
			expired, err := s.Reaper.ExpireSession(ctx, id, cutoff)
			if err != nil {
				summary.Failures++
				failures = append(failures, fmt.Sprintf("expire session %s: %v", id, err))
				continue
			}
			if expired {
				summary.SessionsExpired++
			}
		}
	}

	if strings.TrimSpace(s.Config.DataDir) != "" {
		orphans, err := s.orphanDirs(now)
		if err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("scan data dir: %v", err))
		}
		summary.OrphanDirs = len(orphans)
		for _, dir := range orphans {
			if err := os.RemoveAll(dir); err != nil {
				summary.Failures++
				failures = append(failures, fmt.Sprintf("remove %s: %v", dir, err))
				continue
			}
			summary.DirsRemoved++
		}
	}

	sessionsExpiredTotal.Add(float64(summary.SessionsExpired))
	workspaceDirsRemovedTotal.Add(float64(summary.DirsRemoved))
	if len(failures) > 0 {
		retentionRunsTotal.WithLabelValues("failed").Inc()
		return summary, fmt.Errorf("retention encountered %d failure(s): %s", len(failures), strings.Join(failures, "; "))
	}
	retentionRunsTotal.WithLabelValues("completed").Inc()
	return summary, nil
}

// orphanDirs lists session-shaped directories under DataDir with no live
// session that have not been modified within the safety age.
func (s *Service) orphanDirs(now time.Time) ([]string, error) {
	entries, err := os.ReadDir(s.Config.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	cutoff := now.Add(-s.orphanSafetyAge())
	var out []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := uuid.Parse(entry.Name()); err != nil {
			continue
		}
		if s.Sessions.Has(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		out = append(out, filepath.Join(s.Config.DataDir, entry.Name()))
	}
	return out, nil
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock()
}

func (s *Service) retentionInterval() time.Duration {
	if s.Config.RetentionInterval <= 0 {
		return 5 * time.Minute
	}
	return s.Config.RetentionInterval
}

func (s *Service) orphanSafetyAge() time.Duration {
	if s.Config.OrphanSafetyAge <= 0 {
		return 30 * time.Minute
	}
	return s.Config.OrphanSafetyAge
}
