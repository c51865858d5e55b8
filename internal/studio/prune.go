package studio

import (
	"context"
	"time"

	"github.com/Iron-Ham/draftsmith/internal/errors"
)

// PruneResult lists what Prune removed and what it had to leave.
type PruneResult struct {
	Removed []string
	Skipped map[string]string
}

// Prune deletes finished sessions last updated before now minus olderThan.
// Running and locked sessions are never touched. With dryRun set nothing
// is deleted and Removed lists what would go.
func (s *Service) Prune(ctx context.Context, olderThan time.Duration, dryRun bool) (PruneResult, error) {
	infos, err := s.store.List(ctx)
	if err != nil {
		return PruneResult{}, err
	}
	cutoff := time.Now().Add(-olderThan)
	res := PruneResult{Skipped: map[string]string{}}

	for _, info := range infos {
		switch {
		case !info.Status.Terminal() || !info.UpdatedAt.Before(cutoff):
			continue
		case info.Locked:
			res.Skipped[info.ID] = "locked"
			continue
		}
		if dryRun {
			res.Removed = append(res.Removed, info.ID)
			continue
		}
		if err := s.Delete(ctx, info.ID); err != nil {
			s.logger.WithSession(info.ID).Warn("session not pruned", "error", err.Error())
			res.Skipped[info.ID] = errors.FaultOf(err, errors.CodeStorageError).Message
			continue
		}
		res.Removed = append(res.Removed, info.ID)
	}
	if len(res.Removed) > 0 {
		s.logger.Info("sessions pruned", "count", len(res.Removed), "dry_run", dryRun)
	}
	return res, nil
}
