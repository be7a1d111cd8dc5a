package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jpranav0802/Neurolearn-22/internal/config"
	"github.com/jpranav0802/Neurolearn-22/internal/repository"
)

// StartRetentionJob periodically purges accounts whose deferred-deletion
// window has passed and audit entries older than their retention period.
func StartRetentionJob(ctx context.Context, cfg config.Config, store *repository.Store, log *zap.Logger) {
	if !cfg.RetentionJobEnabled {
		return
	}
	interval := cfg.RetentionJobInterval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				now := time.Now().UTC()

				purgedUsers, err := store.PurgeDueDeletions(tickCtx, now)
				if err != nil {
					log.Error("retention job: user purge failed", zap.Error(err))
				} else if purgedUsers > 0 {
					log.Info("retention job purged users", zap.Int64("count", purgedUsers))
				}

				purgedEntries, err := store.PurgeExpiredAuditEntries(tickCtx)
				if err != nil {
					log.Error("retention job: audit purge failed", zap.Error(err))
				} else if purgedEntries > 0 {
					log.Info("retention job purged audit entries", zap.Int64("count", purgedEntries))
				}
				cancel()
			}
		}
	}()
}
