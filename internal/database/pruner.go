package database

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// NewPruner schedules PruneLeases on spec (a cron expression such as
// "@every 1h"), deleting leases retired more than retention ago. The caller
// starts and stops the returned scheduler.
func NewPruner(spec string, retention time.Duration) (*cron.Cron, error) {
	logger := log.With().Str("module", "database").Logger()
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		n, err := PruneLeases(time.Now().Add(-retention))
		if err != nil {
			logger.Warn().Err(err).Msg("lease pruning failed")
			return
		}
		if n > 0 {
			logger.Info().Int64("deleted", n).Msg("pruned proxy leases")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule lease pruning %q: %w", spec, err)
	}
	return c, nil
}
