package daemon

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbrctl/sbrctl/internal/config"
	"github.com/sbrctl/sbrctl/internal/controller"
	"github.com/sbrctl/sbrctl/internal/db"
)

const (
	readingRetention = 30 * 24 * time.Hour
	pruneInterval    = 24 * time.Hour
)

// dataLogger samples the controller status on a fixed interval and writes
// level readings to the database. Old readings are pruned daily.
type dataLogger struct {
	ctrl     *controller.Controller
	store    *db.Store
	log      zerolog.Logger
	interval time.Duration
}

func newDataLogger(ctrl *controller.Controller, store *db.Store, log zerolog.Logger, cfg config.Config) *dataLogger {
	interval := time.Duration(cfg.LogInterval * float64(time.Second))
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &dataLogger{
		ctrl:     ctrl,
		store:    store,
		log:      log.With().Str("component", "data_logger").Logger(),
		interval: interval,
	}
}

func (l *dataLogger) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()
	l.log.Info().Dur("interval", l.interval).Msg("data logger started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sample(ctx)
		case <-prune.C:
			l.prune(ctx)
		}
	}
}

func (l *dataLogger) sample(ctx context.Context) {
	status := l.ctrl.Status()
	writeCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := l.store.InsertReading(writeCtx, status.Timestamp, status.Level, status.Phase); err != nil {
		l.log.Error().Err(err).Msg("persist reading")
	}
}

func (l *dataLogger) prune(ctx context.Context) {
	writeCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	removed, err := l.store.PruneReadings(writeCtx, time.Now().Add(-readingRetention))
	if err != nil {
		l.log.Error().Err(err).Msg("prune readings")
		return
	}
	if removed > 0 {
		l.log.Info().Int64("removed", removed).Msg("pruned old readings")
	}
}
