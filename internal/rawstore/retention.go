package rawstore

import (
	"context"
	"log/slog"
	"time"
)

// ResultPruner deletes expired result rows.
type ResultPruner interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// ObjectSweeper removes stored payloads older than a cutoff.
type ObjectSweeper interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// RetentionConfig defines how long results and their offloaded payloads live.
type RetentionConfig struct {
	// ResultInterval is how often expired result rows are pruned.
	ResultInterval time.Duration
	// PayloadInterval is how often expired payloads are swept from storage.
	PayloadInterval time.Duration
	// ResultRetention keeps result rows for this long.
	ResultRetention time.Duration
	// PayloadRetention keeps offloaded payloads for this long.
	PayloadRetention time.Duration
}

// DefaultRetentionConfig returns the default retention policy: hourly passes,
// seven days of history.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		ResultInterval:   time.Hour,
		PayloadInterval:  time.Hour,
		ResultRetention:  7 * 24 * time.Hour,
		PayloadRetention: 7 * 24 * time.Hour,
	}
}

// RetentionService prunes expired result rows and sweeps their offloaded raw
// payloads out of object storage. Either backend may be nil, in which case
// that half of the work is skipped.
type RetentionService struct {
	results ResultPruner
	store   ObjectSweeper
	cfg     RetentionConfig
	logger  *slog.Logger
}

// NewRetentionService creates a retention service.
func NewRetentionService(results ResultPruner, store ObjectSweeper, cfg RetentionConfig, logger *slog.Logger) *RetentionService {
	def := DefaultRetentionConfig()
	if cfg.ResultInterval <= 0 {
		cfg.ResultInterval = def.ResultInterval
	}
	if cfg.PayloadInterval <= 0 {
		cfg.PayloadInterval = def.PayloadInterval
	}
	if cfg.ResultRetention <= 0 {
		cfg.ResultRetention = def.ResultRetention
	}
	if cfg.PayloadRetention <= 0 {
		cfg.PayloadRetention = def.PayloadRetention
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RetentionService{
		results: results,
		store:   store,
		cfg:     cfg,
		logger:  logger.With("component", "retention"),
	}
}

// Start begins the retention loop until the context is cancelled.
func (s *RetentionService) Start(ctx context.Context) {
	s.logger.Info("starting retention",
		"result_retention", s.cfg.ResultRetention,
		"payload_retention", s.cfg.PayloadRetention,
	)

	go func() {
		resultTicker := time.NewTicker(s.cfg.ResultInterval)
		defer resultTicker.Stop()
		payloadTicker := time.NewTicker(s.cfg.PayloadInterval)
		defer payloadTicker.Stop()

		// One pass at startup so a long-stopped orchestrator catches up
		// without waiting a full interval.
		s.pruneResults(ctx)
		s.sweepPayloads(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-resultTicker.C:
				s.pruneResults(ctx)
			case <-payloadTicker.C:
				s.sweepPayloads(ctx)
			}
		}
	}()
}

func (s *RetentionService) pruneResults(ctx context.Context) {
	if s.results == nil {
		return
	}

	cutoff := time.Now().Add(-s.cfg.ResultRetention)
	removed, err := s.results.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to prune expired results", "error", err)
		return
	}

	if removed > 0 {
		s.logger.Info("pruned expired results", "removed", removed, "cutoff", cutoff)
	}
}

func (s *RetentionService) sweepPayloads(ctx context.Context) {
	if s.store == nil {
		return
	}

	cutoff := time.Now().Add(-s.cfg.PayloadRetention)
	removed, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to sweep expired payloads", "error", err)
		return
	}

	if removed > 0 {
		s.logger.Info("swept expired payloads", "removed", removed, "cutoff", cutoff)
	}
}
