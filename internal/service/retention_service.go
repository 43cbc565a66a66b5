package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type expiredTokenPurger interface {
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

type ledgerPurger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionConfig governs the sweep cadence and the ledger replay window.
type RetentionConfig struct {
	Interval     time.Duration
	ReplayWindow time.Duration
	Timeout      time.Duration
}

// RetentionService removes rows nothing can observe anymore: refresh tokens
// past expiry and ledger entries older than the provider replay window.
type RetentionService struct {
	tokens  expiredTokenPurger
	ledger  ledgerPurger
	metrics *MetricsService
	logger  *zap.Logger
	cfg     RetentionConfig
	now     func() time.Time
}

// NewRetentionService constructs the sweeper.
func NewRetentionService(tokens expiredTokenPurger, ledger ledgerPurger, metrics *MetricsService, logger *zap.Logger, cfg RetentionConfig) *RetentionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &RetentionService{
		tokens:  tokens,
		ledger:  ledger,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start boots a goroutine that sweeps periodically until ctx is cancelled.
func (s *RetentionService) Start(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Sweep runs one retention pass. Failures are logged and retried next tick.
func (s *RetentionService) Sweep(ctx context.Context) {
	now := s.now()
	sweepCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if s.tokens != nil {
		n, err := s.tokens.DeleteExpired(sweepCtx, now)
		if err != nil {
			s.logger.Sugar().Warnw("refresh token sweep failed", "error", err)
		} else {
			s.metrics.RecordRetentionPurge("refresh_tokens", n)
			if n > 0 {
				s.logger.Sugar().Infow("expired refresh tokens removed", "count", n)
			}
		}
	}

	if s.ledger != nil && s.cfg.ReplayWindow > 0 {
		n, err := s.ledger.PurgeBefore(sweepCtx, now.Add(-s.cfg.ReplayWindow))
		if err != nil {
			s.logger.Sugar().Warnw("event ledger sweep failed", "error", err)
			return
		}
		s.metrics.RecordRetentionPurge("processed_events", n)
		if n > 0 {
			s.logger.Sugar().Infow("event ledger entries purged", "count", n)
		}
	}
}
