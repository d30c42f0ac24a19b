package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SweepResult counts the rows removed by one sweep.
type SweepResult struct {
	Sessions      int64
	ResetTokens   int64
	LoginAttempts int64
	Counters      int
}

// Sweeper periodically deletes expired sessions, expired password reset
// tokens and login attempts older than the retention period. Every step is
// idempotent.
type Sweeper struct {
	sessions  *SessionStore
	resets    PasswordResetRepository
	throttle  *LoginThrottle
	counters  CounterStore
	retention time.Duration
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// Sweeper returns a Sweeper over the service's stores.
func (a *AuthService) Sweeper(logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		sessions:  a.sessions,
		resets:    a.storage,
		throttle:  a.throttle,
		counters:  a.limiter.store,
		retention: a.securityConfig.AttemptRetention,
		metrics:   a.metrics,
		logger:    logger,
		now:       a.now,
	}
}

// RunOnce performs a single sweep. It keeps going after a failed step and
// returns the first error.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	var result SweepResult
	var firstErr error
	fail := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	n, err := s.sessions.Sweep(ctx)
	if err != nil {
		s.logger.Error("Failed to sweep sessions", slog.String("error", err.Error()))
		fail(err)
	}
	result.Sessions = n
	s.metrics.swept("sessions", n)

	n, err = s.resets.DeleteExpiredPasswordResetTokens(ctx, s.now())
	if err != nil {
		s.logger.Error("Failed to sweep password reset tokens", slog.String("error", err.Error()))
		fail(fmt.Errorf("failed to delete expired reset tokens: %w", err))
	}
	result.ResetTokens = n
	s.metrics.swept("password_reset_tokens", n)

	n, err = s.throttle.Prune(ctx, s.retention)
	if err != nil {
		s.logger.Error("Failed to prune login attempts", slog.String("error", err.Error()))
		fail(fmt.Errorf("failed to prune login attempts: %w", err))
	}
	result.LoginAttempts = n
	s.metrics.swept("login_attempts", n)

	if mem, ok := s.counters.(*MemoryCounterStore); ok {
		result.Counters = mem.Cleanup()
	}

	s.logger.Info("Sweep completed",
		slog.Int64("sessions", result.Sessions),
		slog.Int64("reset_tokens", result.ResetTokens),
		slog.Int64("login_attempts", result.LoginAttempts),
		slog.Int("counters", result.Counters),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return result, firstErr
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("Sweep finished with errors", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
