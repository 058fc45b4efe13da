package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/civicdesk/accountguard/internal/metrics"
)

// ExpiredPendingPurger removes device confirmations whose window has closed
type ExpiredPendingPurger interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// ExpiredTokenPurger removes revocation rows past their token expiry
type ExpiredTokenPurger interface {
	CleanupExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// Cleanup task names, used as metric labels
const (
	TaskPendingConfirmations = "pending_confirmations"
	TaskRevokedTokens        = "revoked_tokens"
)

// CleanupManager periodically removes expired pending confirmations and revoked tokens
type CleanupManager struct {
	pending  ExpiredPendingPurger
	tokens   ExpiredTokenPurger
	recorder *metrics.Recorder
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(
	pending ExpiredPendingPurger,
	tokens ExpiredTokenPurger,
	recorder *metrics.Recorder,
	logger *slog.Logger,
	interval time.Duration,
) *CleanupManager {
	return &CleanupManager{
		pending:  pending,
		tokens:   tokens,
		recorder: recorder,
		logger:   logger,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// SetClock replaces the time source
func (cm *CleanupManager) SetClock(now func() time.Time) {
	cm.now = now
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// RunOnce performs a single sweep. A failing task does not stop the others.
func (cm *CleanupManager) RunOnce(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	now := cm.now().UTC()
	cm.run(cleanupCtx, TaskPendingConfirmations, func(ctx context.Context) (int64, error) {
		return cm.pending.DeleteExpired(ctx, now)
	})
	cm.run(cleanupCtx, TaskRevokedTokens, func(ctx context.Context) (int64, error) {
		return cm.tokens.CleanupExpiredTokens(ctx, now)
	})
}

func (cm *CleanupManager) run(ctx context.Context, task string, fn func(ctx context.Context) (int64, error)) {
	rowsDeleted, err := fn(ctx)
	if err != nil {
		cm.logger.Error("cleanup task failed",
			slog.String("task", task),
			slog.Any("error", err))
		return
	}

	cm.recorder.CleanupRemoved(task, rowsDeleted)
	if rowsDeleted > 0 {
		cm.logger.Info("cleanup task completed",
			slog.String("task", task),
			slog.Int64("rows_deleted", rowsDeleted))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
