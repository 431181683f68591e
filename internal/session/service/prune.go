package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"marketplace-auth/backend/internal/session/repository"
	"marketplace-auth/backend/internal/telemetry"
)

// Pruner deletes sessions that expired more than Retention ago. Revoked sessions are kept until they
// expire too, so reuse of their refresh tokens is still recognized.
type Pruner struct {
	Sessions  repository.Repository
	Retention time.Duration
	Metrics   *telemetry.Metrics
	Log       *zap.Logger
	Now       func() time.Time
}

// PruneOnce runs one deletion pass and returns the number of sessions removed.
func (p *Pruner) PruneOnce(ctx context.Context) (int64, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	cutoff := now().UTC().Add(-p.Retention)
	n, err := p.Sessions.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if p.Metrics != nil && n > 0 {
		p.Metrics.SessionsPruned.Add(float64(n))
	}
	return n, nil
}

// Run calls PruneOnce immediately and then every interval until ctx is done. Errors are logged.
func (p *Pruner) Run(ctx context.Context, interval time.Duration) {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	prune := func() {
		n, err := p.PruneOnce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("prune: delete expired sessions failed", zap.Error(err))
			}
			return
		}
		log.Info("prune: deleted expired sessions", zap.Int64("count", n))
	}
	prune()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			prune()
		}
	}
}
