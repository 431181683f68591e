// Package health reports readiness over HTTP and the standard gRPC health protocol.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"marketplace-auth/backend/internal/logger"
	"marketplace-auth/backend/internal/platform/httpx"
)

// Pinger is satisfied by the session repository.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PolicyChecker is satisfied by the OPA evaluator.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

const checkTimeout = 2 * time.Second

// Checker runs the readiness checks. Nil dependencies are skipped.
type Checker struct {
	store  Pinger
	policy PolicyChecker
	log    *zap.Logger
}

// NewChecker returns a Checker. store and policy may be nil.
func NewChecker(store Pinger, policy PolicyChecker, log *zap.Logger) *Checker {
	return &Checker{store: store, policy: policy, log: logger.OrNop(log)}
}

// Check returns nil when every dependency is healthy.
func (c *Checker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	var errs []error
	if c.store != nil {
		if err := c.store.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session store: %w", err))
		}
	}
	if c.policy != nil {
		if err := c.policy.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("policy: %w", err))
		}
	}
	return errors.Join(errs...)
}

type statusResponse struct {
	Status string `json:"status"`
}

// Live always answers 200; the process is up.
func (c *Checker) Live(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// Ready answers 200 when Check passes and 503 otherwise. The failure detail is logged, not returned.
func (c *Checker) Ready(w http.ResponseWriter, r *http.Request) {
	if err := c.Check(r.Context()); err != nil {
		c.log.Warn("health: not ready", zap.Error(err))
		httpx.WriteJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "unavailable"})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// Update sets the overall status of hs from one Check.
func (c *Checker) Update(ctx context.Context, hs *health.Server) {
	status := healthpb.HealthCheckResponse_SERVING
	if err := c.Check(ctx); err != nil {
		c.log.Warn("health: not serving", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", status)
}

// Watch calls Update immediately and then every interval until ctx is done.
func (c *Checker) Watch(ctx context.Context, hs *health.Server, interval time.Duration) {
	c.Update(ctx, hs)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Update(ctx, hs)
		}
	}
}
