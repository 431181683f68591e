// Package limiter caps in-flight requests per route. One Limiter is owned by the server and shared by
// every route it wraps.
package limiter

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"marketplace-auth/backend/internal/platform/httpx"
)

// ErrBusy is returned when no slot frees up before the queue timeout.
var ErrBusy = errors.New("route busy")

// Limiter holds one weighted semaphore per route key.
type Limiter struct {
	max          int64
	queueTimeout time.Duration
	onReject     func(key string)

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// New returns a Limiter allowing max concurrent requests per key, each waiting up to queueTimeout.
// onReject, if non-nil, is called for every ErrBusy (used for metrics).
func New(max int, queueTimeout time.Duration, onReject func(key string)) *Limiter {
	if max <= 0 {
		max = 1
	}
	return &Limiter{
		max:          int64(max),
		queueTimeout: queueTimeout,
		onReject:     onReject,
		sems:         make(map[string]*semaphore.Weighted),
	}
}

func (l *Limiter) sem(key string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[key]
	if !ok {
		s = semaphore.NewWeighted(l.max)
		l.sems[key] = s
	}
	return s
}

// Acquire takes a slot for key, racing the semaphore against the queue timeout and ctx.
// The returned release must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	s := l.sem(key)
	if s.TryAcquire(1) {
		return func() { s.Release(1) }, nil
	}
	waitCtx := ctx
	if l.queueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.queueTimeout)
		defer cancel()
	}
	if err := s.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if l.onReject != nil {
			l.onReject(key)
		}
		return nil, ErrBusy
	}
	return func() { s.Release(1) }, nil
}

// Middleware limits the wrapped handler under key and answers 503 when busy.
func (l *Limiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, err := l.Acquire(r.Context(), key)
			if err != nil {
				w.Header().Set("Retry-After", "1")
				httpx.WriteError(w, http.StatusServiceUnavailable, httpx.CodeBusy, "server busy, retry shortly")
				return
			}
			defer release()
			next.ServeHTTP(w, r)
		})
	}
}
