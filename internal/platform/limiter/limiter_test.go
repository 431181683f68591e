package limiter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestAcquire_TimesOutWhenFull(t *testing.T) {
	var rejected []string
	l := New(1, 20*time.Millisecond, func(key string) { rejected = append(rejected, key) })

	release, err := l.Acquire(context.Background(), "login")
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if _, err := l.Acquire(context.Background(), "login"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Acquire err = %v, want ErrBusy", err)
	}
	if len(rejected) != 1 || rejected[0] != "login" {
		t.Errorf("rejected = %v, want [login]", rejected)
	}

	// Other keys have their own slots.
	r2, err := l.Acquire(context.Background(), "refresh")
	if err != nil {
		t.Fatalf("other key Acquire: %v", err)
	}
	r2()

	release()
	r3, err := l.Acquire(context.Background(), "login")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	r3()
}

func TestAcquire_WaitsForSlot(t *testing.T) {
	l := New(1, time.Second, nil)
	release, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		release()
	}()
	r, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("queued Acquire: %v", err)
	}
	r()
}

func TestAcquire_CallerCancelled(t *testing.T) {
	l := New(1, time.Second, nil)
	release, _ := l.Acquire(context.Background(), "k")
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Acquire(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestMiddleware_Returns503WhenBusy(t *testing.T) {
	l := New(1, 10*time.Millisecond, nil)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	h := l.Middleware("slow")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-unblock
		w.WriteHeader(http.StatusOK)
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("first request status = %d, want 200", rec.Code)
		}
	}()
	<-entered

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After should be set")
	}
	close(unblock)
	wg.Wait()
}
