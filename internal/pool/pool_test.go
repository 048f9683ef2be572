package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/developingchet/geogate/internal/metrics"
)

var errTransient = errors.New("webhook returned 502")

func newPool(t *testing.T, cfg Config, h JobHandler) *Pool {
	t.Helper()
	p, err := New(cfg, h, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// countingHandler fails the first failures calls with err, then succeeds.
func countingHandler(calls *int64, failures int64, err error) JobHandler {
	return func(context.Context, Job) error {
		if atomic.AddInt64(calls, 1) <= failures {
			return err
		}
		return nil
	}
}

func TestStopDrainsQueue(t *testing.T) {
	for _, workers := range []int{1, 4, 64} {
		var calls int64
		p := newPool(t, Config{Workers: workers, QueueDepth: 500}, countingHandler(&calls, 0, nil))
		p.Start(context.Background())
		for i := 0; i < 500; i++ {
			if !p.Enqueue(Job{Kind: "granted", Key: "fence-1"}) {
				t.Fatalf("workers=%d: enqueue %d rejected", workers, i)
			}
		}
		p.Stop()
		if got := atomic.LoadInt64(&calls); got != 500 {
			t.Errorf("workers=%d: delivered %d, want 500", workers, got)
		}
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	p := newPool(t, Config{Workers: 1, QueueDepth: 1}, func(context.Context, Job) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	p.Start(context.Background())

	p.Enqueue(Job{Key: "in-flight"})
	<-started
	if !p.Enqueue(Job{Key: "queued"}) {
		t.Fatal("second job should fit the queue")
	}
	before := testutil.ToFloat64(metrics.Notifications.WithLabelValues("dropped"))
	if p.Enqueue(Job{Key: "overflow"}) {
		t.Fatal("third job should be dropped")
	}
	if got := testutil.ToFloat64(metrics.Notifications.WithLabelValues("dropped")) - before; got != 1 {
		t.Errorf("dropped counter moved by %v", got)
	}
	if p.Depth() != 1 {
		t.Errorf("Depth = %d, want 1", p.Depth())
	}
	close(release)
	p.Stop()
}

func TestRetriesUntilSuccess(t *testing.T) {
	var calls int64
	p := newPool(t, Config{Workers: 1, MaxRetries: 5, RetryBase: time.Millisecond}, countingHandler(&calls, 2, errTransient))
	p.Start(context.Background())
	p.Enqueue(Job{Key: "fence-r"})
	p.Stop()

	if got := atomic.LoadInt64(&calls); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestRetryBudget(t *testing.T) {
	cases := []struct {
		maxRetries int
		want       int64
	}{
		{0, 1},
		{2, 3},
	}
	for _, tc := range cases {
		var calls int64
		p := newPool(t, Config{Workers: 1, MaxRetries: tc.maxRetries, RetryBase: time.Millisecond},
			countingHandler(&calls, 100, errTransient))
		p.Start(context.Background())
		before := testutil.ToFloat64(metrics.Notifications.WithLabelValues("error"))
		p.Enqueue(Job{Key: "fence-e"})
		p.Stop()

		if got := atomic.LoadInt64(&calls); got != tc.want {
			t.Errorf("MaxRetries=%d: attempts = %d, want %d", tc.maxRetries, got, tc.want)
		}
		if got := testutil.ToFloat64(metrics.Notifications.WithLabelValues("error")) - before; got != 1 {
			t.Errorf("MaxRetries=%d: error counter moved by %v", tc.maxRetries, got)
		}
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	var calls int64
	p := newPool(t, Config{Workers: 1, MaxRetries: 5, RetryBase: time.Millisecond},
		countingHandler(&calls, 100, Permanent(errors.New("webhook returned 404"))))
	p.Start(context.Background())
	before := testutil.ToFloat64(metrics.Notifications.WithLabelValues("rejected"))
	p.Enqueue(Job{Key: "fence-p"})
	p.Stop()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.Notifications.WithLabelValues("rejected")) - before; got != 1 {
		t.Errorf("rejected counter moved by %v", got)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	err := Permanent(errTransient)
	if !IsPermanent(err) || !errors.Is(err, errTransient) {
		t.Errorf("Permanent lost its cause: %v", err)
	}
	if IsPermanent(errTransient) {
		t.Error("plain error reported permanent")
	}
}

func TestCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int64
	p := newPool(t, Config{Workers: 1, MaxRetries: 5, RetryBase: time.Hour}, func(context.Context, Job) error {
		atomic.AddInt64(&calls, 1)
		cancel()
		return errTransient
	})
	p.Start(ctx)
	p.Enqueue(Job{Key: "fence-c"})

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked on a cancelled backoff")
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestJobReachesHandlerIntact(t *testing.T) {
	got := make(chan Job, 1)
	p := newPool(t, Config{Workers: 1, QueueDepth: 1}, func(_ context.Context, job Job) error {
		got <- job
		return nil
	})
	p.Start(context.Background())
	want := Job{Kind: "denied", Key: "fence-p", Payload: []byte(`{"outcome":"denied"}`)}
	p.Enqueue(want)
	p.Stop()

	job := <-got
	if job.Kind != want.Kind || job.Key != want.Key || string(job.Payload) != string(want.Payload) {
		t.Errorf("job altered in transit: %+v", job)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	for _, cfg := range []Config{{Workers: 0}, {Workers: 65}, {Workers: 1, MaxRetries: -1}} {
		if _, err := New(cfg, nil, zerolog.Nop()); err == nil {
			t.Errorf("New(%+v): expected error", cfg)
		}
	}
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		name  string
		cfg   Config
		retry int
		want  time.Duration
	}{
		{"first", Config{Workers: 1}, 0, time.Second},
		{"doubles", Config{Workers: 1}, 3, 8 * time.Second},
		{"default cap", Config{Workers: 1}, 10, time.Minute},
		{"custom cap", Config{Workers: 1, RetryBase: 100 * time.Millisecond, MaxBackoff: 500 * time.Millisecond}, 4, 500 * time.Millisecond},
		{"huge retry", Config{Workers: 1}, 200, time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newPool(t, tc.cfg, nil)
			if got := p.backoff(tc.retry); got != tc.want {
				t.Errorf("backoff(%d) = %s, want %s", tc.retry, got, tc.want)
			}
		})
	}
}
