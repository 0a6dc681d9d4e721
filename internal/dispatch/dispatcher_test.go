package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/labnotify/internal/mail"
	"github.com/lalithlochan/labnotify/internal/ratelimit"
)

// gatedSender blocks every job until release is closed and tracks the peak
// number of concurrent Sends.
type gatedSender struct {
	release chan struct{}
	mu      sync.Mutex
	current int
	peak    int
	started chan string
}

func newGatedSender() *gatedSender {
	return &gatedSender{release: make(chan struct{}), started: make(chan string, 100)}
}

func (g *gatedSender) Send(ctx context.Context, job *EmailJob) (*SendResult, error) {
	g.mu.Lock()
	g.current++
	if g.current > g.peak {
		g.peak = g.current
	}
	g.mu.Unlock()

	g.started <- job.Mail.Subject

	select {
	case <-g.release:
	case <-ctx.Done():
	}

	g.mu.Lock()
	g.current--
	g.mu.Unlock()
	return &SendResult{MessageID: job.Mail.Subject, Attempts: 1}, nil
}

type funcSender func(ctx context.Context, job *EmailJob) (*SendResult, error)

func (f funcSender) Send(ctx context.Context, job *EmailJob) (*SendResult, error) {
	return f(ctx, job)
}

func job(subject string) *EmailJob {
	return &EmailJob{Mail: mail.Message{To: []string{"ada@lab.test"}, Subject: subject}}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatcher_BoundedConcurrency(t *testing.T) {
	const concurrency, jobs = 3, 10

	sender := newGatedSender()
	d := New(sender, Config{Concurrency: concurrency, Timeout: time.Minute}, zap.NewNop())
	d.Start()

	futures := make([]*Future, 0, jobs)
	for i := 0; i < jobs; i++ {
		futures = append(futures, d.Enqueue(job("j")))
	}

	for i := 0; i < concurrency; i++ {
		<-sender.started
	}
	s := d.Stats()
	if s.Active != concurrency || s.Backlog != jobs-concurrency {
		t.Fatalf("stats = %+v", s)
	}

	close(sender.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i, f := range futures {
		if _, err := f.Wait(ctx); err != nil {
			t.Fatalf("job %d: %v", i, err)
		}
	}

	if sender.peak != concurrency {
		t.Errorf("peak concurrency = %d, want %d", sender.peak, concurrency)
	}
	if got := d.Stats().Completed; got != jobs {
		t.Errorf("completed = %d, want %d", got, jobs)
	}
}

func TestDispatcher_FIFOAdmission(t *testing.T) {
	sender := newGatedSender()
	d := New(sender, Config{Concurrency: 1, Timeout: time.Minute}, zap.NewNop())

	for _, s := range []string{"first", "second", "third"} {
		d.Enqueue(job(s))
	}
	d.Start()
	close(sender.release)

	for _, want := range []string{"first", "second", "third"} {
		select {
		case got := <-sender.started:
			if got != want {
				t.Fatalf("admitted %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for admission")
		}
	}
}

func TestDispatcher_StopHaltsAdmission(t *testing.T) {
	sender := newGatedSender()
	d := New(sender, Config{Concurrency: 1, Timeout: time.Minute}, zap.NewNop())
	d.Start()

	inflight := d.Enqueue(job("inflight"))
	<-sender.started
	queued := d.Enqueue(job("queued"))

	d.Stop()
	close(sender.release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := inflight.Wait(ctx); err != nil {
		t.Fatalf("in-flight job should finish after Stop: %v", err)
	}

	select {
	case <-queued.Done():
		t.Fatal("queued job admitted after Stop")
	case <-time.After(50 * time.Millisecond):
	}
	if s := d.Stats(); s.Backlog != 1 || s.Running {
		t.Fatalf("stats after stop = %+v", s)
	}

	d.Start()
	if _, err := queued.Wait(ctx); err != nil {
		t.Fatalf("queued job should run after restart: %v", err)
	}
}

func TestDispatcher_EnqueueWhileStoppedWaits(t *testing.T) {
	var calls int32
	d := New(funcSender(func(context.Context, *EmailJob) (*SendResult, error) {
		atomic.AddInt32(&calls, 1)
		return &SendResult{}, nil
	}), Config{Concurrency: 2}, zap.NewNop())

	f := d.Enqueue(job("x"))
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("job ran before Start")
	}

	d.Start()
	if _, err := f.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestDispatcher_SoftTimeoutThenGrace(t *testing.T) {
	tests := []struct {
		name    string
		work    time.Duration
		wantErr error
	}{
		{"finishes within grace", 60 * time.Millisecond, nil},
		{"hung past grace", time.Hour, ErrJobTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sawCancel atomic.Bool
			sender := funcSender(func(ctx context.Context, _ *EmailJob) (*SendResult, error) {
				select {
				case <-time.After(tt.work):
					return &SendResult{Attempts: 1}, nil
				case <-ctx.Done():
					sawCancel.Store(true)
					return nil, ctx.Err()
				}
			})
			d := New(sender, Config{Concurrency: 1, Timeout: 30 * time.Millisecond, GracePeriod: 80 * time.Millisecond}, zap.NewNop())
			d.Start()

			_, err := d.Enqueue(job("slow")).Wait(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				waitFor(t, sawCancel.Load)
				if d.Stats().Active != 0 {
					t.Error("timed out job should release its slot")
				}
			}
		})
	}
}

func TestDispatcher_FailureIsolation(t *testing.T) {
	boom := errors.New("boom")
	sender := funcSender(func(_ context.Context, j *EmailJob) (*SendResult, error) {
		if j.Mail.Subject == "bad" {
			return nil, &DeliveryError{Attempts: 1, Err: boom}
		}
		return &SendResult{MessageID: j.Mail.Subject}, nil
	})
	d := New(sender, Config{Concurrency: 2}, zap.NewNop())
	d.Start()

	bad := d.Enqueue(job("bad"))
	good := d.Enqueue(job("good"))

	ctx := context.Background()
	if _, err := bad.Wait(ctx); !errors.Is(err, boom) {
		t.Fatalf("bad job err = %v", err)
	}
	res, err := good.Wait(ctx)
	if err != nil || res.MessageID != "good" {
		t.Fatalf("good job = %+v, %v", res, err)
	}

	s := d.Stats()
	if s.Completed != 1 || s.Failed != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDispatcher_RequeuesRateLimitedJob(t *testing.T) {
	var calls int32
	sender := funcSender(func(context.Context, *EmailJob) (*SendResult, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, &ratelimit.Error{Identifier: "ada@lab.test", Wait: 20 * time.Millisecond}
		}
		return &SendResult{MessageID: "ok"}, nil
	})
	d := New(sender, Config{Concurrency: 1, RateLimitRequeues: 1}, zap.NewNop())
	d.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := d.Enqueue(job("limited")).Wait(ctx)
	if err != nil || res.MessageID != "ok" {
		t.Fatalf("expected success after requeue, got %+v, %v", res, err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("sender called %d times, want 2", calls)
	}
}

func TestDispatcher_RateLimitWithoutRequeueFails(t *testing.T) {
	limited := &ratelimit.Error{Identifier: "ada@lab.test", Wait: time.Minute}
	d := New(funcSender(func(context.Context, *EmailJob) (*SendResult, error) {
		return nil, limited
	}), Config{Concurrency: 1}, zap.NewNop())
	d.Start()

	_, err := d.Enqueue(job("limited")).Wait(context.Background())
	if !errors.Is(err, ratelimit.ErrLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestDispatcher_Drain(t *testing.T) {
	sender := newGatedSender()
	d := New(sender, Config{Concurrency: 2}, zap.NewNop())
	d.Start()
	d.Enqueue(job("a"))
	<-sender.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("drain should time out while a job is blocked, got %v", err)
	}

	close(sender.release)
	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("drain after release: %v", err)
	}
}

func TestDispatcher_DrainWhileStoppedFailsBacklog(t *testing.T) {
	d := New(funcSender(func(context.Context, *EmailJob) (*SendResult, error) {
		t.Error("no job should run on a stopped dispatcher")
		return &SendResult{}, nil
	}), Config{Concurrency: 1}, zap.NewNop())

	queued := []*Future{d.Enqueue(job("a")), d.Enqueue(job("b"))}
	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i, f := range queued {
		if _, err := f.Wait(ctx); !errors.Is(err, ErrStopped) {
			t.Fatalf("job %d: expected ErrStopped, got %v", i, err)
		}
	}
	if s := d.Stats(); s.Backlog != 0 || s.Failed != 2 {
		t.Fatalf("stats after drain = %+v", s)
	}
}

func TestDispatcher_DrainFailsDeferredJobOnReturn(t *testing.T) {
	d := New(funcSender(func(context.Context, *EmailJob) (*SendResult, error) {
		return nil, &ratelimit.Error{Identifier: "ada@lab.test", Wait: 30 * time.Millisecond}
	}), Config{Concurrency: 1, RateLimitRequeues: 3}, zap.NewNop())
	d.Start()

	f := d.Enqueue(job("limited"))
	waitFor(t, func() bool { return d.Stats().Deferred == 1 })
	d.Stop()
	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped once the wait elapsed, got %v", err)
	}
}

func TestDispatcher_RunningDrainKeepsBacklog(t *testing.T) {
	sender := newGatedSender()
	d := New(sender, Config{Concurrency: 1}, zap.NewNop())
	d.Start()
	d.Enqueue(job("a"))
	<-sender.started
	queued := d.Enqueue(job("b"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_ = d.Drain(ctx)
	select {
	case <-queued.Done():
		t.Fatal("drain on a running dispatcher must not fail queued jobs")
	default:
	}
	close(sender.release)
	if _, err := queued.Wait(context.Background()); err != nil {
		t.Fatalf("queued job: %v", err)
	}
}

func TestFuture_WaitHonoursContext(t *testing.T) {
	f := newFuture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}

	r := Resolved(&SendResult{MessageID: "m"}, nil)
	res, err := r.Wait(context.Background())
	if err != nil || res.MessageID != "m" {
		t.Fatalf("resolved future = %+v, %v", res, err)
	}
}

func TestDetach_LogsAndRecovers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	Detach(ctx, zap.NewNop(), "test", func(ctx context.Context) error {
		cancel()
		done <- ctx.Err()
		return errors.New("ignored")
	})
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("detached ctx should not inherit cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("detached task did not run")
	}

	ran := make(chan struct{})
	Detach(context.Background(), zap.NewNop(), "panics", func(context.Context) error {
		close(ran)
		panic("kaboom")
	})
	<-ran
}
