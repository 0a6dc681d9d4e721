package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/labnotify/internal/metrics"
	"github.com/lalithlochan/labnotify/internal/ratelimit"
)

// Sender runs one job to completion. *Mailer satisfies it.
type Sender interface {
	Send(ctx context.Context, job *EmailJob) (*SendResult, error)
}

type Config struct {
	Concurrency int
	// Timeout is the soft limit; a job still running at Timeout is logged and
	// given GracePeriod more before it is failed with ErrJobTimeout.
	Timeout     time.Duration
	GracePeriod time.Duration
	// RateLimitRequeues is how many times a rate-limited job is put back on
	// the backlog after the reported wait. Zero fails it immediately.
	RateLimitRequeues int
}

func DefaultConfig() Config {
	return Config{
		Concurrency:       5,
		Timeout:           60 * time.Second,
		GracePeriod:       10 * time.Second,
		RateLimitRequeues: 1,
	}
}

// Future is the handle for one enqueued job.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result *SendResult
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a Future that is already complete.
func Resolved(res *SendResult, err error) *Future {
	f := newFuture()
	f.resolve(res, err)
	return f
}

func (f *Future) resolve(res *SendResult, err error) {
	f.once.Do(func() {
		f.result, f.err = res, err
		close(f.done)
	})
}

// Done is closed once the job has a terminal outcome.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the job finishes or ctx ends. A ctx error does not
// affect the job.
func (f *Future) Wait(ctx context.Context) (*SendResult, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type entry struct {
	job    *EmailJob
	future *Future
}

// Stats is a point-in-time snapshot of the dispatcher.
type Stats struct {
	Running   bool  `json:"running"`
	Active    int   `json:"active"`
	Backlog   int   `json:"backlog"`
	Deferred  int   `json:"deferred"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Dispatcher admits jobs from a FIFO backlog while fewer than Concurrency
// are active. Admission happens on Enqueue, on Start and whenever a job
// finishes; nothing polls.
type Dispatcher struct {
	sender Sender
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	backlog   []*entry
	active    int
	deferred  int
	running   bool
	drained   bool
	completed int64
	failed    int64

	inflight sync.WaitGroup
}

// New returns a stopped dispatcher; jobs queue until Start.
func New(sender Sender, cfg Config, logger *zap.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.RateLimitRequeues < 0 {
		cfg.RateLimitRequeues = 0
	}
	return &Dispatcher{
		sender: sender,
		cfg:    cfg,
		logger: logger,
	}
}

// Enqueue appends job to the backlog. It never blocks and is accepted even
// while the dispatcher is stopped.
func (d *Dispatcher) Enqueue(job *EmailJob) *Future {
	e := &entry{job: job, future: newFuture()}

	d.mu.Lock()
	d.backlog = append(d.backlog, e)
	d.admitLocked()
	d.mu.Unlock()

	return e.future
}

func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.drained = false
	d.logger.Info("email dispatcher started",
		zap.Int("concurrency", d.cfg.Concurrency),
		zap.Duration("timeout", d.cfg.Timeout),
		zap.Duration("grace_period", d.cfg.GracePeriod),
	)
	d.admitLocked()
}

// Stop halts admission. Queued jobs stay queued and active jobs finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.running = false
	d.logger.Info("email dispatcher stopped",
		zap.Int("active", d.active),
		zap.Int("backlog", len(d.backlog)),
	)
}

// Drain waits for active jobs to finish or ctx to end. On a stopped
// dispatcher every job left in the backlog, and every rate-limited job that
// comes back from its wait, is then resolved with ErrStopped so no Future
// waits on admission that will not happen. Enqueue after Drain still queues
// until the next Start or Drain.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return err
	}
	d.drained = true
	abandoned := d.backlog
	d.backlog = nil
	d.failed += int64(len(abandoned))
	metrics.SetDispatcherDepth(d.active, 0)
	d.mu.Unlock()

	if len(abandoned) > 0 {
		d.logger.Warn("email dispatcher drained with queued jobs", zap.Int("abandoned", len(abandoned)))
	}
	for _, e := range abandoned {
		d.abandon(e)
	}
	return err
}

func (d *Dispatcher) abandon(e *entry) {
	metrics.RecordEmail(metrics.EmailFailed, 0)
	e.future.resolve(nil, ErrStopped)
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Running:   d.running,
		Active:    d.active,
		Backlog:   len(d.backlog),
		Deferred:  d.deferred,
		Completed: d.completed,
		Failed:    d.failed,
	}
}

// caller holds mu
func (d *Dispatcher) admitLocked() {
	for d.running && d.active < d.cfg.Concurrency && len(d.backlog) > 0 {
		e := d.backlog[0]
		d.backlog[0] = nil
		d.backlog = d.backlog[1:]
		d.active++
		d.inflight.Add(1)
		go d.run(e)
	}
	metrics.SetDispatcherDepth(d.active, len(d.backlog))
}

type outcome struct {
	res *SendResult
	err error
}

func (d *Dispatcher) run(e *entry) {
	defer d.inflight.Done()
	start := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan outcome, 1)
	go func() {
		res, err := d.sender.Send(ctx, e.job)
		results <- outcome{res: res, err: err}
	}()

	var out outcome
	soft := time.NewTimer(d.cfg.Timeout)
	select {
	case out = <-results:
		soft.Stop()
	case <-soft.C:
		d.logger.Warn("email job exceeded soft timeout",
			zap.Strings("to", e.job.Mail.To),
			zap.Duration("timeout", d.cfg.Timeout),
			zap.Duration("grace_period", d.cfg.GracePeriod),
		)
		grace := time.NewTimer(d.cfg.GracePeriod)
		select {
		case out = <-results:
			grace.Stop()
		case <-grace.C:
			cancel()
			out = outcome{err: ErrJobTimeout}
		}
	}

	d.finish(e, out, time.Since(start))
}

func (d *Dispatcher) finish(e *entry, out outcome, elapsed time.Duration) {
	var rlErr *ratelimit.Error
	requeue := errors.As(out.err, &rlErr) && e.job.requeues < d.cfg.RateLimitRequeues

	d.mu.Lock()
	d.active--
	switch {
	case requeue:
		d.deferred++
	case out.err != nil:
		d.failed++
	default:
		d.completed++
	}
	d.admitLocked()
	d.mu.Unlock()

	if requeue {
		e.job.requeues++
		d.logger.Info("email job deferred by rate limit",
			zap.Strings("to", e.job.Mail.To),
			zap.Duration("wait", rlErr.Wait),
			zap.Int("requeue", e.job.requeues),
		)
		time.AfterFunc(rlErr.Wait, func() { d.requeue(e) })
		return
	}

	switch {
	case out.err == nil:
		metrics.RecordEmail(metrics.EmailSent, elapsed)
	case errors.Is(out.err, ErrJobTimeout):
		metrics.RecordEmail(metrics.EmailTimedOut, elapsed)
	case rlErr != nil:
		metrics.RecordEmail(metrics.EmailRateLimited, elapsed)
	default:
		metrics.RecordEmail(metrics.EmailFailed, elapsed)
	}
	e.future.resolve(out.res, out.err)
}

func (d *Dispatcher) requeue(e *entry) {
	d.mu.Lock()
	d.deferred--
	if d.drained {
		d.failed++
		d.mu.Unlock()
		d.abandon(e)
		return
	}
	d.backlog = append(d.backlog, e)
	d.admitLocked()
	d.mu.Unlock()
}
