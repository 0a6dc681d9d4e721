package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/labnotify/internal/mail"
	"github.com/lalithlochan/labnotify/internal/ratelimit"
	"github.com/lalithlochan/labnotify/internal/render"
)

// scriptedTransport returns errs[i] for the i-th call, then succeeds.
type scriptedTransport struct {
	mu   sync.Mutex
	errs []error
	sent []mail.Message
}

func (s *scriptedTransport) Send(_ context.Context, msg mail.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.sent)
	s.sent = append(s.sent, msg)
	if n < len(s.errs) && s.errs[n] != nil {
		return "", s.errs[n]
	}
	return fmt.Sprintf("msg-%d", n+1), nil
}

func (s *scriptedTransport) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type stubRenderer struct{ out render.Output }

func (r stubRenderer) Render(string, map[string]any) render.Output { return r.out }

type denyAll struct{ err error }

func (d denyAll) CheckAndRecord(context.Context, string) error { return d.err }

func newTestMailer(t mail.Transport, lim ratelimit.Admitter) (*Mailer, *[]time.Duration) {
	m := NewMailer(t, nil, lim, MailerConfig{From: "lab@lab.test"}, zap.NewNop())
	var delays []time.Duration
	m.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return m, &delays
}

func testJob() *EmailJob {
	return &EmailJob{
		Mail: mail.Message{
			To:      []string{"ada@lab.test"},
			Subject: "Experiment Completed",
			HTML:    "<p>done</p>",
			Text:    "done",
		},
	}
}

func TestMailer_RetriesWithExponentialBackoff(t *testing.T) {
	tr := &scriptedTransport{errs: []error{errors.New("451 busy"), errors.New("503 unavailable")}}
	m, delays := newTestMailer(tr, nil)

	res, err := m.Send(context.Background(), &EmailJob{Mail: testJob().Mail, MaxRetries: 3})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if res.Attempts != 3 || res.MessageID != "msg-3" {
		t.Errorf("result = %+v", res)
	}

	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("delays = %v, want %v", *delays, want)
	}
	for i := range want {
		if (*delays)[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, (*delays)[i], want[i])
		}
	}
}

func TestMailer_ConnectionErrorIsNotRetried(t *testing.T) {
	refused := &mailDialError{err: syscall.ECONNREFUSED}
	tr := &scriptedTransport{errs: []error{refused, refused, refused}}
	m, delays := newTestMailer(tr, nil)

	_, err := m.Send(context.Background(), testJob())

	var delErr *DeliveryError
	if !errors.As(err, &delErr) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if delErr.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", delErr.Attempts)
	}
	if tr.calls() != 1 {
		t.Errorf("transport called %d times, want 1", tr.calls())
	}
	if len(*delays) != 0 {
		t.Errorf("no backoff expected, got %v", *delays)
	}
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Error("DeliveryError should wrap the last transport error")
	}
}

func TestMailer_DialTimeoutIsRetried(t *testing.T) {
	timeout := &net.OpError{Op: "dial", Net: "tcp", Err: os.ErrDeadlineExceeded}
	tr := &scriptedTransport{errs: []error{timeout}}
	m, delays := newTestMailer(tr, nil)

	res, err := m.Send(context.Background(), testJob())
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if res.Attempts != 2 || tr.calls() != 2 {
		t.Errorf("attempts = %d, calls = %d, want 2", res.Attempts, tr.calls())
	}
	if len(*delays) != 1 || (*delays)[0] != 2*time.Second {
		t.Errorf("delays = %v, want [2s]", *delays)
	}
}

type mailDialError struct{ err error }

func (e *mailDialError) Error() string { return "dial tcp: " + e.err.Error() }
func (e *mailDialError) Unwrap() error { return e.err }

func TestMailer_ExhaustsRetries(t *testing.T) {
	boom := errors.New("554 transaction failed")
	tr := &scriptedTransport{errs: []error{boom, boom, boom, boom}}
	m, delays := newTestMailer(tr, nil)

	_, err := m.Send(context.Background(), testJob())

	var delErr *DeliveryError
	if !errors.As(err, &delErr) || delErr.Attempts != DefaultMaxRetries {
		t.Fatalf("expected DeliveryError after %d attempts, got %v", DefaultMaxRetries, err)
	}
	if !errors.Is(err, boom) {
		t.Error("last error not wrapped")
	}
	if len(*delays) != 2 {
		t.Errorf("expected no sleep after the final attempt, got %v", *delays)
	}
}

func TestMailer_RateLimitedSkipsSend(t *testing.T) {
	tr := &scriptedTransport{}
	limited := &ratelimit.Error{Identifier: "ada@lab.test", Wait: 12 * time.Second}
	m, _ := newTestMailer(tr, denyAll{err: limited})

	_, err := m.Send(context.Background(), testJob())

	var rlErr *ratelimit.Error
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if tr.calls() != 0 {
		t.Errorf("transport called %d times, want 0", tr.calls())
	}
}

type countingRenderer struct{ calls int }

func (r *countingRenderer) Render(string, map[string]any) render.Output {
	r.calls++
	return render.Output{HTML: "<p>x</p>", Text: "x"}
}

func TestMailer_RateLimitedSkipsRender(t *testing.T) {
	tr := &scriptedTransport{}
	rend := &countingRenderer{}
	limited := &ratelimit.Error{Identifier: "ada@lab.test", Wait: time.Second}
	m := NewMailer(tr, rend, denyAll{err: limited}, MailerConfig{From: "lab@lab.test"}, zap.NewNop())

	job := testJob()
	job.Template = "notification"
	if _, err := m.Send(context.Background(), job); !errors.Is(err, ratelimit.ErrLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if rend.calls != 0 {
		t.Errorf("renderer called %d times for a rejected job", rend.calls)
	}
}

func TestMailer_LimiterBackendFailureSendsAnyway(t *testing.T) {
	tr := &scriptedTransport{}
	m, _ := newTestMailer(tr, denyAll{err: errors.New("redis: connection refused")})

	if _, err := m.Send(context.Background(), testJob()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.calls() != 1 {
		t.Errorf("transport called %d times, want 1", tr.calls())
	}
}

func TestMailer_IdentifierJoinsRecipients(t *testing.T) {
	tr := &scriptedTransport{}
	lim := ratelimit.New(ratelimit.Config{Max: 1, Window: time.Minute}, zap.NewNop())
	m, _ := newTestMailer(tr, lim)

	job := testJob()
	job.Mail.To = []string{"a@lab.test", "b@lab.test"}
	if _, err := m.Send(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if err := lim.CheckAndRecord(context.Background(), "a@lab.test,b@lab.test"); err == nil {
		t.Fatal("joined identifier should already be at its limit")
	}
	if err := lim.CheckAndRecord(context.Background(), "a@lab.test"); err != nil {
		t.Fatalf("single recipient should be independent: %v", err)
	}
}

func TestMailer_RendersTemplateAndDefaultsFrom(t *testing.T) {
	tr := &scriptedTransport{}
	m, _ := newTestMailer(tr, nil)
	m.renderer = stubRenderer{out: render.Output{HTML: "<p>rendered</p>", Text: "rendered"}}

	job := &EmailJob{
		Mail:     mail.Message{To: []string{"ada@lab.test"}, Subject: "s"},
		Template: "notification",
		Data:     map[string]any{"message": "rendered"},
	}
	if _, err := m.Send(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	got := tr.sent[0]
	if got.HTML != "<p>rendered</p>" || got.Text != "rendered" {
		t.Errorf("bodies not rendered: %+v", got)
	}
	if got.From != "lab@lab.test" {
		t.Errorf("from = %q", got.From)
	}
}

func TestMailer_SleepInterruptedByContext(t *testing.T) {
	tr := &scriptedTransport{errs: []error{errors.New("451"), errors.New("451")}}
	m := NewMailer(tr, nil, nil, MailerConfig{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Send(ctx, testJob())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if tr.calls() != 1 {
		t.Errorf("transport called %d times, want 1", tr.calls())
	}
}

func TestBackoff(t *testing.T) {
	for attempt, want := range map[int]time.Duration{1: 2 * time.Second, 2: 4 * time.Second, 3: 8 * time.Second} {
		if got := backoff(attempt); got != want {
			t.Errorf("backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}
