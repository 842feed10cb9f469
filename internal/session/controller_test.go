package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/livescribe/internal/stt"
	"github.com/loqalabs/livescribe/internal/transcripts"
)

type fakeEngine struct {
	listener stt.Listener

	mu        sync.Mutex
	started   int
	stopped   int
	destroyed bool
	req       stt.Request
}

func (e *fakeEngine) Start(_ context.Context, req stt.Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started++
	e.req = req
	return nil
}

func (e *fakeEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped++
}

func (e *fakeEngine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed = true
}

func (e *fakeEngine) snapshot() (started, stopped int, destroyed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started, e.stopped, e.destroyed
}

type fakeFactory struct {
	mu      sync.Mutex
	engines []*fakeEngine
}

func (f *fakeFactory) New(l stt.Listener) (stt.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEngine{listener: l}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *fakeFactory) engine(i int) *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.engines) {
		return nil
	}
	return f.engines[i]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

// live reports how many allocated engines have not been destroyed.
func (f *fakeFactory) live() int {
	f.mu.Lock()
	engines := append([]*fakeEngine(nil), f.engines...)
	f.mu.Unlock()
	n := 0
	for _, e := range engines {
		if _, _, destroyed := e.snapshot(); !destroyed {
			n++
		}
	}
	return n
}

type fakeWriter struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (w *fakeWriter) Write(_ context.Context, text, language string) (transcripts.Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return transcripts.Record{}, w.err
	}
	w.texts = append(w.texts, text)
	return transcripts.Record{ID: "id", Text: text, Language: language, Timestamp: time.Now()}, nil
}

func (w *fakeWriter) written() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.texts...)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{
		Request:         stt.Request{Language: "zh-CN", PartialResults: true, MaxResults: 1},
		RestartDelay:    5 * time.Millisecond,
		ErrorBackoffMax: 20 * time.Millisecond,
		WriteTimeout:    time.Second,
	}
}

func startController(t *testing.T, opts Options, writer Writer, gate PermissionGate) (*Controller, *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{}
	c := New(opts, factory.New, writer, gate, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	waitFor(t, "controller running", c.Healthy)
	return c, factory
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStarted(t *testing.T, f *fakeFactory, i int) *fakeEngine {
	t.Helper()
	waitFor(t, "engine start", func() bool {
		e := f.engine(i)
		if e == nil {
			return false
		}
		started, _, _ := e.snapshot()
		return started == 1
	})
	return f.engine(i)
}

func TestRecognitionCycleWritesTranscript(t *testing.T) {
	writer := &fakeWriter{}
	c, factory := startController(t, testOptions(), writer, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := waitStarted(t, factory, 0)
	first.mu.Lock()
	language := first.req.Language
	first.mu.Unlock()
	if language != "zh-CN" {
		t.Fatalf("expected request language zh-CN, got %q", language)
	}

	first.listener.OnReady()
	waitFor(t, "listening", func() bool {
		s := c.Status()
		return s.State == Listening && s.Text == StatusRecording
	})
	first.listener.OnPartial("你")
	first.listener.OnEndOfAudio()
	waitFor(t, "processing", func() bool { return c.Status().State == Processing })

	first.listener.OnResult("你好")
	second := waitStarted(t, factory, 1)
	if _, _, destroyed := first.snapshot(); !destroyed {
		t.Fatalf("expected first engine destroyed before restart")
	}
	if second == first {
		t.Fatalf("expected a fresh engine for the next session")
	}

	waitFor(t, "write", func() bool { return len(writer.written()) == 1 })
	if got := writer.written()[0]; got != "你好" {
		t.Fatalf("expected 你好 written, got %q", got)
	}
	status := c.Status()
	if !strings.Contains(status.Transcript, "你好") {
		t.Fatalf("expected transcript to contain result, got %q", status.Transcript)
	}
	if !status.Recording || status.Controls.StartEnabled || !status.Controls.StopEnabled {
		t.Fatalf("expected recording controls, got %+v", status)
	}
	if live := factory.live(); live != 1 {
		t.Fatalf("expected exactly one live engine, got %d", live)
	}
}

func TestStopWhileListening(t *testing.T) {
	writer := &fakeWriter{}
	c, factory := startController(t, testOptions(), writer, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	engine := waitStarted(t, factory, 0)
	engine.listener.OnReady()
	waitFor(t, "listening", func() bool { return c.Status().State == Listening })

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, "engine stop", func() bool {
		_, stopped, _ := engine.snapshot()
		return stopped == 1
	})
	waitFor(t, "controls flip", func() bool {
		s := c.Status()
		return !s.Recording && s.Controls.StartEnabled && !s.Controls.StopEnabled
	})

	engine.listener.OnResult("最后一句")
	waitFor(t, "idle", func() bool {
		s := c.Status()
		return s.State == Idle && s.Text == StatusReady
	})
	waitFor(t, "write", func() bool { return len(writer.written()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := factory.count(); n != 1 {
		t.Fatalf("expected no restart after stop, got %d engines", n)
	}
	if live := factory.live(); live != 0 {
		t.Fatalf("expected engine released, %d live", live)
	}
}

func TestStopDuringRestartDelay(t *testing.T) {
	opts := testOptions()
	opts.RestartDelay = 200 * time.Millisecond
	opts.ErrorBackoffMax = 200 * time.Millisecond
	c, factory := startController(t, opts, &fakeWriter{}, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	engine := waitStarted(t, factory, 0)
	engine.listener.OnError(stt.ErrNoMatch)
	waitFor(t, "reallocation", func() bool { return factory.count() == 2 })

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, "idle", func() bool { return c.Status().State == Idle })
	time.Sleep(300 * time.Millisecond)
	if started, _, _ := factory.engine(1).snapshot(); started != 0 {
		t.Fatalf("expected pending restart cancelled")
	}
	if live := factory.live(); live != 0 {
		t.Fatalf("expected no live engine, got %d", live)
	}
}

func TestWriteFailureKeepsRecording(t *testing.T) {
	writer := &fakeWriter{err: errors.New("store offline")}
	c, factory := startController(t, testOptions(), writer, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	engine := waitStarted(t, factory, 0)
	engine.listener.OnReady()
	engine.listener.OnResult("hello")

	select {
	case n := <-c.Notices():
		if !strings.HasPrefix(n.Message, "failed to save") {
			t.Fatalf("unexpected notice %q", n.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a save failure notice")
	}
	waitStarted(t, factory, 1)
	s := c.Status()
	if !s.Recording || s.Failures != 0 {
		t.Fatalf("expected recording to continue after write failure, got %+v", s)
	}
	if !strings.Contains(s.Transcript, "hello") {
		t.Fatalf("expected result on screen despite write failure")
	}
}

func TestPermissionDenied(t *testing.T) {
	c, factory := startController(t, testOptions(), &fakeWriter{}, StaticPermission(false))

	err := c.Start(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	waitFor(t, "denied status", func() bool { return c.Status().Text == StatusPermissionDenied })
	s := c.Status()
	if s.Recording || s.State != Idle || !s.Controls.StartEnabled {
		t.Fatalf("expected idle after denial, got %+v", s)
	}
	if factory.count() != 0 {
		t.Fatalf("expected no engine allocated")
	}
}

func TestGiveUpAfterConsecutiveErrors(t *testing.T) {
	opts := testOptions()
	opts.MaxConsecutiveErrors = 2
	c, factory := startController(t, opts, &fakeWriter{}, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStarted(t, factory, 0).listener.OnError(stt.ErrSpeechTimeout)
	waitStarted(t, factory, 1).listener.OnError(stt.ErrSpeechTimeout)

	select {
	case n := <-c.Notices():
		if !errors.Is(n.Err, ErrRetriesExhausted) {
			t.Fatalf("expected retries exhausted notice, got %v", n.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected give-up notice")
	}
	waitFor(t, "gave up", func() bool { return c.Status().Text == StatusGaveUp })
	s := c.Status()
	if s.Recording || s.State != Idle || s.Failures != 2 || !s.Controls.StartEnabled {
		t.Fatalf("unexpected status after give up: %+v", s)
	}
	if live := factory.live(); live != 0 {
		t.Fatalf("expected engines released, %d live", live)
	}
}

func TestErrorsRetryForeverByDefault(t *testing.T) {
	c, factory := startController(t, testOptions(), &fakeWriter{}, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 5; i++ {
		waitStarted(t, factory, i).listener.OnError(stt.ErrNoMatch)
	}
	waitStarted(t, factory, 5)
	if s := c.Status(); !s.Recording || s.Failures != 5 {
		t.Fatalf("expected five absorbed errors while recording, got %+v", s)
	}
}

func TestStaleCallbacksAreDropped(t *testing.T) {
	writer := &fakeWriter{}
	c, factory := startController(t, testOptions(), writer, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := waitStarted(t, factory, 0)
	first.listener.OnResult("one")
	waitFor(t, "write", func() bool { return len(writer.written()) == 1 })
	second := waitStarted(t, factory, 1)
	second.listener.OnReady()
	waitFor(t, "listening", func() bool { return c.Status().State == Listening })

	first.listener.OnResult("stale")
	first.listener.OnError(stt.ErrRecognizer)
	time.Sleep(20 * time.Millisecond)

	if got := writer.written(); len(got) != 1 || got[0] != "one" {
		t.Fatalf("expected only the live result written, got %v", got)
	}
	s := c.Status()
	if s.State != Listening || s.Failures != 0 {
		t.Fatalf("stale callbacks changed state: %+v", s)
	}
	if factory.count() != 2 {
		t.Fatalf("stale callbacks allocated engines")
	}
}

func TestCommandsRequireRunningController(t *testing.T) {
	factory := &fakeFactory{}
	c := New(testOptions(), factory.New, &fakeWriter{}, nil, newLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Start(ctx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning before Run, got %v", err)
	}
	if err := c.Stop(ctx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning before Run, got %v", err)
	}
	if factory.count() != 0 {
		t.Fatalf("expected no engine allocated")
	}
}

func TestRunIsSingleUse(t *testing.T) {
	c := New(testOptions(), (&fakeFactory{}).New, &fakeWriter{}, nil, newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	waitFor(t, "controller running", c.Healthy)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.Healthy() {
		t.Fatal("expected controller unhealthy after Run returned")
	}

	if err := c.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted on second Run, got %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after Run returned, got %v", err)
	}
}

func TestLatePartialAfterEndOfAudioIgnored(t *testing.T) {
	c, factory := startController(t, testOptions(), &fakeWriter{}, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	engine := waitStarted(t, factory, 0)
	engine.listener.OnReady()
	engine.listener.OnEndOfAudio()
	waitFor(t, "processing", func() bool { return c.Status().State == Processing })

	engine.listener.OnPartial("迟到")
	engine.listener.OnResult("你好")
	waitStarted(t, factory, 1)
	if got := c.Status().Transcript; got != "你好" {
		t.Fatalf("expected only the final text on screen, got %q", got)
	}
}
