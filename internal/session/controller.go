package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/livescribe/internal/config"
	"github.com/loqalabs/livescribe/internal/stt"
	"github.com/loqalabs/livescribe/internal/transcripts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrRetriesExhausted = errors.New("recognition retries exhausted")
	ErrNotRunning       = errors.New("session controller not running")
	ErrAlreadyStarted   = errors.New("session controller already started")
)

// Writer persists finalized utterances.
type Writer interface {
	Write(ctx context.Context, text, language string) (transcripts.Record, error)
}

// PermissionGate reports whether audio capture has been granted.
type PermissionGate interface {
	MicrophoneGranted(ctx context.Context) bool
}

// StaticPermission is a PermissionGate with a fixed answer.
type StaticPermission bool

func (p StaticPermission) MicrophoneGranted(context.Context) bool { return bool(p) }

// Notice is a transient, non-blocking message for the user.
type Notice struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Status is a point-in-time view of the controller.
type Status struct {
	State      State    `json:"state"`
	Recording  bool     `json:"recording"`
	Controls   Controls `json:"controls"`
	Text       string   `json:"status"`
	Transcript string   `json:"transcript"`
	Failures   int      `json:"consecutive_errors"`
	LastNotice *Notice  `json:"last_notice,omitempty"`
}

type Options struct {
	Request              stt.Request
	RestartDelay         time.Duration
	ErrorBackoffMax      time.Duration
	MaxConsecutiveErrors int
	WriteTimeout         time.Duration
}

func OptionsFromConfig(cfg config.RecorderConfig) Options {
	return Options{
		Request:              stt.RequestFromConfig(cfg),
		RestartDelay:         cfg.RestartDelay(),
		ErrorBackoffMax:      cfg.ErrorBackoffMax(),
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		WriteTimeout:         time.Duration(cfg.WriteTimeoutMS) * time.Millisecond,
	}
}

type event struct {
	kind       EventKind
	fromEngine bool
	gen        uint64
	text       string
	err        error
	notice     *Notice
	reply      chan error
}

// Controller keeps a recognition loop alive while recording is requested. All
// engine callbacks, timer firings and commands are applied one at a time on
// the goroutine running Run.
type Controller struct {
	opts    Options
	factory stt.Factory
	writer  Writer
	gate    PermissionGate
	log     *slog.Logger
	metrics controllerMetrics

	inbox   chan event
	done    chan struct{}
	notices chan Notice
	started atomic.Bool
	running atomic.Bool
	writes  sync.WaitGroup

	// owned by the Run goroutine
	ctx        context.Context
	machine    Machine
	engine     stt.Engine
	gen        uint64
	timer      *time.Timer
	backoff    *backoff.ExponentialBackOff
	transcript Buffer
	statusText string
	lastNotice *Notice

	mu     sync.RWMutex
	status Status
}

func New(opts Options, factory stt.Factory, writer Writer, gate PermissionGate, logger *slog.Logger) *Controller {
	if gate == nil {
		gate = StaticPermission(true)
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ErrorBackoffMax < opts.RestartDelay {
		opts.ErrorBackoffMax = opts.RestartDelay
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.RestartDelay
	b.MaxInterval = opts.ErrorBackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	c := &Controller{
		opts:       opts,
		factory:    factory,
		writer:     writer,
		gate:       gate,
		log:        logger.With(slog.String("component", "session")),
		metrics:    newControllerMetrics(logger),
		inbox:      make(chan event, 64),
		done:       make(chan struct{}),
		notices:    make(chan Notice, 16),
		backoff:    b,
		statusText: StatusReady,
	}
	c.publish()
	return c
}

// Run applies events until ctx is cancelled. It releases the live engine and
// waits for in-flight writes before returning. A controller runs once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	c.ctx = ctx
	c.running.Store(true)
	defer func() {
		c.running.Store(false)
		c.release()
		close(c.done)
		c.writes.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.inbox:
			c.handle(ev)
		}
	}
}

// Start turns recording on.
func (c *Controller) Start(ctx context.Context) error {
	return c.command(ctx, EventStart)
}

// Stop turns recording off. The session settles to Idle on the engine's next
// terminal callback.
func (c *Controller) Stop(ctx context.Context) error {
	return c.command(ctx, EventStop)
}

func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Notices delivers storage failures and give-up reports. Notices are dropped
// when nobody drains the channel.
func (c *Controller) Notices() <-chan Notice {
	return c.notices
}

func (c *Controller) Healthy() bool {
	return c.running.Load()
}

func (c *Controller) command(ctx context.Context, kind EventKind) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	reply := make(chan error, 1)
	select {
	case c.inbox <- event{kind: kind, reply: reply}:
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) post(ev event) {
	select {
	case c.inbox <- ev:
	case <-c.done:
	}
}

func (c *Controller) handle(ev event) {
	defer c.publish()

	if ev.notice != nil {
		c.notify(*ev.notice)
		return
	}
	if ev.fromEngine && ev.gen != c.gen {
		return
	}

	var replyErr error
	if ev.kind == EventStart && !c.machine.Recording && !c.gate.MicrophoneGranted(c.ctx) {
		c.statusText = StatusPermissionDenied
		c.log.Warn("recording refused", slogError(ErrPermissionDenied))
		replyErr = ErrPermissionDenied
	} else {
		c.apply(ev)
	}
	if ev.reply != nil {
		ev.reply <- replyErr
	}
}

func (c *Controller) apply(ev event) {
	if ev.kind == EventError {
		c.metrics.engineError(c.ctx, ev.err)
		c.log.Debug("engine error", slog.String("state", c.machine.State.String()), slog.Bool("recording", c.machine.Recording), slogError(ev.err))
	}

	next, fx := c.machine.Transition(ev.kind, ev.text, c.opts.MaxConsecutiveErrors)
	c.machine = next

	if fx.Release {
		c.release()
	}
	if fx.AppendPartial {
		c.transcript.AppendPartial(ev.text)
	}
	if fx.AppendFinal {
		c.transcript.AppendFinal(ev.text)
	}
	if fx.Write {
		c.write(ev.text)
	}
	if fx.Allocate {
		if err := c.allocate(); err != nil {
			c.log.Warn("engine allocation failed", slogError(err))
		}
	}
	if fx.StopEngine && c.engine != nil {
		c.engine.Stop()
	}
	if fx.Submit {
		if ev.kind == EventStart {
			c.backoff.Reset()
		}
		c.submit()
	}
	if fx.Schedule {
		delay := c.opts.RestartDelay
		if ev.kind == EventError {
			delay = c.backoff.NextBackOff()
		} else {
			c.backoff.Reset()
		}
		c.schedule(delay)
	}
	if fx.GaveUp {
		c.log.Warn("recognition stopped after consecutive engine errors", slog.Int("errors", next.Failures))
		c.notify(Notice{
			Time:    time.Now().UTC(),
			Message: fmt.Sprintf("speech recognition stopped after %d consecutive errors", next.Failures),
			Err:     ErrRetriesExhausted,
		})
	}
	if fx.Status != "" {
		c.statusText = fx.Status
	}
}

// release destroys the live engine before any replacement is allocated.
func (c *Controller) release() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.engine != nil {
		c.engine.Destroy()
		c.engine = nil
	}
}

func (c *Controller) allocate() error {
	c.release()
	c.gen++
	engine, err := c.factory(engineListener{c: c, gen: c.gen})
	if err != nil {
		return err
	}
	c.engine = engine
	return nil
}

func (c *Controller) submit() {
	if c.engine == nil {
		if err := c.allocate(); err != nil {
			c.failSubmit(err)
			return
		}
	}
	c.metrics.request(c.ctx)
	if err := c.engine.Start(c.ctx, c.opts.Request); err != nil {
		c.failSubmit(err)
	}
}

// failSubmit feeds a submission failure back as an engine error so the
// regular recovery rules apply.
func (c *Controller) failSubmit(err error) {
	gen := c.gen
	go c.post(event{kind: EventError, fromEngine: true, gen: gen, err: err})
}

func (c *Controller) schedule(delay time.Duration) {
	gen := c.gen
	c.timer = time.AfterFunc(delay, func() {
		c.post(event{kind: EventRestart, fromEngine: true, gen: gen})
	})
}

func (c *Controller) write(text string) {
	if c.writer == nil {
		return
	}
	language := c.opts.Request.Language
	parent := context.WithoutCancel(c.ctx)
	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		ctx, cancel := context.WithTimeout(parent, c.opts.WriteTimeout)
		defer cancel()
		if _, err := c.writer.Write(ctx, text, language); err != nil {
			c.log.Warn("failed to save transcript", slogError(err))
			c.post(event{notice: &Notice{
				Time:    time.Now().UTC(),
				Message: "failed to save: " + err.Error(),
				Err:     err,
			}})
		}
	}()
}

func (c *Controller) notify(n Notice) {
	c.lastNotice = &n
	select {
	case c.notices <- n:
	default:
	}
}

func (c *Controller) publish() {
	status := Status{
		State:      c.machine.State,
		Recording:  c.machine.Recording,
		Controls:   c.machine.Controls(),
		Text:       c.statusText,
		Transcript: c.transcript.String(),
		Failures:   c.machine.Failures,
		LastNotice: c.lastNotice,
	}
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

type engineListener struct {
	c   *Controller
	gen uint64
}

func (l engineListener) OnReady() {
	l.c.post(event{kind: EventReady, fromEngine: true, gen: l.gen})
}

func (l engineListener) OnEndOfAudio() {
	l.c.post(event{kind: EventEndOfAudio, fromEngine: true, gen: l.gen})
}

func (l engineListener) OnPartial(text string) {
	l.c.post(event{kind: EventPartial, fromEngine: true, gen: l.gen, text: text})
}

func (l engineListener) OnResult(text string) {
	l.c.post(event{kind: EventResult, fromEngine: true, gen: l.gen, text: text})
}

func (l engineListener) OnError(err error) {
	l.c.post(event{kind: EventError, fromEngine: true, gen: l.gen, err: err})
}

type controllerMetrics struct {
	requests metric.Int64Counter
	errors   metric.Int64Counter
}

func newControllerMetrics(logger *slog.Logger) controllerMetrics {
	meter := otel.Meter("github.com/loqalabs/livescribe/session")
	var m controllerMetrics
	var err error
	if m.requests, err = meter.Int64Counter("livescribe.recognition.requests", metric.WithDescription("Recognition requests submitted to an engine")); err != nil {
		logger.Warn("failed to create metric", slogError(err))
	}
	if m.errors, err = meter.Int64Counter("livescribe.recognition.errors", metric.WithDescription("Engine errors absorbed by the session controller")); err != nil {
		logger.Warn("failed to create metric", slogError(err))
	}
	return m
}

func (m controllerMetrics) request(ctx context.Context) {
	if m.requests != nil {
		m.requests.Add(ctx, 1)
	}
}

func (m controllerMetrics) engineError(ctx context.Context, err error) {
	if m.errors == nil {
		return
	}
	kind := "other"
	switch {
	case errors.Is(err, stt.ErrNoMatch):
		kind = "no_match"
	case errors.Is(err, stt.ErrSpeechTimeout):
		kind = "speech_timeout"
	case errors.Is(err, stt.ErrAudio):
		kind = "audio"
	case errors.Is(err, stt.ErrRecognizer):
		kind = "recognizer"
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
