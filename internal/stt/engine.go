package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/livescribe/internal/config"
	"github.com/loqalabs/livescribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

var (
	ErrNoMatch       = errors.New("no speech recognized")
	ErrSpeechTimeout = errors.New("no speech input")
	ErrRecognizer    = errors.New("recognizer failure")
	ErrAudio         = errors.New("audio capture failure")
	ErrEngineUsed    = errors.New("engine instance already used")
)

// Request configures one recognition session.
type Request struct {
	Language       string
	PartialResults bool
	MaxResults     int
}

// RequestFromConfig builds the deployment-wide recognition request.
func RequestFromConfig(cfg config.RecorderConfig) Request {
	return Request{
		Language:       cfg.Language,
		PartialResults: cfg.PartialResults,
		MaxResults:     cfg.MaxResults,
	}
}

// Listener receives engine callbacks. Exactly one of OnResult or OnError
// terminates a session.
type Listener interface {
	OnReady()
	OnEndOfAudio()
	OnPartial(text string)
	OnResult(text string)
	OnError(err error)
}

// Engine is a single-use recognition session. After a terminal callback or
// Destroy it must not be started again.
type Engine interface {
	Start(ctx context.Context, req Request) error
	// Stop ends audio capture; a terminal callback follows.
	Stop()
	// Destroy releases the engine. No callbacks are delivered afterwards.
	Destroy()
}

// maxCapture bounds the audio buffered for one session. Capture ends as if a
// final frame arrived once it is reached.
const maxCapture = 60 * time.Second

// Factory allocates a fresh engine bound to l.
type Factory func(l Listener) (Engine, error)

type enginePhase int

const (
	phaseCreated enginePhase = iota
	phaseCapturing
	phaseFinishing
	phaseDone
	phaseDestroyed
)

// BusEngine captures audio frames published by a device on the bus and runs
// them through a Recognizer.
type BusEngine struct {
	cfg        config.RecorderConfig
	conn       *nats.Conn
	recognizer Recognizer
	listener   Listener
	log        *slog.Logger
	maxBytes   int

	mu              sync.Mutex
	phase           enginePhase
	req             Request
	buffer          []byte
	lastPartial     time.Time
	partialInflight bool
	sub             *nats.Subscription
	speechTimer     *time.Timer
	ctx             context.Context
	cancel          context.CancelFunc
}

func NewBusEngineFactory(cfg config.RecorderConfig, conn *nats.Conn, recognizer Recognizer, log *slog.Logger) Factory {
	log = log.With(slog.String("component", "stt-engine"), slog.String("device", cfg.Device))
	return func(l Listener) (Engine, error) {
		if conn == nil {
			return nil, fmt.Errorf("%w: no bus connection", ErrAudio)
		}
		return &BusEngine{
			cfg:        cfg,
			conn:       conn,
			recognizer: recognizer,
			listener:   l,
			log:        log,
			maxBytes:   captureLimit(cfg),
		}, nil
	}
}

func (e *BusEngine) Start(parent context.Context, req Request) error {
	e.mu.Lock()
	if e.phase != phaseCreated {
		e.mu.Unlock()
		return ErrEngineUsed
	}
	e.ctx, e.cancel = context.WithCancel(parent)
	e.req = req
	sub, err := e.conn.Subscribe(protocol.AudioFrameSubject(e.cfg.Device), e.handleFrame)
	if err != nil {
		e.phase = phaseDone
		e.cancel()
		e.mu.Unlock()
		return fmt.Errorf("%w: subscribe audio frames: %v", ErrAudio, err)
	}
	e.sub = sub
	e.phase = phaseCapturing
	if timeout := e.speechTimeout(); timeout > 0 {
		e.speechTimer = time.AfterFunc(timeout, e.onSpeechTimeout)
	}
	e.mu.Unlock()

	// Start and Stop are called from the owner's callback loop, so their
	// callbacks are delivered from a separate goroutine.
	go e.deliver(func(l Listener) { l.OnReady() })
	return nil
}

func (e *BusEngine) Stop() {
	e.mu.Lock()
	if e.phase != phaseCapturing {
		e.mu.Unlock()
		return
	}
	if len(e.buffer) == 0 {
		e.phase = phaseDone
		e.releaseCaptureLocked()
		e.mu.Unlock()
		go e.deliver(func(l Listener) { l.OnError(ErrNoMatch) })
		return
	}
	pcm := e.finishLocked()
	e.mu.Unlock()
	go e.finish(pcm)
}

func (e *BusEngine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase == phaseDestroyed {
		return
	}
	e.phase = phaseDestroyed
	e.releaseCaptureLocked()
	if e.cancel != nil {
		e.cancel()
	}
	e.buffer = nil
}

func (e *BusEngine) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		e.log.Warn("failed to decode audio frame", slogError(err))
		return
	}

	e.mu.Lock()
	if e.phase != phaseCapturing {
		e.mu.Unlock()
		return
	}
	e.buffer = append(e.buffer, frame.PCM...)
	if frame.Final || len(e.buffer) >= e.maxBytes {
		pcm := e.finishLocked()
		e.mu.Unlock()
		e.finish(pcm)
		return
	}
	// The speech timeout measures inactivity: every frame restarts it.
	if e.speechTimer != nil {
		e.speechTimer.Reset(e.speechTimeout())
	}
	pcm, ok := e.partialDueLocked()
	e.mu.Unlock()
	if ok {
		go e.transcribePartial(pcm)
	}
}

func (e *BusEngine) partialDueLocked() ([]byte, bool) {
	if !e.req.PartialResults || e.partialInflight {
		return nil, false
	}
	interval := time.Duration(e.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return nil, false
	}
	if !e.lastPartial.IsZero() && time.Since(e.lastPartial) < interval {
		return nil, false
	}
	e.lastPartial = time.Now()
	e.partialInflight = true
	return append([]byte(nil), e.buffer...), true
}

func (e *BusEngine) transcribePartial(pcm []byte) {
	ctx, cancel := context.WithTimeout(e.ctx, 45*time.Second)
	defer cancel()

	result, err := e.recognizer.Transcribe(ctx, pcm, e.cfg.SampleRate, e.cfg.Channels, false)

	e.mu.Lock()
	e.partialInflight = false
	capturing := e.phase == phaseCapturing
	e.mu.Unlock()

	if err != nil {
		e.log.Debug("partial transcription failed", slogError(err))
		return
	}
	if !capturing || result.Text == "" {
		return
	}
	e.deliver(func(l Listener) {
		e.mu.Lock()
		stillCapturing := e.phase == phaseCapturing
		e.mu.Unlock()
		if stillCapturing {
			l.OnPartial(result.Text)
		}
	})
}

func (e *BusEngine) finishLocked() []byte {
	e.phase = phaseFinishing
	e.releaseCaptureLocked()
	return append([]byte(nil), e.buffer...)
}

func (e *BusEngine) finish(pcm []byte) {
	e.deliver(func(l Listener) { l.OnEndOfAudio() })
	go e.transcribeFinal(pcm)
}

func (e *BusEngine) transcribeFinal(pcm []byte) {
	ctx, cancel := context.WithTimeout(e.ctx, 45*time.Second)
	defer cancel()

	result, err := e.recognizer.Transcribe(ctx, pcm, e.cfg.SampleRate, e.cfg.Channels, true)

	e.mu.Lock()
	if e.phase != phaseFinishing {
		e.mu.Unlock()
		return
	}
	e.phase = phaseDone
	e.mu.Unlock()

	switch {
	case err != nil:
		e.deliver(func(l Listener) { l.OnError(fmt.Errorf("%w: %v", ErrRecognizer, err)) })
	case result.Text == "":
		e.deliver(func(l Listener) { l.OnError(ErrNoMatch) })
	default:
		e.deliver(func(l Listener) { l.OnResult(result.Text) })
	}
}

// onSpeechTimeout ends capture after the device went quiet. Buffered audio
// is recognized; a session that never heard anything fails.
func (e *BusEngine) onSpeechTimeout() {
	e.mu.Lock()
	if e.phase != phaseCapturing {
		e.mu.Unlock()
		return
	}
	if len(e.buffer) > 0 {
		pcm := e.finishLocked()
		e.mu.Unlock()
		e.finish(pcm)
		return
	}
	e.phase = phaseDone
	e.releaseCaptureLocked()
	e.mu.Unlock()
	e.deliver(func(l Listener) { l.OnError(ErrSpeechTimeout) })
}

func (e *BusEngine) speechTimeout() time.Duration {
	return time.Duration(e.cfg.SpeechTimeoutMS) * time.Millisecond
}

func captureLimit(cfg config.RecorderConfig) int {
	rate, channels := cfg.SampleRate, cfg.Channels
	if rate <= 0 {
		rate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	return int(maxCapture.Seconds()) * rate * channels * 2
}

func (e *BusEngine) releaseCaptureLocked() {
	if e.speechTimer != nil {
		e.speechTimer.Stop()
	}
	if e.sub != nil {
		_ = e.sub.Unsubscribe()
		e.sub = nil
	}
}

func (e *BusEngine) deliver(fn func(Listener)) {
	e.mu.Lock()
	destroyed := e.phase == phaseDestroyed
	e.mu.Unlock()
	if destroyed || e.listener == nil {
		return
	}
	fn(e.listener)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
