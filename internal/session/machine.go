package session

import "strings"

// State is the recognition session lifecycle state.
type State int

const (
	Idle State = iota
	Requesting
	Listening
	Processing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status texts surfaced to the user.
const (
	StatusReady            = "ready"
	StatusRecording        = "recording"
	StatusProcessing       = "processing"
	StatusRecognitionError = "speech recognition error"
	StatusGaveUp           = "speech recognition gave up"
	StatusPermissionDenied = "microphone permission denied"
)

// EventKind enumerates the inputs of the machine.
type EventKind int

const (
	EventStart EventKind = iota
	EventStop
	EventReady
	EventEndOfAudio
	EventPartial
	EventResult
	EventError
	// EventRestart fires when the delay after a terminal callback has elapsed.
	EventRestart
)

func (k EventKind) String() string {
	return [...]string{"start", "stop", "ready", "end_of_audio", "partial", "result", "error", "restart"}[k]
}

// Controls is the enablement of the two user-facing buttons.
type Controls struct {
	StartEnabled bool `json:"start_enabled"`
	StopEnabled  bool `json:"stop_enabled"`
}

// Machine holds the session state and the user's recording intent.
type Machine struct {
	State     State
	Recording bool
	// Pending is set while a fresh engine is allocated but its request has not
	// been submitted yet.
	Pending bool
	// Failures counts consecutive engine errors.
	Failures int
}

// Effects lists the side effects a transition asks its owner to perform, in
// field order: release, allocate, stop, submit or schedule.
type Effects struct {
	Release       bool
	Allocate      bool
	StopEngine    bool
	Submit        bool
	Schedule      bool
	AppendPartial bool
	AppendFinal   bool
	Write         bool
	GaveUp        bool
	Status        string
}

// Controls projects the button enablement from intent alone.
func (m Machine) Controls() Controls {
	return Controls{StartEnabled: !m.Recording, StopEnabled: m.Recording}
}

// Transition applies kind to m. text carries partial or final hypotheses.
// maxFailures caps consecutive engine errors; zero retries forever.
func (m Machine) Transition(kind EventKind, text string, maxFailures int) (Machine, Effects) {
	var fx Effects
	switch kind {
	case EventStart:
		if m.Recording {
			return m, fx
		}
		m = Machine{State: Requesting, Recording: true}
		fx.Release, fx.Allocate, fx.Submit = true, true, true

	case EventStop:
		if !m.Recording {
			return m, fx
		}
		m.Recording = false
		if m.Pending || m.State == Idle {
			m.State, m.Pending = Idle, false
			fx.Release = true
			fx.Status = StatusReady
			return m, fx
		}
		fx.StopEngine = true

	case EventReady:
		if m.Pending || (m.State != Requesting && m.State != Listening) {
			return m, fx
		}
		m.State = Listening
		fx.Status = StatusRecording

	case EventEndOfAudio:
		if m.Pending || (m.State != Requesting && m.State != Listening) {
			return m, fx
		}
		m.State = Processing
		fx.Status = StatusProcessing

	case EventPartial:
		if m.Pending || (m.State != Requesting && m.State != Listening) || text == "" {
			return m, fx
		}
		fx.AppendPartial = true

	case EventResult:
		if m.State == Idle || m.Pending {
			return m, fx
		}
		if text != "" {
			fx.AppendFinal, fx.Write = true, true
		}
		m.Failures = 0
		fx.Release = true
		if m.Recording {
			m.State, m.Pending = Requesting, true
			fx.Allocate, fx.Schedule = true, true
			return m, fx
		}
		m.State = Idle
		fx.Status = StatusReady

	case EventError:
		if m.State == Idle || m.Pending {
			return m, fx
		}
		fx.Release = true
		if !m.Recording {
			m.State = Idle
			fx.Status = StatusRecognitionError
			return m, fx
		}
		m.Failures++
		if maxFailures > 0 && m.Failures >= maxFailures {
			m = Machine{State: Idle, Failures: m.Failures}
			fx.GaveUp = true
			fx.Status = StatusGaveUp
			return m, fx
		}
		m.State, m.Pending = Requesting, true
		fx.Allocate, fx.Schedule = true, true

	case EventRestart:
		if !m.Pending || !m.Recording {
			return m, fx
		}
		m.Pending = false
		fx.Submit = true
	}
	return m, fx
}

// Buffer is the running on-screen transcript.
type Buffer struct {
	b strings.Builder
}

// AppendPartial appends an interim hypothesis on the current line.
func (t *Buffer) AppendPartial(text string) {
	if t.b.Len() > 0 {
		t.b.WriteByte(' ')
	}
	t.b.WriteString(text)
}

// AppendFinal appends a finalized utterance on its own line.
func (t *Buffer) AppendFinal(text string) {
	if t.b.Len() > 0 {
		t.b.WriteByte('\n')
	}
	t.b.WriteString(text)
}

func (t *Buffer) String() string {
	return t.b.String()
}
