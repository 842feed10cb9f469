package protocol

import "time"

// AudioFrame represents PCM audio captured by a recording device.
type AudioFrame struct {
	Device     string `json:"device"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TranscriptCreated announces a record appended to the transcript collection.
type TranscriptCreated struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Language   string    `json:"language"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix      = "audio.frame"
	SubjectTranscriptCreatedBase = "transcripts.created"
)

// AudioFrameSubject is the subject a device publishes its frames on.
func AudioFrameSubject(device string) string {
	return SubjectAudioFramePrefix + "." + device
}

// TranscriptCreatedSubject is the change-notification subject for a collection.
func TranscriptCreatedSubject(collection string) string {
	return SubjectTranscriptCreatedBase + "." + collection
}
