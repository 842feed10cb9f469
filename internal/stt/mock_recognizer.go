package stt

import (
	"context"
	"fmt"
)

// mockRecognizer reports the amount of audio it heard. Silence (all-zero
// samples) yields an empty transcript, which an engine surfaces as no match.
type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return mockRecognizer{}
}

func (mockRecognizer) Transcribe(_ context.Context, pcm []byte, _ int, _ int, final bool) (TranscriptResult, error) {
	if silent(pcm) {
		return TranscriptResult{}, nil
	}
	kind := "partial"
	if final {
		kind = "final"
	}
	return TranscriptResult{Text: fmt.Sprintf("[%s transcript length=%d]", kind, len(pcm)), Confidence: 1}, nil
}

func silent(pcm []byte) bool {
	for _, b := range pcm {
		if b != 0 {
			return false
		}
	}
	return true
}
