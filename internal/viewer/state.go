package viewer

import (
	"slices"

	"github.com/loqalabs/livescribe/internal/transcripts"
)

// State is what one mounted viewer knows about the collection.
type State struct {
	Connected bool
	Loading   bool
	Entries   []transcripts.Record
	Err       string
}

func Initial() State {
	return State{Loading: true}
}

// Apply folds one subscription event into s. Any snapshot, empty included,
// means connected; an error means disconnected and keeps the last entries.
func (s State) Apply(snap transcripts.Snapshot) State {
	s.Loading = false
	if snap.Err != nil {
		s.Connected = false
		s.Err = snap.Err.Error()
		return s
	}
	entries := slices.Clone(snap.Records)
	slices.SortStableFunc(entries, func(a, b transcripts.Record) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	s.Connected = true
	s.Err = ""
	s.Entries = entries
	return s
}

// Failed records an error that prevented the subscription from starting.
func (s State) Failed(err error) State {
	return s.Apply(transcripts.Snapshot{Err: err})
}
