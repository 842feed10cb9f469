package transcripts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/livescribe/internal/bus"
	"github.com/loqalabs/livescribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

var ErrFeedDisconnected = errors.New("transcript feed disconnected")

// Snapshot is the full ordered collection at one point in time, or the error
// that ended the subscription.
type Snapshot struct {
	Records []Record
	Err     error
}

// Feed turns change notifications into ordered snapshots of the collection.
type Feed struct {
	store *Store
	bus   *bus.Client
	log   *slog.Logger
}

func NewFeed(store *Store, busClient *bus.Client, logger *slog.Logger) *Feed {
	return &Feed{
		store: store,
		bus:   busClient,
		log:   logger.With(slog.String("component", "transcript-feed")),
	}
}

// Subscription delivers snapshots on C until it is cancelled or fails. A
// failed subscription sends one Snapshot with Err set and closes C; it cannot
// be restarted.
type Subscription struct {
	C      <-chan Snapshot
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Unsubscribe stops the subscription. No snapshot is delivered after it
// returns.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Watch subscribes to the collection. The first snapshot reflects the
// collection at subscription time.
func (f *Feed) Watch(ctx context.Context) (*Subscription, error) {
	if f.bus == nil || !f.bus.Healthy() {
		return nil, ErrFeedDisconnected
	}
	conn := f.bus.Conn()

	ctx, cancel := context.WithCancel(ctx)
	changes := make(chan struct{}, 1)
	sub, err := conn.Subscribe(protocol.TranscriptCreatedSubject(f.store.Collection()), func(*nats.Msg) {
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe transcript changes: %w", err)
	}
	if err := conn.FlushTimeout(2 * time.Second); err != nil {
		_ = sub.Unsubscribe()
		cancel()
		return nil, fmt.Errorf("register transcript subscription: %w", err)
	}
	status := conn.StatusChanged(nats.DISCONNECTED, nats.CLOSED)

	out := make(chan Snapshot)
	s := &Subscription{C: out, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		defer close(out)
		defer conn.RemoveStatusListener(status)
		defer func() { _ = sub.Unsubscribe() }()

		send := func(snap Snapshot) bool {
			select {
			case out <- snap:
				return true
			case <-ctx.Done():
				return false
			}
		}
		emit := func() bool {
			records, err := f.store.List(ctx)
			if err != nil {
				if ctx.Err() == nil {
					f.log.Warn("transcript query failed", slogError(err))
					send(Snapshot{Err: fmt.Errorf("list transcripts: %w", err)})
				}
				return false
			}
			return send(Snapshot{Records: records})
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				if !emit() {
					return
				}
			case st := <-status:
				send(Snapshot{Err: fmt.Errorf("%w: %s", ErrFeedDisconnected, st)})
				return
			}
		}
	}()

	return s, nil
}
