package viewer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/livescribe/internal/bus"
)

var ErrSignInFailed = errors.New("anonymous sign-in failed")

// Identity is the principal a viewer subscribes as.
type Identity struct {
	UID        string    `json:"uid"`
	Anonymous  bool      `json:"anonymous"`
	SignedInAt time.Time `json:"signed_in_at"`
}

type Authenticator interface {
	SignInAnonymously(ctx context.Context) (Identity, error)
}

// BusAuthenticator issues anonymous identities while the bus is reachable.
type BusAuthenticator struct {
	Bus *bus.Client
}

func (a BusAuthenticator) SignInAnonymously(ctx context.Context) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	if !a.Bus.Healthy() {
		return Identity{}, ErrSignInFailed
	}
	return Identity{
		UID:        uuid.NewString(),
		Anonymous:  true,
		SignedInAt: time.Now().UTC(),
	}, nil
}
