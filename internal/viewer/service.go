package viewer

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/livescribe/internal/config"
	"github.com/loqalabs/livescribe/internal/transcripts"
)

//go:embed templates/index.html
var templatesFS embed.FS

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var errStopStream = errors.New("stop stream")

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Watcher opens a live subscription to the transcript collection.
type Watcher interface {
	Watch(ctx context.Context) (*transcripts.Subscription, error)
}

// Service serves the transcript dashboard.
type Service struct {
	cfg  config.ViewerConfig
	feed Watcher
	auth Authenticator
	loc  *time.Location
	log  *slog.Logger
	page *template.Template
}

func NewService(cfg config.ViewerConfig, feed Watcher, auth Authenticator, logger *slog.Logger) (*Service, error) {
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("load time zone: %w", err)
	}
	page, err := template.ParseFS(templatesFS, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("parse viewer template: %w", err)
	}
	return &Service{
		cfg:  cfg,
		feed: feed,
		auth: auth,
		loc:  loc,
		log:  logger.With(slog.String("component", "viewer")),
		page: page,
	}, nil
}

// Register mounts the dashboard routes on mux.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/transcripts", s.handleSnapshot)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// Stream signs in, subscribes and calls emit with every rendered page, the
// initial loading page first. It returns when ctx ends, emit fails or the
// subscription fails. The subscription is always cancelled before Stream
// returns.
func (s *Service) Stream(ctx context.Context, emit func(Page) error) error {
	state := Initial()
	if err := emit(s.render(state)); err != nil {
		return err
	}

	if _, err := s.auth.SignInAnonymously(ctx); err != nil {
		s.log.Warn("authentication failed", slogError(err))
		_ = emit(s.render(state.Failed(err)))
		return fmt.Errorf("%w: %v", ErrSignInFailed, err)
	}

	sub, err := s.feed.Watch(ctx)
	if err != nil {
		s.log.Warn("failed to subscribe to transcripts", slogError(err))
		_ = emit(s.render(state.Failed(err)))
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-sub.C:
			if !ok {
				return transcripts.ErrFeedDisconnected
			}
			state = state.Apply(snap)
			if err := emit(s.render(state)); err != nil {
				return err
			}
			if snap.Err != nil {
				return snap.Err
			}
		}
	}
}

// Current renders the first settled page.
func (s *Service) Current(ctx context.Context) Page {
	var current Page
	_ = s.Stream(ctx, func(p Page) error {
		current = p
		if p.Loading {
			return nil
		}
		return errStopStream
	})
	return current
}

func (s *Service) render(state State) Page {
	return Render(state, s.cfg.Title, s.loc)
}

func (s *Service) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.Execute(w, s.Current(r.Context())); err != nil {
		s.log.Warn("render page failed", slogError(err))
	}
}

func (s *Service) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Current(r.Context())); err != nil {
		s.log.Warn("encode snapshot failed", slogError(err))
	}
}

func (s *Service) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slogError(err))
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The dashboard never sends data; reading only observes the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	err = s.Stream(ctx, func(p Page) error {
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return ws.WriteJSON(p)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("viewer stream ended", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
