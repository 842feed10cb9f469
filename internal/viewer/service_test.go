package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/livescribe/internal/bus"
	"github.com/loqalabs/livescribe/internal/config"
	"github.com/loqalabs/livescribe/internal/natsserver"
	"github.com/loqalabs/livescribe/internal/transcripts"
	"github.com/nats-io/nats-server/v2/server"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	client *bus.Client
	writer *transcripts.Writer
	svc    *Service
}

func newFixture(t *testing.T, auth Authenticator) fixture {
	t.Helper()
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: server.RANDOM_PORT}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	store, err := transcripts.Open(context.Background(), config.StoreConfig{
		Path:       filepath.Join(t.TempDir(), "viewer.db"),
		Collection: "speechEntries",
	}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if auth == nil {
		auth = BusAuthenticator{Bus: client}
	}
	svc, err := NewService(config.ViewerConfig{TimeZone: "UTC", Title: "实时语音文字显示"},
		transcripts.NewFeed(store, client, newLogger()), auth, newLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return fixture{
		client: client,
		writer: transcripts.NewWriter(store, client, newLogger()),
		svc:    svc,
	}
}

type failingAuth struct{}

func (failingAuth) SignInAnonymously(context.Context) (Identity, error) {
	return Identity{}, errors.New("auth backend unavailable")
}

func TestStreamEmitsLoadingThenSnapshots(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pages := make(chan Page, 8)
	done := make(chan error, 1)
	go func() {
		done <- f.svc.Stream(ctx, func(p Page) error {
			pages <- p
			return nil
		})
	}()

	next := func() Page {
		t.Helper()
		select {
		case p := <-pages:
			return p
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for page")
		}
		return Page{}
	}

	if p := next(); !p.Loading {
		t.Fatalf("expected loading page first, got %+v", p)
	}
	if p := next(); !p.Empty || !p.Connected || p.Loading {
		t.Fatalf("expected connected empty page, got %+v", p)
	}
	if _, err := f.writer.Write(context.Background(), "你好", "zh-CN"); err != nil {
		t.Fatalf("write: %v", err)
	}
	p := next()
	if len(p.Items) != 1 || p.Items[0].Text != "你好" {
		t.Fatalf("expected new entry, got %+v", p)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestStreamSignInFailure(t *testing.T) {
	f := newFixture(t, failingAuth{})
	var pages []Page
	err := f.svc.Stream(context.Background(), func(p Page) error {
		pages = append(pages, p)
		return nil
	})
	if !errors.Is(err, ErrSignInFailed) {
		t.Fatalf("expected sign-in error, got %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("expected loading and failed pages, got %d", len(pages))
	}
	if last := pages[1]; last.Loading || last.Connected || last.ConnectionLabel != LabelDisconnected {
		t.Fatalf("expected disconnected page, got %+v", last)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.writer.Write(context.Background(), "entry", "zh-CN"); err != nil {
		t.Fatalf("write: %v", err)
	}
	mux := http.NewServeMux()
	f.svc.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/transcripts")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var p Page
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !p.Connected || len(p.Items) != 1 || p.Items[0].Text != "entry" {
		t.Fatalf("unexpected page %+v", p)
	}

	index, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("get index: %v", err)
	}
	defer index.Body.Close()
	body, _ := io.ReadAll(index.Body)
	if !strings.Contains(string(body), "entry") || !strings.Contains(string(body), LabelConnected) {
		t.Fatalf("index page missing content")
	}
}

func TestWebSocketStream(t *testing.T) {
	f := newFixture(t, nil)
	mux := http.NewServeMux()
	f.svc.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var p Page
	if err := conn.ReadJSON(&p); err != nil || !p.Loading {
		t.Fatalf("expected loading page, got %+v %v", p, err)
	}
	if err := conn.ReadJSON(&p); err != nil || !p.Empty {
		t.Fatalf("expected empty page, got %+v %v", p, err)
	}
	if _, err := f.writer.Write(context.Background(), "live", "zh-CN"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.ReadJSON(&p); err != nil || len(p.Items) != 1 || p.Items[0].Text != "live" {
		t.Fatalf("expected live entry, got %+v %v", p, err)
	}
}
