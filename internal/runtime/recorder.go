package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loqalabs/livescribe/internal/session"
)

// Recorder is the control surface behind the start and stop buttons.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() session.Status
}

func registerRecorder(mux *http.ServeMux, rec Recorder, logger *slog.Logger) {
	log := logger.With(slog.String("component", "recorder-http"))

	mux.HandleFunc("GET /recorder/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, rec.Status(), log)
	})
	mux.HandleFunc("POST /recorder/start", func(w http.ResponseWriter, r *http.Request) {
		err := rec.Start(r.Context())
		switch {
		case errors.Is(err, session.ErrPermissionDenied):
			writeJSON(w, http.StatusForbidden, rec.Status(), log)
		case err != nil:
			log.Warn("start recording failed", slogError(err))
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			writeJSON(w, http.StatusOK, rec.Status(), log)
		}
	})
	mux.HandleFunc("POST /recorder/stop", func(w http.ResponseWriter, r *http.Request) {
		if err := rec.Stop(r.Context()); err != nil {
			log.Warn("stop recording failed", slogError(err))
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, rec.Status(), log)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any, log *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("encode response failed", slogError(err))
	}
}
