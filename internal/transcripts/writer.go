package transcripts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/livescribe/internal/bus"
	"github.com/loqalabs/livescribe/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Writer appends finalized utterances and announces them on the bus.
type Writer struct {
	store   *Store
	bus     *bus.Client
	log     *slog.Logger
	tracer  trace.Tracer
	written metric.Int64Counter
	failed  metric.Int64Counter
}

// NewWriter builds a writer. busClient may be nil, in which case no change
// notifications are published.
func NewWriter(store *Store, busClient *bus.Client, logger *slog.Logger) *Writer {
	w := &Writer{
		store:  store,
		bus:    busClient,
		log:    logger.With(slog.String("component", "transcript-writer")),
		tracer: otel.Tracer("github.com/loqalabs/livescribe/transcripts"),
	}
	meter := otel.Meter("github.com/loqalabs/livescribe/transcripts")
	var err error
	if w.written, err = meter.Int64Counter("livescribe.transcripts.written", metric.WithDescription("Transcripts appended to the collection")); err != nil {
		w.log.Warn("failed to create metric", slogError(err))
	}
	if w.failed, err = meter.Int64Counter("livescribe.transcripts.write_failures", metric.WithDescription("Transcript writes that failed")); err != nil {
		w.log.Warn("failed to create metric", slogError(err))
	}
	return w
}

func (w *Writer) Write(ctx context.Context, text, language string) (Record, error) {
	ctx, span := w.tracer.Start(ctx, "transcripts.write", trace.WithAttributes(
		attribute.String("transcripts.collection", w.store.Collection()),
		attribute.String("transcripts.language", language),
	))
	defer span.End()

	rec, err := w.store.Append(ctx, text, language)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if w.failed != nil {
			w.failed.Add(ctx, 1)
		}
		return Record{}, fmt.Errorf("append transcript: %w", err)
	}
	span.SetAttributes(attribute.String("transcripts.id", rec.ID))
	if w.written != nil {
		w.written.Add(ctx, 1)
	}

	if w.bus != nil {
		msg := protocol.TranscriptCreated{
			Collection: w.store.Collection(),
			ID:         rec.ID,
			Text:       rec.Text,
			Language:   rec.Language,
			Timestamp:  rec.Timestamp,
		}
		// The record is durable at this point; viewers pick it up with the next change.
		if err := w.bus.PublishJSON(protocol.TranscriptCreatedSubject(w.store.Collection()), msg); err != nil {
			w.log.Warn("failed to publish transcript notification", slogError(err))
		}
	}
	return rec, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
