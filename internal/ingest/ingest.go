// Package ingest wires normalization, storage and event publishing into the
// single path every received payload goes through.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shineum/smtp-sink-lite/internal/message"
	"github.com/shineum/smtp-sink-lite/internal/notify"
	"github.com/shineum/smtp-sink-lite/internal/store"
)

// ErrRejected wraps every error caused by the payload itself rather than by
// the pipeline's dependencies.
var ErrRejected = errors.New("message rejected")

// Ingester accepts raw payloads.
type Ingester interface {
	Ingest(ctx context.Context, raw []byte) (*message.Message, error)
}

// Normalizer converts a raw payload to a message record.
type Normalizer interface {
	Normalize(raw []byte) (*message.Message, error)
}

// Pipeline normalizes, stores and announces messages.
type Pipeline struct {
	normalizer Normalizer
	store      store.Store
	publisher  notify.Publisher
}

// New creates a Pipeline. publisher may be nil.
func New(n Normalizer, s store.Store, p notify.Publisher) *Pipeline {
	return &Pipeline{normalizer: n, store: s, publisher: p}
}

// Ingest implements Ingester. Normalization and storage errors reject the
// payload; a failed announcement is only logged since the message is
// already stored.
func (p *Pipeline) Ingest(ctx context.Context, raw []byte) (*message.Message, error) {
	msg, err := p.normalizer.Normalize(raw)
	if err != nil {
		slog.Warn("rejected message", "size", len(raw), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}

	id, err := p.store.Add(ctx, msg)
	if err != nil {
		slog.Error("failed to store message", "store", p.store.Name(), "error", err)
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	slog.Info("message received",
		"message_id", id,
		"sender", msg.Sender,
		"recipients", len(msg.Recipients),
		"attachments", len(msg.Attachments),
		"formats", msg.Formats,
	)

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, message.NewEvent(message.EventNew, msg)); err != nil {
			slog.Warn("failed to publish message event", "message_id", id, "error", err)
		}
	}

	return msg, nil
}
