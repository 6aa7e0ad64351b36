// Package store persists normalized messages and assigns their ids.
package store

import (
	"context"
	"errors"

	"github.com/shineum/smtp-sink-lite/internal/message"
)

// ErrNotFound indicates the requested message does not exist.
var ErrNotFound = errors.New("message not found")

// Store is implemented by message storage backends.
type Store interface {
	// Add stores msg, sets its ID and returns it.
	Add(ctx context.Context, msg *message.Message) (int, error)

	// List returns all stored messages in ascending id order.
	List(ctx context.Context) ([]*message.Message, error)

	// Get returns the message with the given id or ErrNotFound.
	Get(ctx context.Context, id int) (*message.Message, error)

	// Delete removes one message or returns ErrNotFound.
	Delete(ctx context.Context, id int) error

	// DeleteAll removes every message.
	DeleteAll(ctx context.Context) error

	// Name returns the human-readable name of this backend.
	Name() string
}
