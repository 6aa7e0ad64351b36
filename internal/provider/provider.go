// Package provider defines the interface for relay backends that forward a
// captured message to real recipients.
package provider

import (
	"context"
	"errors"

	"github.com/shineum/smtp-sink-lite/internal/message"
)

// ErrNoRecipients is returned when a release names no recipients.
var ErrNoRecipients = errors.New("no recipients given")

// Provider is the interface that relay backends must implement.
type Provider interface {
	// Send forwards msg to the given recipients. The recipients replace the
	// ones recorded in the message headers.
	Send(ctx context.Context, msg *message.Message, to []string) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// Body returns the preferred textual body of msg and whether it is HTML.
func Body(msg *message.Message) (content string, isHTML bool) {
	if msg.HTML != nil {
		return *msg.HTML, true
	}
	if msg.Plain != nil {
		return *msg.Plain, false
	}
	return "", false
}
