// Package normalize maps a parsed mail payload to the stable message.Message
// record: sender and recipient strings, available formats, and attachments
// tagged with fresh reference ids.
//
// Address failures are handled asymmetrically: a From entry without an
// address rejects the message, while a To entry without an address is kept
// as an empty recipient string. Callers rely on both behaviors.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/smtp-sink-lite/internal/message"
	"github.com/shineum/smtp-sink-lite/internal/parser"
)

// Layouts of the textual timestamps stored on a message.
const (
	CreatedAtLayout = "2006-01-02 15:04:05"
	DateLayout      = time.RFC1123Z
)

// unknownFilename is used for attachments that declare no name.
const unknownFilename = "unknown"

var (
	// ErrMalformed means no header block could be read from the payload.
	ErrMalformed = errors.New("malformed message")

	// ErrMissingSenderAddress means the first From entry has a display
	// name but no address.
	ErrMissingSenderAddress = errors.New("sender has no address")

	// ErrUnresolvedContentType means an attachment carries no content type.
	ErrUnresolvedContentType = errors.New("attachment has no content type")
)

// ParseFunc builds a parsed view over a raw payload.
type ParseFunc func(raw []byte) (parser.View, error)

// IDGenerator produces opaque attachment reference ids.
type IDGenerator interface {
	NewID() string
}

// IDGeneratorFunc adapts a function to IDGenerator.
type IDGeneratorFunc func() string

// NewID calls f.
func (f IDGeneratorFunc) NewID() string { return f() }

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithParser replaces the MIME parser.
func WithParser(parse ParseFunc) Option {
	return func(n *Normalizer) { n.parse = parse }
}

// WithClock replaces the time source used for created_at.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// WithIDGenerator replaces the attachment id source.
func WithIDGenerator(ids IDGenerator) Option {
	return func(n *Normalizer) { n.ids = ids }
}

// Normalizer converts raw payloads into message records. It holds no mutable
// state and is safe for concurrent use.
type Normalizer struct {
	parse ParseFunc
	now   func() time.Time
	ids   IDGenerator
}

// New creates a Normalizer backed by go-message, the local wall clock and
// random UUIDs unless overridden.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		parse: parser.Parse,
		now:   time.Now,
		ids:   IDGeneratorFunc(uuid.NewString),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize builds a Message from raw. The returned message has no ID and
// keeps a private copy of raw as its Source.
func (n *Normalizer) Normalize(raw []byte) (*message.Message, error) {
	view, err := n.parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	sender, err := senderOf(view)
	if err != nil {
		return nil, err
	}

	msg := &message.Message{
		Sender:     sender,
		Recipients: recipientsOf(view),
		Subject:    view.Subject(),
		Formats:    []string{message.FormatSource},
	}

	if date, ok := view.Date(); ok {
		s := date.Format(DateLayout)
		msg.Date = &s
	}

	if view.HTMLBodyCount() > 0 {
		html := view.HTMLBody(0)
		msg.Formats = append(msg.Formats, message.FormatHTML)
		msg.HTML = &html
	}
	if view.TextBodyCount() > 0 {
		plain := view.TextBody(0)
		msg.Formats = append(msg.Formats, message.FormatPlain)
		msg.Plain = &plain
	}

	msg.Attachments, err = n.attachmentsOf(view)
	if err != nil {
		return nil, err
	}

	msg.CreatedAt = n.now().Local().Format(CreatedAtLayout)
	msg.Source = append([]byte(nil), raw...)

	return msg, nil
}

// senderOf renders the first From address as "<name> <address>".
func senderOf(view parser.View) (string, error) {
	from := view.From()
	if len(from) == 0 {
		return "", nil
	}
	first := from[0]
	if first.Address == "" {
		return "", fmt.Errorf("%w: %q", ErrMissingSenderAddress, first.Name)
	}
	return first.Name + " " + first.Address, nil
}

// recipientsOf keeps every To entry in order; entries without an address
// become "".
func recipientsOf(view parser.View) []string {
	to := view.To()
	recipients := make([]string, 0, len(to))
	for _, addr := range to {
		recipients = append(recipients, addr.Address)
	}
	return recipients
}

func (n *Normalizer) attachmentsOf(view parser.View) ([]message.Attachment, error) {
	parts := view.Attachments()
	attachments := make([]message.Attachment, 0, len(parts))

	for i, part := range parts {
		fileType, _, _ := strings.Cut(part.ContentType, "/")
		fileType = strings.TrimSpace(fileType)
		if fileType == "" {
			return nil, fmt.Errorf("%w: attachment %d (%q)", ErrUnresolvedContentType, i, part.Filename)
		}

		filename := part.Filename
		if filename == "" {
			filename = unknownFilename
		}

		attachments = append(attachments, message.Attachment{
			CID:      n.ids.NewID(),
			FileType: fileType,
			Filename: filename,
			Body:     part.Content,
		})
	}

	return attachments, nil
}
