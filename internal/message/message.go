// Package message defines the normalized mail record shared by storage,
// the HTTP API and event broadcasting.
package message

import (
	"mime"
	"path/filepath"
)

// Renderings a message can be served in.
const (
	FormatSource = "source"
	FormatHTML   = "html"
	FormatPlain  = "plain"
)

// EventNew tags the announcement of a freshly ingested message.
const EventNew = "new"

// Message is the normalized record of one captured mail.
// Source, HTML, Plain and attachment bodies are kept out of the JSON shape;
// they are served through dedicated endpoints.
type Message struct {
	// ID is nil until a store assigns one.
	ID          *int         `json:"id"`
	Sender      string       `json:"sender"`
	Recipients  []string     `json:"recipients"`
	Subject     string       `json:"subject"`
	Date        *string      `json:"date"`
	CreatedAt   string       `json:"created_at"`
	Attachments []Attachment `json:"attachments"`
	Source      []byte       `json:"-"`
	Formats     []string     `json:"formats"`
	HTML        *string      `json:"-"`
	Plain       *string      `json:"-"`
}

// Attachment is a file carried by a message.
type Attachment struct {
	// CID is an opaque reference token, not derived from the content.
	CID      string `json:"cid"`
	FileType string `json:"type"`
	Filename string `json:"filename"`
	Body     []byte `json:"-"`
}

// MessageEvent announces a message to observers.
type MessageEvent struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// NewEvent wraps msg in an event of the given type.
func NewEvent(eventType string, msg *Message) MessageEvent {
	return MessageEvent{Type: eventType, Message: *msg}
}

// HasFormat reports whether the message can be rendered as format.
func (m *Message) HasFormat(format string) bool {
	for _, f := range m.Formats {
		if f == format {
			return true
		}
	}
	return false
}

// Attachment returns the attachment with the given cid.
func (m *Message) Attachment(cid string) (*Attachment, bool) {
	for i := range m.Attachments {
		if m.Attachments[i].CID == cid {
			return &m.Attachments[i], true
		}
	}
	return nil, false
}

// ContentType guesses a full media type for the attachment from its
// filename, since the record only keeps the top-level type.
func (a *Attachment) ContentType() string {
	if ct := mime.TypeByExtension(filepath.Ext(a.Filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
