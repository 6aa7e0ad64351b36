// Package parser turns a raw RFC 5322 payload into a read-only View of its
// headers, body parts and attachments. MIME decoding is done by go-message.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// ErrEmpty is returned for a payload with no header block at all.
var ErrEmpty = errors.New("empty message")

// Address is one entry of an address header. Empty strings mean absent.
type Address struct {
	Name    string
	Address string
}

// Attachment is an attachment part as declared by the message.
// ContentType is the bare media type ("image/png"), or "" when the part
// carries no Content-Type header.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// View is the structured, already decoded representation of a message.
type View interface {
	// From returns the From header addresses in header order.
	From() []Address
	// To returns the To header addresses in header order, nil when absent.
	To() []Address
	Subject() string
	// Date returns the Date header, ok is false when absent or unparseable.
	Date() (t time.Time, ok bool)
	HTMLBodyCount() int
	HTMLBody(i int) string
	TextBodyCount() int
	TextBody(i int) string
	Attachments() []Attachment
}

// Parse reads raw into a View. It fails only when the header block cannot
// be read; problems inside the MIME tree are logged and the affected parts
// are left out.
func Parse(raw []byte) (View, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmpty
	}

	var r io.Reader = bytes.NewReader(raw)
	if headerOnly(raw) {
		// textproto needs the last header line terminated.
		r = io.MultiReader(r, strings.NewReader("\r\n"))
	}

	entity, err := gomessage.Read(r)
	if err != nil {
		if entity == nil || !(gomessage.IsUnknownCharset(err) || gomessage.IsUnknownEncoding(err)) {
			return nil, fmt.Errorf("failed to read message header: %w", err)
		}
		slog.Warn("message body left undecoded", "error", err)
	}

	v := &view{}
	h := mail.Header{Header: entity.Header}

	v.from = readAddresses(h, "From")
	v.to = readAddresses(h, "To")

	if subject, err := h.Subject(); err == nil {
		v.subject = subject
	} else {
		v.subject = h.Get("Subject")
	}

	if h.Has("Date") {
		if date, err := h.Date(); err == nil {
			v.date = date
			v.hasDate = true
		} else {
			slog.Debug("unparseable date header", "date", h.Get("Date"), "error", err)
		}
	}

	v.walk(entity)
	return v, nil
}

type view struct {
	from        []Address
	to          []Address
	subject     string
	date        time.Time
	hasDate     bool
	html        []string
	text        []string
	attachments []Attachment
}

func (v *view) From() []Address           { return v.from }
func (v *view) To() []Address             { return v.to }
func (v *view) Subject() string           { return v.subject }
func (v *view) Date() (time.Time, bool)   { return v.date, v.hasDate }
func (v *view) HTMLBodyCount() int        { return len(v.html) }
func (v *view) HTMLBody(i int) string     { return v.html[i] }
func (v *view) TextBodyCount() int        { return len(v.text) }
func (v *view) TextBody(i int) string     { return v.text[i] }
func (v *view) Attachments() []Attachment { return v.attachments }

// walk collects body parts and attachments in MIME tree order, descending
// into nested multiparts.
func (v *view) walk(entity *gomessage.Entity) {
	mr := entity.MultipartReader()
	if mr == nil {
		v.addPart(entity)
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return
		}
		if err != nil {
			if part == nil || !(gomessage.IsUnknownCharset(err) || gomessage.IsUnknownEncoding(err)) {
				slog.Warn("failed to read next MIME part, stopping", "error", err)
				return
			}
			slog.Warn("MIME part left undecoded", "error", err)
		}
		v.walk(part)
	}
}

// addPart classifies a leaf entity as html body, text body or attachment.
func (v *view) addPart(entity *gomessage.Entity) {
	declared := strings.TrimSpace(entity.Header.Get("Content-Type")) != ""

	mediaType := "text/plain"
	if declared {
		mt, _, err := entity.Header.ContentType()
		if err != nil {
			slog.Warn("failed to parse part content type", "content_type", mt, "error", err)
		}
		mediaType = baseMediaType(mt)
	}

	disposition, _, _ := entity.Header.ContentDisposition()
	isAttachment := strings.EqualFold(disposition, "attachment")

	content, err := io.ReadAll(entity.Body)
	if err != nil {
		slog.Warn("failed to read part content, skipping",
			"content_type", mediaType,
			"error", err,
		)
		return
	}

	if !isAttachment {
		switch mediaType {
		case "text/plain":
			v.text = append(v.text, string(content))
			return
		case "text/html":
			v.html = append(v.html, string(content))
			return
		}
	}

	ah := mail.AttachmentHeader{Header: entity.Header}
	filename, err := ah.Filename()
	if err != nil {
		slog.Debug("undecodable attachment filename", "error", err)
	}

	contentType := ""
	if declared {
		contentType = mediaType
	}
	v.attachments = append(v.attachments, Attachment{
		Filename:    filename,
		ContentType: contentType,
		Content:     content,
	})
}

// readAddresses parses an address header. When the header is present but not
// a valid address list, each entry that does not parse on its own is kept as
// a display name without address.
func readAddresses(h mail.Header, key string) []Address {
	if !h.Has(key) {
		return nil
	}

	list, err := h.AddressList(key)
	if err == nil {
		out := make([]Address, 0, len(list))
		for _, a := range list {
			out = append(out, Address{Name: a.Name, Address: a.Address})
		}
		return out
	}

	slog.Debug("falling back to lenient address parsing", "header", key, "error", err)

	var out []Address
	for _, entry := range splitAddressList(h.Get(key)) {
		if a, err := mail.ParseAddress(entry); err == nil {
			out = append(out, Address{Name: a.Name, Address: a.Address})
			continue
		}
		out = append(out, Address{Name: strings.Trim(entry, `"`)})
	}
	return out
}

// splitAddressList splits an address list on the commas that separate
// entries. Commas inside quoted strings, angle brackets and comments do not
// split. Empty entries are dropped.
func splitAddressList(value string) []string {
	var (
		entries []string
		start   int
		quoted  bool
		escaped bool
		angle   int
		comment int
	)
	add := func(end int) {
		if entry := strings.TrimSpace(value[start:end]); entry != "" {
			entries = append(entries, entry)
		}
	}

	for i := 0; i < len(value); i++ {
		c := value[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && (quoted || comment > 0):
			escaped = true
		case c == '"' && comment == 0:
			quoted = !quoted
		case quoted:
		case c == '(':
			comment++
		case c == ')' && comment > 0:
			comment--
		case comment > 0:
		case c == '<':
			angle++
		case c == '>' && angle > 0:
			angle--
		case c == ',' && angle == 0:
			add(i)
			start = i + 1
		}
	}
	add(len(value))
	return entries
}

// baseMediaType strips parameters from a raw Content-Type value.
func baseMediaType(raw string) string {
	mt, _, _ := strings.Cut(raw, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

// headerOnly reports whether raw has no blank line separating a body.
func headerOnly(raw []byte) bool {
	if bytes.Contains(raw, []byte("\n\n")) || bytes.Contains(raw, []byte("\r\n\r\n")) {
		return false
	}
	return !bytes.HasSuffix(raw, []byte("\n"))
}
