package smtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/emersion/go-sasl"

	"github.com/shineum/smtp-sink-lite/internal/ingest"
)

var (
	errRejected = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
		Message:      "Message could not be parsed",
	}
	errStorage = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "Message could not be stored, try again later",
	}
	errAuthRequired = &gosmtp.SMTPError{
		Code:         530,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
)

// Backend creates a session for every SMTP connection.
type Backend struct {
	ingester ingest.Ingester
	auth     *Authenticator
}

// NewBackend creates a Backend delivering to ing.
func NewBackend(ing ingest.Ingester, auth *Authenticator) *Backend {
	if auth == nil {
		auth = NewAuthenticator("", "")
	}
	return &Backend{ingester: ing, auth: auth}
}

// NewSession implements gosmtp.Backend.
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := ""
	if c != nil && c.Conn() != nil {
		remote = c.Conn().RemoteAddr().String()
	}
	slog.Debug("SMTP session started", "remote", remote)
	return &Session{backend: b, remote: remote}, nil
}

// Session holds the envelope of one SMTP transaction.
type Session struct {
	backend  *Backend
	remote   string
	username string
	from     string
	to       []string
}

var _ gosmtp.AuthSession = (*Session)(nil)

// AuthMechanisms implements gosmtp.AuthSession.
func (s *Session) AuthMechanisms() []string {
	return s.backend.auth.Mechanisms()
}

// Auth implements gosmtp.AuthSession.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	if !s.backend.auth.Enabled() {
		return nil, gosmtp.ErrAuthUnsupported
	}
	return s.backend.auth.Server(mech, func(username string) {
		s.username = username
		slog.Debug("SMTP client authenticated", "remote", s.remote, "username", username)
	})
}

func (s *Session) authorized() bool {
	return !s.backend.auth.Enabled() || s.username != ""
}

// Mail implements gosmtp.Session.
func (s *Session) Mail(from string, _ *gosmtp.MailOptions) error {
	if !s.authorized() {
		return errAuthRequired
	}
	s.from = from
	return nil
}

// Rcpt implements gosmtp.Session.
func (s *Session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if !s.authorized() {
		return errAuthRequired
	}
	s.to = append(s.to, to)
	return nil
}

// Data implements gosmtp.Session. The envelope is only logged; the stored
// record is built from the message headers.
func (s *Session) Data(r io.Reader) error {
	if !s.authorized() {
		return errAuthRequired
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		var smtpErr *gosmtp.SMTPError
		if errors.As(err, &smtpErr) {
			return smtpErr
		}
		return fmt.Errorf("failed to read message data: %w", err)
	}

	msg, err := s.backend.ingester.Ingest(context.Background(), raw)
	if err != nil {
		if errors.Is(err, ingest.ErrRejected) {
			return errRejected
		}
		return errStorage
	}

	slog.Info("SMTP message accepted",
		"remote", s.remote,
		"envelope_from", s.from,
		"envelope_to", s.to,
		"message_id", *msg.ID,
	)
	return nil
}

// Reset implements gosmtp.Session.
func (s *Session) Reset() {
	s.from = ""
	s.to = nil
}

// Logout implements gosmtp.Session.
func (s *Session) Logout() error {
	slog.Debug("SMTP session closed", "remote", s.remote)
	return nil
}
