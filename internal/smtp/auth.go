// Package smtp implements the receiving SMTP server. Every accepted DATA
// payload is handed to the ingest pipeline.
package smtp

import (
	"crypto/subtle"
	"errors"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
)

// ErrAuthFailed is returned for credentials that do not match. It is an
// SMTP error so the client sees 535 rather than a generic failure.
var ErrAuthFailed = gosmtp.ErrAuthFailed

// Authenticator verifies SMTP AUTH credentials against configured ones.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If both username and password are empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// Verify checks a username and password pair.
func (a *Authenticator) Verify(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	if !userOK || !passOK {
		return ErrAuthFailed
	}
	return nil
}

// Mechanisms lists the SASL mechanisms offered when authentication is enabled.
func (a *Authenticator) Mechanisms() []string {
	if !a.Enabled() {
		return nil
	}
	return []string{sasl.Plain, sasl.Login}
}

// Server returns a SASL server for mech that calls onSuccess once the
// client has proven its identity.
func (a *Authenticator) Server(mech string, onSuccess func(username string)) (sasl.Server, error) {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			// identity is the authorization identity and is ignored
			if err := a.Verify(username, password); err != nil {
				return err
			}
			onSuccess(username)
			return nil
		}), nil
	case sasl.Login:
		return &loginServer{verify: func(username, password string) error {
			if err := a.Verify(username, password); err != nil {
				return err
			}
			onSuccess(username)
			return nil
		}}, nil
	default:
		return nil, errors.New("unsupported authentication mechanism")
	}
}

// loginServer implements the server side of AUTH LOGIN: a username
// challenge, then a password challenge. A username sent as the initial
// response skips the first challenge.
type loginServer struct {
	verify   func(username, password string) error
	step     int
	username string
}

func (s *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch s.step {
	case 0:
		s.step = 1
		if response == nil {
			return []byte("Username:"), false, nil
		}
		fallthrough
	case 1:
		s.username = string(response)
		s.step = 2
		return []byte("Password:"), false, nil
	case 2:
		s.step = 3
		return nil, true, s.verify(s.username, string(response))
	default:
		return nil, true, sasl.ErrUnexpectedClientResponse
	}
}
