package types

import (
	"fmt"
	"time"
)

// Protocol identifies the wire protocol an account speaks for mailbox access.
type Protocol string

const (
	ProtocolIMAP Protocol = "imap"
	ProtocolJMAP Protocol = "jmap"
	ProtocolPOP3 Protocol = "pop3"

	// ProtocolSMTP tags the submission-only handler paired with IMAP and
	// POP3 accounts. It is never a valid Account.Protocol value.
	ProtocolSMTP Protocol = "smtp"
)

// Valid reports whether p is a protocol an account may be created with.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolIMAP, ProtocolJMAP, ProtocolPOP3:
		return true
	}
	return false
}

// Endpoint is a host/port/TLS triple for one transport connection.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	TLS  bool   `json:"tls"`
}

// Addr returns the dialable host:port form of the endpoint.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Account is one mailbox provider login. Only the endpoint fields required
// by the declared protocol are populated; the rest stay nil so handlers can
// detect misconfiguration instead of dialing zero values.
type Account struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	Address  string   `json:"address"`
	Protocol Protocol `json:"protocol"`

	Mailbox    *Endpoint `json:"mailbox,omitempty"`    // IMAP or POP3 inbound endpoint
	JMAPURL    string    `json:"jmap_url,omitempty"`   // JMAP session URL
	Submission *Endpoint `json:"submission,omitempty"` // SMTP submission endpoint

	Username      string `json:"username"`
	CredentialRef string `json:"credential_ref"` // opaque vault handle, never a secret

	Suspended bool      `json:"suspended"` // set after an AuthRejected probe
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate enforces the exactly-the-required-fields invariant for the
// account's declared protocol.
func (a *Account) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("account name is required")
	}
	if a.Address == "" {
		return fmt.Errorf("account address is required")
	}
	if a.Username == "" {
		return fmt.Errorf("account username is required")
	}
	if !a.Protocol.Valid() {
		return fmt.Errorf("unknown protocol %q", a.Protocol)
	}

	switch a.Protocol {
	case ProtocolIMAP, ProtocolPOP3:
		if a.Mailbox == nil {
			return fmt.Errorf("%s account %q requires a mailbox endpoint", a.Protocol, a.Name)
		}
		if a.JMAPURL != "" {
			return fmt.Errorf("%s account %q must not carry a JMAP URL", a.Protocol, a.Name)
		}
		if err := a.Mailbox.validate(); err != nil {
			return fmt.Errorf("account %q mailbox endpoint: %w", a.Name, err)
		}
		if a.Submission != nil {
			if err := a.Submission.validate(); err != nil {
				return fmt.Errorf("account %q submission endpoint: %w", a.Name, err)
			}
		}
	case ProtocolJMAP:
		if a.JMAPURL == "" {
			return fmt.Errorf("jmap account %q requires a session URL", a.Name)
		}
		if a.Mailbox != nil || a.Submission != nil {
			return fmt.Errorf("jmap account %q must not carry host/port endpoints", a.Name)
		}
	}

	return nil
}

func (e *Endpoint) validate() error {
	if e.Host == "" {
		return fmt.Errorf("host is required")
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("invalid port %d", e.Port)
	}
	return nil
}

// ProbeStatus is the outcome of a connection probe.
type ProbeStatus string

const (
	ProbeConnected    ProbeStatus = "connected"
	ProbeUnreachable  ProbeStatus = "unreachable"
	ProbeAuthRejected ProbeStatus = "auth_rejected"
)

// ProbeResult is the outcome of a lightweight handshake/login attempt.
type ProbeResult struct {
	Status     ProbeStatus `json:"status"`
	Diagnostic string      `json:"diagnostic,omitempty"`
}

// OK reports whether the probe reached and authenticated against the server.
func (r ProbeResult) OK() bool {
	return r.Status == ProbeConnected
}
