package types

import "fmt"

// ComposedAttachment carries attachment bytes for an outgoing message.
type ComposedAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// ComposeMessage is an outgoing message handed to a submission-capable
// protocol handler.
type ComposeMessage struct {
	To  []Address `json:"to"`
	Cc  []Address `json:"cc,omitempty"`
	Bcc []Address `json:"bcc,omitempty"`

	Subject  string `json:"subject"`
	BodyText string `json:"body_text,omitempty"`
	BodyHTML string `json:"body_html,omitempty"`

	Attachments []ComposedAttachment `json:"attachments,omitempty"`

	InReplyTo  string   `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`
}

// Validate checks the minimum a submission handler needs.
func (m *ComposeMessage) Validate() error {
	if len(m.To) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}
	for _, a := range m.To {
		if a.Address == "" {
			return fmt.Errorf("recipient with empty address")
		}
	}
	return nil
}

// Recipients returns all envelope recipients in to, cc, bcc order.
func (m *ComposeMessage) Recipients() []string {
	addrs := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	for _, list := range [][]Address{m.To, m.Cc, m.Bcc} {
		for _, a := range list {
			addrs = append(addrs, a.Address)
		}
	}
	return addrs
}
