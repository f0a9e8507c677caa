package protocol

import (
	"fmt"

	"github.com/slopmail/mailsync/pkg/types"
)

// Registry holds one handler per protocol variant. Handlers are registered
// once at startup and selected per account; no per-call string dispatch.
type Registry struct {
	handlers   map[types.Protocol]Handler
	submission Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[types.Protocol]Handler)}
}

// Register adds a mailbox-access handler for its protocol.
func (r *Registry) Register(h Handler) {
	r.handlers[h.Protocol()] = h
}

// RegisterSubmission sets the outbound handler paired with accounts whose
// own protocol cannot send (IMAP, POP3).
func (r *Registry) RegisterSubmission(h Handler) {
	r.submission = h
}

// ForAccount returns the mailbox-access handler for the account's protocol.
func (r *Registry) ForAccount(account *types.Account) (Handler, error) {
	h, ok := r.handlers[account.Protocol]
	if !ok {
		return nil, fmt.Errorf("no handler registered for protocol %q", account.Protocol)
	}
	return h, nil
}

// SubmissionFor returns the handler that sends mail for this account: the
// account's own handler when it has outbound capability (JMAP), otherwise
// the paired submission handler.
func (r *Registry) SubmissionFor(account *types.Account) (Handler, error) {
	if account.Protocol == types.ProtocolJMAP {
		return r.ForAccount(account)
	}
	if r.submission == nil {
		return nil, fmt.Errorf("no submission handler registered")
	}
	return r.submission, nil
}
