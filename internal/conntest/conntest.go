package conntest

import (
	"context"

	"github.com/slopmail/mailsync/internal/protocol"
	"github.com/slopmail/mailsync/pkg/types"
)

// Tester is the stateless pre-flight connection check shared by account
// setup and the orchestrator's failure-recovery path. It dispatches to the
// matching handler's probe and never mutates remote state.
type Tester struct {
	registry *protocol.Registry
}

// New creates a connection tester over the handler registry.
func New(registry *protocol.Registry) *Tester {
	return &Tester{registry: registry}
}

// Test probes the endpoints the account describes. The account does not need
// to be saved; only the protocol tag, the relevant endpoint fields, and a
// resolvable credential reference are required.
func (t *Tester) Test(ctx context.Context, account *types.Account) types.ProbeResult {
	if err := account.Validate(); err != nil {
		return types.ProbeResult{Status: types.ProbeUnreachable, Diagnostic: err.Error()}
	}

	handler, err := t.registry.ForAccount(account)
	if err != nil {
		return types.ProbeResult{Status: types.ProbeUnreachable, Diagnostic: err.Error()}
	}

	return handler.Probe(ctx, account)
}
