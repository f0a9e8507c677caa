package protocol

import (
	"errors"
	"fmt"

	"github.com/slopmail/mailsync/pkg/types"
)

// CapabilityError reports an operation invoked on a protocol variant that
// does not support it. It is a programmer/configuration error and is never
// retried.
type CapabilityError struct {
	Op       string
	Protocol types.Protocol
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("operation %s is not supported by the %s protocol", e.Op, e.Protocol)
}

// Unsupported builds the CapabilityError for an operation/protocol pair.
func Unsupported(op string, p types.Protocol) error {
	return &CapabilityError{Op: op, Protocol: p}
}

// TransientError wraps an unreachable-server or timeout condition. Transient
// failures are retried with backoff at the orchestrator level, scoped to one
// folder, and do not fail sibling folders.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient transport failure: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// Transient wraps err as retryable.
func Transient(err error) error {
	return &TransientError{Cause: err}
}

// AuthError reports rejected credentials. Sync for the account is suspended
// until the vault collaborator refreshes them; it is surfaced, not retried.
type AuthError struct {
	Diagnostic string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected: %s", e.Diagnostic)
}

// ValidityError is not a failure: the folder's identifier numbering space
// was reset and all previously stored sequence markers are invalid. It
// triggers the full-resync path.
type ValidityError struct {
	Stored   string
	Reported string
}

func (e *ValidityError) Error() string {
	return fmt.Sprintf("folder validity changed from %q to %q", e.Stored, e.Reported)
}

// MergeConflictError reports a page whose data could not be reconciled with
// local state, such as a marker collision across differing message
// identities. The page is logged and skipped rather than aborting the pass.
type MergeConflictError struct {
	Marker string
	Reason string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict on marker %q: %s", e.Marker, e.Reason)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsAuth reports whether err is a credential rejection.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsValidityReset reports whether err signals an identifier-epoch change.
func IsValidityReset(err error) bool {
	var ve *ValidityError
	return errors.As(err, &ve)
}

// IsMergeConflict reports whether err is a skippable page conflict.
func IsMergeConflict(err error) bool {
	var me *MergeConflictError
	return errors.As(err, &me)
}
