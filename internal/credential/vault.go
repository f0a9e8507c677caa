package credential

import (
	"fmt"
	"strings"
)

// Vault resolves opaque credential references to secrets. The sync core
// stores only references; plaintext secrets exist in memory solely while a
// handler dials. Refresh of expiring credentials is the vault's concern and
// is signaled back to the core as an auth-rejected probe.
type Vault interface {
	// Resolve returns the secret behind a reference.
	Resolve(ref string) (string, error)

	// Store saves a secret under key and returns the reference to persist.
	Store(key, secret string) (string, error)

	// Delete removes the secret behind a reference. Unknown references are
	// not an error.
	Delete(ref string) error
}

const refPrefix = "keyring:"

// Ref builds the persisted reference form for a vault key.
func Ref(key string) string {
	return refPrefix + key
}

func keyFromRef(ref string) (string, error) {
	if !strings.HasPrefix(ref, refPrefix) {
		return "", fmt.Errorf("malformed credential reference %q", ref)
	}
	return strings.TrimPrefix(ref, refPrefix), nil
}
