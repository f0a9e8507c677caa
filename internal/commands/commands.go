package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/slopmail/mailsync/internal/conntest"
	"github.com/slopmail/mailsync/internal/credential"
	"github.com/slopmail/mailsync/internal/protocol"
	"github.com/slopmail/mailsync/internal/store"
	syncer "github.com/slopmail/mailsync/internal/sync"
	"github.com/slopmail/mailsync/pkg/types"
)

// emailCacheSize bounds the read-path cache of fully hydrated emails.
const emailCacheSize = 256

// Commands is the operation surface a frontend drives the sync core through.
// Every method is safe for concurrent use; mutations go through the store
// and the protocol handlers, never around them.
type Commands struct {
	store        *store.Store
	registry     *protocol.Registry
	vault        credential.Vault
	tester       *conntest.Tester
	orchestrator *syncer.Orchestrator
	logger       *logrus.Logger

	emailCache *lru.Cache[int64, *types.Email]
}

// New creates the command surface.
func New(st *store.Store, registry *protocol.Registry, vault credential.Vault, orchestrator *syncer.Orchestrator, logger *logrus.Logger) (*Commands, error) {
	cache, err := lru.New[int64, *types.Email](emailCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create email cache: %w", err)
	}
	return &Commands{
		store:        st,
		registry:     registry,
		vault:        vault,
		tester:       conntest.New(registry),
		orchestrator: orchestrator,
		logger:       logger,
		emailCache:   cache,
	}, nil
}

// AddAccount stores the secret in the vault, verifies the endpoints actually
// accept it, and persists the account carrying only the vault reference. A
// failed probe leaves nothing behind.
func (c *Commands) AddAccount(ctx context.Context, account *types.Account, secret string) (*types.Account, error) {
	if err := account.Validate(); err != nil {
		return nil, err
	}

	key := "account-" + uuid.New().String()
	ref, err := c.vault.Store(key, secret)
	if err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}
	account.CredentialRef = ref

	probe := c.tester.Test(ctx, account)
	if !probe.OK() {
		if delErr := c.vault.Delete(ref); delErr != nil {
			c.logger.WithError(delErr).Warn("Failed to remove credential after rejected probe")
		}
		return nil, fmt.Errorf("account verification failed (%s): %s", probe.Status, probe.Diagnostic)
	}

	id, err := c.store.SaveAccount(account)
	if err != nil {
		if delErr := c.vault.Delete(ref); delErr != nil {
			c.logger.WithError(delErr).Warn("Failed to remove credential after save failure")
		}
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"account":  account.Name,
		"protocol": account.Protocol,
	}).Info("Account added")
	return c.store.GetAccount(id)
}

// RemoveAccount deletes the account and everything under it, then drops its
// credential from the vault. Vault cleanup is best effort; a dangling secret
// is preferable to an undeletable account.
func (c *Commands) RemoveAccount(accountID int64) error {
	account, err := c.store.GetAccount(accountID)
	if err != nil {
		return err
	}
	if err := c.store.DeleteAccount(accountID); err != nil {
		return err
	}
	if err := c.vault.Delete(account.CredentialRef); err != nil {
		c.logger.WithError(err).WithField("account", account.Name).Warn("Failed to remove credential from vault")
	}
	c.emailCache.Purge()
	return nil
}

// ListAccounts returns all configured accounts.
func (c *Commands) ListAccounts() ([]*types.Account, error) {
	return c.store.ListAccounts()
}

// TestConnection probes the described endpoints with an ephemeral credential
// that never touches persistent account state.
func (c *Commands) TestConnection(ctx context.Context, account *types.Account, secret string) types.ProbeResult {
	key := "probe-" + uuid.New().String()
	ref, err := c.vault.Store(key, secret)
	if err != nil {
		return types.ProbeResult{Status: types.ProbeUnreachable, Diagnostic: fmt.Sprintf("failed to stage credential: %v", err)}
	}
	defer func() {
		if err := c.vault.Delete(ref); err != nil {
			c.logger.WithError(err).Warn("Failed to remove probe credential")
		}
	}()

	probeAccount := *account
	probeAccount.CredentialRef = ref
	return c.tester.Test(ctx, &probeAccount)
}

// SyncAccount runs one full sync pass for the account.
func (c *Commands) SyncAccount(ctx context.Context, accountID int64) error {
	return c.orchestrator.SyncAccount(ctx, accountID)
}

// ListFolders returns the account's folders from local state, Inbox first.
func (c *Commands) ListFolders(accountID int64) ([]*types.Folder, error) {
	return c.store.ListFolders(accountID)
}

// FetchPage returns one page of a folder's emails from local state, newest
// first. It never touches the network; the sync pass is what fills the store.
func (c *Commands) FetchPage(folderID int64, limit, offset int) ([]*types.Email, error) {
	if limit < 1 {
		limit = 50
	}
	return c.store.EmailPage(folderID, limit, offset)
}

// GetEmail returns one email by local id through the read cache.
func (c *Commands) GetEmail(emailID int64) (*types.Email, error) {
	if email, ok := c.emailCache.Get(emailID); ok {
		return email, nil
	}
	email, err := c.store.GetEmail(emailID)
	if err != nil {
		return nil, err
	}
	c.emailCache.Add(emailID, email)
	return email, nil
}

// SendMessage submits an outgoing message through the account's submission
// channel and returns the assigned Message-ID.
func (c *Commands) SendMessage(ctx context.Context, accountID int64, msg *types.ComposeMessage) (string, error) {
	account, err := c.store.GetAccount(accountID)
	if err != nil {
		return "", err
	}
	handler, err := c.registry.SubmissionFor(account)
	if err != nil {
		return "", err
	}
	return handler.SendMessage(ctx, account, msg)
}

// SetFlag applies a flag delta locally first, then pushes it to the server.
// On a protocol without flag storage the change stays local; that is the
// whole flag model such protocols get.
func (c *Commands) SetFlag(ctx context.Context, emailID int64, delta types.FlagDelta) error {
	if delta.Empty() {
		return nil
	}
	if err := c.store.SetFlagsLocal(emailID, delta); err != nil {
		return err
	}
	c.emailCache.Remove(emailID)

	email, err := c.store.GetEmail(emailID)
	if err != nil {
		return err
	}
	account, handler, folder, err := c.resolveRemote(email)
	if err != nil {
		return err
	}

	err = handler.ApplyFlagChange(ctx, account, folder, email, delta)
	var ce *protocol.CapabilityError
	if err != nil && !errors.As(err, &ce) {
		return fmt.Errorf("flag change saved locally but not pushed: %w", err)
	}
	return nil
}

// PurgeEmail permanently removes the message remotely, then locally.
func (c *Commands) PurgeEmail(ctx context.Context, emailID int64) error {
	email, err := c.store.GetEmail(emailID)
	if err != nil {
		return err
	}
	account, handler, folder, err := c.resolveRemote(email)
	if err != nil {
		return err
	}

	if email.SeqMarker != "" {
		if err := handler.Purge(ctx, account, folder, email); err != nil {
			return err
		}
	}
	if err := c.store.PurgeEmail(emailID); err != nil {
		return err
	}
	c.emailCache.Remove(emailID)
	return nil
}

func (c *Commands) resolveRemote(email *types.Email) (*types.Account, protocol.Handler, *types.Folder, error) {
	account, err := c.store.GetAccount(email.AccountID)
	if err != nil {
		return nil, nil, nil, err
	}
	handler, err := c.registry.ForAccount(account)
	if err != nil {
		return nil, nil, nil, err
	}
	folder, err := c.store.GetFolder(email.FolderID)
	if err != nil {
		return nil, nil, nil, err
	}
	return account, handler, folder, nil
}
