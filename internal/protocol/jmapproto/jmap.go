package jmapproto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/slopmail/mailsync/internal/credential"
	"github.com/slopmail/mailsync/internal/protocol"
	"github.com/slopmail/mailsync/pkg/types"
)

// emailProperties is the Email/get property set the sync core stores.
var emailProperties = []string{
	"id", "threadId", "mailboxIds", "messageId", "inReplyTo", "keywords",
	"from", "to", "cc", "bcc", "subject", "size",
	"receivedAt", "sentAt", "textBody", "htmlBody", "bodyValues", "attachments",
}

// Handler speaks JMAP over HTTPS. Unlike the socket protocols it is also its
// own submission channel, so JMAP accounts carry no SMTP pairing.
type Handler struct {
	vault      credential.Vault
	logger     *logrus.Logger
	httpClient *http.Client
}

// New creates a JMAP handler.
func New(vault credential.Vault, logger *logrus.Logger) *Handler {
	return &Handler{
		vault:  vault,
		logger: logger,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Protocol identifies the handler for registry dispatch.
func (h *Handler) Protocol() types.Protocol {
	return types.ProtocolJMAP
}

// connect resolves the credential and fetches the session resource.
func (h *Handler) connect(ctx context.Context, account *types.Account) (*session, string, error) {
	password, err := h.vault.Resolve(account.CredentialRef)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve credential: %w", err)
	}
	sess, err := h.getSession(ctx, account.JMAPURL, account.Username, password)
	if err != nil {
		return nil, "", err
	}
	return sess, password, nil
}

// Probe fetches the session resource, which exercises both reachability and
// authentication without touching any mailbox.
func (h *Handler) Probe(ctx context.Context, account *types.Account) types.ProbeResult {
	sess, _, err := h.connect(ctx, account)
	if err != nil {
		if protocol.IsAuth(err) {
			return types.ProbeResult{Status: types.ProbeAuthRejected, Diagnostic: err.Error()}
		}
		return types.ProbeResult{Status: types.ProbeUnreachable, Diagnostic: err.Error()}
	}
	if _, err := sess.mailAccountID(); err != nil {
		return types.ProbeResult{Status: types.ProbeUnreachable, Diagnostic: err.Error()}
	}
	return types.ProbeResult{Status: types.ProbeConnected}
}

type jmapMailbox struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	TotalEmails  int    `json:"totalEmails"`
	UnreadEmails int    `json:"unreadEmails"`
}

// ListFolders enumerates all mailboxes. The server-assigned mailbox id is the
// stable protocol name; JMAP has no per-folder validity token, resets surface
// through the changes feed instead.
func (h *Handler) ListFolders(ctx context.Context, account *types.Account) ([]*types.Folder, error) {
	sess, password, err := h.connect(ctx, account)
	if err != nil {
		return nil, err
	}
	accountID, err := sess.mailAccountID()
	if err != nil {
		return nil, err
	}

	responses, err := h.call(ctx, sess, account.Username, password, invocation{
		Name: "Mailbox/get",
		Args: map[string]interface{}{"accountId": accountID, "ids": nil},
		ID:   "mbox",
	})
	if err != nil {
		return nil, err
	}
	args, err := responseFor(responses, "mbox")
	if err != nil {
		return nil, err
	}

	var result struct {
		List []jmapMailbox `json:"list"`
	}
	if err := json.Unmarshal(args, &result); err != nil {
		return nil, fmt.Errorf("failed to decode mailbox list: %w", err)
	}

	folders := make([]*types.Folder, 0, len(result.List))
	for _, mb := range result.List {
		folders = append(folders, &types.Folder{
			AccountID:   account.ID,
			Name:        mb.ID,
			DisplayName: mb.Name,
			Role:        roleForMailbox(mb.Role),
			TotalCount:  mb.TotalEmails,
			UnreadCount: mb.UnreadEmails,
		})
	}
	return folders, nil
}

func roleForMailbox(role string) types.FolderRole {
	switch role {
	case "inbox":
		return types.RoleInbox
	case "sent":
		return types.RoleSent
	case "drafts":
		return types.RoleDrafts
	case "trash":
		return types.RoleTrash
	case "junk":
		return types.RoleSpam
	case "archive":
		return types.RoleArchive
	}
	return types.RoleCustom
}

// FetchMessages pages through the folder. Without a continuation token it
// walks the mailbox front to back with Email/query at the cursor's position;
// with one it asks the changes feed for everything since that state. A server
// that can no longer compute changes from our token reports a validity reset.
func (h *Handler) FetchMessages(ctx context.Context, account *types.Account, folder *types.Folder, cursor types.Cursor, pageSize int) (*protocol.FetchPage, error) {
	sess, password, err := h.connect(ctx, account)
	if err != nil {
		return nil, err
	}
	accountID, err := sess.mailAccountID()
	if err != nil {
		return nil, err
	}

	if cursor.ContinuationToken == "" {
		return h.fetchByQuery(ctx, sess, password, accountID, account, folder, cursor, pageSize)
	}
	return h.fetchByChanges(ctx, sess, password, accountID, account, folder, cursor, pageSize)
}

func (h *Handler) fetchByQuery(ctx context.Context, sess *session, password, accountID string, account *types.Account, folder *types.Folder, cursor types.Cursor, pageSize int) (*protocol.FetchPage, error) {
	position := 0
	if cursor.NextMarker > 1 {
		position = int(cursor.NextMarker) - 1
	}

	responses, err := h.call(ctx, sess, account.Username, password,
		invocation{
			Name: "Email/query",
			Args: map[string]interface{}{
				"accountId":      accountID,
				"filter":         map[string]interface{}{"inMailbox": folder.Name},
				"sort":           []map[string]interface{}{{"property": "receivedAt", "isAscending": true}},
				"position":       position,
				"limit":          pageSize,
				"calculateTotal": true,
			},
			ID: "query",
		},
		invocation{
			Name: "Email/get",
			Args: map[string]interface{}{
				"accountId": accountID,
				"#ids": map[string]interface{}{
					"resultOf": "query",
					"name":     "Email/query",
					"path":     "/ids",
				},
				"properties":          emailProperties,
				"fetchTextBodyValues": true,
				"fetchHTMLBodyValues": true,
			},
			ID: "get",
		},
	)
	if err != nil {
		return nil, err
	}

	queryArgs, err := responseFor(responses, "query")
	if err != nil {
		return nil, err
	}
	var query struct {
		IDs   []string `json:"ids"`
		Total int      `json:"total"`
	}
	if err := json.Unmarshal(queryArgs, &query); err != nil {
		return nil, fmt.Errorf("failed to decode query result: %w", err)
	}

	getArgs, err := responseFor(responses, "get")
	if err != nil {
		return nil, err
	}
	var get struct {
		State string      `json:"state"`
		List  []jmapEmail `json:"list"`
	}
	if err := json.Unmarshal(getArgs, &get); err != nil {
		return nil, fmt.Errorf("failed to decode email list: %w", err)
	}

	emails := make([]*types.Email, 0, len(get.List))
	for i := range get.List {
		emails = append(emails, get.List[i].toEmail(account.ID, folder.ID))
	}

	next := cursor
	next.NextMarker = uint64(position+len(query.IDs)) + 1
	hasMore := position+len(query.IDs) < query.Total && len(query.IDs) > 0
	if !hasMore {
		// Backfill complete: resume from the changes feed next pass.
		next.ContinuationToken = get.State
	}

	return &protocol.FetchPage{
		Emails:  emails,
		Cursor:  next,
		HasMore: hasMore,
	}, nil
}

func (h *Handler) fetchByChanges(ctx context.Context, sess *session, password, accountID string, account *types.Account, folder *types.Folder, cursor types.Cursor, pageSize int) (*protocol.FetchPage, error) {
	responses, err := h.call(ctx, sess, account.Username, password, invocation{
		Name: "Email/changes",
		Args: map[string]interface{}{
			"accountId":  accountID,
			"sinceState": cursor.ContinuationToken,
			"maxChanges": pageSize,
		},
		ID: "changes",
	})
	if err != nil {
		return nil, err
	}

	changesArgs, err := responseFor(responses, "changes")
	var me *methodError
	if errors.As(err, &me) && me.Type == errCannotCalculateChanges {
		return nil, &protocol.ValidityError{Stored: cursor.ContinuationToken, Reported: ""}
	}
	if err != nil {
		return nil, err
	}

	var changes struct {
		NewState       string   `json:"newState"`
		HasMoreChanges bool     `json:"hasMoreChanges"`
		Created        []string `json:"created"`
		Updated        []string `json:"updated"`
		Destroyed      []string `json:"destroyed"`
	}
	if err := json.Unmarshal(changesArgs, &changes); err != nil {
		return nil, fmt.Errorf("failed to decode changes: %w", err)
	}

	ids := append(changes.Created, changes.Updated...)
	expunged := changes.Destroyed
	var emails []*types.Email
	if len(ids) > 0 {
		getResponses, err := h.call(ctx, sess, account.Username, password, invocation{
			Name: "Email/get",
			Args: map[string]interface{}{
				"accountId":           accountID,
				"ids":                 ids,
				"properties":          emailProperties,
				"fetchTextBodyValues": true,
				"fetchHTMLBodyValues": true,
			},
			ID: "get",
		})
		if err != nil {
			return nil, err
		}
		getArgs, err := responseFor(getResponses, "get")
		if err != nil {
			return nil, err
		}
		var get struct {
			List []jmapEmail `json:"list"`
		}
		if err := json.Unmarshal(getArgs, &get); err != nil {
			return nil, fmt.Errorf("failed to decode email list: %w", err)
		}
		for i := range get.List {
			e := get.List[i]
			// The changes feed is account-wide. A changed message no longer
			// in this folder was moved out of it: from this folder's point
			// of view that is a removal, not an update.
			if !e.inMailbox(folder.Name) {
				expunged = append(expunged, e.ID)
				continue
			}
			emails = append(emails, e.toEmail(account.ID, folder.ID))
		}
	}

	next := cursor
	next.ContinuationToken = changes.NewState

	return &protocol.FetchPage{
		Emails:   emails,
		Cursor:   next,
		Expunged: expunged,
		HasMore:  changes.HasMoreChanges,
	}, nil
}

// ApplyFlagChange patches the message's keywords.
func (h *Handler) ApplyFlagChange(ctx context.Context, account *types.Account, folder *types.Folder, email *types.Email, delta types.FlagDelta) error {
	if delta.Empty() {
		return nil
	}

	sess, password, err := h.connect(ctx, account)
	if err != nil {
		return err
	}
	accountID, err := sess.mailAccountID()
	if err != nil {
		return err
	}

	patch := map[string]interface{}{}
	for _, m := range []struct {
		val     *bool
		keyword string
	}{
		{delta.Read, "$seen"},
		{delta.Flagged, "$flagged"},
		{delta.Answered, "$answered"},
		{delta.Deleted, "$deleted"},
	} {
		if m.val == nil {
			continue
		}
		if *m.val {
			patch["keywords/"+m.keyword] = true
		} else {
			patch["keywords/"+m.keyword] = nil
		}
	}

	responses, err := h.call(ctx, sess, account.Username, password, invocation{
		Name: "Email/set",
		Args: map[string]interface{}{
			"accountId": accountID,
			"update":    map[string]interface{}{email.SeqMarker: patch},
		},
		ID: "set",
	})
	if err != nil {
		return err
	}
	return checkSetResult(responses, "set", "", email.SeqMarker)
}

// Purge destroys the message server-side. An already-gone message is success.
func (h *Handler) Purge(ctx context.Context, account *types.Account, folder *types.Folder, email *types.Email) error {
	sess, password, err := h.connect(ctx, account)
	if err != nil {
		return err
	}
	accountID, err := sess.mailAccountID()
	if err != nil {
		return err
	}

	responses, err := h.call(ctx, sess, account.Username, password, invocation{
		Name: "Email/set",
		Args: map[string]interface{}{
			"accountId": accountID,
			"destroy":   []string{email.SeqMarker},
		},
		ID: "set",
	})
	if err != nil {
		return err
	}

	args, err := responseFor(responses, "set")
	if err != nil {
		return err
	}
	var result struct {
		Destroyed    []string                   `json:"destroyed"`
		NotDestroyed map[string]json.RawMessage `json:"notDestroyed"`
	}
	if err := json.Unmarshal(args, &result); err != nil {
		return fmt.Errorf("failed to decode destroy result: %w", err)
	}
	if raw, failed := result.NotDestroyed[email.SeqMarker]; failed {
		var me methodError
		if json.Unmarshal(raw, &me) == nil && me.Type == "notFound" {
			return nil
		}
		return fmt.Errorf("failed to destroy message %q: %s", email.SeqMarker, string(raw))
	}
	return nil
}

// checkSetResult verifies a single update landed in an Email/set response.
func checkSetResult(responses []methodResponse, callID, created, updated string) error {
	args, err := responseFor(responses, callID)
	if err != nil {
		return err
	}
	var result struct {
		NotCreated map[string]json.RawMessage `json:"notCreated"`
		NotUpdated map[string]json.RawMessage `json:"notUpdated"`
	}
	if err := json.Unmarshal(args, &result); err != nil {
		return fmt.Errorf("failed to decode set result: %w", err)
	}
	if created != "" {
		if raw, failed := result.NotCreated[created]; failed {
			return fmt.Errorf("failed to create %q: %s", created, string(raw))
		}
	}
	if updated != "" {
		if raw, failed := result.NotUpdated[updated]; failed {
			return fmt.Errorf("failed to update %q: %s", updated, string(raw))
		}
	}
	return nil
}
