package jmapproto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/slopmail/mailsync/internal/protocol"
	"github.com/slopmail/mailsync/pkg/types"
)

// SendMessage creates the message in the drafts mailbox and submits it in one
// Email/set + EmailSubmission/set batch. On acceptance the draft keyword is
// cleared and the message moves to the sent mailbox.
func (h *Handler) SendMessage(ctx context.Context, account *types.Account, msg *types.ComposeMessage) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}

	sess, password, err := h.connect(ctx, account)
	if err != nil {
		return "", err
	}
	accountID, err := sess.mailAccountID()
	if err != nil {
		return "", err
	}

	identityID, draftsID, sentID, err := h.submissionTargets(ctx, sess, password, accountID, account)
	if err != nil {
		return "", err
	}

	attachments, err := h.uploadAttachments(ctx, sess, password, accountID, account, msg.Attachments)
	if err != nil {
		return "", err
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), addressDomain(account.Address))
	create := buildCreate(account, msg, draftsID, messageID, attachments)

	onSuccess := map[string]interface{}{
		"keywords/$draft": nil,
	}
	if sentID != "" {
		onSuccess["mailboxIds/"+sentID] = true
		onSuccess["mailboxIds/"+draftsID] = nil
	}

	responses, err := h.call(ctx, sess, account.Username, password,
		invocation{
			Name: "Email/set",
			Args: map[string]interface{}{
				"accountId": accountID,
				"create":    map[string]interface{}{"draft": create},
			},
			ID: "createDraft",
		},
		invocation{
			Name: "EmailSubmission/set",
			Args: map[string]interface{}{
				"accountId": accountID,
				"create": map[string]interface{}{
					"submission": map[string]interface{}{
						"emailId":    "#draft",
						"identityId": identityID,
					},
				},
				"onSuccessUpdateEmail": map[string]interface{}{
					"#submission": onSuccess,
				},
			},
			ID: "submit",
		},
	)
	if err != nil {
		return "", err
	}

	if err := checkSetResult(responses, "createDraft", "draft", ""); err != nil {
		return "", err
	}
	args, err := responseFor(responses, "submit")
	if err != nil {
		return "", err
	}
	var result struct {
		NotCreated map[string]json.RawMessage `json:"notCreated"`
	}
	if err := json.Unmarshal(args, &result); err != nil {
		return "", fmt.Errorf("failed to decode submission result: %w", err)
	}
	if raw, failed := result.NotCreated["submission"]; failed {
		return "", fmt.Errorf("failed to submit message: %s", string(raw))
	}
	return messageID, nil
}

// submissionTargets resolves the sending identity and the drafts/sent
// mailboxes in one batch.
func (h *Handler) submissionTargets(ctx context.Context, sess *session, password, accountID string, account *types.Account) (identityID, draftsID, sentID string, err error) {
	responses, err := h.call(ctx, sess, account.Username, password,
		invocation{
			Name: "Identity/get",
			Args: map[string]interface{}{"accountId": accountID},
			ID:   "identity",
		},
		invocation{
			Name: "Mailbox/get",
			Args: map[string]interface{}{
				"accountId":  accountID,
				"ids":        nil,
				"properties": []string{"id", "role"},
			},
			ID: "mbox",
		},
	)
	if err != nil {
		return "", "", "", err
	}

	identityArgs, err := responseFor(responses, "identity")
	if err != nil {
		return "", "", "", err
	}
	var identities struct {
		List []struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"list"`
	}
	if err := json.Unmarshal(identityArgs, &identities); err != nil {
		return "", "", "", fmt.Errorf("failed to decode identities: %w", err)
	}
	for _, ident := range identities.List {
		if strings.EqualFold(ident.Email, account.Address) {
			identityID = ident.ID
			break
		}
	}
	if identityID == "" && len(identities.List) > 0 {
		identityID = identities.List[0].ID
	}
	if identityID == "" {
		return "", "", "", fmt.Errorf("account %q has no JMAP sending identity", account.Name)
	}

	mboxArgs, err := responseFor(responses, "mbox")
	if err != nil {
		return "", "", "", err
	}
	var mailboxes struct {
		List []jmapMailbox `json:"list"`
	}
	if err := json.Unmarshal(mboxArgs, &mailboxes); err != nil {
		return "", "", "", fmt.Errorf("failed to decode mailboxes: %w", err)
	}
	for _, mb := range mailboxes.List {
		switch mb.Role {
		case "drafts":
			draftsID = mb.ID
		case "sent":
			sentID = mb.ID
		}
	}
	if draftsID == "" {
		return "", "", "", fmt.Errorf("account %q has no drafts mailbox to stage the message in", account.Name)
	}
	return identityID, draftsID, sentID, nil
}

// uploadAttachments pushes each attachment blob and returns the body parts to
// reference from the created email.
func (h *Handler) uploadAttachments(ctx context.Context, sess *session, password, accountID string, account *types.Account, attachments []types.ComposedAttachment) ([]map[string]interface{}, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	if sess.UploadURL == "" {
		return nil, fmt.Errorf("JMAP session exposes no upload endpoint")
	}

	parts := make([]map[string]interface{}, 0, len(attachments))
	for _, att := range attachments {
		url := strings.ReplaceAll(sess.UploadURL, "{accountId}", accountID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(att.Data))
		if err != nil {
			return nil, fmt.Errorf("failed to build upload request: %w", err)
		}
		req.SetBasicAuth(account.Username, password)
		req.Header.Set("Content-Type", att.ContentType)

		resp, err := h.httpClient.Do(req)
		if err != nil {
			return nil, protocol.Transient(fmt.Errorf("failed to upload attachment %q: %w", att.Filename, err))
		}
		var uploaded struct {
			BlobID string `json:"blobId"`
			Type   string `json:"type"`
			Size   int64  `json:"size"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&uploaded)
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			return nil, protocol.Transient(fmt.Errorf("upload of %q returned %s", att.Filename, resp.Status))
		}
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to decode upload result: %w", decodeErr)
		}

		parts = append(parts, map[string]interface{}{
			"blobId":      uploaded.BlobID,
			"type":        att.ContentType,
			"name":        att.Filename,
			"disposition": "attachment",
		})
	}
	return parts, nil
}

// buildCreate assembles the Email/set create object for the outgoing message.
func buildCreate(account *types.Account, msg *types.ComposeMessage, draftsID, messageID string, attachments []map[string]interface{}) map[string]interface{} {
	bodyValues := map[string]interface{}{}
	var textBody, htmlBody []map[string]interface{}
	if msg.BodyText != "" {
		bodyValues["text"] = map[string]interface{}{"value": msg.BodyText}
		textBody = append(textBody, map[string]interface{}{"partId": "text", "type": "text/plain"})
	}
	if msg.BodyHTML != "" {
		bodyValues["html"] = map[string]interface{}{"value": msg.BodyHTML}
		htmlBody = append(htmlBody, map[string]interface{}{"partId": "html", "type": "text/html"})
	}

	create := map[string]interface{}{
		"mailboxIds": map[string]bool{draftsID: true},
		"keywords":   map[string]bool{"$draft": true, "$seen": true},
		"messageId":  []string{messageID},
		"from":       wireAddresses([]types.Address{{Name: account.Name, Address: account.Address}}),
		"to":         wireAddresses(msg.To),
		"subject":    msg.Subject,
		"bodyValues": bodyValues,
	}
	if len(msg.Cc) > 0 {
		create["cc"] = wireAddresses(msg.Cc)
	}
	if len(msg.Bcc) > 0 {
		create["bcc"] = wireAddresses(msg.Bcc)
	}
	if len(textBody) > 0 {
		create["textBody"] = textBody
	}
	if len(htmlBody) > 0 {
		create["htmlBody"] = htmlBody
	}
	if msg.InReplyTo != "" {
		create["inReplyTo"] = []string{msg.InReplyTo}
	}
	if len(msg.References) > 0 {
		create["references"] = msg.References
	}
	if len(attachments) > 0 {
		create["attachments"] = attachments
	}
	return create
}

func wireAddresses(addrs []types.Address) []jmapAddress {
	out := make([]jmapAddress, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, jmapAddress{Name: a.Name, Email: a.Address})
	}
	return out
}

func addressDomain(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 && i < len(address)-1 {
		return address[i+1:]
	}
	return "localhost"
}
