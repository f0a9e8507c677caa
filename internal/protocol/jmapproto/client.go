package jmapproto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/slopmail/mailsync/internal/protocol"
)

const (
	usingCore = "urn:ietf:params:jmap:core"
	usingMail = "urn:ietf:params:jmap:mail"

	// errCannotCalculateChanges is the server telling us its change log no
	// longer reaches our continuation token.
	errCannotCalculateChanges = "cannotCalculateChanges"
)

// session is the subset of the JMAP session resource the handler needs.
type session struct {
	APIURL          string            `json:"apiUrl"`
	UploadURL       string            `json:"uploadUrl"`
	PrimaryAccounts map[string]string `json:"primaryAccounts"`
}

func (s *session) mailAccountID() (string, error) {
	id, ok := s.PrimaryAccounts[usingMail]
	if !ok {
		return "", fmt.Errorf("JMAP session exposes no mail account")
	}
	return id, nil
}

// invocation is one [name, arguments, callId] triple on the wire.
type invocation struct {
	Name string
	Args interface{}
	ID   string
}

func (inv invocation) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{inv.Name, inv.Args, inv.ID})
}

type apiRequest struct {
	Using       []string     `json:"using"`
	MethodCalls []invocation `json:"methodCalls"`
}

// methodResponse is one decoded response triple. Args stays raw so each call
// site can unmarshal into its own shape.
type methodResponse struct {
	Name string
	Args json.RawMessage
	ID   string
}

type methodError struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

func (e *methodError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("JMAP method error %s: %s", e.Type, e.Description)
	}
	return fmt.Sprintf("JMAP method error %s", e.Type)
}

// getSession fetches the session resource from the account's session URL.
func (h *Handler) getSession(ctx context.Context, sessionURL, username, password string) (*session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sessionURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build session request: %w", err)
	}
	req.SetBasicAuth(username, password)
	req.Header.Set("Accept", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, protocol.Transient(fmt.Errorf("failed to reach JMAP session endpoint: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &protocol.AuthError{Diagnostic: fmt.Sprintf("session endpoint returned %s", resp.Status)}
	case resp.StatusCode != http.StatusOK:
		return nil, protocol.Transient(fmt.Errorf("session endpoint returned %s", resp.Status))
	}

	var sess session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return nil, fmt.Errorf("failed to decode session resource: %w", err)
	}
	if sess.APIURL == "" {
		return nil, fmt.Errorf("JMAP session resource has no apiUrl")
	}
	return &sess, nil
}

// call posts one batch of method calls and returns the decoded responses in
// order.
func (h *Handler) call(ctx context.Context, sess *session, username, password string, calls ...invocation) ([]methodResponse, error) {
	body, err := json.Marshal(apiRequest{
		Using:       []string{usingCore, usingMail},
		MethodCalls: calls,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JMAP request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sess.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build JMAP request: %w", err)
	}
	req.SetBasicAuth(username, password)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, protocol.Transient(fmt.Errorf("failed to reach JMAP API endpoint: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &protocol.AuthError{Diagnostic: fmt.Sprintf("API endpoint returned %s", resp.Status)}
	case resp.StatusCode != http.StatusOK:
		return nil, protocol.Transient(fmt.Errorf("API endpoint returned %s", resp.Status))
	}

	var envelope struct {
		MethodResponses [][]json.RawMessage `json:"methodResponses"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode JMAP response: %w", err)
	}

	out := make([]methodResponse, 0, len(envelope.MethodResponses))
	for _, triple := range envelope.MethodResponses {
		if len(triple) != 3 {
			return nil, fmt.Errorf("malformed JMAP method response")
		}
		var mr methodResponse
		if err := json.Unmarshal(triple[0], &mr.Name); err != nil {
			return nil, fmt.Errorf("failed to decode method response name: %w", err)
		}
		if err := json.Unmarshal(triple[2], &mr.ID); err != nil {
			return nil, fmt.Errorf("failed to decode method response id: %w", err)
		}
		mr.Args = triple[1]
		out = append(out, mr)
	}
	return out, nil
}

// responseFor picks the response matching the call id, decoding a method-level
// "error" response into *methodError.
func responseFor(responses []methodResponse, callID string) (json.RawMessage, error) {
	for _, mr := range responses {
		if mr.ID != callID {
			continue
		}
		if mr.Name == "error" {
			var me methodError
			if err := json.Unmarshal(mr.Args, &me); err != nil {
				return nil, fmt.Errorf("failed to decode JMAP error response: %w", err)
			}
			return nil, &me
		}
		return mr.Args, nil
	}
	return nil, fmt.Errorf("JMAP response missing call %q", callID)
}
