package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/slopmail/mailsync/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type accountRow struct {
	ID             int64          `db:"id"`
	Name           string         `db:"name"`
	Address        string         `db:"address"`
	Protocol       string         `db:"protocol"`
	MailboxHost    sql.NullString `db:"mailbox_host"`
	MailboxPort    sql.NullInt64  `db:"mailbox_port"`
	MailboxTLS     sql.NullBool   `db:"mailbox_tls"`
	JMAPURL        sql.NullString `db:"jmap_url"`
	SubmissionHost sql.NullString `db:"submission_host"`
	SubmissionPort sql.NullInt64  `db:"submission_port"`
	SubmissionTLS  sql.NullBool   `db:"submission_tls"`
	Username       string         `db:"username"`
	CredentialRef  string         `db:"credential_ref"`
	Suspended      bool           `db:"suspended"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
}

func (r *accountRow) toAccount() *types.Account {
	a := &types.Account{
		ID:            r.ID,
		Name:          r.Name,
		Address:       r.Address,
		Protocol:      types.Protocol(r.Protocol),
		JMAPURL:       r.JMAPURL.String,
		Username:      r.Username,
		CredentialRef: r.CredentialRef,
		Suspended:     r.Suspended,
		CreatedAt:     parseTime(r.CreatedAt),
		UpdatedAt:     parseTime(r.UpdatedAt),
	}
	if r.MailboxHost.Valid {
		a.Mailbox = &types.Endpoint{
			Host: r.MailboxHost.String,
			Port: int(r.MailboxPort.Int64),
			TLS:  r.MailboxTLS.Bool,
		}
	}
	if r.SubmissionHost.Valid {
		a.Submission = &types.Endpoint{
			Host: r.SubmissionHost.String,
			Port: int(r.SubmissionPort.Int64),
			TLS:  r.SubmissionTLS.Bool,
		}
	}
	return a
}

// SaveAccount inserts or updates an account and returns its id. The protocol
// tag is immutable after creation; changing protocol requires deleting and
// re-adding the account.
func (s *Store) SaveAccount(a *types.Account) (int64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}

	if a.ID != 0 {
		existing, err := s.GetAccount(a.ID)
		if err != nil {
			return 0, err
		}
		if existing.Protocol != a.Protocol {
			return 0, fmt.Errorf("account %d protocol is immutable (%s)", a.ID, existing.Protocol)
		}
	}

	var mailboxHost, submissionHost interface{}
	var mailboxPort, mailboxTLS, submissionPort, submissionTLS interface{}
	if a.Mailbox != nil {
		mailboxHost, mailboxPort, mailboxTLS = a.Mailbox.Host, a.Mailbox.Port, a.Mailbox.TLS
	}
	if a.Submission != nil {
		submissionHost, submissionPort, submissionTLS = a.Submission.Host, a.Submission.Port, a.Submission.TLS
	}
	var jmapURL interface{}
	if a.JMAPURL != "" {
		jmapURL = a.JMAPURL
	}

	now := formatTime(time.Now())

	if a.ID == 0 {
		res, err := s.db.Exec(`
			INSERT INTO accounts (name, address, protocol, mailbox_host, mailbox_port, mailbox_tls,
				jmap_url, submission_host, submission_port, submission_tls,
				username, credential_ref, suspended, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.Name, a.Address, string(a.Protocol), mailboxHost, mailboxPort, mailboxTLS,
			jmapURL, submissionHost, submissionPort, submissionTLS,
			a.Username, a.CredentialRef, a.Suspended, now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert account: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to get account id: %w", err)
		}
		a.ID = id
		return id, nil
	}

	_, err := s.db.Exec(`
		UPDATE accounts SET name = ?, address = ?, mailbox_host = ?, mailbox_port = ?, mailbox_tls = ?,
			jmap_url = ?, submission_host = ?, submission_port = ?, submission_tls = ?,
			username = ?, credential_ref = ?, suspended = ?, updated_at = ?
		WHERE id = ?`,
		a.Name, a.Address, mailboxHost, mailboxPort, mailboxTLS,
		jmapURL, submissionHost, submissionPort, submissionTLS,
		a.Username, a.CredentialRef, a.Suspended, now, a.ID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update account: %w", err)
	}
	return a.ID, nil
}

// GetAccount returns the account with the given id.
func (s *Store) GetAccount(id int64) (*types.Account, error) {
	var row accountRow
	err := s.db.Get(&row, "SELECT * FROM accounts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query account: %w", err)
	}
	return row.toAccount(), nil
}

// ListAccounts returns all accounts ordered by name.
func (s *Store) ListAccounts() ([]*types.Account, error) {
	var rows []accountRow
	if err := s.db.Select(&rows, "SELECT * FROM accounts ORDER BY name"); err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	accounts := make([]*types.Account, 0, len(rows))
	for i := range rows {
		accounts = append(accounts, rows[i].toAccount())
	}
	return accounts, nil
}

// DeleteAccount removes an account; folders, emails, and cursors cascade.
func (s *Store) DeleteAccount(id int64) error {
	res, err := s.db.Exec("DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetAccountSuspended flips the suspension flag set after an auth-rejected
// probe. A suspended account is skipped by sync until re-authenticated.
func (s *Store) SetAccountSuspended(id int64, suspended bool) error {
	_, err := s.db.Exec(
		"UPDATE accounts SET suspended = ?, updated_at = ? WHERE id = ?",
		suspended, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update account suspension: %w", err)
	}
	return nil
}
