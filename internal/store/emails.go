package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/slopmail/mailsync/internal/protocol"
	"github.com/slopmail/mailsync/pkg/types"
)

type emailRow struct {
	ID              int64  `db:"id"`
	AccountID       int64  `db:"account_id"`
	FolderID        int64  `db:"folder_id"`
	MessageID       string `db:"message_id"`
	ThreadID        string `db:"thread_id"`
	Subject         string `db:"subject"`
	FromName        string `db:"from_name"`
	FromAddress     string `db:"from_address"`
	ToJSON          string `db:"to_json"`
	CcJSON          string `db:"cc_json"`
	BccJSON         string `db:"bcc_json"`
	BodyText        string `db:"body_text"`
	BodyHTML        string `db:"body_html"`
	AttachmentsJSON string `db:"attachments_json"`
	SizeBytes       int64  `db:"size_bytes"`
	Date            string `db:"date"`
	InternalDate    string `db:"internal_date"`
	IsRead          bool   `db:"is_read"`
	IsFlagged       bool   `db:"is_flagged"`
	IsAnswered      bool   `db:"is_answered"`
	IsDraft         bool   `db:"is_draft"`
	IsDeleted       bool   `db:"is_deleted"`
	SeqMarker       string `db:"seq_marker"`
	Unverified      bool   `db:"unverified"`
	CreatedAt       string `db:"created_at"`
	UpdatedAt       string `db:"updated_at"`
}

func (r *emailRow) toEmail() (*types.Email, error) {
	e := &types.Email{
		ID:           r.ID,
		AccountID:    r.AccountID,
		FolderID:     r.FolderID,
		MessageID:    r.MessageID,
		ThreadID:     r.ThreadID,
		Subject:      r.Subject,
		From:         types.Address{Name: r.FromName, Address: r.FromAddress},
		BodyText:     r.BodyText,
		BodyHTML:     r.BodyHTML,
		Size:         r.SizeBytes,
		Date:         parseTime(r.Date),
		InternalDate: parseTime(r.InternalDate),
		Flags: types.Flags{
			Read:     r.IsRead,
			Flagged:  r.IsFlagged,
			Answered: r.IsAnswered,
			Draft:    r.IsDraft,
			Deleted:  r.IsDeleted,
		},
		SeqMarker:  r.SeqMarker,
		Unverified: r.Unverified,
		CreatedAt:  parseTime(r.CreatedAt),
		UpdatedAt:  parseTime(r.UpdatedAt),
	}
	for _, pair := range []struct {
		raw  string
		dest *[]types.Address
	}{
		{r.ToJSON, &e.To},
		{r.CcJSON, &e.Cc},
		{r.BccJSON, &e.Bcc},
	} {
		if err := json.Unmarshal([]byte(pair.raw), pair.dest); err != nil {
			return nil, fmt.Errorf("failed to unmarshal address list: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(r.AttachmentsJSON), &e.Attachments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
	}
	return e, nil
}

func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "[]", nil
	}
	return string(b), nil
}

// MergeEmailPage durably applies one fetched page and advances the cursor in
// the same transaction, so the cursor is never ahead of merged data. The
// merge is idempotent: a message whose sequence marker matches an existing
// row refreshes its mutable fields in place, an unseen marker is inserted,
// and re-applying an already-merged page is a no-op aside from flag refresh.
// A marker collision across differing message identities rolls the page back
// and returns *protocol.MergeConflictError.
//
// Callers must hold the folder lock.
func (s *Store) MergeEmailPage(accountID, folderID int64, emails []*types.Email, expunged []string, cursor types.Cursor) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())

	for _, e := range emails {
		toJSON, err := marshalJSON(e.To)
		if err != nil {
			return fmt.Errorf("failed to marshal recipients: %w", err)
		}
		ccJSON, err := marshalJSON(e.Cc)
		if err != nil {
			return fmt.Errorf("failed to marshal cc list: %w", err)
		}
		bccJSON, err := marshalJSON(e.Bcc)
		if err != nil {
			return fmt.Errorf("failed to marshal bcc list: %w", err)
		}
		attJSON, err := marshalJSON(e.Attachments)
		if err != nil {
			return fmt.Errorf("failed to marshal attachments: %w", err)
		}

		var existing emailRow
		found := false
		if e.SeqMarker != "" {
			err = tx.Get(&existing,
				"SELECT id, message_id FROM emails WHERE account_id = ? AND folder_id = ? AND seq_marker = ?",
				accountID, folderID, e.SeqMarker)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return fmt.Errorf("failed to query email by marker: %w", err)
			default:
				found = true
			}
		}

		if found {
			if existing.MessageID != "" && e.MessageID != "" && existing.MessageID != e.MessageID {
				return &protocol.MergeConflictError{
					Marker: e.SeqMarker,
					Reason: fmt.Sprintf("marker maps to message %q locally but %q remotely", existing.MessageID, e.MessageID),
				}
			}
			_, err = tx.Exec(`
				UPDATE emails SET is_read = ?, is_flagged = ?, is_answered = ?, is_draft = ?, is_deleted = ?,
					unverified = 0, updated_at = ?
				WHERE id = ?`,
				e.Flags.Read, e.Flags.Flagged, e.Flags.Answered, e.Flags.Draft, e.Flags.Deleted,
				now, existing.ID,
			)
			if err != nil {
				return fmt.Errorf("failed to refresh email %q: %w", e.SeqMarker, err)
			}
			continue
		}

		// During a full resync a surviving message reappears under a new
		// marker with its marker-less unverified row still present; re-adopt
		// that row instead of inserting a duplicate.
		if e.MessageID != "" {
			err = tx.Get(&existing, `
				SELECT id, message_id FROM emails
				WHERE account_id = ? AND folder_id = ? AND message_id = ? AND unverified = 1 AND seq_marker = ''`,
				accountID, folderID, e.MessageID)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to query email by message id: %w", err)
			}
			if err == nil {
				_, err = tx.Exec(`
					UPDATE emails SET seq_marker = ?, is_read = ?, is_flagged = ?, is_answered = ?, is_draft = ?, is_deleted = ?,
						unverified = 0, updated_at = ?
					WHERE id = ?`,
					e.SeqMarker, e.Flags.Read, e.Flags.Flagged, e.Flags.Answered, e.Flags.Draft, e.Flags.Deleted,
					now, existing.ID,
				)
				if err != nil {
					return fmt.Errorf("failed to re-adopt email %q: %w", e.MessageID, err)
				}
				continue
			}
		}

		_, err = tx.Exec(`
			INSERT INTO emails (account_id, folder_id, message_id, thread_id, subject,
				from_name, from_address, to_json, cc_json, bcc_json,
				body_text, body_html, attachments_json, size_bytes, date, internal_date,
				is_read, is_flagged, is_answered, is_draft, is_deleted,
				seq_marker, unverified, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			accountID, folderID, e.MessageID, e.ThreadID, e.Subject,
			e.From.Name, e.From.Address, toJSON, ccJSON, bccJSON,
			e.BodyText, e.BodyHTML, attJSON, e.Size, formatTime(e.Date), formatTime(e.InternalDate),
			e.Flags.Read, e.Flags.Flagged, e.Flags.Answered, e.Flags.Draft, e.Flags.Deleted,
			e.SeqMarker, now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert email %q: %w", e.SeqMarker, err)
		}
	}

	for _, marker := range expunged {
		_, err = tx.Exec(
			"DELETE FROM emails WHERE account_id = ? AND folder_id = ? AND seq_marker = ?",
			accountID, folderID, marker,
		)
		if err != nil {
			return fmt.Errorf("failed to expunge marker %q: %w", marker, err)
		}
	}

	if err := saveCursorTx(tx, cursor); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit page merge: %w", err)
	}
	return nil
}

// MarkFolderUnverified flags every stored email in the folder as awaiting
// reconfirmation by a full resync. Sequence markers are cleared at the same
// time: they belong to the dead identifier epoch, and a reused marker value
// must not collide with whatever the new epoch assigns it to. Surviving rows
// are re-adopted during the merge by Message-ID.
func (s *Store) MarkFolderUnverified(folderID int64) error {
	_, err := s.db.Exec(
		"UPDATE emails SET unverified = 1, seq_marker = '', updated_at = ? WHERE folder_id = ?",
		formatTime(time.Now()), folderID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark folder unverified: %w", err)
	}
	return nil
}

// SweepUnverified logically deletes emails that never reappeared across a
// completed full resync: the server-side expunge happened while we were not
// looking. Physical removal still waits for an explicit purge signal.
func (s *Store) SweepUnverified(folderID int64) (int64, error) {
	res, err := s.db.Exec(
		"UPDATE emails SET is_deleted = 1, unverified = 0, updated_at = ? WHERE folder_id = ? AND unverified = 1",
		formatTime(time.Now()), folderID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep unverified emails: %w", err)
	}
	swept, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return swept, nil
}

// EmailPage returns one page of a folder's emails for UI consumption,
// newest first by internal date.
func (s *Store) EmailPage(folderID int64, limit, offset int) ([]*types.Email, error) {
	var rows []emailRow
	err := s.db.Select(&rows, `
		SELECT * FROM emails WHERE folder_id = ?
		ORDER BY internal_date DESC, id DESC
		LIMIT ? OFFSET ?`, folderID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query emails: %w", err)
	}
	emails := make([]*types.Email, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEmail()
		if err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	return emails, nil
}

// GetEmail returns one email by local id.
func (s *Store) GetEmail(id int64) (*types.Email, error) {
	var row emailRow
	err := s.db.Get(&row, "SELECT * FROM emails WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("email %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query email: %w", err)
	}
	return row.toEmail()
}

// SetFlagsLocal applies a flag delta to the local row only; the optimistic
// local state is reconciled against the remote on the next sync pass.
func (s *Store) SetFlagsLocal(id int64, delta types.FlagDelta) error {
	e, err := s.GetEmail(id)
	if err != nil {
		return err
	}
	flags := delta.Apply(e.Flags)
	_, err = s.db.Exec(`
		UPDATE emails SET is_read = ?, is_flagged = ?, is_answered = ?, is_deleted = ?, updated_at = ?
		WHERE id = ?`,
		flags.Read, flags.Flagged, flags.Answered, flags.Deleted, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update flags: %w", err)
	}
	return nil
}

// PurgeEmail physically removes a row after the protocol handler confirmed
// the remote expunge.
func (s *Store) PurgeEmail(id int64) error {
	_, err := s.db.Exec("DELETE FROM emails WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to purge email: %w", err)
	}
	return nil
}
