package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/slopmail/mailsync/pkg/types"
)

type cursorRow struct {
	AccountID         int64  `db:"account_id"`
	FolderID          int64  `db:"folder_id"`
	Validity          string `db:"validity"`
	NextMarker        uint64 `db:"next_marker"`
	ContinuationToken string `db:"continuation_token"`
	LastSync          string `db:"last_sync"`
}

// GetCursor loads the sync cursor for a folder. The second return value is
// false when no cursor exists yet, which callers treat as "full resync
// required".
func (s *Store) GetCursor(accountID, folderID int64) (types.Cursor, bool, error) {
	var row cursorRow
	err := s.db.Get(&row,
		"SELECT * FROM sync_cursors WHERE account_id = ? AND folder_id = ?",
		accountID, folderID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Cursor{AccountID: accountID, FolderID: folderID}, false, nil
	}
	if err != nil {
		return types.Cursor{}, false, fmt.Errorf("failed to query cursor: %w", err)
	}
	return types.Cursor{
		AccountID:         row.AccountID,
		FolderID:          row.FolderID,
		Validity:          row.Validity,
		NextMarker:        row.NextMarker,
		ContinuationToken: row.ContinuationToken,
		LastSync:          parseTime(row.LastSync),
	}, true, nil
}

// SaveCursor persists a cursor outside of a page merge: resetting it for a
// new validity epoch, advancing past a skipped page, or recording the
// last-sync timestamp. Callers must hold the folder lock.
func (s *Store) SaveCursor(cursor types.Cursor) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveCursorTx(tx, cursor); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cursor: %w", err)
	}
	return nil
}

func saveCursorTx(tx *sqlx.Tx, cursor types.Cursor) error {
	_, err := tx.Exec(`
		INSERT INTO sync_cursors (account_id, folder_id, validity, next_marker, continuation_token, last_sync)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, folder_id) DO UPDATE SET
			validity = excluded.validity,
			next_marker = excluded.next_marker,
			continuation_token = excluded.continuation_token,
			last_sync = excluded.last_sync`,
		cursor.AccountID, cursor.FolderID, cursor.Validity, cursor.NextMarker,
		cursor.ContinuationToken, formatTime(cursor.LastSync),
	)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}
