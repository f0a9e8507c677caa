package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/slopmail/mailsync/pkg/types"
)

type folderRow struct {
	ID            int64  `db:"id"`
	AccountID     int64  `db:"account_id"`
	Name          string `db:"name"`
	DisplayName   string `db:"display_name"`
	Role          string `db:"role"`
	Validity      string `db:"validity"`
	Stale         bool   `db:"stale"`
	MissingPasses int    `db:"missing_passes"`
	CreatedAt     string `db:"created_at"`
	UpdatedAt     string `db:"updated_at"`
	TotalCount    int    `db:"total_count"`
	UnreadCount   int    `db:"unread_count"`
}

func (r *folderRow) toFolder() *types.Folder {
	return &types.Folder{
		ID:            r.ID,
		AccountID:     r.AccountID,
		Name:          r.Name,
		DisplayName:   r.DisplayName,
		Role:          types.FolderRole(r.Role),
		Validity:      r.Validity,
		Stale:         r.Stale,
		MissingPasses: r.MissingPasses,
		TotalCount:    r.TotalCount,
		UnreadCount:   r.UnreadCount,
		CreatedAt:     parseTime(r.CreatedAt),
		UpdatedAt:     parseTime(r.UpdatedAt),
	}
}

// folderColumns selects folder rows with counts derived from stored emails;
// the stored counters are never authoritative on their own.
const folderColumns = `
	f.id, f.account_id, f.name, f.display_name, f.role, f.validity,
	f.stale, f.missing_passes, f.created_at, f.updated_at,
	(SELECT COUNT(*) FROM emails e WHERE e.folder_id = f.id AND e.is_deleted = 0) AS total_count,
	(SELECT COUNT(*) FROM emails e WHERE e.folder_id = f.id AND e.is_deleted = 0 AND e.is_read = 0) AS unread_count`

// MergeFolders applies a full remote folder enumeration to the local set and
// returns the resulting folders. Folders present remotely are upserted; the
// role of an existing folder is kept (it is assigned once from the
// protocol's convention). A folder absent from the listing is marked stale;
// only after two consecutive absent passes is it deleted, which guards
// against a transient listing glitch causing data loss.
func (s *Store) MergeFolders(accountID int64, remote []*types.Folder) ([]*types.Folder, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	seen := make(map[string]bool, len(remote))

	for _, f := range remote {
		seen[f.Name] = true

		var existing folderRow
		err := tx.Get(&existing,
			"SELECT id, role FROM folders WHERE account_id = ? AND name = ?", accountID, f.Name)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.Exec(`
				INSERT INTO folders (account_id, name, display_name, role, validity, stale, missing_passes, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)`,
				accountID, f.Name, f.DisplayName, string(f.Role), f.Validity, now, now,
			)
			if err != nil {
				return nil, fmt.Errorf("failed to insert folder %q: %w", f.Name, err)
			}
		case err != nil:
			return nil, fmt.Errorf("failed to query folder %q: %w", f.Name, err)
		default:
			// Role sticks once assigned unless it was previously unrecognized.
			role := existing.Role
			if role == string(types.RoleCustom) && f.Role != types.RoleCustom {
				role = string(f.Role)
			}
			_, err = tx.Exec(`
				UPDATE folders SET display_name = ?, role = ?, validity = ?, stale = 0, missing_passes = 0, updated_at = ?
				WHERE id = ?`,
				f.DisplayName, role, f.Validity, now, existing.ID,
			)
			if err != nil {
				return nil, fmt.Errorf("failed to update folder %q: %w", f.Name, err)
			}
		}
	}

	var local []folderRow
	if err := tx.Select(&local, "SELECT id, name, missing_passes FROM folders WHERE account_id = ?", accountID); err != nil {
		return nil, fmt.Errorf("failed to list local folders: %w", err)
	}

	for _, lf := range local {
		if seen[lf.Name] {
			continue
		}
		if lf.MissingPasses+1 >= 2 {
			// Absent across two consecutive full passes: safe to drop.
			if _, err := tx.Exec("DELETE FROM folders WHERE id = ?", lf.ID); err != nil {
				return nil, fmt.Errorf("failed to delete folder %q: %w", lf.Name, err)
			}
			s.logger.WithFields(logrus.Fields{"folder": lf.Name, "account": accountID}).Info("Removed folder absent from two enumerations")
			continue
		}
		_, err := tx.Exec(
			"UPDATE folders SET stale = 1, missing_passes = missing_passes + 1, updated_at = ? WHERE id = ?",
			now, lf.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to mark folder %q stale: %w", lf.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit folder merge: %w", err)
	}

	return s.ListFolders(accountID)
}

// ListFolders returns the account's folders with derived counts, Inbox first
// then by display name.
func (s *Store) ListFolders(accountID int64) ([]*types.Folder, error) {
	var rows []folderRow
	err := s.db.Select(&rows, `
		SELECT `+folderColumns+`
		FROM folders f
		WHERE f.account_id = ?
		ORDER BY CASE f.role WHEN 'inbox' THEN 0 ELSE 1 END, f.display_name`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	folders := make([]*types.Folder, 0, len(rows))
	for i := range rows {
		folders = append(folders, rows[i].toFolder())
	}
	return folders, nil
}

// GetFolder returns one folder with derived counts.
func (s *Store) GetFolder(id int64) (*types.Folder, error) {
	var row folderRow
	err := s.db.Get(&row, "SELECT "+folderColumns+" FROM folders f WHERE f.id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("folder %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query folder: %w", err)
	}
	return row.toFolder(), nil
}
