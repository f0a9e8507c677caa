package sync

import (
	"github.com/sirupsen/logrus"

	"github.com/slopmail/mailsync/internal/store"
	"github.com/slopmail/mailsync/pkg/types"
)

// startMarker is the protocol start-of-range value the watermark resets to
// on a full resync.
const startMarker = 1

// Plan is the fetch strategy resolved for one folder: either resume
// incrementally from the stored cursor, or run a full resync from the start
// of the range under a fresh validity epoch.
type Plan struct {
	FullResync bool
	Cursor     types.Cursor
}

// Tracker owns per-(account, folder) synchronization state and decides
// whether an incremental fetch or a full resync is required.
type Tracker struct {
	store  *store.Store
	logger *logrus.Logger
}

// NewTracker creates a cursor tracker over the given store.
func NewTracker(st *store.Store, logger *logrus.Logger) *Tracker {
	return &Tracker{store: st, logger: logger}
}

// Plan loads the stored cursor for the folder and compares its validity
// token against the one the folder listing reported. An absent cursor or a
// changed token forces a full resync: the stored watermark and continuation
// token belong to a dead identifier epoch and are discarded. force requests
// a full resync unconditionally; protocols without a listable validity token
// use it when their change feed rejects the continuation token.
func (t *Tracker) Plan(accountID int64, folder *types.Folder, force bool) (Plan, error) {
	cursor, found, err := t.store.GetCursor(accountID, folder.ID)
	if err != nil {
		return Plan{}, err
	}

	fresh := types.Cursor{
		AccountID:  accountID,
		FolderID:   folder.ID,
		Validity:   folder.Validity,
		NextMarker: startMarker,
	}

	if force || !found {
		return Plan{FullResync: true, Cursor: fresh}, nil
	}

	if folder.Validity != "" && cursor.Validity != folder.Validity {
		t.logger.WithFields(logrus.Fields{
			"folder":   folder.Name,
			"stored":   cursor.Validity,
			"reported": folder.Validity,
		}).Warn("Folder validity changed, forcing full resync")
		return Plan{FullResync: true, Cursor: fresh}, nil
	}

	return Plan{Cursor: cursor}, nil
}
