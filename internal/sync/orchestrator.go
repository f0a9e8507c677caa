package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/slopmail/mailsync/internal/protocol"
	"github.com/slopmail/mailsync/internal/store"
	"github.com/slopmail/mailsync/pkg/types"
)

// maxEpochRestarts bounds how often one folder pass may restart after a
// mid-sequence validity change before giving up for this pass.
const maxEpochRestarts = 2

// Orchestrator drives the reconciliation loop for one account at a time:
// full folder enumeration first, then per-folder incremental fetch with the
// Inbox prioritized. Passes for different accounts are fully independent;
// within a pass, folders fan out up to a bounded concurrency while pages
// inside one folder stay strictly ordered.
type Orchestrator struct {
	store    *store.Store
	registry *protocol.Registry
	tracker  *Tracker
	logger   *logrus.Logger

	pageSize int
	fanOut   int

	// RetryMaxElapsed caps the backoff retry window for transient
	// transport failures.
	RetryMaxElapsed time.Duration
}

// NewOrchestrator creates a sync orchestrator.
func NewOrchestrator(st *store.Store, registry *protocol.Registry, logger *logrus.Logger, pageSize, fanOut int) *Orchestrator {
	if pageSize < 1 {
		pageSize = 50
	}
	if fanOut < 1 {
		fanOut = 1
	}
	return &Orchestrator{
		store:           st,
		registry:        registry,
		tracker:         NewTracker(st, logger),
		logger:          logger,
		pageSize:        pageSize,
		fanOut:          fanOut,
		RetryMaxElapsed: 30 * time.Second,
	}
}

// SyncAccount runs one full sync pass for the account. It is idempotent and
// safe to invoke repeatedly; overlapping passes for the same folder are
// serialized by the store's folder lock. Transport failures are isolated per
// folder; local-store failures fail the pass, with progress already merged
// retained.
func (o *Orchestrator) SyncAccount(ctx context.Context, accountID int64) error {
	account, err := o.store.GetAccount(accountID)
	if err != nil {
		return err
	}
	if account.Suspended {
		return fmt.Errorf("account %q is suspended pending re-authentication", account.Name)
	}

	handler, err := o.registry.ForAccount(account)
	if err != nil {
		return err
	}

	// Pre-flight probe: fail fast with a clear cause instead of an opaque
	// mid-sync I/O error.
	probe := handler.Probe(ctx, account)
	switch probe.Status {
	case types.ProbeAuthRejected:
		if err := o.store.SetAccountSuspended(account.ID, true); err != nil {
			return err
		}
		o.logger.WithField("account", account.Name).Warn("Credentials rejected, suspending sync for account")
		return &protocol.AuthError{Diagnostic: probe.Diagnostic}
	case types.ProbeUnreachable:
		return protocol.Transient(errors.New(probe.Diagnostic))
	}

	var remote []*types.Folder
	err = o.retryTransient(ctx, func() error {
		var listErr error
		remote, listErr = handler.ListFolders(ctx, account)
		return listErr
	})
	if err != nil {
		return fmt.Errorf("failed to list folders: %w", err)
	}

	folders, err := o.store.MergeFolders(account.ID, remote)
	if err != nil {
		return fmt.Errorf("failed to merge folders: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.fanOut)

	for _, folder := range folders {
		folder := folder
		if folder.Stale {
			// Remote counterpart is currently missing; nothing to fetch.
			continue
		}
		g.Go(func() error {
			err := o.syncFolder(gctx, account, handler, folder)
			if err == nil {
				return nil
			}
			if protocol.IsTransient(err) {
				// Folder-scoped failure must not fail sibling folders.
				o.logger.WithError(err).WithFields(logrus.Fields{
					"account": account.Name,
					"folder":  folder.Name,
				}).Warn("Folder sync failed, continuing with siblings")
				return nil
			}
			return err
		})
	}

	err = g.Wait()
	if protocol.IsAuth(err) {
		if suspendErr := o.store.SetAccountSuspended(account.ID, true); suspendErr != nil {
			return suspendErr
		}
	}
	if err != nil {
		return err
	}

	o.logger.WithFields(logrus.Fields{
		"account": account.Name,
		"folders": len(folders),
	}).Info("Account sync pass complete")
	return nil
}

// syncFolder reconciles one folder under its store lock. A validity change
// mid-page-sequence aborts the remaining pages and restarts from the plan
// step so markers from two epochs are never mixed.
func (o *Orchestrator) syncFolder(ctx context.Context, account *types.Account, handler protocol.Handler, folder *types.Folder) error {
	unlock := o.store.LockFolder(folder.ID)
	defer unlock()

	forceFull := false
	for attempt := 0; attempt < maxEpochRestarts; attempt++ {
		restart, err := o.runFolderPass(ctx, account, handler, folder, forceFull)
		if !restart {
			return err
		}
		// The epoch died under us; the retry must discard all stored
		// markers even when the folder listing carries no validity token.
		forceFull = true
	}
	return fmt.Errorf("folder %q: validity kept changing mid-pass, giving up until next sync", folder.Name)
}

func (o *Orchestrator) runFolderPass(ctx context.Context, account *types.Account, handler protocol.Handler, folder *types.Folder, forceFull bool) (restart bool, err error) {
	plan, err := o.tracker.Plan(account.ID, folder, forceFull)
	if err != nil {
		return false, err
	}
	cursor := plan.Cursor

	if plan.FullResync {
		// Every stored row is unverified until the resync reconfirms it.
		if err := o.store.MarkFolderUnverified(folder.ID); err != nil {
			return false, err
		}
		if err := o.store.SaveCursor(cursor); err != nil {
			return false, err
		}
		o.logger.WithFields(logrus.Fields{
			"account":  account.Name,
			"folder":   folder.Name,
			"validity": cursor.Validity,
		}).Info("Starting full resync")
	}

	for {
		// Cancellation is honored only at page boundaries so the cursor
		// never advances past a partially merged page.
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		var page *protocol.FetchPage
		err := o.retryTransient(ctx, func() error {
			p, fetchErr := handler.FetchMessages(ctx, account, folder, cursor, o.pageSize)
			if fetchErr != nil {
				return fetchErr
			}
			page = p
			return nil
		})
		var ve *protocol.ValidityError
		if errors.As(err, &ve) {
			folder.Validity = ve.Reported
			o.logger.WithError(ve).WithField("folder", folder.Name).Warn("Validity reset mid-pass, restarting folder")
			return true, nil
		}
		if err != nil {
			return false, err
		}

		mergeErr := o.store.MergeEmailPage(account.ID, folder.ID, page.Emails, page.Expunged, page.Cursor)
		if protocol.IsMergeConflict(mergeErr) {
			// One bad page must not block the rest of a large folder:
			// skip it but advance the watermark past it.
			o.logger.WithError(mergeErr).WithFields(logrus.Fields{
				"account": account.Name,
				"folder":  folder.Name,
			}).Error("Page could not be reconciled, skipping")
			if err := o.store.SaveCursor(page.Cursor); err != nil {
				return false, err
			}
		} else if mergeErr != nil {
			// Cursor stays at its pre-page value; the page is retried in
			// full on the next pass.
			return false, mergeErr
		}

		cursor = page.Cursor
		if !page.HasMore {
			break
		}
	}

	if plan.FullResync {
		swept, err := o.store.SweepUnverified(folder.ID)
		if err != nil {
			return false, err
		}
		if swept > 0 {
			o.logger.WithFields(logrus.Fields{
				"folder": folder.Name,
				"count":  swept,
			}).Info("Marked unverified emails as deleted after resync")
		}
	}

	cursor.LastSync = time.Now()
	if err := o.store.SaveCursor(cursor); err != nil {
		return false, err
	}
	return false, nil
}

// retryTransient runs op, retrying transient transport failures with
// exponential backoff. Any other failure is permanent for this pass.
func (o *Orchestrator) retryTransient(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = o.RetryMaxElapsed

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if protocol.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}
