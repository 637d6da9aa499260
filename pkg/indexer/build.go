package indexer

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/maildex/maildex/pkg/emlx"
	"github.com/maildex/maildex/pkg/storage"
)

// buildBatchSize is how many parsed messages go into one insert
// transaction during a bulk load.
const buildBatchSize = 500

// Build wipes the index and re-indexes every container under the mail
// store root. See Rebuild for the crash-safety guarantees.
func (m *Manager) Build(ctx context.Context, progress ProgressFunc) (int, error) {
	return m.Rebuild(ctx, "", "", progress)
}

// Rebuild clears the requested scope (one mailbox, a whole account, or
// everything when account is empty) and re-indexes its containers from
// disk. Per-row shadow-index triggers are dropped for the duration of
// the load. The tail work (flushing the open batch, stamping sync state,
// rebuilding and optimizing the shadow index, restoring the triggers)
// runs on every exit path, so an interrupted build leaves a consistent
// partial index rather than a silently stale shadow.
func (m *Manager) Rebuild(ctx context.Context, account, mailbox string, progress ProgressFunc) (indexed int, err error) {
	if account == "" && mailbox != "" {
		return 0, fmt.Errorf("mailbox filter requires an account")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	root, err := m.mailRoot()
	if err != nil {
		return 0, fmt.Errorf("locating mail store: %w", err)
	}
	entries, err := emlx.ScanStore(root, m.cfg.ExcludedSet())
	if err != nil {
		return 0, fmt.Errorf("scanning mail store: %w", err)
	}
	entries = filterScope(entries, account, mailbox)

	// Newest first so the per-scope cap keeps recent messages.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ModTime.After(entries[j].ModTime)
	})

	if account == "" {
		if _, err := m.store.DeleteAll(); err != nil {
			return 0, fmt.Errorf("clearing index: %w", err)
		}
	} else {
		if _, err := m.store.DeleteScope(account, mailbox); err != nil {
			return 0, fmt.Errorf("clearing scope: %w", err)
		}
	}

	// Per-row trigger maintenance is the slow path for a bulk load.
	// Drop the triggers and rebuild the shadow index once at the end.
	if err := m.store.DropSearchTriggers(); err != nil {
		return 0, fmt.Errorf("pausing search triggers: %w", err)
	}

	total := len(entries)
	log.Info().Int("containers", total).Str("root", root).Msg("building index")

	var (
		batch    []*storage.Message
		counts   = make(map[storage.Scope]int)
		capacity = m.capacity()
		skipped  int
		failed   int
	)

	defer func() {
		if ferr := m.finishBuild(batch, counts, &indexed); ferr != nil && err == nil {
			err = ferr
		}
		log.Info().
			Int("indexed", indexed).
			Int("skipped", skipped).
			Int("errors", failed).
			Msg("build complete")
	}()

	for _, e := range entries {
		if cerr := ctx.Err(); cerr != nil {
			return indexed, cerr
		}
		scope := storage.Scope{Account: e.Account, Mailbox: e.Mailbox}
		if counts[scope] >= capacity {
			skipped++
			continue
		}
		msg, perr := emlx.Parse(e.Path)
		if perr != nil {
			log.Debug().Err(perr).Str("path", e.Path).Msg("skipping unparseable container")
			failed++
			continue
		}
		batch = append(batch, toRecord(msg, storageKey(e.Key), e.Path))
		counts[scope]++

		if len(batch) >= buildBatchSize {
			n, ierr := m.store.InsertBatch(batch)
			if ierr != nil {
				batch = nil
				return indexed, fmt.Errorf("inserting batch: %w", ierr)
			}
			indexed += n
			batch = batch[:0]
			if progress != nil {
				progress(indexed, total)
			}
		}
	}
	return indexed, nil
}

// finishBuild is the always-run tail of a bulk load. It reports the
// first error it hits but attempts every step regardless.
func (m *Manager) finishBuild(batch []*storage.Message, counts map[storage.Scope]int, indexed *int) error {
	var firstErr error

	if len(batch) > 0 {
		n, err := m.store.InsertBatch(batch)
		*indexed += n
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flushing final batch: %w", err)
		}
	}
	for scope, n := range counts {
		if err := m.store.TouchSyncState(scope.Account, scope.Mailbox, n); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("recording sync state: %w", err)
		}
	}
	if *indexed > 0 {
		if err := m.store.RebuildSearchIndex(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("rebuilding search index: %w", err)
		}
		if err := m.store.OptimizeSearchIndex(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("optimizing search index: %w", err)
		}
	}
	if err := m.store.CreateSearchTriggers(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("restoring search triggers: %w", err)
	}
	return firstErr
}

// filterScope narrows scan entries to one account or one mailbox.
func filterScope(entries []emlx.Entry, account, mailbox string) []emlx.Entry {
	if account == "" {
		return entries
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Account != account {
			continue
		}
		if mailbox != "" && e.Mailbox != mailbox {
			continue
		}
		out = append(out, e)
	}
	return out
}
