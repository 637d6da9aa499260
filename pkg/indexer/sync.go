package indexer

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/maildex/maildex/pkg/emlx"
	"github.com/maildex/maildex/pkg/storage"
)

// SyncResult counts what one reconciliation pass changed. Skipped are
// new messages left unindexed because their scope is at capacity;
// Errors are entries that failed to parse or store and were passed
// over.
type SyncResult struct {
	Added   int `json:"added"`
	Deleted int `json:"deleted"`
	Moved   int `json:"moved"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// TotalChanges is the number of rows the pass actually altered.
func (r SyncResult) TotalChanges() int {
	return r.Added + r.Deleted + r.Moved
}

// Sync diffs the on-disk mail store against the index and applies the
// difference: new containers are parsed and inserted, vanished ones are
// deleted, relocated ones get a path update without re-parsing. An
// unreachable mail store is not an error for sync; there is simply
// nothing to reconcile this round.
func (m *Manager) Sync(ctx context.Context) (SyncResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	root, err := m.mailRoot()
	if err != nil {
		log.Warn().Err(err).Msg("mail store not accessible, skipping sync")
		return SyncResult{}, nil
	}
	entries, err := emlx.ScanStore(root, m.cfg.ExcludedSet())
	if err != nil {
		log.Warn().Err(err).Msg("mail store scan failed, skipping sync")
		return SyncResult{}, nil
	}
	return m.reconcile(ctx, entries)
}

func (m *Manager) reconcile(ctx context.Context, entries []emlx.Entry) (SyncResult, error) {
	var res SyncResult

	disk := make(map[storage.Key]emlx.Entry, len(entries))
	for _, e := range entries {
		disk[storageKey(e.Key)] = e
	}
	stored, err := m.store.Inventory()
	if err != nil {
		return res, fmt.Errorf("loading index inventory: %w", err)
	}

	var newKeys, deletedKeys, movedKeys []storage.Key
	for key := range disk {
		if _, ok := stored[key]; !ok {
			newKeys = append(newKeys, key)
		}
	}
	for key, path := range stored {
		entry, ok := disk[key]
		if !ok {
			deletedKeys = append(deletedKeys, key)
			continue
		}
		if path != "" && entry.Path != path {
			movedKeys = append(movedKeys, key)
		}
	}

	if len(newKeys)+len(deletedKeys)+len(movedKeys) == 0 {
		log.Debug().Msg("index in sync with disk")
	} else {
		log.Info().
			Int("new", len(newKeys)).
			Int("deleted", len(deletedKeys)).
			Int("moved", len(movedKeys)).
			Msg("reconciling index")
	}

	counts, err := m.store.ScopeCounts()
	if err != nil {
		return res, fmt.Errorf("loading scope counts: %w", err)
	}

	// Newest first, so a scope nearing its cap admits recent messages
	// rather than whatever directory order produced.
	sort.Slice(newKeys, func(i, j int) bool {
		return disk[newKeys[i]].ModTime.After(disk[newKeys[j]].ModTime)
	})

	capacity := m.capacity()
	skippedPerScope := make(map[storage.Scope]int)
	for _, key := range newKeys {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		scope := storage.Scope{Account: key.Account, Mailbox: key.Mailbox}
		if counts[scope] >= capacity {
			skippedPerScope[scope]++
			res.Skipped++
			continue
		}
		entry := disk[key]
		msg, err := emlx.Parse(entry.Path)
		if err != nil {
			log.Debug().Err(err).Str("path", entry.Path).Msg("skipping unparseable container")
			res.Errors++
			continue
		}
		if err := m.store.InsertMessage(toRecord(msg, key, entry.Path)); err != nil {
			log.Debug().Err(err).Str("path", entry.Path).Msg("insert failed")
			res.Errors++
			continue
		}
		counts[scope]++
		res.Added++
	}
	for scope, n := range skippedPerScope {
		log.Warn().
			Str("account", scope.Account).
			Str("mailbox", scope.Mailbox).
			Int("cap", capacity).
			Int("skipped", n).
			Msg("mailbox at capacity, new messages skipped")
	}

	if len(deletedKeys) > 0 {
		n, err := m.store.DeleteKeys(deletedKeys)
		if err != nil {
			log.Debug().Err(err).Msg("delete failed")
			res.Errors++
		}
		res.Deleted = n
		if err == nil {
			for _, key := range deletedKeys {
				scope := storage.Scope{Account: key.Account, Mailbox: key.Mailbox}
				if counts[scope] > 0 {
					counts[scope]--
				}
			}
		}
	}

	for _, key := range movedKeys {
		if err := m.store.UpdatePath(key, disk[key].Path); err != nil {
			log.Debug().Err(err).Str("account", key.Account).Str("mailbox", key.Mailbox).
				Int64("id", key.MessageID).Msg("path update failed")
			res.Errors++
			continue
		}
		res.Moved++
	}

	// Record sync state for every scope the diff touched, counting
	// scopes whose only news were skipped. A pass that touched nothing
	// still stamps the global sentinel so staleness stays observable.
	touched := make(map[storage.Scope]bool)
	for _, keys := range [][]storage.Key{newKeys, deletedKeys, movedKeys} {
		for _, key := range keys {
			touched[storage.Scope{Account: key.Account, Mailbox: key.Mailbox}] = true
		}
	}
	for scope := range touched {
		if err := m.store.TouchSyncState(scope.Account, scope.Mailbox, counts[scope]); err != nil {
			return res, fmt.Errorf("recording sync state: %w", err)
		}
	}
	if len(touched) == 0 {
		if err := m.store.TouchSyncState(storage.GlobalScopeAccount, storage.GlobalScopeMailbox, 0); err != nil {
			return res, fmt.Errorf("recording sync state: %w", err)
		}
	}

	log.Info().
		Int("added", res.Added).
		Int("deleted", res.Deleted).
		Int("moved", res.Moved).
		Int("skipped", res.Skipped).
		Int("errors", res.Errors).
		Msg("sync complete")
	return res, nil
}
