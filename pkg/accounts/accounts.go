package accounts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// cacheTTL bounds how long a loaded mapping is trusted before the next
// EnsureLoaded call refreshes it.
const cacheTTL = 5 * time.Minute

// Account is one mail account as reported by the scripting bridge.
type Account struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// FetchFunc retrieves the current account list. The bridge package
// provides one backed by osascript; tests inject their own.
type FetchFunc func(ctx context.Context) ([]Account, error)

// Map caches a bidirectional mapping between friendly account names
// and the UUID-shaped directory names the mail store uses on disk.
// The scripting bridge reports the same UUIDs the store uses for its
// account directories, so the translation is exact.
type Map struct {
	fetch FetchFunc

	// fetchMu serializes refreshes so concurrent EnsureLoaded calls
	// fire a single fetch.
	fetchMu sync.Mutex

	mu       sync.RWMutex
	nameToID map[string]string
	idToName map[string]string
	loadedAt time.Time
}

// NewMap returns an empty Map that loads through fetch on demand.
func NewMap(fetch FetchFunc) *Map {
	return &Map{
		fetch:    fetch,
		nameToID: make(map[string]string),
		idToName: make(map[string]string),
	}
}

// NameToID translates a friendly account name to its on-disk UUID.
func (m *Map) NameToID(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.nameToID[name]
	return id, ok
}

// IDToName translates a UUID to its friendly name, falling back to the
// UUID itself when unknown so callers can always display something.
func (m *Map) IDToName(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name, ok := m.idToName[id]; ok {
		return name
	}
	return id
}

// Load replaces the mapping. Entries missing a name or id are skipped.
func (m *Map) Load(accts []Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nameToID = make(map[string]string, len(accts))
	m.idToName = make(map[string]string, len(accts))
	for _, a := range accts {
		if a.Name == "" || a.ID == "" {
			continue
		}
		m.nameToID[a.Name] = a.ID
		m.idToName[a.ID] = a.Name
	}
	m.loadedAt = time.Now()
	log.Debug().Int("accounts", len(m.nameToID)).Msg("account map loaded")
}

// EnsureLoaded populates the map through the fetch function if the
// cache is empty or older than the TTL.
func (m *Map) EnsureLoaded(ctx context.Context) error {
	m.mu.RLock()
	stale := m.stale()
	m.mu.RUnlock()
	if !stale {
		return nil
	}

	m.fetchMu.Lock()
	defer m.fetchMu.Unlock()

	// Re-check: another caller may have refreshed while we waited.
	m.mu.RLock()
	stale = m.stale()
	m.mu.RUnlock()
	if !stale {
		return nil
	}

	accts, err := m.fetch(ctx)
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}
	m.Load(accts)
	return nil
}

// Resolve translates an account filter to its on-disk identifier.
// UUID-shaped input passes through untouched; unknown names fall back
// to the raw input so they match nothing instead of erroring.
func (m *Map) Resolve(filter string) string {
	if filter == "" || IsUUID(filter) {
		return filter
	}
	if id, ok := m.NameToID(filter); ok {
		return id
	}
	return filter
}

// stale must be called with mu held.
func (m *Map) stale() bool {
	return m.loadedAt.IsZero() || time.Since(m.loadedAt) > cacheTTL
}

// IsUUID reports whether s already looks like an on-disk account
// identifier, in which case name resolution can be skipped.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
