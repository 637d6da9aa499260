package indexer

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maildex/maildex/pkg/emlx"
	"github.com/maildex/maildex/pkg/mailconfig"
	"github.com/maildex/maildex/pkg/search"
	"github.com/maildex/maildex/pkg/storage"
	"github.com/maildex/maildex/pkg/watcher"
)

// ProgressFunc receives bulk-build progress after each committed batch.
type ProgressFunc func(indexed, total int)

// Stats is a status snapshot of the index. StalenessHours is -1 until
// the first sync, and LastSync is empty in that case.
type Stats struct {
	EmailCount     int     `json:"email_count"`
	MailboxCount   int     `json:"mailbox_count"`
	LastSync       string  `json:"last_sync,omitempty"`
	DBSizeMB       float64 `json:"db_size_mb"`
	StalenessHours float64 `json:"staleness_hours"`
	Watching       bool    `json:"watching"`
}

// Manager is the single entry point for the search index: it owns the
// store connection, the query engine and the watcher lifecycle. Mains
// construct one Manager and inject it where needed.
type Manager struct {
	cfg    mailconfig.Config
	store  *storage.Store
	engine *search.Engine

	// mu serializes index-mutating passes (Build, Rebuild, Sync). Two
	// concurrent reconciliations would not corrupt anything, they would
	// just double the work and double-count progress.
	mu sync.Mutex

	rootMu sync.Mutex
	root   string

	watchMu   sync.Mutex
	watcher   *watcher.Watcher
	drainDone chan struct{}
}

// NewManager opens the store at cfg.Index.Path and wires the search
// engine onto it. The mail store root is probed here but its absence is
// not an error: a machine without a mail store can still serve searches
// against an existing index.
func NewManager(cfg mailconfig.Config) (*Manager, error) {
	st, err := storage.New(cfg.Index.Path)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	m := &Manager{
		cfg:    cfg,
		store:  st,
		engine: search.NewEngine(st.DB()),
	}
	if root, err := m.resolveRoot(); err == nil {
		m.root = root
	} else {
		log.Debug().Err(err).Msg("mail store root not found at startup")
	}
	return m, nil
}

// Close stops the watcher if one is running and releases the store
// connection.
func (m *Manager) Close() error {
	m.StopWatcher()
	return m.store.Close()
}

// Search runs a ranked full-text query against the index.
func (m *Manager) Search(query string, opts search.Options) ([]search.Result, error) {
	return m.engine.Search(query, opts)
}

// SearchHighlighted is Search with match markers in subject and snippet.
func (m *Manager) SearchHighlighted(query string, opts search.Options) ([]search.Result, error) {
	return m.engine.SearchHighlighted(query, opts)
}

// SearchAttachments finds messages by attachment filename substring.
func (m *Manager) SearchAttachments(term string, f storage.AttachmentFilter) ([]storage.AttachmentHit, error) {
	return m.store.SearchAttachmentNames(term, f)
}

// MessagePath returns the stored container path for a message id,
// optionally narrowed by account and mailbox.
func (m *Manager) MessagePath(id int64, account, mailbox string) (string, error) {
	return m.store.FindMessagePath(id, account, mailbox)
}

// Stats reports index size, scope count and sync freshness.
func (m *Manager) Stats() (Stats, error) {
	st, err := m.store.Stats()
	if err != nil {
		return Stats{}, err
	}
	out := Stats{
		EmailCount:     int(st.EmailCount),
		MailboxCount:   st.MailboxCount,
		DBSizeMB:       st.DBSizeMB,
		StalenessHours: st.StalenessHours,
		Watching:       m.Watching(),
	}
	if !st.LastSync.IsZero() {
		out.LastSync = st.LastSync.Format(time.RFC3339)
	}
	return out, nil
}

// IsStale reports whether the index is older than the configured
// staleness threshold. A never-synced index is stale, and so is one
// whose state cannot be read.
func (m *Manager) IsStale() bool {
	stale, err := m.store.IsStale(m.cfg.Index.StalenessHours)
	if err != nil {
		return true
	}
	return stale
}

// StartWatcher begins applying filesystem changes to the index in the
// background. onUpdate, if non-nil, receives the aggregate counts of
// each applied batch. Returns false if a watcher is already running or
// the mail store cannot be watched.
func (m *Manager) StartWatcher(onUpdate func(added, removed int)) bool {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	if m.watcher != nil && m.watcher.Running() {
		return false
	}
	root, err := m.mailRoot()
	if err != nil {
		log.Warn().Err(err).Msg("mail store not found, watcher not started")
		return false
	}
	w, err := watcher.New(root, m.cfg.Index.Path, watcher.Config{})
	if err != nil {
		log.Warn().Err(err).Msg("could not create watcher")
		return false
	}
	if err := w.Start(); err != nil {
		log.Warn().Err(err).Msg("could not start watcher")
		return false
	}

	m.watcher = w
	m.drainDone = make(chan struct{})
	go drainUpdates(w.Updates(), onUpdate, m.drainDone)
	return true
}

// StopWatcher stops the background watcher. Safe to call at any time,
// including when no watcher is running.
func (m *Manager) StopWatcher() {
	m.watchMu.Lock()
	w, done := m.watcher, m.drainDone
	m.watcher = nil
	m.drainDone = nil
	m.watchMu.Unlock()

	if w == nil {
		return
	}
	w.Stop()
	if done != nil {
		<-done
	}
}

// Watching reports whether a background watcher is active.
func (m *Manager) Watching() bool {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	return m.watcher != nil && m.watcher.Running()
}

// drainUpdates forwards watcher batch results to the observer until the
// updates channel closes.
func drainUpdates(updates <-chan watcher.Update, onUpdate func(added, removed int), done chan struct{}) {
	defer close(done)
	for u := range updates {
		if onUpdate != nil {
			notify(onUpdate, u)
		}
	}
}

// notify shields the drain loop from observer panics.
func notify(onUpdate func(added, removed int), u watcher.Update) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("watch observer panicked")
		}
	}()
	onUpdate(u.Added, u.Removed)
}

// mailRoot returns the mail store root, retrying discovery if it was
// not available when the manager was constructed.
func (m *Manager) mailRoot() (string, error) {
	m.rootMu.Lock()
	defer m.rootMu.Unlock()
	if m.root != "" {
		return m.root, nil
	}
	root, err := m.resolveRoot()
	if err != nil {
		return "", err
	}
	m.root = root
	return root, nil
}

// resolveRoot prefers the configured override and falls back to probing
// the standard mail store locations.
func (m *Manager) resolveRoot() (string, error) {
	if m.cfg.Mail.Root != "" {
		return m.cfg.Mail.Root, nil
	}
	return emlx.FindMailRoot()
}

// capacity is the per-scope message cap, unbounded when unset.
func (m *Manager) capacity() int {
	if m.cfg.Index.MaxPerScope > 0 {
		return m.cfg.Index.MaxPerScope
	}
	return int(^uint(0) >> 1)
}

func storageKey(k emlx.Key) storage.Key {
	return storage.Key{Account: k.Account, Mailbox: k.Mailbox, MessageID: k.MessageID}
}

func toRecord(msg *emlx.Message, key storage.Key, path string) *storage.Message {
	rec := &storage.Message{
		Key:          key,
		Subject:      msg.Subject,
		Sender:       msg.Sender,
		Content:      msg.Content,
		DateReceived: msg.DateReceived,
		EmlxPath:     path,
	}
	for _, a := range msg.Attachments {
		rec.Attachments = append(rec.Attachments, storage.Attachment{
			Filename:  a.Filename,
			MimeType:  a.MimeType,
			FileSize:  a.FileSize,
			ContentID: a.ContentID,
		})
	}
	return rec
}
