package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/maildex/maildex/pkg/emlx"
	"github.com/maildex/maildex/pkg/storage"
)

const (
	defaultDebounce   = 500 * time.Millisecond
	defaultMaxPending = 10000
	defaultRetryDelay = 200 * time.Millisecond
	defaultMaxRetries = 3

	// stopTimeout bounds how long Stop waits for the loop to drain.
	stopTimeout = 5 * time.Second
)

// Update reports one applied batch of filesystem changes.
type Update struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// Config tunes the watcher. Zero values take the defaults.
type Config struct {
	// Debounce is how long changes accumulate before one batch applies.
	Debounce time.Duration
	// MaxPending caps buffered changes between flushes.
	MaxPending int
	// RetryDelay and MaxRetries govern re-reads of mid-write files.
	RetryDelay time.Duration
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = defaultDebounce
	}
	if c.MaxPending <= 0 {
		c.MaxPending = defaultMaxPending
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	return c
}

// Watcher mirrors filesystem changes under the mail store root into the
// index in near real time. It opens its own store connection so the
// foreground connection never contends with the background loop.
type Watcher struct {
	root   string
	dbPath string
	cfg    Config

	updates chan Update

	mu       sync.Mutex
	adds     map[storage.Key]string
	addOrder []storage.Key
	deletes  map[storage.Key]bool
	started  bool
	stopped  bool

	store *storage.Store
	fsw   *fsnotify.Watcher
	stop  chan struct{}
	done  chan struct{}
}

// New prepares a watcher for the mail store at root, writing through
// its own connection to the index at dbPath. Call Start to begin.
func New(root, dbPath string, cfg Config) (*Watcher, error) {
	if root == "" {
		return nil, fmt.Errorf("watcher needs a mail store root")
	}
	if dbPath == "" {
		return nil, fmt.Errorf("watcher needs an index path")
	}
	return &Watcher{
		root:    root,
		dbPath:  dbPath,
		cfg:     cfg.withDefaults(),
		updates: make(chan Update, 16),
		adds:    make(map[storage.Key]string),
		deletes: make(map[storage.Key]bool),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Updates delivers one value per applied batch. The channel closes when
// the watcher stops.
func (w *Watcher) Updates() <-chan Update {
	return w.updates
}

// Running reports whether the watch loop is active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started && !w.stopped
}

// Start opens the store and begins watching. Directories are watched
// recursively; directories created later are picked up from their
// create events.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("watcher already started")
	}

	if _, err := os.Stat(w.root); err != nil {
		return fmt.Errorf("mail store root not accessible: %w", err)
	}

	st, err := storage.New(w.dbPath)
	if err != nil {
		return fmt.Errorf("opening index for watcher: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		st.Close()
		return fmt.Errorf("creating fs watcher: %w", err)
	}

	dirs := 0
	filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if addErr := fsw.Add(path); addErr == nil {
				dirs++
			}
		}
		return nil
	})

	w.store = st
	w.fsw = fsw
	w.started = true

	log.Info().Str("root", w.root).Int("directories", dirs).Msg("file watcher started")
	go w.loop()
	return nil
}

// Stop shuts the loop down, applies any buffered changes and closes the
// store. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stop)
	select {
	case <-w.done:
	case <-time.After(stopTimeout):
		log.Warn().Msg("watcher loop did not drain in time")
	}

	w.fsw.Close()
	w.store.Close()
	log.Info().Msg("file watcher stopped")
}

func (w *Watcher) loop() {
	defer close(w.done)
	defer close(w.updates)

	// Fixed-window debounce: the first relevant event arms the timer,
	// later events join the same batch so a busy store cannot starve
	// the flush.
	var flushC <-chan time.Time

	for {
		select {
		case <-w.stop:
			w.flush()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				w.flush()
				return
			}
			if w.handleEvent(ev) && flushC == nil {
				flushC = time.After(w.cfg.Debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				w.flush()
				return
			}
			log.Warn().Err(err).Msg("fs watch error")
		case <-flushC:
			flushC = nil
			w.flush()
		}
	}
}

// handleEvent buffers one event; it reports whether anything new is
// pending.
func (w *Watcher) handleEvent(ev fsnotify.Event) bool {
	switch {
	case ev.Op.Has(fsnotify.Create):
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			return w.watchTree(ev.Name)
		}
		return w.recordAdd(ev.Name)
	case ev.Op.Has(fsnotify.Write):
		return w.recordAdd(ev.Name)
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		return w.recordDelete(ev.Name)
	}
	return false
}

// watchTree registers a newly created directory and buffers any
// containers that landed inside it before the watch was in place.
func (w *Watcher) watchTree(dir string) bool {
	changed := false
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			w.fsw.Add(path)
			return nil
		}
		if w.recordAdd(path) {
			changed = true
		}
		return nil
	})
	return changed
}

func (w *Watcher) recordAdd(path string) bool {
	key, ok := w.parsePath(path)
	if !ok {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.deletes, key)
	if _, exists := w.adds[key]; exists {
		w.adds[key] = path
		return true
	}
	if !w.makeRoom() {
		log.Warn().Str("path", path).Msg("pending buffer full, dropping add")
		return false
	}
	w.adds[key] = path
	w.addOrder = append(w.addOrder, key)
	return true
}

func (w *Watcher) recordDelete(path string) bool {
	key, ok := w.parsePath(path)
	if !ok {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.adds, key)
	if w.deletes[key] {
		return true
	}
	// Deletes are always kept: dropping one would leave a ghost row in
	// the index until the next full sync.
	w.makeRoom()
	w.deletes[key] = true
	return true
}

// makeRoom evicts the oldest buffered add when the pending buffer is
// full. It reports false only when nothing can be evicted. Must be
// called with mu held.
func (w *Watcher) makeRoom() bool {
	for len(w.adds)+len(w.deletes) >= w.cfg.MaxPending {
		evicted := false
		for len(w.addOrder) > 0 {
			oldest := w.addOrder[0]
			w.addOrder = w.addOrder[1:]
			if _, ok := w.adds[oldest]; ok {
				delete(w.adds, oldest)
				log.Warn().
					Str("account", oldest.Account).Str("mailbox", oldest.Mailbox).
					Int64("message_id", oldest.MessageID).
					Msg("pending buffer full, dropping oldest add")
				evicted = true
				break
			}
		}
		if !evicted {
			return false
		}
	}
	return true
}

// parsePath validates that path sits inside the watched root and
// derives the composite key positionally: account directory, then the
// outermost .mbox, matching how the scanner infers scope.
func (w *Watcher) parsePath(path string) (storage.Key, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return storage.Key{}, false
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 || !strings.HasSuffix(parts[1], ".mbox") {
		return storage.Key{}, false
	}
	name := parts[len(parts)-1]
	if !strings.HasSuffix(name, ".emlx") {
		return storage.Key{}, false
	}
	id, err := emlx.ExtractMessageID(name)
	if err != nil {
		return storage.Key{}, false
	}
	return storage.Key{
		Account:   parts[0],
		Mailbox:   strings.TrimSuffix(parts[1], ".mbox"),
		MessageID: id,
	}, true
}

// flush applies the buffered changes: deletes first, then adds parsed
// off disk, then one Update on the channel when anything stuck.
func (w *Watcher) flush() {
	w.mu.Lock()
	var adds []pendingAdd
	for _, key := range w.addOrder {
		if path, ok := w.adds[key]; ok {
			adds = append(adds, pendingAdd{key: key, path: path})
			delete(w.adds, key)
		}
	}
	deletes := make([]storage.Key, 0, len(w.deletes))
	for key := range w.deletes {
		deletes = append(deletes, key)
	}
	w.adds = make(map[storage.Key]string)
	w.addOrder = nil
	w.deletes = make(map[storage.Key]bool)
	w.mu.Unlock()

	if len(adds) == 0 && len(deletes) == 0 {
		return
	}

	removed := 0
	if len(deletes) > 0 {
		n, err := w.store.DeleteKeys(deletes)
		if err != nil {
			log.Error().Err(err).Msg("watcher delete failed")
		}
		removed = n
	}

	var batch []*storage.Message
	for _, pa := range adds {
		msg := w.parseWithRetry(pa.path)
		if msg == nil {
			continue
		}
		batch = append(batch, toRecord(msg, pa.key, pa.path))
	}
	added := 0
	if len(batch) > 0 {
		n, err := w.store.InsertBatch(batch)
		if err != nil {
			log.Error().Err(err).Msg("watcher insert failed")
		}
		added = n
	}

	if added == 0 && removed == 0 {
		return
	}
	log.Debug().Int("added", added).Int("removed", removed).Msg("watcher applied changes")
	select {
	case w.updates <- Update{Added: added, Removed: removed}:
	default:
		log.Debug().Msg("updates channel full, dropping notification")
	}
}

// parseWithRetry re-reads a container a few times since the mail client
// may still be writing it when the create event arrives. Only I/O errors
// are retried; a malformed container stays malformed.
func (w *Watcher) parseWithRetry(path string) *emlx.Message {
	for attempt := 1; ; attempt++ {
		msg, err := emlx.Parse(path)
		if err == nil {
			return msg
		}
		var perr *emlx.ParseError
		if errors.As(err, &perr) {
			log.Warn().Err(err).Str("path", path).Msg("skipping malformed container")
			return nil
		}
		if attempt >= w.cfg.MaxRetries {
			log.Warn().Err(err).Str("path", path).Msg("skipping container after retries")
			return nil
		}
		time.Sleep(w.cfg.RetryDelay)
	}
}

type pendingAdd struct {
	key  storage.Key
	path string
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
