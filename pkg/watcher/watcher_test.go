package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maildex/maildex/pkg/emlx"
	"github.com/maildex/maildex/pkg/storage"
)

const plistTrailer = `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0"><dict/></plist>
`

func writeContainer(t *testing.T, path string) {
	t.Helper()
	mime := "Subject: Watched\r\n" +
		"From: alice@example.com\r\n" +
		"Date: Mon, 15 Jan 2024 10:30:00 +0000\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"hello from disk\r\n"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	data := fmt.Sprintf("%d\n%s%s", len(mime), mime, plistTrailer)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func newTestWatcher(t *testing.T, cfg Config) (*Watcher, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "V10")
	w, err := New(root, filepath.Join(t.TempDir(), "index.db"), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, root
}

func TestParsePath(t *testing.T) {
	w, root := newTestWatcher(t, Config{})

	tests := []struct {
		path string
		want storage.Key
		ok   bool
	}{
		{
			path: filepath.Join(root, "ACC-UUID", "INBOX.mbox", "D", "Data", "9", "Messages", "12345.emlx"),
			want: storage.Key{Account: "ACC-UUID", Mailbox: "INBOX", MessageID: 12345},
			ok:   true,
		},
		{
			path: filepath.Join(root, "ACC-UUID", "INBOX.mbox", "D", "Messages", "67301.partial.emlx"),
			want: storage.Key{Account: "ACC-UUID", Mailbox: "INBOX", MessageID: 67301},
			ok:   true,
		},
		{
			// Nested mailboxes collapse to the outermost name.
			path: filepath.Join(root, "ACC-UUID", "Parent.mbox", "Child.mbox", "Data", "Messages", "7.emlx"),
			want: storage.Key{Account: "ACC-UUID", Mailbox: "Parent", MessageID: 7},
			ok:   true,
		},
		{path: filepath.Join(root, "ACC-UUID", "INBOX.mbox", "D", "Messages", "notes.txt")},
		{path: filepath.Join(root, "ACC-UUID", "INBOX.mbox", "D", "Messages", "badid.emlx")},
		{path: filepath.Join(root, "ACC-UUID", "Plain", "D", "Messages", "12.emlx")},
		{path: "/elsewhere/V10/ACC/INBOX.mbox/D/Messages/12.emlx"},
	}
	for _, tt := range tests {
		got, ok := w.parsePath(tt.path)
		if ok != tt.ok {
			t.Errorf("parsePath(%s) ok = %v, want %v", tt.path, ok, tt.ok)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("parsePath(%s) = %+v, want %+v", tt.path, got, tt.want)
		}
	}
}

func TestPendingBufferAddDeleteInteraction(t *testing.T) {
	w, root := newTestWatcher(t, Config{})
	path := filepath.Join(root, "ACC", "INBOX.mbox", "D", "Messages", "1.emlx")
	key := storage.Key{Account: "ACC", Mailbox: "INBOX", MessageID: 1}

	if !w.recordAdd(path) {
		t.Fatal("recordAdd returned false")
	}
	if !w.recordDelete(path) {
		t.Fatal("recordDelete returned false")
	}
	if len(w.adds) != 0 || !w.deletes[key] {
		t.Errorf("delete should override buffered add: adds=%v deletes=%v", w.adds, w.deletes)
	}

	if !w.recordAdd(path) {
		t.Fatal("re-add returned false")
	}
	if w.deletes[key] || w.adds[key] != path {
		t.Errorf("add should override buffered delete: adds=%v deletes=%v", w.adds, w.deletes)
	}
}

func TestPendingBufferEvictsOldestAdds(t *testing.T) {
	w, root := newTestWatcher(t, Config{MaxPending: 3})
	mk := func(id int) string {
		return filepath.Join(root, "ACC", "INBOX.mbox", "D", "Messages", fmt.Sprintf("%d.emlx", id))
	}
	keyOf := func(id int) storage.Key {
		return storage.Key{Account: "ACC", Mailbox: "INBOX", MessageID: int64(id)}
	}

	for id := 1; id <= 4; id++ {
		if !w.recordAdd(mk(id)) {
			t.Fatalf("recordAdd(%d) returned false", id)
		}
	}
	if _, ok := w.adds[keyOf(1)]; ok {
		t.Error("oldest add should have been evicted")
	}
	if len(w.adds) != 3 {
		t.Fatalf("len(adds) = %d, want 3", len(w.adds))
	}

	// Deletes evict adds to make room, but are never dropped themselves.
	for id := 5; id <= 8; id++ {
		if !w.recordDelete(mk(id)) {
			t.Fatalf("recordDelete(%d) returned false", id)
		}
	}
	if len(w.adds) != 0 {
		t.Errorf("all adds should be evicted before deletes queue up, got %v", w.adds)
	}
	if len(w.deletes) != 4 {
		t.Errorf("len(deletes) = %d, want 4", len(w.deletes))
	}

	// With the buffer full of deletes there is no room left for adds.
	if w.recordAdd(mk(9)) {
		t.Error("recordAdd should report a dropped add when only deletes remain")
	}
}

func TestFlushAppliesAddsAndDeletes(t *testing.T) {
	w, root := newTestWatcher(t, Config{})

	st, err := storage.New(w.dbPath)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	w.store = st

	stale := storage.Key{Account: "ACC", Mailbox: "INBOX", MessageID: 99}
	if err := st.InsertMessage(&storage.Message{Key: stale, Subject: "old"}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	addPath := filepath.Join(root, "ACC", "INBOX.mbox", "D", "Messages", "42.emlx")
	writeContainer(t, addPath)
	if !w.recordAdd(addPath) {
		t.Fatal("recordAdd returned false")
	}
	if !w.recordDelete(filepath.Join(root, "ACC", "INBOX.mbox", "D", "Messages", "99.emlx")) {
		t.Fatal("recordDelete returned false")
	}

	w.flush()

	got, err := st.GetMessage(storage.Key{Account: "ACC", Mailbox: "INBOX", MessageID: 42})
	if err != nil {
		t.Fatalf("added message missing: %v", err)
	}
	if got.Subject != "Watched" || got.EmlxPath != addPath {
		t.Errorf("stored message = %+v", got)
	}
	if _, err := st.GetMessage(stale); err == nil {
		t.Error("deleted message still present")
	}

	select {
	case u := <-w.Updates():
		if u.Added != 1 || u.Removed != 1 {
			t.Errorf("update = %+v, want {1 1}", u)
		}
	default:
		t.Error("no update published")
	}
}

func TestFlushSkipsUnreadableContainer(t *testing.T) {
	w, root := newTestWatcher(t, Config{MaxRetries: 2, RetryDelay: time.Millisecond})

	st, err := storage.New(w.dbPath)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	w.store = st

	// Buffered but never written to disk.
	if !w.recordAdd(filepath.Join(root, "ACC", "INBOX.mbox", "D", "Messages", "5.emlx")) {
		t.Fatal("recordAdd returned false")
	}
	w.flush()

	n, err := st.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("store has %d rows, want 0", n)
	}
	select {
	case u := <-w.Updates():
		t.Errorf("unexpected update %+v", u)
	default:
	}
}

func TestParseWithRetryStopsOnMalformedContainer(t *testing.T) {
	w, root := newTestWatcher(t, Config{MaxRetries: 3, RetryDelay: time.Minute})

	path := filepath.Join(root, "ACC", "INBOX.mbox", "D", "Messages", "7.emlx")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte("not a container"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	done := make(chan *emlx.Message, 1)
	go func() { done <- w.parseWithRetry(path) }()
	select {
	case msg := <-done:
		if msg != nil {
			t.Errorf("parseWithRetry = %+v, want nil", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parseWithRetry slept through retries on a malformed container")
	}
}

func TestWatcherEndToEnd(t *testing.T) {
	w, root := newTestWatcher(t, Config{Debounce: 50 * time.Millisecond, RetryDelay: 10 * time.Millisecond})

	msgDir := filepath.Join(root, "ACC-UUID", "INBOX.mbox", "D", "Data", "Messages")
	if err := os.MkdirAll(msgDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()
	if !w.Running() {
		t.Fatal("watcher should report running")
	}

	path := filepath.Join(msgDir, "1234.emlx")
	writeContainer(t, path)

	select {
	case u := <-w.Updates():
		if u.Added != 1 {
			t.Fatalf("update = %+v, want one add", u)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for add")
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	select {
	case u := <-w.Updates():
		if u.Removed != 1 {
			t.Fatalf("update = %+v, want one removal", u)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for removal")
	}

	verify, err := storage.New(w.dbPath)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	defer verify.Close()
	n, err := verify.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("store has %d rows after add+remove, want 0", n)
	}

	w.Stop()
	w.Stop() // idempotent
	if w.Running() {
		t.Error("watcher should report stopped")
	}

	if _, open := <-w.Updates(); open {
		t.Error("updates channel should close on stop")
	}
}

func TestStartMissingRoot(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "absent", "V10"), filepath.Join(t.TempDir(), "index.db"), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(); err == nil {
		t.Fatal("Start should fail for a missing root")
	}
	w.Stop() // no-op after failed start
}
