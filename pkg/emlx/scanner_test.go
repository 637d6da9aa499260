package emlx

import (
	"os"
	"path/filepath"
	"testing"
)

func writeStoreFile(t *testing.T, root string, segments ...string) string {
	t.Helper()
	path := filepath.Join(append([]string{root}, segments...)...)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("stub"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestScanStore_InventoriesContainers(t *testing.T) {
	root := t.TempDir()
	writeStoreFile(t, root, "acc1", "INBOX.mbox", "Data", "1", "Messages", "101.emlx")
	writeStoreFile(t, root, "acc1", "INBOX.mbox", "Data", "1", "Messages", "102.partial.emlx")
	writeStoreFile(t, root, "acc1", "Sent.mbox", "Data", "Messages", "201.emlx")
	writeStoreFile(t, root, "acc2", "Archive.mbox", "Data", "Messages", "301.emlx")

	entries, err := ScanStore(root, nil)
	if err != nil {
		t.Fatalf("ScanStore: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}

	byKey := map[Key]Entry{}
	for _, e := range entries {
		byKey[e.Key] = e
	}
	for _, want := range []Key{
		{Account: "acc1", Mailbox: "INBOX", MessageID: 101},
		{Account: "acc1", Mailbox: "INBOX", MessageID: 102},
		{Account: "acc1", Mailbox: "Sent", MessageID: 201},
		{Account: "acc2", Mailbox: "Archive", MessageID: 301},
	} {
		e, ok := byKey[want]
		if !ok {
			t.Errorf("missing entry for %v", want)
			continue
		}
		if e.Path == "" || e.ModTime.IsZero() {
			t.Errorf("%v: incomplete entry %+v", want, e)
		}
	}
}

func TestScanStore_ExcludesMailboxes(t *testing.T) {
	root := t.TempDir()
	writeStoreFile(t, root, "acc", "INBOX.mbox", "Data", "Messages", "1.emlx")
	writeStoreFile(t, root, "acc", "Drafts.mbox", "Data", "Messages", "2.emlx")

	entries, err := ScanStore(root, map[string]bool{"Drafts": true})
	if err != nil {
		t.Fatalf("ScanStore: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Mailbox != "INBOX" {
		t.Errorf("Mailbox = %q", entries[0].Mailbox)
	}

	all, err := ScanStore(root, map[string]bool{})
	if err != nil {
		t.Fatalf("ScanStore: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d entries with empty exclusion, want 2", len(all))
	}
}

func TestScanStore_SkipsNonContainerFiles(t *testing.T) {
	root := t.TempDir()
	writeStoreFile(t, root, "acc", "INBOX.mbox", "Data", "Messages", "7.emlx")
	writeStoreFile(t, root, "acc", "INBOX.mbox", "Data", "Messages", "notes.txt")
	writeStoreFile(t, root, "acc", "INBOX.mbox", "Data", "Messages", "badname.emlx")
	writeStoreFile(t, root, "acc", "INBOX.mbox", "Info.plist")

	entries, err := ScanStore(root, nil)
	if err != nil {
		t.Fatalf("ScanStore: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want only the numeric container", len(entries))
	}
	if entries[0].MessageID != 7 {
		t.Errorf("MessageID = %d", entries[0].MessageID)
	}
}

func TestScanStore_NestedMailboxCollapses(t *testing.T) {
	root := t.TempDir()
	writeStoreFile(t, root, "acc", "Parent.mbox", "Child.mbox", "Data", "Messages", "5.emlx")

	entries, err := ScanStore(root, nil)
	if err != nil {
		t.Fatalf("ScanStore: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Mailbox != "Parent" {
		t.Errorf("Mailbox = %q, want the first mailbox segment", entries[0].Mailbox)
	}
}

func TestScanStore_MissingRoot(t *testing.T) {
	if _, err := ScanStore(filepath.Join(t.TempDir(), "absent"), nil); err == nil {
		t.Fatal("expected error for a missing root")
	}
}

func TestKeyString(t *testing.T) {
	k := Key{Account: "acc", Mailbox: "INBOX", MessageID: 42}
	if got := k.String(); got != "acc/INBOX/42" {
		t.Errorf("String() = %q", got)
	}
}
