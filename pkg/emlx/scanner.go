package emlx

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"
)

// Key identifies one message within the mail store. Message IDs are only
// unique within a mailbox, so the full triple is the identity.
type Key struct {
	Account   string
	Mailbox   string
	MessageID int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Account, k.Mailbox, k.MessageID)
}

// Entry is one container found by ScanStore.
type Entry struct {
	Key
	Path    string
	ModTime time.Time
}

// ScanStore walks the mail store under root and inventories every message
// container without reading file contents, which keeps it cheap enough to
// run on every sync. Mailboxes named in exclude are pruned without
// descending. Both regular and partially downloaded containers are
// included.
func ScanStore(root string, exclude map[string]bool) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if mbox, ok := strings.CutSuffix(d.Name(), ".mbox"); ok && exclude[mbox] {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".emlx") {
			return nil
		}
		id, err := ExtractMessageID(d.Name())
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		account, mailbox := inferScope(root, path)
		entries = append(entries, Entry{
			Key:     Key{Account: account, Mailbox: mailbox, MessageID: id},
			Path:    path,
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking mail store: %w", err)
	}
	return entries, nil
}

// inferScope derives (account, mailbox) positionally from a container path:
// the first segment under root is the account, the second is the mailbox
// with its .mbox suffix stripped. Deeper mailbox nesting collapses into that
// second segment.
func inferScope(root, path string) (account, mailbox string) {
	account, mailbox = "Unknown", "Unknown"
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return account, mailbox
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) > 1 {
		account = parts[0]
	}
	if len(parts) > 2 {
		mailbox = strings.TrimSuffix(parts[1], ".mbox")
	}
	return account, mailbox
}
