package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// schemaVersion is the current schema generation. Stores below this
// version are migrated forward on open.
const schemaVersion = 4

// deleteBatchSize bounds composite-key deletes so one statement stays
// well under SQLite's parameter limit (3 parameters per key).
const deleteBatchSize = 500

// Sentinel sync-state scope touched when a sync pass changes nothing,
// so "last sync attempted" stays observable.
const (
	GlobalScopeAccount = "_global"
	GlobalScopeMailbox = "_sync"
)

// ErrNotFound is returned by single-item lookups when the composite
// key does not resolve to a stored row.
var ErrNotFound = errors.New("not found")

const insertEmailSQL = `
	INSERT OR REPLACE INTO emails
		(message_id, account, mailbox, subject, sender, content, date_received, emlx_path, attachment_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

const insertAttachmentSQL = `
	INSERT INTO attachments (email_rowid, filename, mime_type, file_size, content_id)
	VALUES (?, ?, ?, ?, ?)`

// Store handles all database operations for the mail search index.
type Store struct {
	db   *sql.DB
	path string
}

// New creates a new Store instance and initializes the database.
// New store files are created owner-only since message bodies are
// sensitive. ":memory:" is supported for tests.
func New(dbPath string) (*Store, error) {
	inMemory := dbPath == ":memory:" || strings.HasPrefix(dbPath, "file::memory:")

	fresh := false
	if !inMemory {
		if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
		if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
			fresh = true
		}
	}

	// Recursive triggers are required so INSERT OR REPLACE fires the
	// delete trigger on the displaced row; without it the shadow index
	// keeps ghost entries for replaced rowids.
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_recursive_triggers=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	if fresh {
		if err := os.Chmod(dbPath, 0o600); err != nil {
			log.Warn().Err(err).Str("path", dbPath).Msg("could not restrict store file permissions")
		}
	}

	return s, nil
}

// init creates the database schema and runs migrations
func (s *Store) init() error {
	var name string
	err := s.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'emails'`,
	).Scan(&name)
	freshSchema := errors.Is(err, sql.ErrNoRows)
	if err != nil && !freshSchema {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if freshSchema {
		return s.SetSyncMetadata("schema_version", strconv.Itoa(schemaVersion))
	}
	return s.runMigrations()
}

func (s *Store) runMigrations() error {
	currentVersion, err := s.getSchemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
		}

		for _, stmt := range m.Statements {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := tx.Exec(stmt); err != nil && !isIgnorableMigrationError(err) {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", m.Version, err)
			}
		}

		now := time.Now().UnixMilli()
		if _, err := tx.Exec(`
			INSERT INTO sync_metadata (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, "schema_version", strconv.Itoa(m.Version), now); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema_version for migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}

		if note := migrationNotes[m.Version]; note != "" {
			log.Warn().Int("version", m.Version).Msg(note)
		}
		currentVersion = m.Version
	}

	return nil
}

func (s *Store) getSchemaVersion() (int, error) {
	value, err := s.GetSyncMetadata("schema_version")
	if err != nil {
		return 0, err
	}
	if value == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid schema_version %q: %w", value, err)
	}
	return v, nil
}

func isIgnorableMigrationError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate column name") ||
		strings.Contains(msg, "already exists")
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so the query engine can share the
// store's connection pool instead of opening its own.
func (s *Store) DB() *sql.DB {
	return s.db
}

// InsertMessage inserts a single message with its attachments.
// A true duplicate (same account, mailbox and message_id) violates the
// composite UNIQUE constraint and returns an error.
func (s *Store) InsertMessage(m *Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO emails
			(message_id, account, mailbox, subject, sender, content, date_received, emlx_path, attachment_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.MessageID, m.Account, m.Mailbox, m.Subject, m.Sender, m.Content,
		m.DateReceived, nullIfEmpty(m.EmlxPath), len(m.Attachments))
	if err != nil {
		return fmt.Errorf("insert %s/%s/%d: %w", m.Account, m.Mailbox, m.MessageID, err)
	}

	rowid, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for _, a := range m.Attachments {
		if _, err := tx.Exec(insertAttachmentSQL,
			rowid, a.Filename, nullIfEmpty(a.MimeType), a.FileSize, nullIfEmpty(a.ContentID)); err != nil {
			return fmt.Errorf("insert attachment %q: %w", a.Filename, err)
		}
	}

	return tx.Commit()
}

// InsertBatch writes messages in a single transaction with replace
// semantics on the composite key, so re-indexing a changed file
// refreshes its row. Returns how many messages were written; per-row
// failures are skipped, not fatal.
func (s *Store) InsertBatch(msgs []*Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	emailStmt, err := tx.Prepare(insertEmailSQL)
	if err != nil {
		return 0, err
	}
	defer emailStmt.Close()

	attStmt, err := tx.Prepare(insertAttachmentSQL)
	if err != nil {
		return 0, err
	}
	defer attStmt.Close()

	written := 0
	for _, m := range msgs {
		res, err := emailStmt.Exec(m.MessageID, m.Account, m.Mailbox, m.Subject,
			m.Sender, m.Content, m.DateReceived, nullIfEmpty(m.EmlxPath), len(m.Attachments))
		if err != nil {
			log.Debug().Err(err).
				Str("account", m.Account).Str("mailbox", m.Mailbox).Int64("message_id", m.MessageID).
				Msg("batch insert row failed")
			continue
		}
		rowid, err := res.LastInsertId()
		if err != nil {
			continue
		}
		for _, a := range m.Attachments {
			if _, err := attStmt.Exec(rowid, a.Filename, nullIfEmpty(a.MimeType),
				a.FileSize, nullIfEmpty(a.ContentID)); err != nil {
				log.Debug().Err(err).Str("filename", a.Filename).Msg("batch attachment insert failed")
			}
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

// UpdatePath rewrites the stored source path for a message. Content is
// untouched, so a pure file move never re-parses the message.
func (s *Store) UpdatePath(key Key, path string) error {
	_, err := s.db.Exec(`
		UPDATE emails SET emlx_path = ?
		WHERE account = ? AND mailbox = ? AND message_id = ?
	`, nullIfEmpty(path), key.Account, key.Mailbox, key.MessageID)
	return err
}

// DeleteKey removes one message row; attachments cascade.
func (s *Store) DeleteKey(key Key) error {
	_, err := s.db.Exec(`
		DELETE FROM emails
		WHERE account = ? AND mailbox = ? AND message_id = ?
	`, key.Account, key.Mailbox, key.MessageID)
	return err
}

// DeleteKeys removes message rows in bounded batches and returns the
// number of rows actually deleted.
func (s *Store) DeleteKeys(keys []Key) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	deleted := 0
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		conds := make([]string, len(chunk))
		args := make([]interface{}, 0, len(chunk)*3)
		for i, k := range chunk {
			conds[i] = "(account = ? AND mailbox = ? AND message_id = ?)"
			args = append(args, k.Account, k.Mailbox, k.MessageID)
		}

		res, err := s.db.Exec(`DELETE FROM emails WHERE `+strings.Join(conds, " OR "), args...)
		if err != nil {
			return deleted, err
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}

	return deleted, nil
}

// DeleteScope removes every message in an account (and optionally one
// mailbox) along with the matching sync-state rows.
func (s *Store) DeleteScope(account, mailbox string) (int64, error) {
	var res sql.Result
	var err error
	if mailbox == "" {
		res, err = s.db.Exec(`DELETE FROM emails WHERE account = ?`, account)
		if err != nil {
			return 0, err
		}
		if _, err := s.db.Exec(`DELETE FROM sync_state WHERE account = ?`, account); err != nil {
			return 0, err
		}
	} else {
		res, err = s.db.Exec(`DELETE FROM emails WHERE account = ? AND mailbox = ?`, account, mailbox)
		if err != nil {
			return 0, err
		}
		if _, err := s.db.Exec(`DELETE FROM sync_state WHERE account = ? AND mailbox = ?`, account, mailbox); err != nil {
			return 0, err
		}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteAll clears every message and sync-state row.
func (s *Store) DeleteAll() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM emails`)
	if err != nil {
		return 0, err
	}
	if _, err := s.db.Exec(`DELETE FROM sync_state`); err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Inventory returns every stored composite key mapped to its recorded
// source path ("" when unknown). This is the storage half of a
// reconciliation pass.
func (s *Store) Inventory() (map[Key]string, error) {
	rows, err := s.db.Query(`SELECT account, mailbox, message_id, emlx_path FROM emails`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	inv := make(map[Key]string)
	for rows.Next() {
		var k Key
		var path sql.NullString
		if err := rows.Scan(&k.Account, &k.Mailbox, &k.MessageID, &path); err != nil {
			return nil, err
		}
		inv[k] = path.String
	}
	return inv, rows.Err()
}

// ScopeCounts returns the stored message count per (account, mailbox).
func (s *Store) ScopeCounts() (map[Scope]int, error) {
	rows, err := s.db.Query(`SELECT account, mailbox, COUNT(*) FROM emails GROUP BY account, mailbox`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Scope]int)
	for rows.Next() {
		var sc Scope
		var n int
		if err := rows.Scan(&sc.Account, &sc.Mailbox, &n); err != nil {
			return nil, err
		}
		counts[sc] = n
	}
	return counts, rows.Err()
}

// Count returns the total number of stored messages.
func (s *Store) Count() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM emails`).Scan(&n)
	return n, err
}

// GetMessage loads one message with its attachments, or ErrNotFound.
func (s *Store) GetMessage(key Key) (*Message, error) {
	m := &Message{Key: key}
	var subject, sender, content, date, path sql.NullString
	err := s.db.QueryRow(`
		SELECT subject, sender, content, date_received, emlx_path
		FROM emails
		WHERE account = ? AND mailbox = ? AND message_id = ?
	`, key.Account, key.Mailbox, key.MessageID).Scan(&subject, &sender, &content, &date, &path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s/%s/%d: %w", key.Account, key.Mailbox, key.MessageID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	m.Subject = subject.String
	m.Sender = sender.String
	m.Content = content.String
	m.DateReceived = date.String
	m.EmlxPath = path.String

	m.Attachments, err = s.Attachments(key)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Attachments returns the attachment metadata stored for a message.
func (s *Store) Attachments(key Key) ([]Attachment, error) {
	rows, err := s.db.Query(`
		SELECT a.filename, a.mime_type, a.file_size, a.content_id
		FROM attachments a
		JOIN emails e ON a.email_rowid = e.rowid
		WHERE e.account = ? AND e.mailbox = ? AND e.message_id = ?
		ORDER BY a.rowid
	`, key.Account, key.Mailbox, key.MessageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var atts []Attachment
	for rows.Next() {
		var a Attachment
		var mime, cid sql.NullString
		var size sql.NullInt64
		if err := rows.Scan(&a.Filename, &mime, &size, &cid); err != nil {
			return nil, err
		}
		a.MimeType = mime.String
		a.FileSize = size.Int64
		a.ContentID = cid.String
		atts = append(atts, a)
	}
	return atts, rows.Err()
}

// FindMessagePath returns the stored container path for a message id,
// optionally narrowed by account and mailbox. Message ids are only
// unique within a mailbox, so an unscoped lookup takes the first match.
// Returns ErrNotFound when no row matches or the row has no path.
func (s *Store) FindMessagePath(id int64, account, mailbox string) (string, error) {
	query := `SELECT emlx_path FROM emails WHERE message_id = ?`
	args := []interface{}{id}
	if account != "" {
		query += " AND account = ?"
		args = append(args, account)
	}
	if mailbox != "" {
		query += " AND mailbox = ?"
		args = append(args, mailbox)
	}
	query += " LIMIT 1"

	var path sql.NullString
	err := s.db.QueryRow(query, args...).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	if path.String == "" {
		return "", fmt.Errorf("message %d has no stored path: %w", id, ErrNotFound)
	}
	return path.String, nil
}

// SearchAttachmentNames finds messages by attachment filename substring.
func (s *Store) SearchAttachmentNames(term string, f AttachmentFilter) ([]AttachmentHit, error) {
	query := `
		SELECT e.message_id, e.account, e.mailbox, e.subject, e.sender, e.date_received, a.filename
		FROM attachments a
		JOIN emails e ON a.email_rowid = e.rowid
		WHERE a.filename LIKE ?`
	args := []interface{}{"%" + term + "%"}

	if f.Account != "" {
		query += " AND e.account = ?"
		args = append(args, f.Account)
	}
	if f.Mailbox != "" {
		query += " AND e.mailbox = ?"
		args = append(args, f.Mailbox)
	}
	if len(f.ExcludeMailboxes) > 0 {
		query += " AND e.mailbox NOT IN (?" + strings.Repeat(",?", len(f.ExcludeMailboxes)-1) + ")"
		for _, mb := range f.ExcludeMailboxes {
			args = append(args, mb)
		}
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query += " ORDER BY e.date_received DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []AttachmentHit
	for rows.Next() {
		var h AttachmentHit
		var subject, sender, date sql.NullString
		if err := rows.Scan(&h.MessageID, &h.Account, &h.Mailbox, &subject, &sender, &date, &h.Filename); err != nil {
			return nil, err
		}
		h.Subject = subject.String
		h.Sender = sender.String
		h.DateReceived = date.String
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// DropSearchTriggers removes the FTS sync triggers for a bulk load.
// Callers must rebuild the shadow index and recreate the triggers
// before handing the store back.
func (s *Store) DropSearchTriggers() error {
	for _, name := range []string{"emails_ai", "emails_ad", "emails_au"} {
		if _, err := s.db.Exec(`DROP TRIGGER IF EXISTS ` + name); err != nil {
			return err
		}
	}
	return nil
}

// CreateSearchTriggers restores the FTS sync triggers.
func (s *Store) CreateSearchTriggers() error {
	stmts := []string{
		`CREATE TRIGGER IF NOT EXISTS emails_ai AFTER INSERT ON emails BEGIN
			INSERT INTO emails_fts(rowid, subject, sender, content)
			VALUES (new.rowid, new.subject, new.sender, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS emails_ad AFTER DELETE ON emails BEGIN
			INSERT INTO emails_fts(emails_fts, rowid, subject, sender, content)
			VALUES('delete', old.rowid, old.subject, old.sender, old.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS emails_au AFTER UPDATE ON emails BEGIN
			INSERT INTO emails_fts(emails_fts, rowid, subject, sender, content)
			VALUES('delete', old.rowid, old.subject, old.sender, old.content);
			INSERT INTO emails_fts(rowid, subject, sender, content)
			VALUES (new.rowid, new.subject, new.sender, new.content);
		END;`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// RebuildSearchIndex repopulates the shadow index from the emails table.
func (s *Store) RebuildSearchIndex() error {
	_, err := s.db.Exec(`INSERT INTO emails_fts(emails_fts) VALUES ('rebuild')`)
	return err
}

// OptimizeSearchIndex merges the shadow index's b-trees for faster queries.
func (s *Store) OptimizeSearchIndex() error {
	_, err := s.db.Exec(`INSERT INTO emails_fts(emails_fts) VALUES ('optimize')`)
	return err
}

// TouchSyncState records a completed sync for one scope.
func (s *Store) TouchSyncState(account, mailbox string, count int) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sync_state (account, mailbox, last_sync, message_count)
		VALUES (?, ?, ?, ?)
	`, account, mailbox, time.Now().UTC().Format(time.RFC3339), count)
	return err
}

// LastSync returns the newest recorded sync time across all scopes.
// The zero time means no sync has ever been recorded.
func (s *Store) LastSync() (time.Time, error) {
	var raw sql.NullString
	err := s.db.QueryRow(`SELECT MAX(last_sync) FROM sync_state`).Scan(&raw)
	if err != nil {
		return time.Time{}, err
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid last_sync %q: %w", raw.String, err)
	}
	return t, nil
}

// Stats returns store-level statistics.
func (s *Store) Stats() (Stats, error) {
	var stats Stats
	err := s.db.QueryRow(`
		SELECT COUNT(*), COUNT(DISTINCT account || '/' || mailbox) FROM emails
	`).Scan(&stats.EmailCount, &stats.MailboxCount)
	if err != nil {
		return stats, err
	}

	stats.LastSync, err = s.LastSync()
	if err != nil {
		return stats, err
	}
	stats.StalenessHours = -1
	if !stats.LastSync.IsZero() {
		stats.StalenessHours = time.Since(stats.LastSync).Hours()
	}

	if s.path != "" && s.path != ":memory:" && !strings.HasPrefix(s.path, "file::memory:") {
		if st, err := os.Stat(s.path); err == nil {
			stats.DBSizeMB = float64(st.Size()) / (1024 * 1024)
		}
	}

	return stats, nil
}

// IsStale reports whether the index needs a sync. Never having synced
// always counts as stale.
func (s *Store) IsStale(thresholdHours float64) (bool, error) {
	last, err := s.LastSync()
	if err != nil {
		return true, err
	}
	if last.IsZero() {
		return true, nil
	}
	return time.Since(last).Hours() > thresholdHours, nil
}

// SetSyncMetadata stores a bookkeeping value
func (s *Store) SetSyncMetadata(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`
		INSERT INTO sync_metadata (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now)
	return err
}

// GetSyncMetadata retrieves a bookkeeping value
func (s *Store) GetSyncMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// Helper functions
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Types for stored rows and query results

// Key identifies one message. Message IDs repeat across mailboxes, so
// only the full triple is unique.
type Key struct {
	Account   string
	Mailbox   string
	MessageID int64
}

// Scope is one (account, mailbox) pair.
type Scope struct {
	Account string
	Mailbox string
}

// Message is one indexed email row with its attachment metadata.
type Message struct {
	Key
	Subject      string
	Sender       string
	Content      string
	DateReceived string
	EmlxPath     string
	Attachments  []Attachment
}

// Attachment is stored attachment metadata.
type Attachment struct {
	Filename  string
	MimeType  string
	FileSize  int64
	ContentID string
}

// AttachmentFilter narrows attachment-name searches.
type AttachmentFilter struct {
	Account          string
	Mailbox          string
	ExcludeMailboxes []string
	Limit            int
}

// AttachmentHit is one attachment-name search result.
type AttachmentHit struct {
	Key
	Subject      string
	Sender       string
	DateReceived string
	Filename     string
}

// Stats summarizes the store contents.
type Stats struct {
	EmailCount     int64
	MailboxCount   int
	DBSizeMB       float64
	LastSync       time.Time
	StalenessHours float64
}
