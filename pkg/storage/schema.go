package storage

// Schema defines the SQLite database schema for the mail search index.
//
// Message IDs taken from .emlx filenames are only unique within one
// mailbox, never globally, so emails carries a composite UNIQUE
// constraint on (account, mailbox, message_id).
const schema = `
-- Email content cache
-- rowid is explicit because emails_fts uses it as content_rowid
CREATE TABLE IF NOT EXISTS emails (
    rowid INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id INTEGER NOT NULL,     -- Mail.app ID (per-mailbox only)
    account TEXT NOT NULL,           -- Account UUID directory name
    mailbox TEXT NOT NULL,
    subject TEXT,
    sender TEXT,
    content TEXT,                    -- Plain-text body
    date_received TEXT,
    emlx_path TEXT,                  -- Source file (for disk-first sync)
    attachment_count INTEGER DEFAULT 0,
    indexed_at TEXT DEFAULT (datetime('now')),
    UNIQUE(account, mailbox, message_id)
);

CREATE INDEX IF NOT EXISTS idx_emails_account_mailbox ON emails(account, mailbox);
CREATE INDEX IF NOT EXISTS idx_emails_date ON emails(date_received DESC);
CREATE INDEX IF NOT EXISTS idx_emails_message_id ON emails(message_id);
CREATE INDEX IF NOT EXISTS idx_emails_path ON emails(emlx_path);

-- FTS5 shadow index (external content - shares row storage with emails)
CREATE VIRTUAL TABLE IF NOT EXISTS emails_fts USING fts5(
    subject,
    sender,
    content,
    content='emails',
    content_rowid='rowid',
    tokenize='porter unicode61'
);

-- Triggers keep the shadow index consistent with emails
CREATE TRIGGER IF NOT EXISTS emails_ai AFTER INSERT ON emails BEGIN
    INSERT INTO emails_fts(rowid, subject, sender, content)
    VALUES (new.rowid, new.subject, new.sender, new.content);
END;

CREATE TRIGGER IF NOT EXISTS emails_ad AFTER DELETE ON emails BEGIN
    INSERT INTO emails_fts(emails_fts, rowid, subject, sender, content)
    VALUES('delete', old.rowid, old.subject, old.sender, old.content);
END;

CREATE TRIGGER IF NOT EXISTS emails_au AFTER UPDATE ON emails BEGIN
    INSERT INTO emails_fts(emails_fts, rowid, subject, sender, content)
    VALUES('delete', old.rowid, old.subject, old.sender, old.content);
    INSERT INTO emails_fts(rowid, subject, sender, content)
    VALUES (new.rowid, new.subject, new.sender, new.content);
END;

-- Attachment metadata (one-to-many from emails)
CREATE TABLE IF NOT EXISTS attachments (
    rowid INTEGER PRIMARY KEY AUTOINCREMENT,
    email_rowid INTEGER NOT NULL REFERENCES emails(rowid) ON DELETE CASCADE,
    filename TEXT NOT NULL,
    mime_type TEXT,
    file_size INTEGER,
    content_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_attachments_email ON attachments(email_rowid);
CREATE INDEX IF NOT EXISTS idx_attachments_filename ON attachments(filename);

-- Sync progress per (account, mailbox) scope
CREATE TABLE IF NOT EXISTS sync_state (
    account TEXT NOT NULL,
    mailbox TEXT NOT NULL,
    last_sync TEXT,
    message_count INTEGER DEFAULT 0,
    PRIMARY KEY (account, mailbox)
);

-- Metadata table for schema versioning and sync bookkeeping
CREATE TABLE IF NOT EXISTS sync_metadata (
    key TEXT PRIMARY KEY,
    value TEXT,
    updated_at INTEGER NOT NULL
);
`

type migration struct {
	Version    int
	Statements []string
}

// migrations contains SQL migrations to run in order (tracked via
// sync_metadata.schema_version). Versions 1-3 cover databases written
// before emlx_path and attachment support existed; a fresh schema
// already includes everything, so their statements are additive and
// rely on isIgnorableMigrationError for no-ops.
var migrations = []migration{
	{
		Version: 2,
		Statements: []string{
			// v1 keyed emails on message_id alone, which collides across
			// mailboxes. Rebuilding the table is the only way to change
			// the constraint; a full re-index is required afterwards.
			`DROP TRIGGER IF EXISTS emails_ai;`,
			`DROP TRIGGER IF EXISTS emails_ad;`,
			`DROP TRIGGER IF EXISTS emails_au;`,
			`DROP TABLE IF EXISTS emails_fts;`,
			`DROP TABLE IF EXISTS emails;`,
			`DROP TABLE IF EXISTS sync_state;`,
			// Recreate immediately so the later migrations always run
			// against current-shape tables.
			schema,
		},
	},
	{
		Version: 3,
		Statements: []string{
			`ALTER TABLE emails ADD COLUMN emlx_path TEXT;`,
			`CREATE INDEX IF NOT EXISTS idx_emails_path ON emails(emlx_path);`,
		},
	},
	{
		Version: 4,
		Statements: []string{
			`ALTER TABLE emails ADD COLUMN attachment_count INTEGER DEFAULT 0;`,
			`CREATE TABLE IF NOT EXISTS attachments (
				rowid INTEGER PRIMARY KEY AUTOINCREMENT,
				email_rowid INTEGER NOT NULL REFERENCES emails(rowid) ON DELETE CASCADE,
				filename TEXT NOT NULL,
				mime_type TEXT,
				file_size INTEGER,
				content_id TEXT
			);`,
			`CREATE INDEX IF NOT EXISTS idx_attachments_email ON attachments(email_rowid);`,
			`CREATE INDEX IF NOT EXISTS idx_attachments_filename ON attachments(filename);`,
		},
	},
}

// migrationNotes map versions whose upgrade leaves existing rows
// without backfilled data to the operator hint logged after the run.
var migrationNotes = map[int]string{
	2: "schema upgrade rebuilt the emails table; run a rebuild to re-index",
	3: "emlx_path added; run a rebuild to populate it for existing emails",
	4: "attachment support added; run a rebuild to populate attachment metadata",
}
