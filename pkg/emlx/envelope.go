package emlx

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// coreDataEpoch is 2001-01-01 UTC in Unix seconds, the origin the mail
// client's own database counts timestamps from.
const coreDataEpoch = 978307200

// ErrEnvelopeSchema reports that the mail client's database does not have
// the expected tables. Layouts vary across client versions, so callers
// treat this as a signal to fall back to scanning containers directly.
var ErrEnvelopeSchema = errors.New("envelope index schema mismatch")

// EnvelopeMessage is one metadata row from the mail client's own database.
type EnvelopeMessage struct {
	ID           int64
	Account      string
	Mailbox      string
	Subject      string
	Sender       string
	DateReceived string
}

// FindMailRoot returns the newest versioned mail store under the user's
// library, e.g. ~/Library/Mail/V10.
func FindMailRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	base := filepath.Join(home, "Library", "Mail")
	matches, err := filepath.Glob(filepath.Join(base, "V*"))
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", base, err)
	}
	best, bestVersion := "", -1
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil || !fi.IsDir() {
			continue
		}
		v, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(m), "V"))
		if err != nil {
			continue
		}
		if v > bestVersion {
			best, bestVersion = m, v
		}
	}
	if best == "" {
		return "", fmt.Errorf("no mail store found under %s; make sure the mail client has been used on this machine", base)
	}
	if _, err := os.ReadDir(best); err != nil {
		return "", fmt.Errorf("cannot access %s; grant Full Disk Access to this process (System Settings → Privacy & Security → Full Disk Access): %w", best, err)
	}
	return best, nil
}

// FindEnvelopeIndex locates the mail client's metadata database for the
// store rooted at mailRoot.
func FindEnvelopeIndex(mailRoot string) (string, error) {
	p := filepath.Join(filepath.Dir(mailRoot), "MailData", "Envelope Index")
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("envelope index not found at %s: %w", p, err)
	}
	return p, nil
}

// ReadEnvelopeIndex reads message metadata from the mail client's own
// database, newest first. The database is opened read-only so a running
// mail client is never blocked. A limit of 0 means no limit.
func ReadEnvelopeIndex(path string, limit int) ([]EnvelopeMessage, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("opening envelope index: %w", err)
	}
	defer db.Close()

	query := `
		SELECT m.ROWID, m.subject, m.sender, m.date_received, mb.url
		FROM messages m
		LEFT JOIN mailboxes mb ON m.mailbox = mb.ROWID
		ORDER BY m.date_received DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no such table") {
			return nil, fmt.Errorf("%w: %v", ErrEnvelopeSchema, err)
		}
		return nil, fmt.Errorf("querying envelope index: %w", err)
	}
	defer rows.Close()

	var out []EnvelopeMessage
	for rows.Next() {
		var (
			msg     EnvelopeMessage
			subject sql.NullString
			sender  sql.NullString
			date    sql.NullFloat64
			url     sql.NullString
		)
		if err := rows.Scan(&msg.ID, &subject, &sender, &date, &url); err != nil {
			return nil, fmt.Errorf("scanning envelope row: %w", err)
		}
		msg.Subject = subject.String
		msg.Sender = sender.String
		msg.Account, msg.Mailbox = parseMailboxURL(url.String)
		if date.Valid {
			msg.DateReceived = formatCoreDataTime(date.Float64)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating envelope rows: %w", err)
	}
	return out, nil
}

// parseMailboxURL splits a mailbox://<account-uuid>/<name> URL into its
// account and mailbox parts, defaulting both to "Unknown".
func parseMailboxURL(url string) (account, mailbox string) {
	account, mailbox = "Unknown", "Unknown"
	if url == "" {
		return account, mailbox
	}
	parts := strings.SplitN(strings.TrimPrefix(url, "mailbox://"), "/", 2)
	if parts[0] != "" {
		account = parts[0]
	}
	if len(parts) == 2 && parts[1] != "" {
		mailbox = parts[1]
	}
	return account, mailbox
}

// formatCoreDataTime converts seconds since the 2001-01-01 epoch to an
// ISO-8601 UTC string. Values that cannot be a plausible timestamp come
// back empty.
func formatCoreDataTime(secs float64) string {
	if math.IsNaN(secs) || math.Abs(secs) > 1e15 {
		return ""
	}
	return time.Unix(int64(secs)+coreDataEpoch, 0).UTC().Format(time.RFC3339)
}
