// sample-maildir writes a synthetic on-disk mail store for demos and manual
// watcher testing.
//
// Usage:
//
//	sample-maildir -root SampleMail -accounts 2 -per-mailbox 5
//
// The generated tree mirrors the layout the scanner expects:
//
//	<root>/V10/<ACCOUNT-UUID>/<Mailbox>.mbox/<UUID>/Data/0/Messages/<id>.emlx
//
// It includes one partially downloaded container with its attachment stored
// under the sibling Attachments directory. Point the indexer at the result
// with APPLE_MAIL_ROOT=<root>/V10.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
)

var (
	root       = flag.String("root", "SampleMail", "Directory to create the store under")
	accounts   = flag.Int("accounts", 2, "Number of accounts to generate")
	perMailbox = flag.Int("per-mailbox", 5, "Messages per mailbox")
)

var mailboxes = []string{"INBOX", "Sent Messages", "Drafts"}

var subjects = []string{
	"Quarterly planning notes",
	"Invoice #4821 attached",
	"Re: Weekend hiking trip",
	"Your order has shipped",
	"Team offsite agenda",
	"Password reset request",
	"Lunch on Thursday?",
	"Build pipeline is red again",
}

var senders = []string{
	"Alice Johnson <alice@example.com>",
	"billing@store.example.com",
	"Marek Nowak <marek@example.org>",
	"noreply@shipping.example.net",
	"Priya Sharma <priya@example.com>",
}

var bodies = []string{
	"Sketching out the goals for next quarter. Comments welcome before Friday's review.",
	"Your invoice is attached. Payment is due within thirty days of the invoice date.",
	"The forecast looks good for Saturday. Trailhead parking fills up early, let's meet at eight.",
	"Your package left our warehouse today and should arrive within three business days.",
	"Agenda draft for the offsite: morning planning session, afternoon retro, dinner at seven.",
	"We received a request to reset your password. If this wasn't you, ignore this message.",
	"There's a new place around the corner that does dumplings. Thursday at noon?",
	"The integration stage has been failing since this morning's merge. Looking into it.",
}

const plistTrailer = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>flags</key>
	<integer>8590195713</integer>
</dict>
</plist>
`

func main() {
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: colorable.NewColorableStderr(), TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	if *accounts < 1 || *perMailbox < 1 {
		log.Fatal().Msg("-accounts and -per-mailbox must be at least 1")
	}

	storeRoot := filepath.Join(*root, "V10")
	msgID := int64(1000)
	written := 0
	now := time.Now()

	for a := 0; a < *accounts; a++ {
		accountDir := filepath.Join(storeRoot, newUUID())
		fmt.Printf("Account %s\n", filepath.Base(accountDir))

		for _, mb := range mailboxes {
			msgDir := filepath.Join(accountDir, mb+".mbox", newUUID(), "Data", "0", "Messages")
			if err := os.MkdirAll(msgDir, 0o755); err != nil {
				log.Fatal().Err(err).Str("dir", msgDir).Msg("Failed to create mailbox directory")
			}

			for i := 0; i < *perMailbox; i++ {
				msgID++
				// Stagger timestamps so most-recent-first ordering is visible.
				stamp := now.Add(-time.Duration(written+1) * time.Hour)
				path := filepath.Join(msgDir, fmt.Sprintf("%d.emlx", msgID))
				if err := writeContainer(path, plainMessage(msgID, stamp), stamp); err != nil {
					log.Fatal().Err(err).Str("path", path).Msg("Failed to write container")
				}
				written++
			}

			// One partially downloaded container with an externally stored
			// attachment, in the first account's inbox.
			if a == 0 && mb == "INBOX" {
				msgID++
				if err := writePartial(msgDir, msgID, now); err != nil {
					log.Fatal().Err(err).Msg("Failed to write partial container")
				}
				written++
			}
		}
	}

	absRoot, err := filepath.Abs(storeRoot)
	if err != nil {
		absRoot = storeRoot
	}
	fmt.Println()
	fmt.Printf("Wrote %d messages across %d accounts under %s\n", written, *accounts, storeRoot)
	fmt.Println()
	fmt.Println("Try it:")
	fmt.Printf("  APPLE_MAIL_ROOT=%s mail-cli -build\n", absRoot)
}

func newUUID() string {
	return strings.ToUpper(uuid.NewString())
}

// writeContainer wraps a MIME message in container framing (byte count
// line, message, property-list trailer) and backdates the file so scans
// see the staggered timestamps.
func writeContainer(path, mime string, stamp time.Time) error {
	container := fmt.Sprintf("%d\n%s%s", len(mime), mime, plistTrailer)
	if err := os.WriteFile(path, []byte(container), 0o644); err != nil {
		return err
	}
	return os.Chtimes(path, stamp, stamp)
}

func plainMessage(id int64, stamp time.Time) string {
	n := int(id)
	return fmt.Sprintf("Subject: %s\r\n"+
		"From: %s\r\n"+
		"To: you@example.com\r\n"+
		"Date: %s\r\n"+
		"Message-ID: <sample-%d@maildex>\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"%s\r\n",
		subjects[n%len(subjects)],
		senders[n%len(senders)],
		stamp.UTC().Format(time.RFC1123Z),
		id,
		bodies[n%len(bodies)])
}

// writePartial writes <id>.partial.emlx whose attachment part carries no
// payload, plus the sibling Attachments/<id>/2/ file holding the bytes.
// Part 2 is the attachment's position in a depth-first walk of the MIME
// tree (multipart root is 0, the text body is 1).
func writePartial(msgDir string, id int64, stamp time.Time) error {
	const filename = "quarterly-report.pdf"

	mime := fmt.Sprintf("Subject: Q3 report attached\r\n"+
		"From: Alice Johnson <alice@example.com>\r\n"+
		"To: you@example.com\r\n"+
		"Date: %s\r\n"+
		"Message-ID: <sample-%d@maildex>\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: multipart/mixed; boundary=\"sample-part\"\r\n"+
		"\r\n"+
		"--sample-part\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"Full report attached. Numbers are up across the board.\r\n"+
		"\r\n"+
		"--sample-part\r\n"+
		"Content-Type: application/pdf; name=\"%s\"\r\n"+
		"Content-Disposition: attachment; filename=\"%s\"\r\n"+
		"\r\n"+
		"--sample-part--\r\n",
		stamp.UTC().Format(time.RFC1123Z), id, filename, filename)

	path := filepath.Join(msgDir, fmt.Sprintf("%d.partial.emlx", id))
	if err := writeContainer(path, mime, stamp); err != nil {
		return err
	}

	attDir := filepath.Join(filepath.Dir(msgDir), "Attachments", fmt.Sprintf("%d", id), "2")
	if err := os.MkdirAll(attDir, 0o755); err != nil {
		return err
	}
	payload := []byte("%PDF-1.4 sample report payload for demos\n")
	return os.WriteFile(filepath.Join(attDir, filename), payload, 0o644)
}
