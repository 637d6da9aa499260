// index-export moves the search index through JSONL for backup and transfer.
//
// Usage:
//
//	index-export -db index.db -export backup.jsonl
//	index-export -db index.db -import backup.jsonl
//
// Each line is one message row with its attachment metadata inline. Import
// loads rows through the bulk path with replace semantics on the composite
// key, then rebuilds the shadow index.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"

	"github.com/maildex/maildex/pkg/mailconfig"
	"github.com/maildex/maildex/pkg/storage"
)

var (
	dbPath     = flag.String("db", "", "Path to the index database (defaults to index.path from maildex.yaml)")
	cfgPath    = flag.String("config", "", "Path to maildex.yaml (auto-detected if not specified)")
	exportPath = flag.String("export", "", "Write the index to this JSONL file")
	importPath = flag.String("import", "", "Load the index from this JSONL file")
	verbose    = flag.Bool("v", false, "Verbose output")
)

// Import lines can carry full message bodies; size the scanner for the
// largest container the parser accepts plus JSON escaping overhead.
const maxLineBytes = 64 << 20

// record is the JSONL line format.
type record struct {
	Account      string       `json:"account"`
	Mailbox      string       `json:"mailbox"`
	MessageID    int64        `json:"message_id"`
	Subject      string       `json:"subject,omitempty"`
	Sender       string       `json:"sender,omitempty"`
	Content      string       `json:"content,omitempty"`
	DateReceived string       `json:"date_received,omitempty"`
	EmlxPath     string       `json:"emlx_path,omitempty"`
	Attachments  []attachment `json:"attachments,omitempty"`
}

type attachment struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type,omitempty"`
	FileSize  int64  `json:"file_size,omitempty"`
	ContentID string `json:"content_id,omitempty"`
}

func main() {
	flag.Parse()

	logLevel := zerolog.InfoLevel
	if *verbose {
		logLevel = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: colorable.NewColorableStderr(), TimeFormat: time.Kitchen}).
		With().Timestamp().Logger().Level(logLevel)

	if (*exportPath == "") == (*importPath == "") {
		log.Fatal().Msg("Usage: index-export -export <out.jsonl> | -import <in.jsonl> [-db index.db]")
	}

	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded environment overrides from .env")
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	indexPath := *dbPath
	if indexPath == "" {
		indexPath = cfg.Index.Path
	}

	st, err := storage.New(indexPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", indexPath).Msg("Failed to open index")
	}
	defer st.Close()

	if *exportPath != "" {
		n, err := runExport(st, *exportPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Export failed")
		}
		log.Info().Int("messages", n).Str("file", *exportPath).Msg("Export complete")
		return
	}

	n, err := runImport(st, *importPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Import failed")
	}
	log.Info().Int("messages", n).Str("file", *importPath).Msg("Import complete")
}

func loadConfig() (*mailconfig.Config, error) {
	if *cfgPath != "" {
		return mailconfig.Load(*cfgPath)
	}
	return mailconfig.LoadOrDefault("."), nil
}

// runExport writes every stored message as one JSON object per line,
// ordered by (account, mailbox, message_id) so repeated exports diff cleanly.
func runExport(st *storage.Store, outPath string) (int, error) {
	inv, err := st.Inventory()
	if err != nil {
		return 0, fmt.Errorf("listing messages: %w", err)
	}

	keys := make([]storage.Key, 0, len(inv))
	for k := range inv {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Account != b.Account {
			return a.Account < b.Account
		}
		if a.Mailbox != b.Mailbox {
			return a.Mailbox < b.Mailbox
		}
		return a.MessageID < b.MessageID
	})

	file, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("creating output file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)

	written := 0
	for _, key := range keys {
		msg, err := st.GetMessage(key)
		if err != nil {
			return written, fmt.Errorf("reading %s/%s/%d: %w", key.Account, key.Mailbox, key.MessageID, err)
		}
		if err := enc.Encode(toRecord(msg)); err != nil {
			return written, fmt.Errorf("encoding %s/%s/%d: %w", key.Account, key.Mailbox, key.MessageID, err)
		}
		written++
		if written%1000 == 0 {
			fmt.Printf("  Exported %d messages...\n", written)
		}
	}

	if err := w.Flush(); err != nil {
		return written, fmt.Errorf("flushing output: %w", err)
	}
	return written, file.Close()
}

// runImport loads JSONL records through the bulk batch path and rebuilds
// the shadow index at the end.
func runImport(st *storage.Store, inPath string) (int, error) {
	file, err := os.Open(inPath)
	if err != nil {
		return 0, fmt.Errorf("opening input file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), maxLineBytes)

	const batchSize = 500
	var batch []*storage.Message
	imported := 0
	line := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := st.InsertBatch(batch)
		imported += n
		batch = batch[:0]
		if err != nil {
			return fmt.Errorf("inserting batch: %w", err)
		}
		fmt.Printf("  Imported %d messages...\n", imported)
		return nil
	}

	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return imported, fmt.Errorf("parsing line %d: %w", line, err)
		}
		if rec.Account == "" || rec.Mailbox == "" {
			return imported, fmt.Errorf("line %d: missing account or mailbox", line)
		}
		batch = append(batch, rec.message())
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return imported, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return imported, fmt.Errorf("reading input: %w", err)
	}
	if err := flush(); err != nil {
		return imported, err
	}

	if imported > 0 {
		if err := st.RebuildSearchIndex(); err != nil {
			return imported, fmt.Errorf("rebuilding search index: %w", err)
		}
		if err := st.OptimizeSearchIndex(); err != nil {
			return imported, fmt.Errorf("optimizing search index: %w", err)
		}
	}
	return imported, nil
}

func toRecord(m *storage.Message) record {
	rec := record{
		Account:      m.Account,
		Mailbox:      m.Mailbox,
		MessageID:    m.MessageID,
		Subject:      m.Subject,
		Sender:       m.Sender,
		Content:      m.Content,
		DateReceived: m.DateReceived,
		EmlxPath:     m.EmlxPath,
	}
	for _, a := range m.Attachments {
		rec.Attachments = append(rec.Attachments, attachment{
			Filename:  a.Filename,
			MimeType:  a.MimeType,
			FileSize:  a.FileSize,
			ContentID: a.ContentID,
		})
	}
	return rec
}

func (r record) message() *storage.Message {
	msg := &storage.Message{
		Key: storage.Key{
			Account:   r.Account,
			Mailbox:   r.Mailbox,
			MessageID: r.MessageID,
		},
		Subject:      r.Subject,
		Sender:       r.Sender,
		Content:      r.Content,
		DateReceived: r.DateReceived,
		EmlxPath:     r.EmlxPath,
	}
	for _, a := range r.Attachments {
		msg.Attachments = append(msg.Attachments, storage.Attachment{
			Filename:  a.Filename,
			MimeType:  a.MimeType,
			FileSize:  a.FileSize,
			ContentID: a.ContentID,
		})
	}
	return msg
}
