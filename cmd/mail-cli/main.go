// mail-cli manages the local mail search index from the command line.
//
// Usage:
//
//	mail-cli -build                               Build the index from disk
//	mail-cli -sync                                Reconcile the index with disk
//	mail-cli -status                              Show index statistics
//	mail-cli -rebuild [-account A [-mailbox M]]   Force rebuild, optionally scoped
//	mail-cli -search "query" [-limit N]           Ranked full-text search
//	mail-cli -recent N                            Newest messages, no index needed
//	mail-cli -accounts                            List accounts known to Mail
//	mail-cli -watch                               Sync, then watch until interrupted
//
// Building and watching read the mail store directly and require Full
// Disk Access for the terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"

	"github.com/maildex/maildex/pkg/bridge"
	"github.com/maildex/maildex/pkg/emlx"
	"github.com/maildex/maildex/pkg/indexer"
	"github.com/maildex/maildex/pkg/mailconfig"
	"github.com/maildex/maildex/pkg/search"
	"github.com/maildex/maildex/pkg/util"
)

var (
	dbPath     = flag.String("db", "", "Path to the index database (defaults to index.path from maildex.yaml)")
	verbose    = flag.Bool("v", false, "Enable verbose output")
	build      = flag.Bool("build", false, "Build the search index from disk and exit")
	syncOnly   = flag.Bool("sync", false, "Sync the index with disk and exit")
	status     = flag.Bool("status", false, "Show index statistics and exit")
	rebuild    = flag.Bool("rebuild", false, "Force rebuild the index and exit")
	account    = flag.String("account", "", "Scope -rebuild to this account")
	mailbox    = flag.String("mailbox", "", "Scope -rebuild to this mailbox (requires -account)")
	searchTerm = flag.String("search", "", "Search the index (FTS) and exit")
	limit      = flag.Int("limit", 20, "Maximum search results")
	recent     = flag.Int("recent", 0, "List the N newest messages from the mail client's own data and exit")
	listAccts  = flag.Bool("accounts", false, "List accounts known to the mail client and exit")
	watch      = flag.Bool("watch", false, "Watch the mail store and update the index in real time")
)

func main() {
	flag.Parse()

	// Set up pretty console logging
	logLevel := zerolog.InfoLevel
	if *verbose {
		logLevel = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: colorable.NewColorableStderr(), TimeFormat: time.Kitchen}).
		With().Timestamp().Logger().Level(logLevel)

	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded environment overrides from .env")
	}

	cfg := mailconfig.LoadOrDefault(".")
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply environment configuration")
	}
	if *dbPath != "" {
		cfg.Index.Path = *dbPath
	}

	manager, err := indexer.NewManager(*cfg)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Index.Path).Msg("Failed to open index")
	}
	defer manager.Close()

	// Handle status mode
	if *status {
		st, err := manager.Stats()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read index stats")
		}
		fmt.Println("Mail Index Status")
		fmt.Println("========================================")
		fmt.Printf("Location:     %s\n", cfg.Index.Path)
		fmt.Printf("Emails:       %d\n", st.EmailCount)
		fmt.Printf("Mailboxes:    %d\n", st.MailboxCount)
		fmt.Printf("Database:     %s\n", util.FormatSize(int64(st.DBSizeMB*1024*1024)))
		fmt.Println()
		if st.LastSync == "" {
			fmt.Println("Last sync:    Never")
			fmt.Println()
			fmt.Println("No sync recorded. Run 'mail-cli -build' to build the index.")
			return
		}
		fmt.Printf("Last sync:    %s\n", st.LastSync)
		fmt.Printf("Staleness:    %s ago\n", staleness(st.StalenessHours))
		if manager.IsStale() {
			fmt.Println()
			fmt.Println("Index is stale. Run 'mail-cli -sync' to refresh.")
		}
		return
	}

	// Handle list accounts mode
	if *listAccts {
		ex := &bridge.Executor{Timeout: time.Duration(cfg.Bridge.TimeoutSeconds) * time.Second}
		accts, err := ex.ListAccounts(context.Background())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to list accounts")
		}
		fmt.Printf("Accounts (%d):\n\n", len(accts))
		for _, a := range accts {
			fmt.Printf("  [%s] %s\n", a.ID, a.Name)
		}
		return
	}

	// Handle recent-messages mode: metadata straight from the mail
	// client's own database, no local index required.
	if *recent > 0 {
		if err := printRecentFromEnvelope(cfg, *recent); err != nil {
			log.Debug().Err(err).Msg("Envelope index unavailable, asking the mail client instead")
			if err := printRecentFromBridge(cfg, *recent); err != nil {
				log.Fatal().Err(err).Msg("Failed to list recent messages")
			}
		}
		return
	}

	// Handle FTS search mode
	if *searchTerm != "" {
		results, err := manager.Search(*searchTerm, search.Options{
			Limit:            *limit,
			ExcludeMailboxes: cfg.Index.ExcludeMailboxes,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Search failed")
		}
		fmt.Printf("Found %d emails matching '%s':\n\n", len(results), *searchTerm)
		for _, r := range results {
			fmt.Printf("[%s] %s: %s\n", r.DateReceived, r.Sender, util.Truncate(r.Subject, 80))
			if r.Snippet != "" {
				fmt.Printf("    %s\n", util.Truncate(r.Snippet, 120))
			}
		}
		return
	}

	// Handle build mode
	if *build {
		fmt.Println("Building search index from disk...")
		fmt.Printf("Index location: %s\n\n", cfg.Index.Path)

		var progress indexer.ProgressFunc
		if *verbose {
			progress = func(indexed, total int) {
				fmt.Printf("\r  %d/%d indexed", indexed, total)
			}
		}
		start := time.Now()
		count, err := manager.Build(context.Background(), progress)
		if err != nil {
			failBuild(err)
		}
		if *verbose {
			fmt.Println()
		}
		fmt.Printf("Indexed %d emails in %s\n", count, util.FormatAge(time.Since(start)))
		if st, err := manager.Stats(); err == nil {
			fmt.Printf("  Mailboxes: %d\n", st.MailboxCount)
			fmt.Printf("  Database size: %s\n", util.FormatSize(int64(st.DBSizeMB*1024*1024)))
		}
		return
	}

	// Handle rebuild mode
	if *rebuild {
		if *mailbox != "" && *account == "" {
			fmt.Fprintln(os.Stderr, "Error: -mailbox requires -account")
			os.Exit(1)
		}
		scope := "entire index"
		switch {
		case *account != "" && *mailbox != "":
			scope = *account + "/" + *mailbox
		case *account != "":
			scope = "account " + *account
		}
		fmt.Printf("Rebuilding %s...\n", scope)

		var progress indexer.ProgressFunc
		if *verbose {
			progress = func(indexed, total int) {
				fmt.Printf("\r  %d/%d indexed", indexed, total)
			}
		}
		start := time.Now()
		count, err := manager.Rebuild(context.Background(), *account, *mailbox, progress)
		if err != nil {
			failBuild(err)
		}
		if *verbose {
			fmt.Println()
		}
		fmt.Printf("Rebuilt %d emails in %s\n", count, util.FormatAge(time.Since(start)))
		return
	}

	// Handle sync mode
	if *syncOnly {
		start := time.Now()
		res, err := manager.Sync(context.Background())
		if err != nil {
			log.Fatal().Err(err).Msg("Sync failed")
		}
		printSyncResult(res, time.Since(start))
		return
	}

	// Handle watch mode: sync first, then follow the store until interrupted
	if *watch {
		fmt.Println("Syncing index...")
		start := time.Now()
		res, err := manager.Sync(context.Background())
		if err != nil {
			log.Warn().Err(err).Msg("Startup sync failed")
		} else {
			printSyncResult(res, time.Since(start))
		}

		started := manager.StartWatcher(func(added, removed int) {
			if added > 0 || removed > 0 {
				fmt.Printf("Index updated: +%d -%d\n", added, removed)
			}
		})
		if !started {
			log.Fatal().Msg("Could not start the file watcher")
		}
		fmt.Println("File watcher started. Press Ctrl-C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info().Msg("Shutting down...")
		manager.StopWatcher()
		return
	}

	flag.Usage()
	os.Exit(2)
}

func printSyncResult(res indexer.SyncResult, elapsed time.Duration) {
	if n := res.TotalChanges(); n > 0 {
		fmt.Printf("Synced %d changes in %s\n", n, util.FormatAge(elapsed))
	} else {
		fmt.Printf("Index up to date (%s)\n", util.FormatAge(elapsed))
	}
	if res.Skipped > 0 || res.Errors > 0 {
		fmt.Printf("  (%d skipped, %d errors)\n", res.Skipped, res.Errors)
	}
}

// printRecentFromEnvelope lists the newest messages from the mail
// client's Envelope Index database.
func printRecentFromEnvelope(cfg *mailconfig.Config, n int) error {
	root := cfg.Mail.Root
	if root == "" {
		var err error
		root, err = emlx.FindMailRoot()
		if err != nil {
			return err
		}
	}
	idxPath, err := emlx.FindEnvelopeIndex(root)
	if err != nil {
		return err
	}
	msgs, err := emlx.ReadEnvelopeIndex(idxPath, n)
	if err != nil {
		return err
	}
	fmt.Printf("Most recent %d messages:\n\n", len(msgs))
	for _, m := range msgs {
		fmt.Printf("[%s] %s: %s\n", m.DateReceived, m.Sender, util.Truncate(m.Subject, 80))
		fmt.Printf("    %s/%s\n", m.Account, m.Mailbox)
	}
	return nil
}

// printRecentFromBridge is the fallback listing for machines whose
// envelope database has an unrecognized layout. It asks the running
// mail client for one mailbox's newest messages.
func printRecentFromBridge(cfg *mailconfig.Config, n int) error {
	ex := &bridge.Executor{Timeout: time.Duration(cfg.Bridge.TimeoutSeconds) * time.Second}
	hits, err := ex.SearchMetadata(context.Background(), "subject", "",
		cfg.Mail.DefaultAccount, cfg.Mail.DefaultMailbox, n)
	if err != nil {
		return err
	}
	mb := cfg.Mail.DefaultMailbox
	if mb == "" {
		mb = "INBOX"
	}
	fmt.Printf("Most recent %d messages in %s:\n\n", len(hits), mb)
	for _, h := range hits {
		fmt.Printf("[%s] %s: %s\n", h.DateReceived, h.Sender, util.Truncate(h.Subject, 80))
	}
	return nil
}

// failBuild reports a fatal build error, with remediation steps when the
// mail store itself is unreadable.
func failBuild(err error) {
	if errors.Is(err, fs.ErrPermission) {
		fmt.Fprintln(os.Stderr, "\nPermission denied reading the mail store.")
		fmt.Fprintln(os.Stderr, "To fix this:")
		fmt.Fprintln(os.Stderr, "  1. Open System Settings")
		fmt.Fprintln(os.Stderr, "  2. Privacy & Security, then Full Disk Access")
		fmt.Fprintln(os.Stderr, "  3. Add and enable your terminal application")
		fmt.Fprintln(os.Stderr, "  4. Restart the terminal and try again")
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	os.Exit(1)
}

// staleness renders elapsed hours the way people read them.
func staleness(hours float64) string {
	switch {
	case hours < 1:
		return fmt.Sprintf("%.0f minutes", hours*60)
	case hours < 24:
		return fmt.Sprintf("%.1f hours", hours)
	default:
		return fmt.Sprintf("%.1f days", hours/24)
	}
}
