// fts5-setup verifies and repairs the SQLite FTS5 index behind mail search.
//
// Usage:
//
//	fts5-setup -db index.db            Ensure schema and sync triggers exist
//	fts5-setup -db index.db -check     Verify shadow index integrity
//	fts5-setup -db index.db -rebuild   Repopulate the shadow index from emails
//	fts5-setup -db index.db -optimize  Merge the shadow index b-trees
//
// The flags combine; -rebuild runs before -optimize, and -check runs last.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maildex/maildex/pkg/mailconfig"
	"github.com/maildex/maildex/pkg/storage"
)

var (
	dbPath   = flag.String("db", "", "Path to the index database (defaults to index.path from maildex.yaml)")
	cfgPath  = flag.String("config", "", "Path to maildex.yaml (auto-detected if not specified)")
	check    = flag.Bool("check", false, "Verify shadow index integrity and row counts")
	rebuild  = flag.Bool("rebuild", false, "Repopulate the shadow index from the emails table")
	optimize = flag.Bool("optimize", false, "Merge the shadow index b-trees")
	debug    = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded environment overrides from .env")
	}

	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	indexPath := *dbPath
	if indexPath == "" {
		indexPath = cfg.Index.Path
	}
	if indexPath == "" {
		log.Fatal().Msg("Index database path is empty (set -db or index.path in maildex.yaml)")
	}

	fmt.Printf("Search index: %s\n\n", indexPath)

	// Opening the store creates the emails, attachments, sync_state and
	// emails_fts tables when they are missing.
	st, err := storage.New(indexPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", indexPath).Msg("Failed to open index")
	}
	defer st.Close()

	ctx := context.Background()
	db := st.DB()

	if err := probeFTS5(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("SQLite build lacks FTS5 support")
	}

	ran := false
	if *rebuild {
		ran = true
		fmt.Println("Rebuilding shadow index from the emails table...")
		if err := st.RebuildSearchIndex(); err != nil {
			log.Fatal().Err(err).Msg("Rebuild failed")
		}
		fmt.Println("Shadow index rebuilt")
	}

	if *optimize {
		ran = true
		fmt.Println("Merging shadow index b-trees...")
		if err := st.OptimizeSearchIndex(); err != nil {
			log.Fatal().Err(err).Msg("Optimize failed")
		}
		fmt.Println("Shadow index optimized")
	}

	if *check {
		ran = true
		fmt.Println("Checking shadow index integrity...")
		if err := checkIntegrity(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("Integrity check failed; run fts5-setup -rebuild")
		}
		fmt.Println("Integrity check passed")
	}

	if !ran {
		// Plain setup run: make sure the sync triggers exist.
		if err := st.CreateSearchTriggers(); err != nil {
			log.Fatal().Err(err).Msg("Failed to create search triggers")
		}
		fmt.Println("Schema ensured (emails, emails_fts, attachments, sync_state)")
		fmt.Println("Sync triggers ensured (emails_ai, emails_ad, emails_au)")
	}

	emails, fts, err := rowCounts(ctx, db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to count index rows")
	}

	fmt.Println()
	fmt.Println("============================================================")
	fmt.Println("SEARCH INDEX READY")
	fmt.Println("============================================================")
	fmt.Printf("Emails:            %d\n", emails)
	fmt.Printf("Shadow index rows: %d\n", fts)
	if emails != fts {
		fmt.Println()
		fmt.Println("Row counts differ; run fts5-setup -rebuild to resync.")
	}
}

func loadConfig() (*mailconfig.Config, error) {
	if *cfgPath != "" {
		return mailconfig.Load(*cfgPath)
	}
	return mailconfig.LoadOrDefault("."), nil
}

// probeFTS5 confirms the linked SQLite supports FTS5.
func probeFTS5(ctx context.Context, db *sql.DB) error {
	var used sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT sqlite_compileoption_used('ENABLE_FTS5')`).Scan(&used)
	if err == nil && used.Valid && used.Int64 == 1 {
		return nil
	}

	// Some builds ship FTS5 without reporting the compile option; creating
	// a scratch virtual table is the authoritative test.
	if _, err := db.ExecContext(ctx, `CREATE VIRTUAL TABLE temp.fts5_probe USING fts5(x)`); err != nil {
		return fmt.Errorf("creating probe table: %w", err)
	}
	_, err = db.ExecContext(ctx, `DROP TABLE temp.fts5_probe`)
	return err
}

// checkIntegrity asks FTS5 to verify the shadow index against the
// external-content emails table. A desynced index returns SQLITE_CORRUPT.
func checkIntegrity(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `INSERT INTO emails_fts(emails_fts) VALUES ('integrity-check')`)
	return err
}

func rowCounts(ctx context.Context, db *sql.DB) (emails, fts int64, err error) {
	if err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM emails`).Scan(&emails); err != nil {
		return 0, 0, fmt.Errorf("counting emails: %w", err)
	}
	if err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM emails_fts`).Scan(&fts); err != nil {
		return 0, 0, fmt.Errorf("counting shadow index rows: %w", err)
	}
	return emails, fts, nil
}
