// mail-server exposes the search index and the Mail scripting bridge
// over HTTP.
//
// Endpoints:
//   - GET  /search     - Ranked search (index or live bridge, per scope)
//   - POST /search     - Same, JSON body for larger queries
//   - GET  /attachment - One attachment's bytes (base64) from an indexed message
//   - GET  /stats      - Index statistics
//   - POST /sync       - Reconcile the index with the on-disk mail store
//   - GET  /accounts   - Accounts known to the mail client
//   - GET  /health     - Health check
//   - GET  /ws         - Websocket push of live index updates
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maildex/maildex/pkg/accounts"
	"github.com/maildex/maildex/pkg/bridge"
	"github.com/maildex/maildex/pkg/emlx"
	"github.com/maildex/maildex/pkg/indexer"
	"github.com/maildex/maildex/pkg/mailconfig"
	"github.com/maildex/maildex/pkg/search"
	"github.com/maildex/maildex/pkg/storage"
)

// maxLimit bounds a single search response.
const maxLimit = 200

// maxAttachmentBytes bounds an inline attachment response; larger
// attachments come back as metadata only with truncated set.
const maxAttachmentBytes = 10 << 20

var (
	addr    = flag.String("addr", ":8765", "HTTP listen address")
	dbPath  = flag.String("db", "", "Path to the index database (defaults to index.path from maildex.yaml)")
	cfgPath = flag.String("config", "", "Path to maildex.yaml (auto-detected if not specified)")
	debug   = flag.Bool("debug", false, "Enable debug logging")
	corsAny = flag.Bool("cors", false, "Allow CORS from any origin (for development)")
	watch   = flag.Bool("watch", false, "Watch the mail store and push live updates to websocket clients")
)

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded environment overrides from .env")
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
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
	log.Info().Str("path", cfg.Index.Path).Msg("Opened search index")

	ex := &bridge.Executor{Timeout: time.Duration(cfg.Bridge.TimeoutSeconds) * time.Second}
	app := &app{
		cfg:      *cfg,
		manager:  manager,
		accounts: accounts.NewMap(ex.ListAccounts),
		bridge:   ex,
		hub:      newHub(),
	}

	if *watch {
		started := manager.StartWatcher(func(added, removed int) {
			msg, err := json.Marshal(map[string]int{"added": added, "removed": removed})
			if err != nil {
				return
			}
			app.hub.broadcast(msg)
			log.Debug().Int("added", added).Int("removed", removed).Int("clients", app.hub.count()).Msg("Pushed index update")
		})
		if !started {
			log.Warn().Msg("Watcher could not be started, live updates disabled")
		}
	}

	mux := http.NewServeMux()

	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		if *corsAny {
			return corsMiddleware(h)
		}
		return h
	}

	mux.HandleFunc("GET /search", wrap(app.searchGetHandler))
	mux.HandleFunc("POST /search", wrap(app.searchPostHandler))
	mux.HandleFunc("GET /attachment", wrap(app.attachmentHandler))
	mux.HandleFunc("GET /stats", wrap(app.statsHandler))
	mux.HandleFunc("POST /sync", wrap(app.syncHandler))
	mux.HandleFunc("GET /accounts", wrap(app.accountsHandler))
	mux.HandleFunc("GET /health", wrap(app.healthHandler))
	mux.HandleFunc("GET /ws", app.hub.handle)

	// Handle OPTIONS for CORS preflight (needed for browser POST requests)
	if *corsAny {
		mux.HandleFunc("OPTIONS /search", corsMiddleware(func(w http.ResponseWriter, r *http.Request) {}))
	}

	server := &http.Server{
		Addr:         *addr,
		Handler:      loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info().Msg("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	log.Info().Str("addr", *addr).Bool("watch", *watch).Msg("Starting mail server")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}

	log.Info().Msg("Server stopped")
}

func loadConfig() (*mailconfig.Config, error) {
	if *cfgPath != "" {
		return mailconfig.Load(*cfgPath)
	}
	return mailconfig.LoadOrDefault("."), nil
}

// app bundles the collaborators the handlers share.
type app struct {
	cfg      mailconfig.Config
	manager  *indexer.Manager
	accounts *accounts.Map
	bridge   *bridge.Executor
	hub      *hub

	// syncMu guards the stale-index auto-sync so a burst of searches
	// triggers at most one reconciliation pass.
	syncMu sync.Mutex
}

type searchRequest struct {
	Query   string   `json:"q"`
	Scope   string   `json:"scope"`
	Account string   `json:"account"`
	Mailbox string   `json:"mailbox"`
	Limit   int      `json:"limit"`
	Exclude []string `json:"exclude"`
}

type searchResult struct {
	ID           int64   `json:"id"`
	Subject      string  `json:"subject"`
	Sender       string  `json:"sender"`
	DateReceived string  `json:"date_received"`
	Score        float64 `json:"score"`
	MatchedIn    string  `json:"matched_in"`
	Snippet      string  `json:"content_snippet,omitempty"`
	Account      string  `json:"account,omitempty"`
	Mailbox      string  `json:"mailbox,omitempty"`
}

type searchResponse struct {
	Query   string         `json:"query"`
	Scope   string         `json:"scope"`
	Count   int            `json:"count"`
	Results []searchResult `json:"results"`
}

type attachmentResponse struct {
	Filename      string `json:"filename"`
	MimeType      string `json:"mime_type"`
	Size          int    `json:"size"`
	ContentBase64 string `json:"content_base64,omitempty"`
	Truncated     bool   `json:"truncated,omitempty"`
}

// searchGetHandler handles GET /search requests
func (a *app) searchGetHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := searchRequest{
		Query:   q.Get("q"),
		Scope:   q.Get("scope"),
		Account: q.Get("account"),
		Mailbox: q.Get("mailbox"),
		Limit:   parseIntDefault(q.Get("limit"), search.DefaultLimit),
		Exclude: a.cfg.Index.ExcludeMailboxes,
	}
	if vals, ok := q["exclude"]; ok {
		req.Exclude = splitExcludes(vals)
	}
	a.serveSearch(w, r, req)
}

// searchPostHandler handles POST /search requests (for larger queries)
func (a *app) searchPostHandler(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Exclude == nil {
		req.Exclude = a.cfg.Index.ExcludeMailboxes
	}
	a.serveSearch(w, r, req)
}

func (a *app) serveSearch(w http.ResponseWriter, r *http.Request, req searchRequest) {
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "missing query")
		return
	}
	if req.Scope == "" {
		req.Scope = "all"
	}
	if req.Limit <= 0 {
		req.Limit = search.DefaultLimit
	}
	if req.Limit > maxLimit {
		req.Limit = maxLimit
	}

	var (
		results []searchResult
		err     error
	)
	switch req.Scope {
	case "all", "body":
		results, err = a.searchIndex(r.Context(), req)
	case "subject", "sender":
		results, err = a.searchBridge(r.Context(), req)
	case "attachments":
		results, err = a.searchAttachments(r.Context(), req)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid scope %q", req.Scope))
		return
	}
	if err != nil {
		log.Error().Err(err).Str("scope", req.Scope).Str("query", req.Query).Msg("Search failed")
		if req.Scope == "subject" || req.Scope == "sender" {
			writeError(w, http.StatusBadGateway, "mail bridge unavailable")
		} else {
			writeError(w, http.StatusInternalServerError, "search failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, searchResponse{
		Query:   req.Query,
		Scope:   req.Scope,
		Count:   len(results),
		Results: results,
	})
}

// searchIndex serves the all/body scopes from the full-text index,
// reconciling first when the index has gone stale.
func (a *app) searchIndex(ctx context.Context, req searchRequest) ([]searchResult, error) {
	a.ensureFresh(ctx)

	if err := a.accounts.EnsureLoaded(ctx); err != nil {
		log.Debug().Err(err).Msg("account names unavailable, using raw identifiers")
	}

	opts := search.Options{
		Account:          a.accounts.Resolve(req.Account),
		Mailbox:          req.Mailbox,
		ExcludeMailboxes: req.Exclude,
		Limit:            req.Limit,
	}
	hits, err := a.manager.Search(req.Query, opts)
	if err != nil {
		return nil, err
	}

	results := make([]searchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, searchResult{
			ID:           h.ID,
			Subject:      h.Subject,
			Sender:       h.Sender,
			DateReceived: h.DateReceived,
			Score:        h.Score,
			MatchedIn:    matchedColumns(req.Query, h),
			Snippet:      h.Snippet,
			Account:      a.accounts.IDToName(h.Account),
			Mailbox:      h.Mailbox,
		})
	}
	return results, nil
}

// searchBridge serves the subject/sender scopes live from the mail
// client, since those metadata scans are cheap there and always fresh.
func (a *app) searchBridge(ctx context.Context, req searchRequest) ([]searchResult, error) {
	account := req.Account
	if account == "" {
		account = a.cfg.Mail.DefaultAccount
	}
	mailbox := req.Mailbox
	if mailbox == "" {
		mailbox = a.cfg.Mail.DefaultMailbox
	}

	hits, err := a.bridge.SearchMetadata(ctx, req.Scope, req.Query, account, mailbox, req.Limit)
	if err != nil {
		return nil, err
	}

	results := make([]searchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, searchResult{
			ID:           h.ID,
			Subject:      h.Subject,
			Sender:       h.Sender,
			DateReceived: h.DateReceived,
			Score:        1.0, // no ranking on a metadata scan
			MatchedIn:    req.Scope,
			Account:      account,
			Mailbox:      mailbox,
		})
	}
	return results, nil
}

// searchAttachments serves the attachments scope from the index by
// filename substring.
func (a *app) searchAttachments(ctx context.Context, req searchRequest) ([]searchResult, error) {
	if err := a.accounts.EnsureLoaded(ctx); err != nil {
		log.Debug().Err(err).Msg("account names unavailable, using raw identifiers")
	}

	f := storage.AttachmentFilter{
		Account:          a.accounts.Resolve(req.Account),
		Mailbox:          req.Mailbox,
		ExcludeMailboxes: req.Exclude,
		Limit:            req.Limit,
	}
	hits, err := a.manager.SearchAttachments(req.Query, f)
	if err != nil {
		return nil, err
	}

	results := make([]searchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, searchResult{
			ID:           h.MessageID,
			Subject:      h.Subject,
			Sender:       h.Sender,
			DateReceived: h.DateReceived,
			Score:        1.0,
			MatchedIn:    "attachment: " + h.Filename,
			Account:      a.accounts.IDToName(h.Account),
			Mailbox:      h.Mailbox,
		})
	}
	return results, nil
}

// ensureFresh reconciles a stale index before an index-backed search.
// The check-lock-recheck keeps a burst of concurrent searches from each
// running its own pass.
func (a *app) ensureFresh(ctx context.Context) {
	if !a.manager.IsStale() {
		return
	}
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	if !a.manager.IsStale() {
		return
	}
	log.Info().Msg("Index is stale, reconciling before search")
	if _, err := a.manager.Sync(ctx); err != nil {
		log.Warn().Err(err).Msg("Auto-sync failed, serving stale results")
	}
}

var termPattern = regexp.MustCompile("[a-zA-Z0-9]+")

// matchedColumns reports which displayed fields contain the query
// terms. Body is always listed for an index hit: the shadow index
// matched the full content even when the snippet shows none of it.
func matchedColumns(query string, h search.Result) string {
	terms := termPattern.FindAllString(strings.ToLower(query), -1)
	if len(terms) == 0 {
		return "body"
	}

	var matched []string
	subject := strings.ToLower(h.Subject)
	sender := strings.ToLower(h.Sender)
	for _, t := range terms {
		if strings.Contains(subject, t) {
			matched = append(matched, "subject")
			break
		}
	}
	for _, t := range terms {
		if strings.Contains(sender, t) {
			matched = append(matched, "sender")
			break
		}
	}
	matched = append(matched, "body")
	return strings.Join(matched, ", ")
}

// attachmentHandler handles GET /attachment requests. The index supplies
// only the container path; the bytes are read from the container itself
// (or its external attachment directory), so they are never stored twice.
func (a *app) attachmentHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := strconv.ParseInt(q.Get("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "missing or invalid message id")
		return
	}
	filename := q.Get("filename")
	if filename == "" {
		writeError(w, http.StatusBadRequest, "missing filename")
		return
	}

	account := q.Get("account")
	if account != "" {
		if err := a.accounts.EnsureLoaded(r.Context()); err != nil {
			log.Debug().Err(err).Msg("account names unavailable, using raw identifiers")
		}
		account = a.accounts.Resolve(account)
	}

	path, err := a.manager.MessagePath(id, account, q.Get("mailbox"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("message %d not found in index", id))
			return
		}
		log.Error().Err(err).Int64("id", id).Msg("Message lookup failed")
		writeError(w, http.StatusInternalServerError, "message lookup failed")
		return
	}

	data, mimeType, err := emlx.AttachmentContent(path, filename)
	if err != nil {
		if errors.Is(err, emlx.ErrAttachmentNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("attachment %q not found in message %d", filename, id))
			return
		}
		log.Error().Err(err).Str("path", path).Str("filename", filename).Msg("Attachment extraction failed")
		writeError(w, http.StatusInternalServerError, "attachment extraction failed")
		return
	}

	resp := attachmentResponse{
		Filename: filename,
		MimeType: mimeType,
		Size:     len(data),
	}
	if len(data) > maxAttachmentBytes {
		resp.Truncated = true
	} else {
		resp.ContentBase64 = base64.StdEncoding.EncodeToString(data)
	}
	writeJSON(w, http.StatusOK, resp)
}

// statsHandler handles GET /stats requests
func (a *app) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := a.manager.Stats()
	if err != nil {
		log.Error().Err(err).Msg("Stats failed")
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// syncHandler handles POST /sync requests
func (a *app) syncHandler(w http.ResponseWriter, r *http.Request) {
	res, err := a.manager.Sync(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Sync failed")
		writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		indexer.SyncResult
		TotalChanges int `json:"total_changes"`
	}{res, res.TotalChanges()})
}

// accountsHandler handles GET /accounts requests
func (a *app) accountsHandler(w http.ResponseWriter, r *http.Request) {
	accts, err := a.bridge.ListAccounts(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Listing accounts failed")
		writeError(w, http.StatusBadGateway, "mail bridge unavailable")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Accounts []accounts.Account `json:"accounts"`
		Count    int                `json:"count"`
	}{accts, len(accts)})
}

// healthHandler handles GET /health requests
func (a *app) healthHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := a.manager.Stats()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status   string `json:"status"`
		Emails   int    `json:"emails"`
		Watching bool   `json:"watching"`
	}{"ok", stats.EmailCount, stats.Watching})
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("query", r.URL.RawQuery).
			Int("status", wrapped.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// corsMiddleware adds CORS headers for development
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	return def
}

func splitExcludes(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}
