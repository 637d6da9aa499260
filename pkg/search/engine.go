package search

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/maildex/maildex/pkg/util"
)

// DefaultLimit is the result cap applied when Options.Limit is zero.
const DefaultLimit = 20

// snippetLength caps plain content previews.
const snippetLength = 150

// ftsOperators are boolean keywords the sanitizer must leave untouched so
// multi-term query semantics survive.
var ftsOperators = map[string]bool{"AND": true, "OR": true, "NOT": true}

// Engine runs ranked full-text queries over the message index. It shares
// the storage layer's database handle rather than opening its own.
type Engine struct {
	db *sql.DB
}

// NewEngine creates an Engine over an open database.
func NewEngine(db *sql.DB) *Engine {
	return &Engine{db: db}
}

// Options narrows a search to an account or mailbox. ExcludeMailboxes is
// only applied when no explicit mailbox is requested.
type Options struct {
	Account          string
	Mailbox          string
	ExcludeMailboxes []string
	Limit            int
}

// Result is one ranked match. Higher scores are better.
type Result struct {
	ID              int64   `json:"id"`
	Account         string  `json:"account"`
	Mailbox         string  `json:"mailbox"`
	Subject         string  `json:"subject"`
	Sender          string  `json:"sender"`
	Snippet         string  `json:"snippet"`
	DateReceived    string  `json:"date_received"`
	Score           float64 `json:"score"`
	EmlxPath        string  `json:"emlx_path,omitempty"`
	AttachmentCount int     `json:"attachment_count"`
}

const searchSQL = `
	SELECT
		e.message_id, e.account, e.mailbox, e.subject, e.sender,
		e.content, e.date_received, e.emlx_path, e.attachment_count,
		-bm25(emails_fts, 1.0, 0.5, 2.0) AS score
	FROM emails_fts
	JOIN emails e ON emails_fts.rowid = e.rowid
	WHERE emails_fts MATCH ?`

const highlightSQL = `
	SELECT
		e.message_id, e.account, e.mailbox,
		highlight(emails_fts, 0, '**', '**'),
		e.sender,
		snippet(emails_fts, 2, '**', '**', '...', 32),
		e.date_received, e.emlx_path, e.attachment_count,
		-bm25(emails_fts, 1.0, 0.5, 2.0) AS score
	FROM emails_fts
	JOIN emails e ON emails_fts.rowid = e.rowid
	WHERE emails_fts MATCH ?`

const countSQL = `
	SELECT COUNT(*)
	FROM emails_fts
	JOIN emails e ON emails_fts.rowid = e.rowid
	WHERE emails_fts MATCH ?`

// Search returns ranked matches over subject, sender and body. An empty or
// whitespace query returns no results without touching the database. When
// the sanitized query still trips the FTS5 parser, the search retries
// exactly once with every term quoted individually.
func (e *Engine) Search(query string, opts Options) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	safe := sanitizeQuery(query)
	if safe == "" {
		return nil, nil
	}
	results, err := e.run(searchSQL, safe, opts, true)
	if err != nil && isSyntaxError(err) {
		results, err = e.run(searchSQL, quoteAllTerms(query), opts, true)
	}
	if err != nil {
		return nil, fmt.Errorf("full-text search: %w", err)
	}
	return results, nil
}

// SearchHighlighted is Search with match markers: matched terms in the
// subject and content snippet are wrapped in **. Query forms the snippet
// functions reject fall back to the plain variant.
func (e *Engine) SearchHighlighted(query string, opts Options) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	safe := sanitizeQuery(query)
	if safe == "" {
		return nil, nil
	}
	results, err := e.run(highlightSQL, safe, opts, false)
	if err != nil {
		return e.Search(query, opts)
	}
	return results, nil
}

// Count reports how many messages match the query under the same filters
// Search applies. Queries the FTS5 parser rejects count as zero matches.
func (e *Engine) Count(query string, opts Options) (int, error) {
	if strings.TrimSpace(query) == "" {
		return 0, nil
	}
	safe := sanitizeQuery(query)
	if safe == "" {
		return 0, nil
	}
	sqlText := countSQL
	args := []any{safe}
	where, filterArgs := scopeFilter(opts)
	sqlText += where
	args = append(args, filterArgs...)

	var n int
	if err := e.db.QueryRow(sqlText, args...).Scan(&n); err != nil {
		if isSyntaxError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("counting matches: %w", err)
	}
	return n, nil
}

// run executes one MATCH query. collapse selects between deriving a plain
// snippet from the stored content and passing the engine-built snippet
// column through as-is. Query errors are returned unwrapped so callers can
// inspect them for FTS5 syntax failures.
func (e *Engine) run(sqlText, match string, opts Options, collapse bool) ([]Result, error) {
	args := []any{match}
	where, filterArgs := scopeFilter(opts)
	sqlText += where
	args = append(args, filterArgs...)

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	sqlText += " ORDER BY score DESC LIMIT ?"
	args = append(args, limit)

	rows, err := e.db.Query(sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var subject, sender, snip, date, path sql.NullString
		if err := rows.Scan(&r.ID, &r.Account, &r.Mailbox, &subject, &sender,
			&snip, &date, &path, &r.AttachmentCount, &r.Score); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		r.Subject = subject.String
		r.Sender = sender.String
		r.DateReceived = date.String
		r.EmlxPath = path.String
		if collapse {
			r.Snippet = extractSnippet(snip.String, snippetLength)
		} else {
			r.Snippet = snip.String
		}
		r.Score = math.Round(r.Score*1000) / 1000
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating search results: %w", err)
	}
	return out, nil
}

// scopeFilter renders Options as SQL tail fragments against the joined
// emails table.
func scopeFilter(opts Options) (string, []any) {
	var sb strings.Builder
	var args []any
	if opts.Account != "" {
		sb.WriteString(" AND e.account = ?")
		args = append(args, opts.Account)
	}
	if opts.Mailbox != "" {
		sb.WriteString(" AND e.mailbox = ?")
		args = append(args, opts.Mailbox)
	}
	if opts.Mailbox == "" && len(opts.ExcludeMailboxes) > 0 {
		sb.WriteString(" AND e.mailbox NOT IN (")
		sb.WriteString(strings.Repeat("?, ", len(opts.ExcludeMailboxes)-1))
		sb.WriteString("?)")
		for _, m := range opts.ExcludeMailboxes {
			args = append(args, m)
		}
	}
	return sb.String(), args
}

func isSyntaxError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "fts5: syntax error")
}

// sanitizeQuery neutralizes FTS5 grammar characters in user input while
// keeping meaningful search syntax: balanced quoted phrases, boolean
// keywords and trailing prefix stars all pass through.
func sanitizeQuery(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return ""
	}
	tokens := tokenizeQuery(query)
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if s := sanitizeToken(tok); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, " ")
}

// tokenizeQuery splits on whitespace while keeping quoted spans together,
// so a balanced phrase travels as a single token. An unbalanced quote
// swallows the rest of the input into one token, which sanitizeToken then
// neutralizes as a literal.
func tokenizeQuery(query string) []string {
	var tokens []string
	var cur strings.Builder
	inQuote := false
	for _, r := range query {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case unicode.IsSpace(r) && !inQuote:
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// sanitizeToken rewrites one token for safe FTS5 use. Tokens carrying
// grammar characters (parentheses, colons, carets, stray quotes, a leading
// hyphen) become literal phrases with internal quotes doubled; a trailing
// prefix star is re-appended outside the quoting.
func sanitizeToken(tok string) string {
	if ftsOperators[tok] {
		return tok
	}
	if isBalancedPhrase(tok) {
		return tok
	}
	star := strings.HasSuffix(tok, "*")
	if star {
		tok = strings.TrimSuffix(tok, "*")
	}
	if tok == "" {
		return ""
	}
	if strings.ContainsAny(tok, `"():^`) || strings.HasPrefix(tok, "-") {
		tok = `"` + strings.ReplaceAll(tok, `"`, `""`) + `"`
	}
	if star {
		tok += "*"
	}
	return tok
}

// isBalancedPhrase reports whether tok is a fully quoted phrase, optionally
// carrying a prefix star, with any interior quotes doubled.
func isBalancedPhrase(tok string) bool {
	body := strings.TrimSuffix(tok, "*")
	if len(body) < 2 || !strings.HasPrefix(body, `"`) || !strings.HasSuffix(body, `"`) {
		return false
	}
	inner := body[1 : len(body)-1]
	return strings.Count(inner, `"`)%2 == 0
}

// quoteAllTerms is the aggressive one-shot fallback for queries the
// sanitizer could not make parseable: every term becomes its own literal
// phrase. Boolean keywords stay bare so `a OR b` keeps meaning a-or-b
// instead of collapsing into one phrase.
func quoteAllTerms(query string) string {
	fields := strings.Fields(query)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if ftsOperators[f] {
			out = append(out, f)
			continue
		}
		out = append(out, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(out, " ")
}

// extractSnippet flattens content into a one-line preview cut at a word
// boundary near max characters.
func extractSnippet(content string, max int) string {
	if content == "" {
		return ""
	}
	text := util.CollapseWhitespace(content)
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	cut := string(runes[:max])
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}
