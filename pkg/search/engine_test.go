package search

import (
	"strings"
	"testing"

	"github.com/maildex/maildex/pkg/storage"
)

func newTestIndex(t *testing.T, msgs []*storage.Message) *Engine {
	t.Helper()
	st, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if len(msgs) > 0 {
		n, err := st.InsertBatch(msgs)
		if err != nil {
			t.Fatalf("InsertBatch: %v", err)
		}
		if n != len(msgs) {
			t.Fatalf("inserted %d of %d messages", n, len(msgs))
		}
	}
	return NewEngine(st.DB())
}

func testMessage(account, mailbox string, id int64, subject, content string) *storage.Message {
	return &storage.Message{
		Key:          storage.Key{Account: account, Mailbox: mailbox, MessageID: id},
		Subject:      subject,
		Sender:       "sender@example.com",
		Content:      content,
		DateReceived: "2024-01-15T10:30:00Z",
		EmlxPath:     "/mail/test.emlx",
	}
}

func TestSanitizeQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello world", "hello world"},
		{`"exact phrase"`, `"exact phrase"`},
		{"meet*", "meet*"},
		{`"a phrase"*`, `"a phrase"*`},
		{"foo OR bar", "foo OR bar"},
		{"foo AND bar NOT baz", "foo AND bar NOT baz"},
		{"foo(bar)", `"foo(bar)"`},
		{"-leading", `"-leading"`},
		{"subject:urgent", `"subject:urgent"`},
		{"ca^ret", `"ca^ret"`},
		{`pre"fix`, `"pre""fix"`},
		{`"unbalanced phrase`, `"""unbalanced phrase"`},
		{"  spaced   out  ", "spaced out"},
		{"*", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sanitizeQuery(tt.in); got != tt.want {
			t.Errorf("sanitizeQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSearch_EmptyQueryReturnsNothing(t *testing.T) {
	eng := newTestIndex(t, []*storage.Message{
		testMessage("Work", "INBOX", 1, "Hello", "body"),
	})
	for _, q := range []string{"", "   ", "\t\n"} {
		results, err := eng.Search(q, Options{})
		if err != nil {
			t.Fatalf("Search(%q): %v", q, err)
		}
		if results != nil {
			t.Errorf("Search(%q) = %v, want nil", q, results)
		}
	}
}

func TestSearch_FindsMatchesWithScores(t *testing.T) {
	eng := newTestIndex(t, []*storage.Message{
		testMessage("Work", "INBOX", 1, "Invoice #12345 attached",
			"Please find the invoice attached. The invoice total is due next week."),
		testMessage("Work", "INBOX", 2, "Lunch plans", "Want to grab lunch tomorrow?"),
	})

	results, err := eng.Search("invoice", Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.ID != 1 || r.Account != "Work" || r.Mailbox != "INBOX" {
		t.Errorf("identity = %d %s/%s", r.ID, r.Account, r.Mailbox)
	}
	if r.Score <= 0 {
		t.Errorf("Score = %v, want positive", r.Score)
	}
	if !strings.Contains(strings.ToLower(r.Snippet), "invoice") {
		t.Errorf("Snippet = %q, want readable matching context", r.Snippet)
	}
	if r.EmlxPath == "" {
		t.Errorf("EmlxPath missing from result")
	}
}

func TestSearch_ScopeFilters(t *testing.T) {
	eng := newTestIndex(t, []*storage.Message{
		testMessage("Work", "INBOX", 1, "Report", "quarterly report enclosed"),
		testMessage("Work", "Archive", 2, "Report", "quarterly report enclosed"),
		testMessage("Home", "INBOX", 3, "Report", "quarterly report enclosed"),
		testMessage("Work", "Drafts", 4, "Report", "quarterly report enclosed"),
	})

	tests := []struct {
		name string
		opts Options
		want int
	}{
		{"unfiltered", Options{}, 4},
		{"account", Options{Account: "Work"}, 3},
		{"account and mailbox", Options{Account: "Work", Mailbox: "INBOX"}, 1},
		{"exclusions", Options{ExcludeMailboxes: []string{"Drafts"}}, 3},
		{"account with exclusions", Options{Account: "Work", ExcludeMailboxes: []string{"Drafts"}}, 2},
		{"explicit mailbox wins over exclusions", Options{Mailbox: "Drafts", ExcludeMailboxes: []string{"Drafts"}}, 1},
	}
	for _, tt := range tests {
		results, err := eng.Search("quarterly", tt.opts)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if len(results) != tt.want {
			t.Errorf("%s: got %d results, want %d", tt.name, len(results), tt.want)
		}
	}
}

func TestSearch_PhraseAndPrefix(t *testing.T) {
	eng := newTestIndex(t, []*storage.Message{
		testMessage("Work", "INBOX", 1, "Wildlife", "the quick brown fox jumps"),
	})

	hits, err := eng.Search(`"quick brown"`, Options{})
	if err != nil {
		t.Fatalf("phrase: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("phrase: got %d results, want 1", len(hits))
	}

	misses, err := eng.Search(`"brown quick"`, Options{})
	if err != nil {
		t.Fatalf("reversed phrase: %v", err)
	}
	if len(misses) != 0 {
		t.Errorf("reversed phrase: got %d results, want 0", len(misses))
	}

	prefix, err := eng.Search("qui*", Options{})
	if err != nil {
		t.Fatalf("prefix: %v", err)
	}
	if len(prefix) != 1 {
		t.Errorf("prefix: got %d results, want 1", len(prefix))
	}
}

func TestSearch_BooleanOperators(t *testing.T) {
	eng := newTestIndex(t, []*storage.Message{
		testMessage("Work", "INBOX", 1, "One", "a fox in the field"),
		testMessage("Work", "INBOX", 2, "Two", "a cat on the roof"),
		testMessage("Work", "INBOX", 3, "Three", "a fox and a cat together"),
	})

	or, err := eng.Search("fox OR cat", Options{})
	if err != nil {
		t.Fatalf("OR: %v", err)
	}
	if len(or) != 3 {
		t.Errorf("OR: got %d results, want 3", len(or))
	}

	not, err := eng.Search("fox NOT cat", Options{})
	if err != nil {
		t.Fatalf("NOT: %v", err)
	}
	if len(not) != 1 {
		t.Fatalf("NOT: got %d results, want 1", len(not))
	}
	if not[0].ID != 1 {
		t.Errorf("NOT: matched ID %d, want 1", not[0].ID)
	}
}

func TestSearch_FallbackRepairsSyntax(t *testing.T) {
	eng := newTestIndex(t, []*storage.Message{
		testMessage("Work", "INBOX", 1, "Advisory", "covid-19 advisory issued today"),
	})

	// An interior hyphen passes the sanitizer but trips the FTS5 parser;
	// the one-shot fallback re-runs it as a quoted term.
	results, err := eng.Search("covid-19", Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 via fallback", len(results))
	}
}

func TestSearch_UnrepairableQueryErrors(t *testing.T) {
	eng := newTestIndex(t, []*storage.Message{
		testMessage("Work", "INBOX", 1, "Hello", "body"),
	})

	// A bare operator survives both sanitize and fallback untouched, so
	// the syntax error must surface to the caller.
	if _, err := eng.Search("AND", Options{}); err == nil {
		t.Fatal("expected error for an unrepairable query")
	}
}

func TestSearchHighlighted_MarksMatches(t *testing.T) {
	eng := newTestIndex(t, []*storage.Message{
		testMessage("Work", "INBOX", 1, "Invoice attached",
			"The invoice covers March. Payment is due on receipt of this invoice."),
	})

	results, err := eng.SearchHighlighted("invoice", Options{})
	if err != nil {
		t.Fatalf("SearchHighlighted: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if !strings.Contains(results[0].Subject, "**Invoice**") {
		t.Errorf("Subject = %q, want highlighted term", results[0].Subject)
	}
	if !strings.Contains(results[0].Snippet, "**invoice**") {
		t.Errorf("Snippet = %q, want highlighted term", results[0].Snippet)
	}
}

func TestCount(t *testing.T) {
	eng := newTestIndex(t, []*storage.Message{
		testMessage("Work", "INBOX", 1, "Report", "quarterly numbers"),
		testMessage("Work", "Archive", 2, "Report", "quarterly numbers"),
		testMessage("Home", "INBOX", 3, "Other", "nothing relevant"),
	})

	n, err := eng.Count("quarterly", Options{})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}

	n, err = eng.Count("quarterly", Options{Account: "Work", Mailbox: "INBOX"})
	if err != nil {
		t.Fatalf("Count filtered: %v", err)
	}
	if n != 1 {
		t.Errorf("filtered Count = %d, want 1", n)
	}

	n, err = eng.Count("", Options{})
	if err != nil || n != 0 {
		t.Errorf("empty query Count = %d, %v", n, err)
	}
}

func TestExtractSnippet(t *testing.T) {
	if got := extractSnippet("hello world", snippetLength); got != "hello world" {
		t.Errorf("short content = %q", got)
	}

	long := strings.Repeat("word ", 40)
	got := extractSnippet(long, snippetLength)
	if !strings.HasSuffix(got, "...") {
		t.Errorf("long content = %q, want ellipsis", got)
	}
	if len(got) > snippetLength+3 {
		t.Errorf("snippet too long: %d chars", len(got))
	}
	if strings.Contains(got, "  ") {
		t.Errorf("snippet has uncollapsed whitespace: %q", got)
	}

	messy := "line one\n\n\tline   two"
	if got := extractSnippet(messy, snippetLength); got != "line one line two" {
		t.Errorf("whitespace collapse = %q", got)
	}

	unbroken := strings.Repeat("a", snippetLength+1)
	got = extractSnippet(unbroken, snippetLength)
	if got != strings.Repeat("a", snippetLength)+"..." {
		t.Errorf("unbroken content = %q", got)
	}

	if got := extractSnippet("", snippetLength); got != "" {
		t.Errorf("empty content = %q", got)
	}
}
