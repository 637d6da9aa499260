package bridge

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/maildex/maildex/pkg/accounts"
)

// DefaultTimeout bounds one osascript invocation. Metadata scans walk
// whole mailboxes inside the mail client, so they get generous headroom.
const DefaultTimeout = 120 * time.Second

// previewLimit caps how much raw script output an error message quotes.
const previewLimit = 500

// ExecError reports a failed script run with the captured stderr.
type ExecError struct {
	Msg    string
	Stderr string
}

func (e *ExecError) Error() string { return e.Msg }

// Executor runs JavaScript-for-Automation snippets against the mail
// client through osascript. The zero value uses DefaultTimeout.
type Executor struct {
	Timeout time.Duration
}

// Run executes a script and returns its trimmed stdout.
func (e *Executor) Run(ctx context.Context, script string) ([]byte, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "osascript", "-l", "JavaScript", "-e", script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &ExecError{
				Msg:    fmt.Sprintf("mail script timed out after %s", timeout),
				Stderr: stderr.String(),
			}
		}
		return nil, &ExecError{
			Msg:    fmt.Sprintf("mail script failed: %s", strings.TrimSpace(stderr.String())),
			Stderr: stderr.String(),
		}
	}
	return bytes.TrimSpace(stdout.Bytes()), nil
}

// RunJSON executes a script whose final expression must stringify to
// JSON and returns the parsed result.
func (e *Executor) RunJSON(ctx context.Context, script string) (gjson.Result, error) {
	out, err := e.Run(ctx, script)
	if err != nil {
		return gjson.Result{}, err
	}
	return decodeJSON(out)
}

func decodeJSON(out []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(out) {
		return gjson.Result{}, &ExecError{
			Msg:    fmt.Sprintf("mail script returned invalid JSON: %s", preview(out)),
			Stderr: string(out),
		}
	}
	return gjson.ParseBytes(out), nil
}

func preview(out []byte) string {
	if len(out) > previewLimit {
		return string(out[:previewLimit]) + "..."
	}
	return string(out)
}

// ListAccounts fetches the configured accounts. The signature matches
// accounts.FetchFunc so it can back an accounts.Map directly.
func (e *Executor) ListAccounts(ctx context.Context) ([]accounts.Account, error) {
	res, err := e.RunJSON(ctx, ListAccountsScript())
	if err != nil {
		return nil, err
	}
	return parseAccounts(res), nil
}

// ListMailboxes fetches mailbox names, scoped to one account when set.
func (e *Executor) ListMailboxes(ctx context.Context, account string) ([]string, error) {
	res, err := e.RunJSON(ctx, ListMailboxesScript(account))
	if err != nil {
		return nil, err
	}
	var names []string
	res.ForEach(func(_, v gjson.Result) bool {
		names = append(names, v.String())
		return true
	})
	return names, nil
}

// MetadataHit is one row from a live subject/sender scan.
type MetadataHit struct {
	ID           int64  `json:"id"`
	Subject      string `json:"subject"`
	Sender       string `json:"sender"`
	DateReceived string `json:"date_received"`
}

// SearchMetadata scans one mailbox inside the mail client for messages
// whose subject or sender contains term.
func (e *Executor) SearchMetadata(ctx context.Context, field, term, account, mailbox string, limit int) ([]MetadataHit, error) {
	script, err := SearchScript(field, term, account, mailbox, limit)
	if err != nil {
		return nil, err
	}
	res, err := e.RunJSON(ctx, script)
	if err != nil {
		return nil, err
	}
	return parseMetadataHits(res), nil
}

func parseAccounts(res gjson.Result) []accounts.Account {
	var accts []accounts.Account
	res.ForEach(func(_, row gjson.Result) bool {
		accts = append(accts, accounts.Account{
			Name: row.Get("name").String(),
			ID:   row.Get("id").String(),
		})
		return true
	})
	return accts
}

func parseMetadataHits(res gjson.Result) []MetadataHit {
	var hits []MetadataHit
	res.ForEach(func(_, row gjson.Result) bool {
		hits = append(hits, MetadataHit{
			ID:           row.Get("id").Int(),
			Subject:      row.Get("subject").String(),
			Sender:       row.Get("sender").String(),
			DateReceived: row.Get("date_received").String(),
		})
		return true
	})
	return hits
}
