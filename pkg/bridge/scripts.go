package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// searchFields are the metadata columns a live scan can match against.
// Body search belongs to the local index; the mail client only exposes
// message source, which is far too slow to scan per query.
var searchFields = map[string]bool{"subject": true, "sender": true}

// ListAccountsScript returns a script reporting every configured
// account as {"name","id"} rows. The ids match the account directory
// names in the on-disk store.
func ListAccountsScript() string {
	return `const Mail = Application("Mail");
const rows = [];
for (const acct of Mail.accounts()) {
	rows.push({ name: acct.name(), id: acct.id() });
}
JSON.stringify(rows);`
}

// ListMailboxesScript returns a script listing mailbox names, scoped to
// one account when account is non-empty.
func ListMailboxesScript(account string) string {
	return fmt.Sprintf(`const Mail = Application("Mail");
const target = %s;
let boxes = Mail.mailboxes();
if (target !== null) {
	for (const acct of Mail.accounts()) {
		if (acct.name() === target) {
			boxes = acct.mailboxes();
			break;
		}
	}
}
JSON.stringify(boxes.map((b) => b.name()));`, jsOptional(account))
}

// SearchScript returns a script that batch-fetches one mailbox's
// metadata and filters it by a case-insensitive substring match on
// field ("subject" or "sender"). Results come back date-descending,
// capped at limit. An empty account means the first configured one.
func SearchScript(field, term, account, mailbox string, limit int) (string, error) {
	if !searchFields[field] {
		return "", fmt.Errorf("unsupported search field %q", field)
	}
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if limit <= 0 {
		limit = 20
	}
	return fmt.Sprintf(`const Mail = Application("Mail");
const accountName = %s;
const mailboxName = %s;
const field = %s;
const term = %s;
const limit = %d;

let acct = Mail.accounts()[0];
if (accountName !== null) {
	for (const a of Mail.accounts()) {
		if (a.name() === accountName) {
			acct = a;
			break;
		}
	}
}
const msgs = acct.mailboxes.byName(mailboxName).messages;

// One Apple Event per property instead of one per message.
const ids = msgs.id();
const subjects = msgs.subject();
const senders = msgs.sender();
const dates = msgs.dateReceived();

const results = [];
for (let i = 0; i < ids.length && results.length < limit; i++) {
	const hay = (field === "subject" ? subjects[i] : senders[i]) || "";
	if (!hay.toLowerCase().includes(term)) continue;
	results.push({
		id: ids[i],
		subject: subjects[i] || "",
		sender: senders[i] || "",
		date_received: dates[i] ? dates[i].toISOString() : "",
	});
}
results.sort((a, b) => (a.date_received < b.date_received ? 1 : a.date_received > b.date_received ? -1 : 0));
JSON.stringify(results);`,
		jsOptional(account), jsValue(mailbox), jsValue(field), jsValue(strings.ToLower(term)), limit), nil
}

// jsValue encodes v as a JSON literal for embedding in script source,
// which keeps user-supplied strings from breaking out of the script.
func jsValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// jsOptional renders "" as null so scripts treat the argument as absent.
func jsOptional(s string) string {
	if s == "" {
		return "null"
	}
	return jsValue(s)
}
