package emlx

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	blankLineRun = regexp.MustCompile(`\n\s*\n`)
	spaceRun     = regexp.MustCompile(` +`)
)

// StripHTML reduces markup to plain text using a real HTML parser rather
// than regexes, which malformed input like <<script> slips past. script and
// style subtrees are dropped along with their text, remaining text nodes are
// joined with newlines, and runs of blank lines and spaces are collapsed.
// Input the parser rejects comes back as empty text rather than raw markup.
func StripHTML(markup string) string {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return ""
	}

	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	text := strings.Join(parts, "\n")
	text = blankLineRun.ReplaceAllString(text, "\n\n")
	text = spaceRun.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
