package emlx

import (
	"strings"
	"testing"
)

func TestStripHTML_DropsScriptSubtrees(t *testing.T) {
	got := StripHTML("<script>alert(1)</script><p>Hi</p>")
	if got != "Hi" {
		t.Errorf("StripHTML = %q, want %q", got, "Hi")
	}
}

func TestStripHTML_DropsStyleSubtrees(t *testing.T) {
	got := StripHTML("<style>p { color: red }</style><div>visible</div>")
	if got != "visible" {
		t.Errorf("StripHTML = %q, want %q", got, "visible")
	}
}

func TestStripHTML_MalformedScriptTagDoesNotLeak(t *testing.T) {
	got := StripHTML("<<script>script>alert(1)</script><p>safe</p>")
	if strings.Contains(got, "alert") {
		t.Errorf("script text leaked: %q", got)
	}
	if !strings.Contains(got, "safe") {
		t.Errorf("visible text lost: %q", got)
	}
}

func TestStripHTML_CollapsesWhitespace(t *testing.T) {
	got := StripHTML("<div>first    line</div>\n\n\n<div>second</div>")
	if strings.Contains(got, "  ") {
		t.Errorf("space run survived: %q", got)
	}
	if !strings.Contains(got, "first line") {
		t.Errorf("StripHTML = %q", got)
	}
	if !strings.Contains(got, "second") {
		t.Errorf("StripHTML = %q", got)
	}
}

func TestStripHTML_SeparatesTextNodes(t *testing.T) {
	got := StripHTML("<p>one</p><p>two</p>")
	if got != "one\ntwo" {
		t.Errorf("StripHTML = %q, want newline-separated text", got)
	}
}

func TestStripHTML_Empty(t *testing.T) {
	if got := StripHTML(""); got != "" {
		t.Errorf("StripHTML(\"\") = %q", got)
	}
}
