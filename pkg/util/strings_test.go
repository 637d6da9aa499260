package util

import (
	"testing"
	"time"
)

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("short string changed: %q", got)
	}
	if got := Truncate("hello world", 5); got != "hello..." {
		t.Errorf("Truncate = %q, want %q", got, "hello...")
	}
	if got := Truncate("héllo wörld", 5); got != "héllo..." {
		t.Errorf("rune truncation = %q, want %q", got, "héllo...")
	}
}

func TestCollapseWhitespace(t *testing.T) {
	if got := CollapseWhitespace("  a\t b\n\nc  "); got != "a b c" {
		t.Errorf("CollapseWhitespace = %q, want %q", got, "a b c")
	}
	if got := CollapseWhitespace("\n\t "); got != "" {
		t.Errorf("whitespace-only = %q, want empty", got)
	}
}

func TestFormatSize(t *testing.T) {
	if got := FormatSize(512); got != "0.5 KB" {
		t.Errorf("FormatSize(512) = %q", got)
	}
	if got := FormatSize(5 * 1024 * 1024); got != "5.0 MB" {
		t.Errorf("FormatSize(5MB) = %q", got)
	}
}

func TestFormatAge(t *testing.T) {
	if got := FormatAge(42 * time.Second); got != "42s" {
		t.Errorf("FormatAge(42s) = %q", got)
	}
	if got := FormatAge(3*time.Minute + 12*time.Second); got != "3m12s" {
		t.Errorf("FormatAge(3m12s) = %q", got)
	}
}
