package util

import (
	"fmt"
	"time"
)

// FormatSize renders a byte count for humans, switching to MB at one megabyte.
func FormatSize(bytes int64) string {
	kb := float64(bytes) / 1024
	if kb < 1024 {
		return fmt.Sprintf("%.1f KB", kb)
	}
	return fmt.Sprintf("%.1f MB", kb/1024)
}

// FormatAge renders an elapsed duration as "42s" under a minute and "3m12s" above.
func FormatAge(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	return fmt.Sprintf("%dm%ds", secs/60, secs%60)
}
