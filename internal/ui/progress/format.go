package progress

import (
	"fmt"
	"time"
)

// FormatBytes formats a byte count with a binary unit.
func FormatBytes(c int64) string {
	b := float64(c)
	switch {
	case c >= 1<<40:
		return fmt.Sprintf("%.3f TiB", b/(1<<40))
	case c >= 1<<30:
		return fmt.Sprintf("%.3f GiB", b/(1<<30))
	case c >= 1<<20:
		return fmt.Sprintf("%.3f MiB", b/(1<<20))
	case c >= 1<<10:
		return fmt.Sprintf("%.3f KiB", b/(1<<10))
	default:
		return fmt.Sprintf("%d B", c)
	}
}

// FormatPercent formats numerator/denominator as a percentage, capped at
// 100%.
func FormatPercent(numerator, denominator int64) string {
	if denominator <= 0 {
		return ""
	}

	percent := 100.0 * float64(numerator) / float64(denominator)
	if percent > 100 {
		percent = 100
	}
	return fmt.Sprintf("%3.2f%%", percent)
}

// FormatDuration formats d as MM:SS, or HH:MM:SS if d is at least an hour.
func FormatDuration(d time.Duration) string {
	sec := int64(d / time.Second)
	hours := sec / 3600
	sec -= hours * 3600
	mins := sec / 60
	sec -= mins * 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, mins, sec)
	}
	return fmt.Sprintf("%d:%02d", mins, sec)
}

// FormatTransfer returns a status line for a running download.
func FormatTransfer(description string, written, total int64, d time.Duration) string {
	line := fmt.Sprintf("[%s] %s", FormatDuration(d), description)
	if total > 0 {
		line += fmt.Sprintf(" %s  %s / %s", FormatPercent(written, total), FormatBytes(written), FormatBytes(total))
	} else {
		line += " " + FormatBytes(written)
	}
	if secs := d.Seconds(); secs > 0 && written > 0 {
		line += fmt.Sprintf("  %s/s", FormatBytes(int64(float64(written)/secs)))
	}
	return line
}
