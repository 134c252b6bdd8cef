package session

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// ANSI color codes, carried over from the teacher's progress_renderer.go.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
)

// ProgressRenderer prints a live progress bar for one TransferProgress
// through an output function (the interactive shell passes fmt.Print).
type ProgressRenderer struct {
	tracker     *TransferProgress
	out         func(string)
	stopChan    chan struct{}
	refreshRate time.Duration
	useColors   bool
	width       int
}

// NewProgressRenderer creates a renderer for tracker, writing lines through
// out (typically fmt.Print).
func NewProgressRenderer(tracker *TransferProgress, out func(string), useColors bool) *ProgressRenderer {
	return &ProgressRenderer{
		tracker:     tracker,
		out:         out,
		stopChan:    make(chan struct{}),
		refreshRate: 200 * time.Millisecond,
		useColors:   useColors,
		width:       40,
	}
}

// Start runs the render loop until Stop is called. Intended to run in its
// own goroutine for the duration of one transfer.
func (pr *ProgressRenderer) Start() {
	pr.Render()
	ticker := time.NewTicker(pr.refreshRate)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pr.Render()
		case <-pr.stopChan:
			return
		}
	}
}

// Stop ends the render loop and prints the final state.
func (pr *ProgressRenderer) Stop() {
	close(pr.stopChan)
	written, total, _, _, failed := pr.tracker.Snapshot()
	if failed || written < total {
		pr.RenderFinal(true)
	} else {
		pr.RenderFinal(false)
	}
}

// Render prints one progress line in place.
func (pr *ProgressRenderer) Render() {
	written, total, speed, eta, _ := pr.tracker.Snapshot()
	percent := 0.0
	if total > 0 {
		percent = float64(written) / float64(total) * 100
	}

	filled := int(float64(pr.width) * percent / 100)
	if filled > pr.width {
		filled = pr.width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", pr.width-filled)

	var line string
	if pr.useColors {
		line = fmt.Sprintf("\r%s[%s]%s [%s]%s %.1f%% | %s/s | ETA: %s",
			colorCyan, pr.tracker.PathName, colorReset,
			colorGreen+bar+colorReset,
			colorYellow, percent,
			colorBlue+formatBytes(speed)+colorReset, formatETA(eta))
	} else {
		line = fmt.Sprintf("\r[%s] [%s] %.1f%% | %s/s | ETA: %s",
			pr.tracker.PathName, bar, percent, formatBytes(speed), formatETA(eta))
	}
	pr.out(line)
}

// RenderFinal prints the completed or failed terminal line.
func (pr *ProgressRenderer) RenderFinal(failed bool) {
	pr.out("\r\033[K")
	elapsed := pr.tracker.Elapsed()

	if failed {
		if pr.useColors {
			pr.out(fmt.Sprintf("%s[%s]%s [%s✗%s] transfer failed after %s\n",
				colorCyan, pr.tracker.PathName, colorReset, colorRed, colorReset, formatDuration(elapsed)))
		} else {
			pr.out(fmt.Sprintf("[%s] [x] transfer failed after %s\n", pr.tracker.PathName, formatDuration(elapsed)))
		}
		return
	}

	if pr.useColors {
		pr.out(fmt.Sprintf("%s[%s]%s [%s] 100%%%s | completed in %s\n",
			colorCyan, pr.tracker.PathName, colorReset,
			colorGreen+strings.Repeat("█", pr.width)+colorReset, colorReset, formatDuration(elapsed)))
	} else {
		pr.out(fmt.Sprintf("[%s] [%s] 100%% | completed in %s\n",
			pr.tracker.PathName, strings.Repeat("█", pr.width), formatDuration(elapsed)))
	}
}

// SupportsColor reports whether the terminal ProgressRenderer is writing to
// should receive ANSI color codes, adapted from the teacher's
// IsTerminalSupported: the teacher always returned true, but the shell runs
// against whatever's on stdout, so this at least honors NO_COLOR.
func SupportsColor() bool {
	return os.Getenv("NO_COLOR") == ""
}

func formatBytes(bytesPerSec float64) string {
	const unit = 1024
	if bytesPerSec < unit {
		return fmt.Sprintf("%.1f B", bytesPerSec)
	}
	div, exp := float64(unit), 0
	for n := bytesPerSec / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", bytesPerSec/div, "KMGTPE"[exp])
}

func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "∞"
	}
	return formatDuration(eta)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	if d < time.Hour {
		mins := d / time.Minute
		secs := (d % time.Minute) / time.Second
		return fmt.Sprintf("%dm%ds", mins, secs)
	}
	hours := d / time.Hour
	mins := (d % time.Hour) / time.Minute
	return fmt.Sprintf("%dh%dm", hours, mins)
}
