// Package ctl implements the client-side commands for pourctl.
// It talks to a running pourlinkd over HTTP and WebSocket and renders the results to the terminal.
package ctl

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
)

// stdout is where commands render. color.Output handles Windows consoles;
// tests swap in a buffer.
var stdout io.Writer = color.Output

var (
	dim    = color.New(color.Faint).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	blue   = color.New(color.FgBlue).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	plain  = fmt.Sprint
)

// stateColor picks the color for a production or connection state.
func stateColor(state string) func(a ...any) string {
	switch state {
	case "IDLE", "CONNECTED", "FINISHED":
		return green
	case "ORDER_SUBMITTED", "CONNECTING":
		return yellow
	case "RUNNING":
		return blue
	case "MANUAL_ACTION_REQUIRED":
		return cyan
	case "CANCELLED", "DISCONNECTED":
		return red
	default:
		return plain
	}
}

// header returns a bold section header followed by a rule.
func header(title string) string {
	return bold("  "+title) + "\n" + dim("  "+strings.Repeat("─", 38))
}

func outln(a ...any) {
	fmt.Fprintln(stdout, a...)
}

func outf(format string, a ...any) {
	fmt.Fprintf(stdout, format, a...)
}

// row prints one aligned label/value line.
func row(label string, value any) {
	outf("  %-22s %v\n", dim(label), value)
}

// padRight pads s with spaces to reach the given width.
func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// formatDuration renders a duration as a compact string like "2h 14m 8s".
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// progressBar builds a simple ASCII bar of the given width.
func progressBar(pct, width int) string {
	if pct < 0 {
		pct = 0
	}
	filled := (pct * width) / 100
	if filled > width {
		filled = width
	}
	return green(strings.Repeat("=", filled)) + strings.Repeat(" ", width-filled)
}
