package tui

// StatusBar provides a persistent footer for a live call.
//
// Features:
// - Shows billed minute, cap, call time, charge and remaining quota
// - Automatic refresh on a fixed interval
// - Color-coded warnings when the balance covers few minutes

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/callmeter/callmeter/internal/billing"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

const (
	// AutoRefreshInterval keeps the footer updated while the call runs
	AutoRefreshInterval = time.Second

	// LowBalanceMinutes colors the balance yellow when it covers fewer minutes
	LowBalanceMinutes = 3

	// CriticalBalanceMinutes colors the balance red when it covers fewer minutes
	CriticalBalanceMinutes = 1
)

// ANSI escape sequences.
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
	ColorRed    = "\033[0;31m"
	ColorGreen  = "\033[0;32m"
	ColorYellow = "\033[1;33m"
	ColorCyan   = "\033[0;36m"
)

// SnapshotSource provides the billing state to display.
// Implemented by session.Manager.
type SnapshotSource interface {
	Billing() billing.Snapshot
}

// =============================================================================
// STATUS BAR
// =============================================================================

// StatusBar renders a one-line billing footer to a terminal.
type StatusBar struct {
	out    io.Writer
	fd     int
	source SnapshotSource

	mu            sync.Mutex
	autoRefreshOn bool
	autoStop      chan struct{}
	autoDone      chan struct{}
}

// NewStatusBar creates a status bar writing to stdout.
func NewStatusBar(source SnapshotSource) *StatusBar {
	return &StatusBar{out: os.Stdout, fd: int(os.Stdout.Fd()), source: source}
}

// Enabled reports whether the output is a terminal.
func (sb *StatusBar) Enabled() bool {
	return term.IsTerminal(sb.fd)
}

// StartAutoRefresh starts redrawing the footer every interval.
// Safe to call multiple times; subsequent calls are ignored.
func (sb *StatusBar) StartAutoRefresh(interval time.Duration) {
	if interval <= 0 || !sb.Enabled() {
		return
	}

	sb.mu.Lock()
	if sb.autoRefreshOn {
		sb.mu.Unlock()
		return
	}
	sb.autoRefreshOn = true
	sb.autoStop = make(chan struct{})
	sb.autoDone = make(chan struct{})
	stopCh, doneCh := sb.autoStop, sb.autoDone
	sb.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sb.RenderFooter()
			case <-stopCh:
				return
			}
		}
	}()
}

// StopAutoRefresh stops the refresh loop and clears the footer.
func (sb *StatusBar) StopAutoRefresh() {
	sb.mu.Lock()
	if !sb.autoRefreshOn {
		sb.mu.Unlock()
		return
	}
	sb.autoRefreshOn = false
	close(sb.autoStop)
	done := sb.autoDone
	sb.mu.Unlock()

	<-done
	sb.clearFooter()
}

// =============================================================================
// RENDERING
// =============================================================================

// RenderFooter draws the status line on the bottom row of the terminal.
func (sb *StatusBar) RenderFooter() {
	if !sb.Enabled() {
		return
	}
	line := FormatLine(sb.source.Billing())

	// Save cursor, move to bottom line, clear, print, restore.
	// Use DECSC/DECRC for broad terminal compatibility.
	var b strings.Builder
	b.WriteString("\0337")
	if _, h, err := term.GetSize(sb.fd); err == nil && h > 0 {
		fmt.Fprintf(&b, "\033[%d;1H", h)
	} else {
		b.WriteString("\r")
	}
	b.WriteString("\033[2K  ")
	b.WriteString(line)
	b.WriteString("\0338")
	_, _ = io.WriteString(sb.out, b.String())
}

func (sb *StatusBar) clearFooter() {
	if !sb.Enabled() {
		return
	}
	if _, h, err := term.GetSize(sb.fd); err == nil && h > 0 {
		_, _ = fmt.Fprintf(sb.out, "\0337\033[%d;1H\033[2K\0338", h)
	}
}

// FormatLine returns the footer text for a snapshot.
func FormatLine(s billing.Snapshot) string {
	minute := fmt.Sprintf("minute %d/%d", s.LastBilledMinute, s.MaxMinutes)
	if s.State == billing.StateCapped {
		minute += " (cap)"
	}

	line := fmt.Sprintf("📞 %s%s%s │ %s │ charged %d",
		ColorBold, minute, ColorReset,
		formatClock(s.ElapsedSeconds),
		s.TotalCharge())

	if s.BalanceKnown {
		color := getBalanceColor(s.Balance, s.PerMinuteRate)
		line += fmt.Sprintf(" │ %sbalance %d%s", color, s.Balance, ColorReset)
	}
	if s.InFlight {
		line += fmt.Sprintf(" │ %s…%s", ColorDim, ColorReset)
	}
	if s.Terminated {
		line += fmt.Sprintf(" │ %s%s%s", ColorRed, s.Reason, ColorReset)
	}
	return line
}

// =============================================================================
// HELPERS
// =============================================================================

// getBalanceColor returns the color for a balance given the per-minute rate.
func getBalanceColor(balance, rate int64) string {
	if rate <= 0 {
		return ColorGreen
	}
	minutesLeft := balance / rate
	if minutesLeft < CriticalBalanceMinutes {
		return ColorRed
	}
	if minutesLeft < LowBalanceMinutes {
		return ColorYellow
	}
	return ColorGreen
}

// formatClock formats elapsed seconds as mm:ss.
func formatClock(sec int64) string {
	if sec < 0 {
		sec = 0
	}
	return fmt.Sprintf("%02d:%02d", sec/60, sec%60)
}

// =============================================================================
// PRINT HELPERS
// =============================================================================

// PrintSuccess prints a green [OK] line.
func PrintSuccess(msg string) {
	fmt.Printf("%s[OK]%s %s\n", ColorGreen, ColorReset, msg)
}

// PrintInfo prints a blue [INFO] line.
func PrintInfo(msg string) {
	fmt.Printf("\033[0;34m[INFO]%s %s\n", ColorReset, msg)
}

// PrintWarn prints a yellow [WARN] line.
func PrintWarn(msg string) {
	fmt.Printf("%s[WARN]%s %s\n", ColorYellow, ColorReset, msg)
}

// PrintError prints a red [ERROR] line to stderr.
func PrintError(msg string) {
	fmt.Fprintf(os.Stderr, "%s[ERROR]%s %s\n", ColorRed, ColorReset, msg)
}

// PrintHeader prints a boxed title.
func PrintHeader(title string) {
	fmt.Printf("%s%s========================================%s\n", ColorBold, ColorCyan, ColorReset)
	fmt.Printf("%s%s       %s%s\n", ColorBold, ColorCyan, title, ColorReset)
	fmt.Printf("%s%s========================================%s\n", ColorBold, ColorCyan, ColorReset)
	fmt.Println()
}
