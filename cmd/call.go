package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/callmeter/callmeter/internal/billing"
	"github.com/callmeter/callmeter/internal/config"
	"github.com/callmeter/callmeter/internal/coordinator"
	"github.com/callmeter/callmeter/internal/monitoring"
	"github.com/callmeter/callmeter/internal/session"
	"github.com/callmeter/callmeter/internal/tui"
)

type callOptions struct {
	configPath string
	userID     string
	debug      bool
	noStatus   bool
	help       bool
}

// parseCallArgs parses "call --user ID [OPTIONS]".
func parseCallArgs(args []string) (callOptions, error) {
	var opts callOptions
	i := 0
	for i < len(args) {
		switch args[i] {
		case "-h", "--help":
			opts.help = true
			return opts, nil
		case "-c", "--config":
			if i+1 >= len(args) {
				return opts, errors.New("--config requires a value")
			}
			opts.configPath = args[i+1]
			i += 2
		case "-u", "--user":
			if i+1 >= len(args) {
				return opts, errors.New("--user requires a value")
			}
			opts.userID = args[i+1]
			i += 2
		case "-d", "--debug":
			opts.debug = true
			i++
		case "--no-status":
			opts.noStatus = true
			i++
		default:
			return opts, fmt.Errorf("unknown option %q", args[i])
		}
	}
	if opts.userID == "" {
		return opts, errors.New("--user is required")
	}
	return opts, nil
}

func runCallCommand(args []string) int {
	opts, err := parseCallArgs(args)
	if opts.help {
		printCallHelp()
		return 0
	}
	if err != nil {
		tui.PrintError(err.Error())
		printCallHelp()
		return 1
	}

	cfg := config.Default()
	if opts.configPath != "" {
		cfg, err = config.Load(opts.configPath)
		if err != nil {
			tui.PrintError(err.Error())
			return 1
		}
	}
	if opts.debug {
		cfg.Logging.Level = "debug"
	}

	closer, err := monitoring.SetupLogging(monitoring.LoggerConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}, nil)
	if err != nil {
		tui.PrintError(err.Error())
		return 1
	}
	defer func() { _ = closer.Close() }()

	coord, err := coordinator.New(cfg)
	if err != nil {
		tui.PrintError(err.Error())
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = coord.Close(ctx)
	}()

	m, err := coord.NewSession(opts.userID, session.WithSignalHandler(printBillingSignal))
	if err != nil {
		tui.PrintError(err.Error())
		return 1
	}

	tui.PrintHeader("callmeter " + Version)
	tui.PrintInfo(fmt.Sprintf("Session %s for %s (%d per minute, cap %d minutes)",
		m.SessionID(), opts.userID, cfg.Billing.PerMinuteRate, cfg.Billing.MaxMinutes))
	tui.PrintInfo("Press Ctrl+C to hang up")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			m.HangUp()
		case <-m.Done():
		}
	}()

	var bar *tui.StatusBar
	if !opts.noStatus {
		bar = tui.NewStatusBar(m)
		bar.StartAutoRefresh(tui.AutoRefreshInterval)
	}

	if err := m.Start(context.Background()); err != nil {
		tui.PrintError(err.Error())
		return 1
	}
	<-m.Done()
	if bar != nil {
		bar.StopAutoRefresh()
	}

	r, _ := m.Result()
	printResult(r)
	return exitCode(r.Reason)
}

func printBillingSignal(s billing.Signal) {
	switch s.Kind {
	case billing.SignalLowBalance:
		tui.PrintWarn(s.Message)
	case billing.SignalHardStop, billing.SignalStartDenied:
		tui.PrintError(s.Message)
	}
}

func printResult(r session.Result) {
	fmt.Println()
	tui.PrintInfo(fmt.Sprintf("Session ended: %s", r.Reason))
	fmt.Printf("  Billed minutes: %d\n", r.BilledMinutes)
	fmt.Printf("  Call time:      %ds\n", r.ElapsedSeconds)
	if r.Refunded > 0 {
		fmt.Printf("  Refunded:       %d\n", r.Refunded)
	}
	fmt.Printf("  Total charge:   %d\n", r.TotalCharge)
	if r.Billing.BalanceKnown {
		fmt.Printf("  Balance:        %d\n", r.Billing.Balance+r.Refunded)
	}
}

// exitCode is non-zero only when the session ended on a failure.
func exitCode(reason billing.Reason) int {
	switch reason {
	case billing.ReasonBillingError:
		return 2
	case billing.ReasonConnectionLost:
		return 3
	default:
		return 0
	}
}

// logFormatForTerminal picks console output for interactive use.
func logFormatForTerminal() string {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return "console"
	}
	return "json"
}

func printCallHelp() {
	fmt.Println("Run one metered voice session")
	fmt.Println()
	fmt.Println("Usage: callmeter call --user USER_ID [OPTIONS]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -u, --user ID        User whose quota is debited (required)")
	fmt.Println("  -c, --config FILE    YAML config (default: built-in defaults)")
	fmt.Println("  -d, --debug          Enable debug logging")
	fmt.Println("  --no-status          Do not draw the live status footer")
	fmt.Println("  -h, --help           Show this help")
	fmt.Println()
	fmt.Println("Ctrl+C hangs up. Billing stops on its own when quota runs out or the")
	fmt.Println("maximum call length is reached.")
}
