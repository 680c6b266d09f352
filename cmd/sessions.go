package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/callmeter/callmeter/internal/archive"
	"github.com/callmeter/callmeter/internal/config"
	"github.com/callmeter/callmeter/internal/coordinator"
	"github.com/callmeter/callmeter/internal/tui"
)

type sessionsOptions struct {
	configPath string
	userID     string
	help       bool
}

// parseSessionsArgs parses "sessions --user ID [OPTIONS]".
func parseSessionsArgs(args []string) (sessionsOptions, error) {
	var opts sessionsOptions
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
		default:
			return opts, fmt.Errorf("unknown option %q", args[i])
		}
	}
	if opts.userID == "" {
		return opts, errors.New("--user is required")
	}
	return opts, nil
}

func runSessionsCommand(args []string) int {
	opts, err := parseSessionsArgs(args)
	if opts.help {
		printSessionsHelp()
		return 0
	}
	if err != nil {
		tui.PrintError(err.Error())
		printSessionsHelp()
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

	store, err := coordinator.OpenStore(cfg.Archive)
	if err != nil {
		tui.PrintError(fmt.Sprintf("Opening archive: %v", err))
		return 1
	}
	defer func() { _ = store.Close() }()

	if err := printSessions(context.Background(), store, opts.userID); err != nil {
		tui.PrintError(err.Error())
		return 1
	}
	return 0
}

// printSessions lists a user's archived sessions, most recent first.
func printSessions(ctx context.Context, r archive.Reader, userID string) error {
	list, err := r.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	total, err := r.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting sessions: %w", err)
	}

	tui.PrintHeader(fmt.Sprintf("%s: %d of %d archived sessions", userID, len(list), total))
	for _, s := range list {
		fmt.Printf("  %s  %s  %2d min  %4ds  charge %d", s.EndedAt.Local().Format("2006-01-02 15:04"),
			s.SessionID, s.BilledMinutes, s.ElapsedSeconds, s.TotalCharge)
		if s.Refunded > 0 {
			fmt.Printf(" (refunded %d)", s.Refunded)
		}
		fmt.Printf("  %s\n", s.EndedReason)
	}
	return nil
}

func printSessionsHelp() {
	fmt.Println("List a user's archived sessions")
	fmt.Println()
	fmt.Println("Usage: callmeter sessions --user USER_ID [OPTIONS]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -u, --user ID        User to list (required)")
	fmt.Println("  -c, --config FILE    YAML config naming the archive (default: built-in defaults)")
	fmt.Println("  -h, --help           Show this help")
}
