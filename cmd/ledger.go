package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/callmeter/callmeter/internal/ledger"
	"github.com/callmeter/callmeter/internal/monitoring"
	"github.com/callmeter/callmeter/internal/tui"
	"github.com/callmeter/callmeter/internal/utils"
)

const (
	defaultLedgerDB   = "data/ledger.db"
	defaultLedgerAddr = ":8088"
)

type ledgerOptions struct {
	action    string // serve, balance, set-balance, debits
	dbPath    string
	addr      string
	apiKey    string
	debug     bool
	userID    string
	sessionID string
	amount    int64
	help      bool
}

// parseLedgerArgs parses "ledger <action> [ARGS] [OPTIONS]".
func parseLedgerArgs(args []string) (ledgerOptions, error) {
	opts := ledgerOptions{
		dbPath: defaultLedgerDB,
		addr:   defaultLedgerAddr,
		apiKey: os.Getenv("LEDGER_API_KEY"),
	}

	var positional []string
	i := 0
	for i < len(args) {
		switch args[i] {
		case "-h", "--help":
			opts.help = true
			return opts, nil
		case "--db":
			if i+1 >= len(args) {
				return opts, errors.New("--db requires a value")
			}
			opts.dbPath = args[i+1]
			i += 2
		case "--addr":
			if i+1 >= len(args) {
				return opts, errors.New("--addr requires a value")
			}
			opts.addr = args[i+1]
			i += 2
		case "--api-key":
			if i+1 >= len(args) {
				return opts, errors.New("--api-key requires a value")
			}
			opts.apiKey = args[i+1]
			i += 2
		case "-d", "--debug":
			opts.debug = true
			i++
		default:
			positional = append(positional, args[i])
			i++
		}
	}

	if len(positional) == 0 {
		return opts, errors.New("missing ledger action")
	}
	opts.action = positional[0]

	switch opts.action {
	case "serve":
		if len(positional) != 1 {
			return opts, errors.New("serve takes no arguments")
		}
	case "balance":
		if len(positional) != 2 {
			return opts, errors.New("usage: ledger balance USER_ID")
		}
		opts.userID = positional[1]
	case "set-balance":
		if len(positional) != 3 {
			return opts, errors.New("usage: ledger set-balance USER_ID AMOUNT")
		}
		opts.userID = positional[1]
		amount, err := strconv.ParseInt(positional[2], 10, 64)
		if err != nil || amount < 0 {
			return opts, fmt.Errorf("invalid amount %q", positional[2])
		}
		opts.amount = amount
	case "debits":
		if len(positional) != 2 {
			return opts, errors.New("usage: ledger debits SESSION_ID")
		}
		opts.sessionID = positional[1]
	default:
		return opts, fmt.Errorf("unknown ledger action %q", opts.action)
	}
	return opts, nil
}

func runLedgerCommand(args []string) int {
	opts, err := parseLedgerArgs(args)
	if opts.help {
		printLedgerHelp()
		return 0
	}
	if err != nil {
		tui.PrintError(err.Error())
		printLedgerHelp()
		return 1
	}

	level := "info"
	if opts.debug {
		level = "debug"
	}
	closer, err := monitoring.SetupLogging(monitoring.LoggerConfig{Level: level, Format: logFormatForTerminal()}, os.Stderr)
	if err != nil {
		tui.PrintError(err.Error())
		return 1
	}
	defer func() { _ = closer.Close() }()

	l, err := ledger.OpenSQLite(opts.dbPath)
	if err != nil {
		tui.PrintError(fmt.Sprintf("Opening ledger: %v", err))
		return 1
	}
	defer func() { _ = l.Close() }()

	ctx := context.Background()
	switch opts.action {
	case "balance":
		balance, err := l.Balance(ctx, opts.userID)
		if err != nil {
			tui.PrintError(err.Error())
			return 1
		}
		fmt.Printf("%s: %d\n", opts.userID, balance)
	case "set-balance":
		if err := l.SetBalance(ctx, opts.userID, opts.amount); err != nil {
			tui.PrintError(err.Error())
			return 1
		}
		tui.PrintSuccess(fmt.Sprintf("%s balance set to %d", opts.userID, opts.amount))
	case "debits":
		debits, err := l.Debits(ctx, opts.sessionID)
		if err != nil {
			tui.PrintError(err.Error())
			return 1
		}
		if len(debits) == 0 {
			tui.PrintInfo(fmt.Sprintf("No debits for session %s", opts.sessionID))
		}
		for _, d := range debits {
			fmt.Printf("  minute %2d  %s  -%d  balance %d  %s\n", d.MinuteIndex,
				d.CreatedAt.Local().Format("15:04:05"), d.Amount, d.BalanceAfter, d.IdempotencyKey)
		}
	case "serve":
		if err := serveLedger(l, opts); err != nil {
			tui.PrintError(err.Error())
			return 1
		}
	}
	return 0
}

// serveLedger exposes the ledger over HTTP until SIGINT or SIGTERM.
func serveLedger(l *ledger.SQLiteLedger, opts ledgerOptions) error {
	if opts.apiKey == "" {
		tui.PrintWarn("No API key set; the ledger accepts unauthenticated requests")
	}

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           ledger.NewHandler(l, opts.apiKey),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", opts.addr).
			Str("db", opts.dbPath).
			Str("api_key", utils.MaskKey(opts.apiKey)).
			Msg("ledger: listening")
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("ledger: shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func printLedgerHelp() {
	fmt.Println("Local quota ledger")
	fmt.Println()
	fmt.Println("Usage: callmeter ledger <action> [ARGS] [OPTIONS]")
	fmt.Println()
	fmt.Println("Actions:")
	fmt.Println("  serve                       Serve POST /debit, POST /refund, GET /balance/{user_id}")
	fmt.Println("  balance USER_ID             Print a user's remaining quota")
	fmt.Println("  set-balance USER_ID AMOUNT  Create or overwrite a user's quota")
	fmt.Println("  debits SESSION_ID           List the minute debits applied for a session")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Printf("  --db FILE        SQLite database (default: %s)\n", defaultLedgerDB)
	fmt.Printf("  --addr ADDR      Listen address for serve (default: %s)\n", defaultLedgerAddr)
	fmt.Println("  --api-key KEY    Required X-API-Key (default: $LEDGER_API_KEY)")
	fmt.Println("  -d, --debug      Enable debug logging")
	fmt.Println("  -h, --help       Show this help")
}
