package main

import (
	"fmt"
	"os"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "call":
		os.Exit(runCallCommand(args[1:]))
	case "ledger":
		os.Exit(runLedgerCommand(args[1:]))
	case "sessions":
		os.Exit(runSessionsCommand(args[1:]))
	case "version", "--version", "-v":
		fmt.Println("callmeter", Version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Live voice session metering")
	fmt.Println()
	fmt.Println("Usage: callmeter <command> [OPTIONS]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  call       Run one metered voice session until hang-up")
	fmt.Println("  ledger     Run or inspect the local quota ledger")
	fmt.Println("  sessions   List a user's archived sessions")
	fmt.Println("  version    Print the version")
	fmt.Println()
	fmt.Println("Run 'callmeter <command> --help' for command options.")
}
