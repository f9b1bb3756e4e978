package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0-alpha.1" ./cmd
var Version = "dev"

const usage = `syncpad - collaborative editing host with automatic code repair

Usage:
  syncpad <command> [options]

Commands:
  start         Start the host (WebSocket gateway + fix loop)
  cache list    List persisted fix patterns
  cache clear   Delete all persisted fix patterns
  discover      Search the local network for syncpad hosts

Run 'syncpad <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "start":
		return runStart(args[2:], stdout, stderr)
	case "cache":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: syncpad cache <list|clear>")
			return 1
		}
		switch args[2] {
		case "list":
			return runCacheList(args[3:], stdout, stderr)
		case "clear":
			return runCacheClear(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown cache command: %s\n", args[2])
			return 1
		}
	case "discover":
		return runDiscover(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "syncpad %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
