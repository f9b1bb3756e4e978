package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/syncpad/host/internal/config"
	"github.com/syncpad/host/internal/storage"
)

// openStore resolves the database path (flag, then config file, then
// default) and opens the pattern store.
func openStore(configPath, dbPath string) (*storage.SQLiteStore, error) {
	if dbPath == "" {
		fileCfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		dbPath = fileCfg.DBPath
	}
	return storage.NewSQLiteStore(dbPath)
}

// runCacheList implements "syncpad cache list". It prints every persisted
// fix pattern, oldest first, the same order the cache warms up in.
func runCacheList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cache list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	dbPath := fs.String("db", "", "Path to pattern database")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	store, err := openStore(*configPath, *dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	entries, err := store.LoadPatterns()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if len(entries) == 0 {
		fmt.Fprintln(stdout, "No fix patterns stored.")
		return 0
	}

	fmt.Fprintf(stdout, "%-16s %-10s %s\n", "SIGNATURE", "CONFIDENCE", "LAST USED")
	for _, e := range entries {
		fmt.Fprintf(stdout, "%-16s %-10d %s\n",
			e.Signature[:16], e.Confidence, e.LastUsed.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(stdout, "\n%d pattern(s)\n", len(entries))
	return 0
}

// runCacheClear implements "syncpad cache clear".
func runCacheClear(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cache clear", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	dbPath := fs.String("db", "", "Path to pattern database")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	store, err := openStore(*configPath, *dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	n, err := store.ClearPatterns()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Deleted %d pattern(s).\n", n)
	return 0
}
