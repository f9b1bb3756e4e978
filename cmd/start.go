package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/syncpad/host/internal/backend"
	"github.com/syncpad/host/internal/config"
	"github.com/syncpad/host/internal/fixloop"
	"github.com/syncpad/host/internal/mdns"
	"github.com/syncpad/host/internal/patterncache"
	"github.com/syncpad/host/internal/server"
	"github.com/syncpad/host/internal/session"
	"github.com/syncpad/host/internal/storage"
)

// StartConfig holds the configuration for the start command after CLI
// flags and the config file have been merged.
type StartConfig struct {
	Config      string
	Addr        string
	DBPath      string
	GeminiKey   string
	GeminiModel string
	MdnsEnabled bool
	NoFix       bool
}

// unresolvedBroadcaster forwards abandoned repair attempts to every
// connected client.
type unresolvedBroadcaster struct {
	srv *server.Server
}

func (b *unresolvedBroadcaster) ReportUnresolved(d fixloop.Diagnostic) {
	b.srv.BroadcastFixUnresolved(d.FileID, d.Message, d.Line)
}

func runStart(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &StartConfig{}

	fs.StringVar(&cfg.Config, "config", "", "Path to config file (default: ~/.syncpad/config.toml)")
	fs.StringVar(&cfg.Addr, "addr", "", "Host address for WebSocket server (default: 127.0.0.1:7070)")
	fs.StringVar(&cfg.DBPath, "db", "", "Path to pattern database (default: ~/.syncpad/syncpad.db)")
	fs.StringVar(&cfg.GeminiKey, "gemini-key", "", "API key for the fix backend (default: GEMINI_API_KEY env)")
	fs.StringVar(&cfg.GeminiModel, "gemini-model", "", "Model for fix generation (default: gemini-2.5-flash)")
	fs.BoolVar(&cfg.MdnsEnabled, "mdns", false, "Enable mDNS/Bonjour discovery (LAN-visible)")
	fs.BoolVar(&cfg.NoFix, "no-fix", false, "Disable the automatic fix loop")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: syncpad start [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	// Track which flags were explicitly set on the command line.
	// This allows us to distinguish "flag not specified" from "flag set
	// to default value".
	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	// Load config file and merge with CLI flags.
	// CLI flags take precedence over file values.
	fileCfg, err := config.Load(cfg.Config)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if cfg.Addr == "" {
		cfg.Addr = fileCfg.Addr
	}
	if cfg.DBPath == "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if cfg.GeminiKey == "" {
		cfg.GeminiKey = fileCfg.GeminiAPIKey
	}
	if cfg.GeminiModel == "" {
		cfg.GeminiModel = fileCfg.GeminiModel
	}
	if !explicitFlags["mdns"] {
		cfg.MdnsEnabled = fileCfg.MdnsEnabled
	}

	// Open the pattern store. The database directory may not exist on
	// first run.
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		fmt.Fprintf(stderr, "Error: failed to create data directory: %v\n", err)
		return 1
	}
	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open pattern database: %v\n", err)
		return 1
	}
	defer store.Close()

	cacheOwner := patterncache.NewOwner(patterncache.NewCache(fileCfg.CacheCapacity, store))
	defer cacheOwner.Close()

	sessions := session.NewManager()
	defer sessions.Close()

	srv := server.NewServer(cfg.Addr, sessions)

	// Wire the fix loop when a backend key is available. Without one the
	// host runs as a pure collaborative editor.
	var loop *fixloop.Loop
	if cfg.NoFix {
		log.Printf("fix loop disabled via --no-fix")
	} else if cfg.GeminiKey == "" {
		log.Printf("fix loop disabled: no API key configured (set gemini_api_key or GEMINI_API_KEY)")
	} else {
		gen, err := backend.NewGeminiGenerator(context.Background(), cfg.GeminiKey, cfg.GeminiModel)
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to initialize fix backend: %v\n", err)
			return 1
		}

		loopCfg := fixloop.Config{
			MaxAttempts:    fileCfg.FixMaxAttempts,
			BackendTimeout: time.Duration(fileCfg.FixBackendTimeoutMs) * time.Millisecond,
			VerifyTimeout:  time.Duration(fileCfg.FixVerifyTimeoutMs) * time.Millisecond,
			BackoffBase:    time.Duration(fileCfg.FixBackoffBaseMs) * time.Millisecond,
			BackoffCap:     time.Duration(fileCfg.FixBackoffCapMs) * time.Millisecond,
		}
		loop = fixloop.NewLoop(loopCfg, gen, cacheOwner, sessions, &unresolvedBroadcaster{srv: srv})
		defer loop.Close()

		srv.SetDiagnosticHandler(func(fileID, message, language string, line int) {
			loop.HandleDiagnostic(fixloop.Diagnostic{
				FileID:   fileID,
				Message:  message,
				Language: language,
				Line:     line,
			})
		})
		log.Printf("fix loop enabled (model %s)", cfg.GeminiModel)
	}

	// Start the server, failing fast on port conflicts.
	if err := <-srv.StartAsync(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer srv.Stop()

	// Optional LAN discovery.
	var advertiser *mdns.Advertiser
	if cfg.MdnsEnabled {
		port, err := addrPort(cfg.Addr)
		if err != nil {
			fmt.Fprintf(stderr, "Error: cannot advertise %s: %v\n", cfg.Addr, err)
			return 1
		}
		advertiser = mdns.NewAdvertiser(mdns.Config{Port: port})
		if err := advertiser.Start(); err != nil {
			// Discovery is best-effort; the host still works by address.
			log.Printf("mDNS advertisement failed: %v", err)
		} else {
			defer advertiser.Stop()
			log.Printf("mDNS advertising as %s on port %d", mdns.ServiceType, port)
		}
	}

	fmt.Fprintf(stdout, "syncpad host listening on %s\n", cfg.Addr)

	// Block until interrupted; deferred cleanup runs in reverse order.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Fprintf(stdout, "Received %s, shutting down\n", sig)

	return 0
}

// addrPort extracts the numeric port from a host:port address.
func addrPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", portStr)
	}
	return port, nil
}
