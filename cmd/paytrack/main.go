package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/paytrack/internal/receipt"
	"github.com/zombor/paytrack/internal/scanning"
	"github.com/zombor/paytrack/internal/settings"
	"github.com/zombor/paytrack/internal/submission"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// envFileArg finds --env-file in args so the file can be loaded before
// the env layer is read
func envFileArg(args []string) string {
	for i, arg := range args {
		for _, prefix := range []string{"--env-file", "-env-file"} {
			if arg == prefix && i+1 < len(args) {
				return args[i+1]
			}
			if value, ok := strings.CutPrefix(arg, prefix+"="); ok {
				return value
			}
		}
	}
	return ".env"
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	envFile := envFileArg(os.Args[1:])
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: loading %s: %v\n", envFile, err)
		os.Exit(1)
	}

	flags := ff.NewFlagSet("paytrack")
	var (
		port          = flags.IntLong("port", 8080, "HTTP server port")
		dbPath        = flags.StringLong("db", "paytrack.db", "Settings database file path")
		scannerType   = flags.StringLong("scanner", "gemini", "Scanner type: 'gemini' or 'ollama'")
		geminiKey     = flags.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = flags.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL     = flags.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = flags.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")
		submitTimeout = flags.DurationLong("submit-timeout", 30*time.Second, "Timeout for a single Google Form submission")
		maxInFlight   = flags.IntLong("max-inflight", receipt.DefaultMaxInFlight, "Maximum extractions and submissions running at once")
		authUser      = flags.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = flags.StringLong("auth-pass", "", "Basic auth password (optional)")
		_             = flags.StringLong("env-file", ".env", "Optional dotenv file loaded before reading PAYTRACK_* variables")
		showVersion   = flags.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(flags, os.Args[1:],
		ff.WithEnvVarPrefix("PAYTRACK"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(flags))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	// Initialize settings
	slog.Info("Initializing settings database...", "path", *dbPath)
	store, err := settings.NewBoltStore(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	manager, err := settings.NewManager(store)
	if err != nil {
		slog.Error("Failed to load settings", "error", err)
		os.Exit(1)
	}

	// Initialize scanner based on type
	var scanner scanning.Scanner
	switch *scannerType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini scanner...", "model", *geminiModel)
		scanner, err = scanning.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *ollamaURL, "model", *ollamaModel)
		scanner, err = scanning.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	defer scanner.Close()

	ledger := receipt.NewLedger(scanner, submission.NewGoogleForm(*submitTimeout), manager, int64(*maxInFlight))

	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(ledger, manager, basicAuth)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ledger.Run(ctx)
	})

	addr := fmt.Sprintf(":%d", *port)
	g.Go(func() error {
		return server.Start(ctx, addr)
	})

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}
	if !manager.Current().HasTarget() {
		slog.Warn("No Google Form URL configured; set one in the settings dialog before syncing")
	}

	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutting down...")
}
