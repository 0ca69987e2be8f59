package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/invoice-extractor/internal/extraction"
	"github.com/zombor/invoice-extractor/internal/invoice"
	"github.com/zombor/invoice-extractor/internal/job"
	"github.com/zombor/invoice-extractor/internal/ratelimit"
	"github.com/zombor/invoice-extractor/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// Values from .env act as environment variables; real ones win
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	fs := ff.NewFlagSet("invoice-extractor")
	var (
		port         = fs.IntLong("port", 8080, "HTTP server port")
		dbPath       = fs.StringLong("db", "invoice-extractor.db", "Database file path for fields and usage")
		sessionStore = fs.StringLong("session-store", "local", "Durable session store: 'local' or 'minio'")
		sessionPath  = fs.StringLong("sessions", "./sessions", "Session snapshot directory for the local store")
		minioURL     = fs.StringLong("minio-endpoint", "localhost:9000", "MinIO endpoint (host:port)")
		minioKey     = fs.StringLong("minio-access-key", "", "MinIO access key")
		minioSecret  = fs.StringLong("minio-secret-key", "", "MinIO secret key")
		minioBucket  = fs.StringLong("minio-bucket", "invoice-sessions", "MinIO bucket for session snapshots")
		minioRegion  = fs.StringLong("minio-region", "", "MinIO region")
		minioSSL     = fs.BoolLong("minio-ssl", "Use TLS for MinIO")
		modelType    = fs.StringLong("model", "gemini", "Vision model: 'gemini' or 'ollama'")
		geminiKey    = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel  = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL    = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel  = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")
		rateLimit    = fs.IntLong("rate-limit", 50, "Model calls allowed per minute across all jobs (0 disables)")
		workers      = fs.IntLong("workers", job.DefaultWorkers, "Concurrent files, pages per file and model calls per job")
		maxRetries   = fs.IntLong("max-retries", 5, "Attempts per page before it is dropped")
		maxInvoices  = fs.IntLong("max-invoices", 0, "Maximum invoices per upload (0 for unlimited)")
		trialInvoice = fs.IntLong("trial-invoices", 0, "Total invoices allowed by the trial (0 for unlimited)")
		trialDays    = fs.IntLong("trial-days", 0, "Trial length in days (0 for unlimited)")
		showVersion  = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("INVOICE_EXTRACTOR"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	slog.Info("Initializing database...", "path", *dbPath)
	db, err := invoice.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize vision model based on type
	var model scanning.Client
	switch *modelType {
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
		slog.Info("Initializing Gemini model...", "model", *geminiModel)
		model, err = scanning.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama model...", "url", *ollamaURL, "model", *ollamaModel)
		model, err = scanning.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid model type", "type", *modelType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	defer model.Close()

	// Initialize session snapshot storage
	var snapshots invoice.Storage
	switch *sessionStore {
	case "local":
		slog.Info("Initializing local session storage...", "path", *sessionPath)
		snapshots, err = invoice.NewLocalStorage(*sessionPath)
	case "minio":
		slog.Info("Initializing MinIO session storage...", "endpoint", *minioURL, "bucket", *minioBucket)
		snapshots, err = invoice.NewMinioStorage(ctx, invoice.MinioConfig{
			Endpoint:  *minioURL,
			AccessKey: *minioKey,
			SecretKey: *minioSecret,
			Bucket:    *minioBucket,
			Region:    *minioRegion,
			UseSSL:    *minioSSL,
		})
	default:
		err = fmt.Errorf("invalid session store %q, valid: local or minio", *sessionStore)
	}
	if err != nil {
		slog.Error("Failed to initialize session storage", "error", err)
		os.Exit(1)
	}

	// Extraction pipeline
	policy := extraction.DefaultRetryPolicy()
	policy.MaxRetries = *maxRetries
	limiter := ratelimit.NewSlidingWindow(*rateLimit)
	extractor := extraction.NewExtractor(model, limiter, policy)
	tracker := job.NewTracker()
	sessions := job.NewSessionStore(snapshots)
	manager := job.NewManager(extractor, scanning.NewDecomposer(), tracker, sessions, job.Config{
		Workers:        *workers,
		MaxUnitsPerJob: *maxInvoices,
	})

	// Initialize service
	service := invoice.NewService(db, manager, tracker, sessions, invoice.Trial{
		MaxInvoices: *trialInvoice,
		Days:        *trialDays,
	})
	if err := service.SeedDefaults(); err != nil {
		slog.Error("Failed to seed fields", "error", err)
		os.Exit(1)
	}

	slog.Info("Configuration",
		"rate_limit", *rateLimit,
		"workers", *workers,
		"max_invoices", *maxInvoices,
		"trial_invoices", *trialInvoice,
		"trial_days", *trialDays,
	)

	// Serve until interrupted
	server := invoice.NewServer(service)
	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if err := server.Run(ctx, addr); err != nil {
		slog.Error("Server error", "error", err)
	}

	slog.Info("Waiting for running jobs to finish...")
	manager.Wait()
	slog.Info("Shutdown complete")
}
