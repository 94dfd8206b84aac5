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
	"time"

	"github.com/google/uuid"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/zombor/receipt-scanner/internal/acquire"
	"github.com/zombor/receipt-scanner/internal/dashboard"
	"github.com/zombor/receipt-scanner/internal/logging"
	"github.com/zombor/receipt-scanner/internal/metrics"
	"github.com/zombor/receipt-scanner/internal/receipt"
	"github.com/zombor/receipt-scanner/internal/scanning"
	"github.com/zombor/receipt-scanner/internal/session"
	"github.com/zombor/receipt-scanner/internal/web"
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

	fs := ff.NewFlagSet("receipt-scanner")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		logLevel    = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		storeType   = fs.StringLong("store", "bolt", "Record store: 'bolt' or 'sqlite'")
		dbPath      = fs.StringLong("db", "receipt-scanner.db", "Record store file path")
		imagesType  = fs.StringLong("images", "local", "Receipt image storage: 'local', 's3' or 'none'")
		imagesDir   = fs.StringLong("images-dir", "./receipts", "Local image storage directory")
		s3Bucket    = fs.StringLong("s3-bucket", "", "S3 bucket for receipt images")
		s3Region    = fs.StringLong("s3-region", "us-east-1", "S3 region")
		s3Endpoint  = fs.StringLong("s3-endpoint", "", "S3-compatible endpoint URL (optional)")
		s3Prefix    = fs.StringLong("s3-prefix", "receipts/", "Key prefix for receipt images in S3")
		s3AccessKey = fs.StringLong("s3-access-key", "", "S3 access key (default credential chain when empty)")
		s3SecretKey = fs.StringLong("s3-secret-key", "", "S3 secret key")
		extractor   = fs.StringLong("extractor", "http", "Extraction backend: 'http', 'gemini' or 'ollama'")
		extractURL  = fs.StringLong("extract-url", "", "Extraction service endpoint for the 'http' backend")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llava", "Ollama model name")
		cameraURL   = fs.StringLong("camera-url", "", "Snapshot URL of a camera stream (optional)")
		users       = fs.StringLong("users", "", "Comma-separated name:bcrypt-hash pairs of users allowed to sign in")
		jwtSecret   = fs.StringLong("jwt-secret", "", "Secret used to sign session tokens")
		sessionTTL  = fs.DurationLong("session-ttl", 12*time.Hour, "Session lifetime")
		scanRate    = fs.Float64Long("scan-rate", 10, "Scans allowed per user per minute (0 disables the limit)")
		scanBurst   = fs.IntLong("scan-burst", 5, "Scans a user may start back to back")
		_           = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_SCANNER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(logging.ParseLevel(*logLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize record store
	slog.Info("Initializing record store...", "type", *storeType, "path", *dbPath)
	store, err := openStore(*storeType, *dbPath)
	if err != nil {
		slog.Error("Failed to initialize record store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Initialize image storage
	slog.Info("Initializing image storage...", "type", *imagesType)
	images, err := openImages(ctx, *imagesType, *imagesDir, receipt.S3Config{
		Bucket:    *s3Bucket,
		Region:    *s3Region,
		Endpoint:  *s3Endpoint,
		Prefix:    *s3Prefix,
		AccessKey: *s3AccessKey,
		SecretKey: *s3SecretKey,
	})
	if err != nil {
		slog.Error("Failed to initialize image storage", "error", err)
		os.Exit(1)
	}

	// Initialize extraction backend
	ext, err := newExtractor(ctx, *extractor, extractorConfig{
		url:         *extractURL,
		geminiKey:   *geminiKey,
		geminiModel: *geminiModel,
		ollamaURL:   *ollamaURL,
		ollamaModel: *ollamaModel,
	})
	if err != nil {
		slog.Error("Failed to initialize extractor", "type", *extractor, "error", err)
		os.Exit(1)
	}
	defer ext.Close()

	// Initialize identity provider
	userHashes, err := session.ParseUsers(*users)
	if err != nil {
		slog.Error("Invalid users", "error", err)
		os.Exit(1)
	}
	if len(userHashes) == 0 {
		slog.Error("At least one user is required. Set --users or RECEIPT_SCANNER_USERS")
		os.Exit(1)
	}
	secret := *jwtSecret
	if secret == "" {
		secret = uuid.NewString()
		slog.Warn("No JWT secret configured; sessions will not survive a restart")
	}
	sessions, err := session.NewManager(secret, *sessionTTL, userHashes)
	if err != nil {
		slog.Error("Failed to initialize sessions", "error", err)
		os.Exit(1)
	}

	// Metrics
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(promReg)

	// One dashboard per session, torn down on sign-out
	repo := receipt.NewRepository(store, images)
	registry := dashboard.NewRegistry(func(sess *session.Session) *dashboard.Controller {
		return dashboard.NewController(sess, ext, repo, collector)
	})
	events, unsubscribe := sessions.Subscribe()
	defer unsubscribe()
	go registry.Run(ctx, events)
	go sweepSessions(ctx, sessions, time.Minute)

	opts := web.Options{
		Gatherer:  promReg,
		ScanRate:  rate.Limit(*scanRate / 60),
		ScanBurst: *scanBurst,
	}
	if *cameraURL != "" {
		slog.Info("Using snapshot camera", "url", *cameraURL)
		opts.Camera = acquire.NewSnapshotCamera(*cameraURL)
	}
	server := web.NewServer(sessions, registry, repo, opts)
	defer server.Close()

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if err := server.Start(ctx, addr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutting down...")
}

func openStore(kind, path string) (receipt.Store, error) {
	switch kind {
	case "bolt":
		return receipt.NewBoltDB(path)
	case "sqlite":
		return receipt.NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("invalid store type %q, valid: bolt or sqlite", kind)
	}
}

func openImages(ctx context.Context, kind, dir string, s3cfg receipt.S3Config) (receipt.Storage, error) {
	switch kind {
	case "local":
		return receipt.NewLocalStorage(dir)
	case "s3":
		if s3cfg.Bucket == "" {
			return nil, fmt.Errorf("--s3-bucket is required for s3 image storage")
		}
		return receipt.NewS3Storage(ctx, s3cfg)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid image storage %q, valid: local, s3 or none", kind)
	}
}

type extractorConfig struct {
	url         string
	geminiKey   string
	geminiModel string
	ollamaURL   string
	ollamaModel string
}

func newExtractor(ctx context.Context, kind string, cfg extractorConfig) (scanning.Extractor, error) {
	switch kind {
	case "http":
		slog.Info("Initializing extraction client...", "url", cfg.url)
		return scanning.NewClient(cfg.url, nil)
	case "gemini":
		apiKey := cfg.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("gemini API key is required, set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini extractor...", "model", cfg.geminiModel)
		return scanning.NewGemini(ctx, apiKey, cfg.geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama extractor...", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
		return scanning.NewOllama(cfg.ollamaURL, cfg.ollamaModel)
	default:
		return nil, fmt.Errorf("invalid extractor %q, valid: http, gemini or ollama", kind)
	}
}

// sweepSessions ends expired sessions so their dashboards are released
func sweepSessions(ctx context.Context, sessions *session.Manager, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.Sweep(); n > 0 {
				slog.Info("Expired sessions ended", "count", n)
			}
		}
	}
}
