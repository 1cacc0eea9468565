package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"clamgate/internal/core"
	"clamgate/internal/definitions"
	"clamgate/internal/digest"
	"clamgate/internal/engine"
	"clamgate/internal/events"
	"clamgate/internal/metadata"
	"clamgate/internal/metrics"
	"clamgate/internal/objectstore"
	"clamgate/internal/scan"
	"clamgate/internal/storage"
	"clamgate/internal/transfer"
	pkgstorage "clamgate/pkg/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/charmbracelet/log"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func setupLogging(level string, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	opts := log.Options{
		Level:           lvl,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    lvl == log.DebugLevel,
	}
	if format == "json" {
		opts.Formatter = log.JSONFormatter
	}

	slog.SetDefault(slog.New(log.NewWithOptions(os.Stdout, opts)))
	return nil
}

func loadConfig(flags *flag.FlagSet, path string, listen, workDir, queueURL, defsBucket string) (core.Config, error) {
	var opts []core.ConfigOption
	if flags.Changed("listen") {
		opts = append(opts, core.WithListen(listen))
	}
	if flags.Changed("work-dir") {
		opts = append(opts, core.WithWorkDir(workDir))
	}
	if flags.Changed("queue-url") {
		opts = append(opts, core.WithQueueURL(queueURL))
	}
	if flags.Changed("definitions-bucket") {
		opts = append(opts, core.WithDefinitionsBucket(defsBucket))
	}

	if path == "" {
		return core.NewConfig(opts...), nil
	}
	return core.LoadConfig(path, opts...)
}

// awsConfig loads the shared AWS configuration on first use, so deployments
// that only talk to MinIO and SQLite never need AWS credentials.
type awsConfig struct {
	region string
	cfg    *aws.Config
}

func (a *awsConfig) load(ctx context.Context) (aws.Config, error) {
	if a.cfg != nil {
		return *a.cfg, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	a.cfg = &cfg
	return cfg, nil
}

func openObjectStore(ctx context.Context, cfg core.Config, awsCfg *awsConfig) (pkgstorage.ObjectStore, error) {
	switch cfg.ObjectStore.Backend {
	case "s3":
		ac, err := awsCfg.load(ctx)
		if err != nil {
			return nil, err
		}
		return objectstore.NewS3Store(ac, cfg.ObjectStore.Endpoint), nil
	default:
		return objectstore.NewMinioStore(objectstore.MinioOptions{
			Endpoint:  cfg.ObjectStore.Endpoint,
			AccessKey: cfg.ObjectStore.AccessKeyID,
			SecretKey: cfg.ObjectStore.SecretAccessKey,
			Region:    cfg.Region,
			Secure:    cfg.ObjectStore.UseSSL,
		})
	}
}

// openRecords returns the record store, and the SQLite store when that is
// the backend so its expired rows can be purged.
func openRecords(ctx context.Context, cfg core.Config, awsCfg *awsConfig) (metadata.Store, *metadata.SQLiteStore, error) {
	switch cfg.Records.Backend {
	case "dynamodb":
		ac, err := awsCfg.load(ctx)
		if err != nil {
			return nil, nil, err
		}
		return metadata.NewDynamoStore(ac, cfg.Records.Table, cfg.Records.Endpoint), nil, nil
	default:
		path := cfg.Records.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.WorkDir, path)
		}
		store, err := metadata.OpenSQLiteStore(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	}
}

func Run(ctx context.Context) error {

	flags := flag.NewFlagSet("clamgate", flag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to a YAML config file")
	listen := flags.String("listen", ":9010", "HTTP listen address")
	workDir := flags.String("work-dir", "./data", "directory for definitions, binaries and staged objects")
	queueURL := flags.String("queue-url", "", "SQS queue delivering bucket notifications")
	defsBucket := flags.String("definitions-bucket", "", "bucket holding the shared definitions cache")
	logLevel := flags.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flags.String("log-format", "text", "log format (text, json)")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if err := setupLogging(*logLevel, *logFormat); err != nil {
		return err
	}

	cfg, err := loadConfig(flags, *configPath, *listen, *workDir, *queueURL, *defsBucket)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Ensure the work directory is absolute for easier debugging.
	absWorkDir, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return fmt.Errorf("failed to resolve work directory: %w", err)
	}
	cfg.WorkDir = absWorkDir

	ws, err := storage.NewWorkspace(cfg.WorkDir)
	if err != nil {
		return fmt.Errorf("failed to prepare workspace: %w", err)
	}
	if n, err := ws.Sweep(); err != nil {
		slog.Warn("Failed to sweep stale objects", "err", err)
	} else if n > 0 {
		slog.Info("Removed stale objects from a previous run", "count", n)
	}

	collector := metrics.NewCollector()
	awsCfg := &awsConfig{region: cfg.Region}

	objects, err := openObjectStore(ctx, cfg, awsCfg)
	if err != nil {
		return fmt.Errorf("failed to open object store: %w", err)
	}

	records, sqliteStore, err := openRecords(ctx, cfg, awsCfg)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	if sqliteStore != nil {
		defer sqliteStore.Close()
	}

	algorithm, err := digest.ParseAlgorithm(cfg.Definitions.Digest)
	if err != nil {
		return err
	}

	downloader := transfer.NewDownloader(objects,
		transfer.WithChunkSize(cfg.Limits.ChunkSize),
		transfer.WithMetrics(collector),
	)

	refresher := definitions.NewFreshclamRefresher(ws, definitions.FreshclamConfig{
		Binary:     cfg.Scanner.Freshclam,
		ConfigFile: cfg.Scanner.FreshclamConfig,
		Timeout:    cfg.Scanner.RefreshTimeout,
	})

	synchronizer := definitions.NewSynchronizer(objects, ws, refresher, definitions.Config{
		Bucket: cfg.Definitions.Bucket,
		Prefix: cfg.Definitions.Prefix,
		Names:  cfg.Definitions.Names,
	},
		definitions.WithHasher(digest.NewHasher(algorithm)),
		definitions.WithDownloader(downloader),
		definitions.WithMetrics(collector),
	)

	scanner := scan.NewClamScanner(ws, scan.ClamScannerConfig{
		Binary:      cfg.Scanner.Clamscan,
		MaxFileSize: cfg.Limits.MaxScannableSize,
		MaxScanSize: cfg.Limits.MaxScannableSize,
		Timeout:     cfg.Scanner.ScanTimeout,
	}, collector)

	orchestrator, err := engine.New(engine.Config{
		Objects:     objects,
		Records:     records,
		Definitions: synchronizer,
		Downloader:  downloader,
		Scanner:     scanner,
		Workspace:   ws,
		Limits:      cfg.EngineLimits(),
		RecordTTL:   cfg.Records.TTL,
		Metrics:     collector,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	server, err := core.NewServer(cfg, orchestrator, collector)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ticker := events.NewTicker()
	if err := ticker.Add(cfg.RefreshSchedule, "refresh-definitions", events.RefreshJob(orchestrator)); err != nil {
		return err
	}
	if sqliteStore != nil {
		err := ticker.Add(cfg.ExpirySchedule, "expire-records", func(ctx context.Context) error {
			n, err := sqliteStore.DeleteExpired(ctx, time.Now())
			if err == nil && n > 0 {
				slog.Info("Expired records removed", "count", n)
			}
			return err
		})
		if err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       20 * time.Second,
		WriteTimeout:      cfg.Scanner.ScanTimeout + cfg.Scanner.RefreshTimeout + time.Minute,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting clamgate HTTP server", "addr", cfg.Listen)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		return ticker.Run(ctx)
	})

	eg.Go(func() error {
		if cfg.Queue.URL == "" {
			slog.Debug("Skipping queue poller because no queue was configured")
			return nil
		}

		ac, err := awsCfg.load(ctx)
		if err != nil {
			return err
		}
		poller := events.NewSQSPoller(ac, cfg.Queue.URL, orchestrator,
			events.WithMaxMessages(cfg.Queue.MaxMessages),
			events.WithWaitSeconds(cfg.Queue.WaitSeconds),
		)
		return poller.Run(ctx)
	})

	slog.Info("clamgate started", "work_dir", cfg.WorkDir, "objects", cfg.ObjectStore.Backend, "records", cfg.Records.Backend)
	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("clamgate exited with error", "error", err)
		os.Exit(1)
	}
}
