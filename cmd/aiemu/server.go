package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tinytelemetry/aiemu/internal/backup"
	"github.com/tinytelemetry/aiemu/internal/broadcast"
	"github.com/tinytelemetry/aiemu/internal/duckdb"
	"github.com/tinytelemetry/aiemu/internal/httpserver"
	"github.com/tinytelemetry/aiemu/internal/ingest"
	"github.com/tinytelemetry/aiemu/internal/logger"
	"github.com/tinytelemetry/aiemu/internal/metrics"
	"github.com/tinytelemetry/aiemu/internal/otlp"
	"github.com/tinytelemetry/aiemu/internal/tcpserver"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// runServer wires storage, the ingestion pipeline and every intake surface,
// then blocks until SIGINT or SIGTERM.
func runServer(cfg appConfig) error {
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	var (
		m        *metrics.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg)
		gatherer = reg
	}

	// Initialize DuckDB store
	store, err := duckdb.NewStore(cfg.DBPath, duckdb.StoreConfig{
		QueryTimeout: cfg.QueryTimeout,
		Logger:       log.Named("duckdb"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	defer store.Close()

	// Start retention cleaner for automatic expiry
	retentionCleaner := duckdb.NewRetentionCleaner(store, duckdb.RetentionConfig{
		RetentionDays: cfg.LogRetention,
		Logger:        log.Named("duckdb"),
	})
	if retentionCleaner != nil {
		defer retentionCleaner.Stop()
	}

	// Start periodic backups when enabled.
	backupManager, err := backup.NewManager(store, backup.Config{
		Enabled:        cfg.BackupEnabled,
		Interval:       cfg.BackupInterval,
		LocalDir:       cfg.BackupLocalDir,
		KeepLast:       cfg.BackupKeepLast,
		BucketURL:      cfg.BackupBucketURL,
		S3Endpoint:     cfg.BackupS3Endpoint,
		S3Region:       cfg.BackupS3Region,
		S3AccessKey:    cfg.BackupS3AccessKey,
		S3SecretKey:    cfg.BackupS3SecretKey,
		S3SessionToken: cfg.BackupS3SessionToken,
		S3UseSSL:       cfg.BackupS3UseSSL,
		Logger:         log.Named("backup"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize backups: %w", err)
	}
	if backupManager != nil {
		defer backupManager.Stop()
	}

	live := broadcast.New(broadcast.Config{
		Logger:  log.Named("broadcast"),
		Metrics: m,
	})
	// Deferred before the intake surfaces so it runs after they stop.
	defer live.Close()

	if cfg.KafkaEnabled {
		sink, err := broadcast.NewKafkaSink(broadcast.KafkaConfig{
			Brokers:         cfg.KafkaBrokers,
			Topic:           cfg.KafkaTopic,
			MaxMessageBytes: cfg.KafkaMaxMessageBytes,
			Logger:          log.Named("kafka"),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize kafka mirror: %w", err)
		}
		// The broadcaster owns the sink and closes it on shutdown.
		live.Subscribe(sink)
	}

	pipeline := ingest.NewPipeline(store, live, ingest.Config{
		MaxDecodedBytes: cfg.MaxDecodedBytes,
		Logger:          log.Named("ingest"),
		Metrics:         m,
	})

	apiServer := httpserver.NewServer(cfg.Addr, store, pipeline, live, httpserver.Config{
		MaxBodyBytes: cfg.MaxBodyBytes,
		Live: broadcast.WSConfig{
			OutboxSize:   cfg.LiveOutboxSize,
			WriteTimeout: cfg.LiveWriteTimeout,
			PingInterval: cfg.LivePingInterval,
		},
		Logger:   log.Named("httpserver"),
		Metrics:  m,
		Gatherer: gatherer,
	})
	if err := apiServer.Listen(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	defer apiServer.Stop()
	intakes := []intake{{
		name:  "http",
		serve: apiServer.Serve,
		stop:  func() { _ = apiServer.Stop() },
	}}

	if cfg.OTLPEnabled {
		receiver := otlp.NewReceiver(cfg.OTLPAddr, pipeline, otlp.Config{
			Logger: log.Named("otlp"),
		})
		if err := receiver.Listen(); err != nil {
			return fmt.Errorf("failed to start OTLP receiver: %w", err)
		}
		defer receiver.Stop()
		intakes = append(intakes, intake{name: "otlp", serve: receiver.Serve, stop: receiver.Stop})
	}

	if cfg.TCPEnabled {
		tcp := tcpserver.NewServer(cfg.TCPAddr, pipeline, tcpserver.ServerConfig{
			Logger: log.Named("tcpserver"),
		})
		if err := tcp.Listen(); err != nil {
			return fmt.Errorf("failed to start TCP intake: %w", err)
		}
		defer tcp.Stop()
		intakes = append(intakes, intake{name: "tcp", serve: tcp.Serve, stop: func() { _ = tcp.Stop() }})
	}

	// Set up context and signal handling before errgroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	printStartupBanner(cfg)
	log.Info("server started",
		zap.String("addr", apiServer.Addr()),
		zap.String("db_path", cfg.DBPath),
		zap.Bool("otlp", cfg.OTLPEnabled),
		zap.Bool("tcp", cfg.TCPEnabled),
		zap.Bool("kafka", cfg.KafkaEnabled),
	)

	err = runIntakes(ctx, log, intakes)

	// Deferred calls now stop the broadcaster, background jobs and
	// finally the store.
	log.Info("shutting down")
	if err != nil {
		return fmt.Errorf("intake failed: %w", err)
	}
	return nil
}

// intake is one listening surface feeding the pipeline.
type intake struct {
	name  string
	serve func() error
	stop  func()
}

// runIntakes serves every intake under one errgroup. Cancelling ctx or the
// first serve failure stops all of them, newest first.
func runIntakes(ctx context.Context, log *zap.Logger, intakes []intake) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, in := range intakes {
		g.Go(func() error {
			if err := in.serve(); err != nil {
				log.Error("intake stopped unexpectedly", zap.String("intake", in.name), zap.Error(err))
				return fmt.Errorf("%s: %w", in.name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		for i := len(intakes) - 1; i >= 0; i-- {
			intakes[i].stop()
		}
		return nil
	})
	return g.Wait()
}

func printStartupBanner(cfg appConfig) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	status := func(label string, enabled bool, value string) string {
		if enabled {
			return fmt.Sprintf("    %s  %-14s %s", check, label, cyan.Render(value))
		}
		return fmt.Sprintf("    %s  %-14s %s", dot, label, dim.Render("disabled"))
	}

	logo := cyan.Bold(true).Render(`
    ╔═╗╦╔═╗╔╦╗╦ ╦
    ╠═╣║║╣ ║║║║ ║
    ╩ ╩╩╚═╝╩ ╩╚═╝`)

	separator := dim.Render("    ─────────────────────────────────")

	lines := []string{"", logo, "    " + dim.Render("v"+version), "", separator, ""}

	lines = append(lines, bold.Render("    Intake"), "")
	lines = append(lines, status("HTTP Track", true, "http://"+cfg.Addr+"/v2/track"))
	lines = append(lines, status("Live Stream", true, "ws://"+cfg.Addr+"/live"))
	lines = append(lines, status("OTLP gRPC", cfg.OTLPEnabled, cfg.OTLPAddr))
	lines = append(lines, status("TCP NDJSON", cfg.TCPEnabled, cfg.TCPAddr))
	lines = append(lines, status("Kafka Mirror", cfg.KafkaEnabled, cfg.KafkaTopic))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Storage"), "")
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "in-memory"
	}
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Storage", dim.Render(shortenPath(dbPath))))
	lines = append(lines, status("Snapshots", cfg.BackupEnabled, shortenPath(cfg.BackupLocalDir)))
	lines = append(lines, status("Retention", cfg.LogRetention > 0, fmt.Sprintf("%d days", cfg.LogRetention)))
	lines = append(lines, status("Metrics", cfg.MetricsEnabled, "http://"+cfg.Addr+"/metrics"))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", dot, "Config File", dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
