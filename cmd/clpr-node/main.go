// Package main runs a CLPR node: one ledger's middleware served over NATS
// JetStream, with its connectors and applications built from a config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/clpr/clpr"
	"github.com/c360/clpr/config"
	"github.com/c360/clpr/errors"
	"github.com/c360/clpr/feed"
	"github.com/c360/clpr/health"
	"github.com/c360/clpr/metric"
	"github.com/c360/clpr/natsclient"
	"github.com/c360/clpr/store"
	"github.com/c360/clpr/transport/natsqueue"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "clpr-node"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Node failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cli, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cli.ShowHelp {
		printDetailedHelp(flag.CommandLine)
		return nil
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	logger := setupLogger(os.Stdout, cfg.Node.LogLevel, cfg.Node.LogFormat)
	slog.SetDefault(logger)

	if cli.Validate {
		logger.Info("Configuration is valid", "ledger_id", cfg.Node.LedgerID)
		return nil
	}

	logger.Info("Starting CLPR node",
		"ledger_id", cfg.Node.LedgerID,
		"build_time", BuildTime,
		"config_path", cli.ConfigPath)

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	n, err := startNode(signalCtx, cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("CLPR node started")
	<-n.ctx.Done()
	if signalCtx.Err() != nil {
		logger.Info("Received shutdown signal")
	} else {
		logger.Error("Background task stopped the node")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cli.ShutdownTimeout)
	defer cancel()
	n.stop(shutdownCtx)

	logger.Info("CLPR node shutdown complete")
	return nil
}

func loadConfig(cli *CLIConfig) (*config.Config, error) {
	cfg, err := config.NewLoader().LoadFile(cli.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cli.LedgerID != "" {
		cfg.Node.LedgerID = cli.LedgerID
	}
	if cli.LogLevel != "" {
		cfg.Node.LogLevel = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Node.LogFormat = cli.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// node owns everything started for one ledger.
type node struct {
	logger        *slog.Logger
	client        *natsclient.Client
	hub           *feed.Hub
	feedServer    *http.Server
	metricsServer *metric.Server
	stateFile     *store.BoltStatusStore
	background    *errgroup.Group
	ctx           context.Context
	cancel        context.CancelFunc
}

func startNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *node, err error) {
	ctx, cancel := context.WithCancel(ctx)
	n := &node{logger: logger, cancel: cancel}
	n.background, ctx = errgroup.WithContext(ctx)
	n.ctx = ctx
	defer func() {
		if err != nil {
			n.stop(context.Background())
		}
	}()

	ledger := clpr.LedgerID(cfg.Node.LedgerID)
	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	registry.Core.NodeInfo.WithLabelValues(string(ledger), Version).Set(1)

	n.client, err = natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","),
		natsclient.WithLogger(logger),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			registry.Core.RecordNATS(healthy, n.client.Status() == natsclient.StatusCircuitOpen)
		}),
		natsclient.WithClientName(fmt.Sprintf("%s-%s", appName, ledger)),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Duration),
		natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password),
		natsclient.WithToken(cfg.NATS.Token),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	if err := connectToNATS(ctx, n.client, logger); err != nil {
		return nil, err
	}
	monitor.Register("nats", n.client.Health)

	queue, err := natsqueue.New(n.client, ledger,
		natsqueue.WithStream(cfg.NATS.Stream),
		natsqueue.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create queue: %w", err)
	}
	if err := queue.Setup(ctx); err != nil {
		return nil, fmt.Errorf("set up stream: %w", err)
	}

	statuses, err := n.openStatusStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open status store: %w", err)
	}

	mwOpts := []clpr.MiddlewareOption{
		clpr.WithLogger(logger),
		clpr.WithMetrics(registry),
		clpr.WithPendingPolicy(pendingPolicy(cfg.Pending)),
		clpr.WithStatusPersister(statuses),
	}
	if cfg.Feed.Enabled {
		n.hub, err = feed.NewHub(string(ledger), feed.WithLogger(logger), feed.WithMetrics(registry))
		if err != nil {
			return nil, fmt.Errorf("create feed: %w", err)
		}
		mwOpts = append(mwOpts, clpr.WithObserver(n.hub))
	}

	mw, err := clpr.NewMiddleware(queue, ledger, mwOpts...)
	if err != nil {
		return nil, fmt.Errorf("create middleware: %w", err)
	}
	routes, err := buildRouting(mw, cfg, logger)
	if err != nil {
		return nil, err
	}

	loaded, err := mw.WarmStart(ctx)
	if err != nil {
		logger.Warn("Remote status warm start failed", "error", err)
	} else {
		logger.Info("Remote status warm start complete", "statuses", loaded)
	}

	if err := queue.Start(ctx, mw); err != nil {
		return nil, fmt.Errorf("start queue: %w", err)
	}

	for id, src := range routes.sources {
		subject := SendSubject(ledger, id)
		if err := n.client.Reply(ctx, subject, sendHandler(src, logger)); err != nil {
			return nil, fmt.Errorf("serve %s: %w", subject, err)
		}
		logger.Info("Serving send trigger", "app_id", id, "subject", subject)
	}

	monitor.Register("middleware", func() health.Status {
		stats := mw.Stats()
		return health.NewHealthy("middleware", "routing").
			WithDetail("pending", mw.PendingCount()).
			WithDetail("sends_accepted", stats.SendsAccepted).
			WithDetail("sends_exhausted", stats.SendsExhausted)
	})

	if cfg.Pending.Policy == config.PendingExpire {
		n.background.Go(func() error {
			return mw.RunExpiry(ctx, cfg.Pending.SweepInterval.Duration)
		})
	}

	if cfg.Metrics.Enabled {
		n.metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, monitor)
		if err := n.metricsServer.Start(); err != nil {
			return nil, fmt.Errorf("start metrics server: %w", err)
		}
		logger.Info("Metrics server started", "address", n.metricsServer.Address())
	}

	if n.hub != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Feed.Path, n.hub)
		n.feedServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Feed.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		server := n.feedServer
		n.background.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.WrapTransient(err, "node", "serveFeed", "serve event feed")
			}
			return nil
		})
		logger.Info("Event feed started", "port", cfg.Feed.Port, "path", cfg.Feed.Path)
	}

	return n, nil
}

func (n *node) openStatusStore(ctx context.Context, cfg *config.Config) (clpr.StatusPersister, error) {
	if cfg.Node.StatePath == "" {
		return store.NewKVStatusStore(ctx, n.client, cfg.NATS.StatusBucket)
	}
	bolt, err := store.OpenBoltStatusStore(cfg.Node.StatePath)
	if err != nil {
		return nil, err
	}
	n.stateFile = bolt
	n.logger.Info("Remote status kept in local file", "path", cfg.Node.StatePath)
	return bolt, nil
}

func connectToNATS(ctx context.Context, client *natsclient.Client, logger *slog.Logger) error {
	logger.Info("Connecting to NATS", "url", client.URL())
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}
	return nil
}

// stop releases everything in reverse start order. Safe on a partial node.
func (n *node) stop(ctx context.Context) {
	n.cancel()

	if n.feedServer != nil {
		if err := n.feedServer.Shutdown(ctx); err != nil {
			n.logger.Warn("Feed server shutdown failed", "error", err)
		}
	}
	if n.hub != nil {
		n.hub.Close()
	}
	if err := n.background.Wait(); err != nil {
		n.logger.Warn("Background task failed", "error", err)
	}
	if n.metricsServer != nil {
		if err := n.metricsServer.Stop(ctx); err != nil {
			n.logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	if n.stateFile != nil {
		if err := n.stateFile.Close(); err != nil {
			n.logger.Warn("State file close failed", "error", err)
		}
	}
	if n.client != nil {
		if err := n.client.Close(ctx); err != nil {
			n.logger.Warn("NATS close failed", "error", err)
		}
	}
}
