// Package main runs two in-process ledgers joined by a relayer and prints
// what happened to each send. It needs no NATS server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c360/clpr/clpr"
	"github.com/c360/clpr/config"
	"github.com/c360/clpr/metric"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "clpr-smoke: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	defaults := config.Default().Relayer

	fs := flag.NewFlagSet("clpr-smoke", flag.ContinueOnError)
	fs.SetOutput(stderr)
	sends := fs.Int("sends", 4, "Number of sends from ledger-a to ledger-b")
	poll := fs.Duration("poll-interval", 20*time.Millisecond, "Relayer poll interval")
	start := fs.Uint64("start-id", defaults.StartMessageID, "First ledger-a message id the relayer looks for")
	timeout := fs.Duration("response-timeout", 5*time.Second, "How long to wait for each response")
	state := fs.String("state", "", "File keeping ledger-a's remote status between runs")
	asJSON := fs.Bool("json", false, "Print the report as JSON")
	verbose := fs.Bool("v", false, "Log middleware and relayer activity to stderr")
	configPath := fs.String("config", "", "Node config whose relayer section replaces the -poll-interval and -start-id defaults")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sends <= 0 {
		return fmt.Errorf("sends must be positive, got %d", *sends)
	}
	pollInterval, startID, err := relayerSettings(fs, *configPath, *poll, *start)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})).
		With("service", "clpr-smoke")

	rep, err := runScenario(ctx, scenarioConfig{
		Sends:           *sends,
		PollInterval:    pollInterval,
		StartMessageID:  startID,
		ResponseTimeout: *timeout,
		StatePath:       *state,
		Registry:        metric.NewMetricsRegistry(),
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	printReport(stdout, rep)
	return nil
}

func printReport(w io.Writer, rep *report) {
	for _, o := range rep.Outcomes {
		attempts := make([]string, 0, len(o.Attempts))
		for _, a := range o.Attempts {
			if a.Status == clpr.AttemptAccepted {
				attempts = append(attempts, "accepted")
				continue
			}
			attempts = append(attempts, fmt.Sprintf("rejected(%s/%s)", a.Reason, a.Side))
		}
		if o.Accepted {
			_, _ = fmt.Fprintf(w, "send %d: accepted via %s as message %d [%s] -> %s\n",
				o.Send, o.Connector, o.AppMessageID, strings.Join(attempts, ", "), o.ResponseStatus)
		} else {
			_, _ = fmt.Fprintf(w, "send %d: rejected [%s]\n", o.Send, strings.Join(attempts, ", "))
		}
	}

	_, _ = fmt.Fprintln(w)
	for _, c := range rep.Connectors {
		_, _ = fmt.Fprintf(w, "connector %-8s destination funds %-6s authorize %d (refused %d) skipped %d charged %d\n",
			c.Name, c.DestinationFunds,
			c.Source.AuthorizeCount, c.Source.AuthorizeRefusedCount, c.Source.SendRejectedCount,
			c.Destination.ChargeCount)
	}
	if rep.WarmStarted > 0 {
		_, _ = fmt.Fprintf(w, "remote statuses loaded from state: %d\n", rep.WarmStarted)
	}
	_, _ = fmt.Fprintf(w, "sends accepted %d, exhausted %d, responses %d, echo requests %d\n",
		rep.SourceStats.SendsAccepted, rep.SourceStats.SendsExhausted, rep.Responses, rep.EchoRequests)
}

// relayerSettings returns the relayer poll interval and start id. Values from
// the config file at path override the flag defaults; flags given on the
// command line override the file.
func relayerSettings(fs *flag.FlagSet, path string, poll time.Duration, start uint64) (time.Duration, uint64, error) {
	if path == "" {
		return poll, start, nil
	}
	cfg, err := config.NewLoader().LoadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("load %s: %w", path, err)
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	if !explicit["poll-interval"] {
		poll = cfg.Relayer.PollInterval.Duration
	}
	if !explicit["start-id"] {
		start = cfg.Relayer.StartMessageID
	}
	return poll, start, nil
}
