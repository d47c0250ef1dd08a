// pushtail connects to a push endpoint and prints the frames it receives.
// JSON lines read from stdin are sent to the server.
//
// Usage:
//
//	pushtail -config config.example.yaml
//	pushtail -endpoint wss://app.example.com/ws/notifications -types task_update,follow_stats
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/pushsession/internal/config"
	"github.com/rickgao/pushsession/internal/connection"
	"github.com/rickgao/pushsession/internal/database"
	"github.com/rickgao/pushsession/internal/journal"
	"github.com/rickgao/pushsession/internal/metrics"
	"github.com/rickgao/pushsession/internal/router"
	"github.com/rickgao/pushsession/internal/session"
	"github.com/rickgao/pushsession/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	endpoint := flag.String("endpoint", "", "push endpoint, overrides session.endpoint")
	types := flag.String("types", router.TypeWildcard, "comma-separated message types to print")
	verbose := flag.Bool("verbose", false, "debug logging and indented frames")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *endpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pushtail: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log, *verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pushtail: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	logger.Info("starting pushtail",
		"version", version.Version,
		"commit", version.Commit,
		"endpoint", cfg.Session.Endpoint,
	)

	if err := run(cfg, strings.Split(*types, ","), *verbose, logger); err != nil {
		logger.Error("pushtail stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("pushtail stopped")
}

func loadConfig(path, endpoint string) (*config.Config, error) {
	cfg := &config.Config{}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if endpoint != "" {
		cfg.Session.Endpoint = endpoint
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, verbose bool) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	// Frames go to stdout, logs to stderr.
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func run(cfg *config.Config, types []string, verbose bool, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewCollector(reg, types...)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	opts := []connection.Option{connection.WithObserver(collector)}

	var jw *journal.Writer
	if cfg.Journal.Enabled {
		db := cfg.Journal.Database
		logger.Info("connecting to journal database",
			"host", db.Host,
			"port", db.Port,
			"database", db.Name,
		)
		pool, err := database.Connect(ctx, db)
		if err != nil {
			return fmt.Errorf("journal database: %w", err)
		}
		defer pool.Close()

		if err := journal.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		jw = journal.NewWriter(journal.Config{
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
		}, pool, logger)
		if err := jw.Start(ctx); err != nil {
			return err
		}
		opts = append(opts, connection.WithObserver(jw))
	}

	connCfg, err := cfg.Session.Connection()
	if err != nil {
		return err
	}

	if creds := cfg.Session.Credentials(); creds != nil {
		dialer := connection.NewWSDialer(connCfg, logger)
		dialer.Auth = creds
		opts = append(opts, connection.WithDialer(dialer))
	}

	provider := session.NewProvider(connCfg, logger, opts...)
	h := provider.Acquire()
	mgr := provider.Session().Manager()

	out := newPrinter(os.Stdout, verbose)
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			h.Subscribe(t, out.frame)
		}
	}
	h.Subscribe(router.TypeConnectionState, func(msg router.Message) {
		if change, err := connection.DecodeStateChange(msg); err == nil {
			logger.Debug("state", "from", change.From, "to", change.To, "attempt", change.Attempt)
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := h.Connect(gctx)
		if errors.Is(err, connection.ErrExhaustedRetries) {
			return err
		}
		<-gctx.Done()
		return nil
	})

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           newHTTPHandler(mgr, reg, cfg.Metrics.Path),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("starting http server", "port", cfg.Metrics.Port)
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// Blocks on stdin, so it stays out of the group.
	go pumpStdin(os.Stdin, h, logger)

	err = g.Wait()

	logger.Info("shutting down...")
	provider.Shutdown()
	h.Release()

	if jw != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		jw.Stop(stopCtx)
	}
	return err
}

type sender interface {
	SendRaw(data []byte) (bool, error)
}

// pumpStdin sends each non-empty JSON line from r.
func pumpStdin(r io.Reader, s sender, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !json.Valid([]byte(line)) {
			logger.Warn("skipping invalid JSON line", "line", line)
			continue
		}
		sent, err := s.SendRaw([]byte(line))
		switch {
		case err != nil:
			logger.Error("send failed", "error", err)
		case !sent:
			logger.Info("frame queued until connected")
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("reading stdin", "error", err)
	}
}
