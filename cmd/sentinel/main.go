// Package main — cmd/sentinel/main.go
//
// sentinel agent entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/sentinel/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Open the optional bbolt telemetry ledger, prune stale entries.
//  4. Start Prometheus metrics server (127.0.0.1:9091).
//  5. Start the session manager.
//  6. Start the event ingest listener (Unix domain socket).
//  7. Start the operator override socket (if enabled).
//  8. Register SIGHUP handler that re-reads and validates the config file.
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Pause 200ms so the listeners' accept loops unwind; in-flight ingest
//     connections are not waited for.
//  3. Close the telemetry ledger.
//  4. Flush the logger.
//  5. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/octoreflex/sentinel/contrib"
	"github.com/octoreflex/sentinel/internal/config"
	"github.com/octoreflex/sentinel/internal/observability"
	"github.com/octoreflex/sentinel/internal/operator"
	"github.com/octoreflex/sentinel/internal/pipeline"
	"github.com/octoreflex/sentinel/internal/session"
	"github.com/octoreflex/sentinel/internal/telemetry"
	"github.com/octoreflex/sentinel/internal/types"
)

// ingestRequest is one line of the event ingest protocol: a session ID and
// the AgentEvent to run through that session's Pipeline.
type ingestRequest struct {
	SessionID string           `json:"session_id"`
	Event     types.AgentEvent `json:"event"`
}

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/sentinel/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("sentinel %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("sentinel starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open telemetry ledger ─────────────────────────────────────────
	var ledger *telemetry.Ledger
	if cfg.Storage.Enabled {
		ledger, err = telemetry.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
		if err != nil {
			log.Fatal("telemetry ledger open failed", zap.Error(err),
				zap.String("path", cfg.Storage.DBPath))
		}
		defer ledger.Close() //nolint:errcheck
		log.Info("telemetry ledger opened", zap.String("path", cfg.Storage.DBPath))

		pruned, err := ledger.Prune()
		if err != nil {
			log.Warn("ledger pruning failed", zap.Error(err))
		} else {
			log.Info("ledger pruned", zap.Int("deleted", pruned))
		}
	} else {
		log.Info("telemetry ledger disabled (in-memory only)")
	}

	// ── Step 4: Prometheus metrics ────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 5: Session manager ───────────────────────────────────────────────
	manager := session.NewManager()
	adapter := &contrib.NoopAdapter{}

	// ── Step 6: Event ingest listener ─────────────────────────────────────────
	ingestSocket := "/run/sentinel/ingest.sock"
	go func() {
		if err := serveIngest(ctx, ingestSocket, *cfg, manager, ledger, adapter, metrics, log); err != nil {
			log.Error("ingest listener error", zap.Error(err))
		}
	}()
	log.Info("event ingest listening", zap.String("path", ingestSocket))

	// ── Step 7: Operator override socket ──────────────────────────────────────
	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, manager, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	} else {
		log.Info("operator socket disabled")
	}

	// ── Step 8: SIGHUP hot-reload ─────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			// The reloaded config is validated and logged only. It is not
			// handed to the ingest listener: new and existing sessions keep
			// the config the daemon started with.
			log.Info("config reloaded and validated; not applied (sessions keep the startup config)",
				zap.String("schema_version", newCfg.SchemaVersion))
		}
	}()

	// ── Step 9: Wait for shutdown signal ──────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	time.Sleep(200 * time.Millisecond) // let listeners unwind their accept loops

	log.Info("sentinel shutdown complete")
}

// serveIngest accepts newline-delimited JSON ingestRequests over a Unix
// domain socket, routing each to (creating, if necessary) the named
// session's Pipeline.
func serveIngest(
	ctx context.Context,
	socketPath string,
	cfg config.Config,
	manager *session.Manager,
	ledger *telemetry.Ledger,
	adapter contrib.ExecutionAdapter,
	metrics *observability.Metrics,
	log *zap.Logger,
) error {
	_ = os.Remove(socketPath)
	if err := os.MkdirAll("/run/sentinel", 0o700); err != nil {
		return fmt.Errorf("ingest: mkdir /run/sentinel: %w", err)
	}

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("ingest: listen %q: %w", socketPath, err)
	}
	defer lis.Close()

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Error("ingest: accept error", zap.Error(err))
				continue
			}
		}
		go handleIngestConn(conn, cfg, manager, ledger, adapter, metrics, log)
	}
}

// lastModes tracks each session's previously observed mode so metrics.Observe
// can report real fromMode -> toMode transitions instead of a same-value
// no-op. Ingest connections are transient but sessions outlive them, so this
// lives at listener scope rather than per-connection.
var lastModes sync.Map

func handleIngestConn(
	conn net.Conn,
	cfg config.Config,
	manager *session.Manager,
	ledger *telemetry.Ledger,
	adapter contrib.ExecutionAdapter,
	metrics *observability.Metrics,
	log *zap.Logger,
) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req ingestRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			log.Warn("ingest: invalid JSON", zap.Error(err))
			continue
		}
		if req.SessionID == "" {
			log.Warn("ingest: missing session_id")
			continue
		}

		p, ok := manager.Get(req.SessionID)
		if !ok {
			var sink pipeline.Sink = pipeline.NopSink{}
			if ledger != nil {
				sink = telemetry.NewSink(ledger, req.SessionID)
			}
			p = pipeline.New(req.SessionID, cfg, types.RealClock, adapter, sink)
			manager.Register(req.SessionID, p)
			metrics.ActiveSessions.Set(float64(manager.Count()))
		}

		outcome := p.Process(req.Event)

		toMode := outcome.State.Mode.String()
		fromMode := toMode
		if prev, ok := lastModes.Load(req.SessionID); ok {
			fromMode = prev.(string)
		}
		lastModes.Store(req.SessionID, toMode)

		metrics.Observe(
			fromMode, toMode, outcome.State.Intensity.String(),
			outcome.Intent.Intent.String(), outcome.Intent.Confidence,
			outcome.Decision.Allowed, string(outcome.Decision.VetoReason),
			outcome.Decision.RemainingBudget,
			p.Health().Score,
			outcome.Result.Status.String(), float64(outcome.Result.LatencyMs)/1000.0,
		)
	}
	if err := scanner.Err(); err != nil {
		log.Warn("ingest: connection read error", zap.Error(err))
	}
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
