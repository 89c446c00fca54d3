// ABOUTME: Entry point for the hivewire agent communication relay
// ABOUTME: Runs the broker, connection manager and status endpoints

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/hivewire/hivewire/internal/breaker"
	"github.com/hivewire/hivewire/internal/broker"
	"github.com/hivewire/hivewire/internal/config"
	"github.com/hivewire/hivewire/internal/connmgr"
	"github.com/hivewire/hivewire/internal/httpapi"
	"github.com/hivewire/hivewire/internal/store"
	"github.com/hivewire/hivewire/internal/transport"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _     _              _
 | |__ (_)_   _____   | |_      __(_)_ __ ___
 | '_ \| \ \ / / _ \  | \ \ /\ / /| | '__/ _ \
 | | | | |\ V /  __/  | |\ V  V / | | | |  __/
 |_| |_|_| \_/ \___|  |_| \_/\_/  |_|_|  \___|
`

// getConfigPath returns the path to the hivewire config file.
// Priority: HIVEWIRE_CONFIG env var > XDG_CONFIG_HOME/hivewire/hivewire.yaml > ~/.config/hivewire/hivewire.yaml
func getConfigPath() string {
	if envPath := os.Getenv("HIVEWIRE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "hivewire.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "hivewire", "hivewire.yaml")
}

// getDataPath returns the path to the hivewire data directory.
// Priority: XDG_DATA_HOME/hivewire > ~/.local/share/hivewire
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "hivewire")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: hivewire <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the broker")
		fmt.Println("  init     Write a starter config file")
		fmt.Println("  health   Check broker health")
		fmt.Println("  agents   List discovered agents")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Println()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	b := broker.New(broker.Config{
		ID:                cfg.Broker.ID,
		DefaultMaxRetries: cfg.Broker.DefaultMaxRetries,
		RequestTimeout:    cfg.Broker.RequestTimeout,
		CleanupInterval:   cfg.Broker.CleanupInterval,
		RetentionWindow:   cfg.Broker.RetentionWindow,
	}, st, broker.WithLogger(logger))

	if err := registerTransports(ctx, b, cfg, logger); err != nil {
		return err
	}

	mgr, err := buildConnManager(cfg, logger)
	if err != nil {
		return err
	}

	if err := b.Start(); err != nil {
		return fmt.Errorf("starting broker: %w", err)
	}
	defer b.Stop()

	if mgr != nil {
		if err := mgr.Start(); err != nil {
			return fmt.Errorf("starting connection manager: %w", err)
		}
		defer mgr.Stop()
	}

	mux := http.NewServeMux()
	httpapi.New(b, mgr, logger).Routes(mux)

	listenPath := cfg.Server.ListenPath
	if listenPath == "" {
		listenPath = "/ws"
	}
	mux.Handle(listenPath, transport.NewListener(func(t *transport.WebSocket) {
		b.RegisterTransport("accepted", t)
	}, logger))

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: mux,
	}

	logger.Info("starting hivewire",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"broker_id", b.ID(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// registerTransports dials and registers the configured websocket
// peers in config order, which is the broker's dispatch order.
func registerTransports(ctx context.Context, b *broker.Broker, cfg *config.Config, logger *slog.Logger) error {
	for _, wc := range cfg.Transports.WebSocket {
		t := transport.NewWebSocket(wc.Name, wc.URL, logger)
		if err := t.Connect(ctx); err != nil {
			// Peer may come up later; register anyway, Healthy() gates dispatch.
			logger.Warn("transport dial failed", "transport", wc.Name, "error", err)
		}

		if wc.BreakerPreset == "off" {
			b.RegisterTransport(wc.Name, t)
			continue
		}

		bcfg, err := breaker.PresetConfig(wc.BreakerPreset)
		if err != nil {
			return fmt.Errorf("transport %s: %w", wc.Name, err)
		}
		cb, err := breaker.New(wc.Name, bcfg, breaker.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("transport %s: %w", wc.Name, err)
		}
		b.RegisterTransport(wc.Name, t, broker.WithBreaker(cb))
	}
	return nil
}

// buildConnManager wires roster discovery and the configured health
// probe. Returns nil when no roster is configured.
func buildConnManager(cfg *config.Config, logger *slog.Logger) (*connmgr.Manager, error) {
	if cfg.Discovery.RosterPath == "" {
		return nil, nil
	}

	roster, err := connmgr.LoadRoster(cfg.Discovery.RosterPath)
	if err != nil {
		return nil, fmt.Errorf("loading roster: %w", err)
	}

	var check connmgr.HealthCheckFunc
	switch cfg.Discovery.HealthCheck {
	case "tcp":
		check = connmgr.TCPHealthCheck()
	default:
		check = connmgr.GRPCHealthCheck()
	}

	mgr := connmgr.New(connmgr.Config{
		DiscoveryInterval:   cfg.Discovery.DiscoveryInterval,
		HealthCheckInterval: cfg.Discovery.HealthCheckInterval,
		HealthCheckTimeout:  cfg.Discovery.HealthCheckTimeout,
		ProbeRetries:        cfg.Discovery.ProbeRetries,
	}, connmgr.RosterDiscovery(roster), check, connmgr.WithLogger(logger))

	return mgr, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/agents", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("agents check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

func runInit() error {
	configPath := getConfigPath()
	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "hivewire.db")

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configContent := fmt.Sprintf(`# hivewire configuration
# Generated by hivewire init

broker:
  id: ""                     # defaults to a generated id
  default_max_retries: 3
  request_timeout: "5s"
  cleanup_interval: "1m"
  retention_window: "24h"

discovery:
  roster_path: ""            # TOML roster of {role, port} agents
  health_check: "grpc"       # grpc or tcp
  probe_retries: 1
  discovery_interval: "30s"
  health_check_interval: "10s"
  health_check_timeout: "5s"

transports:
  websocket: []
  # - name: "agent-2"
  #   url: "ws://localhost:8091/ws"
  #   breaker_preset: "default"

server:
  http_addr: "localhost:8090"
  listen_path: "/ws"

database:
  path: "%s"

logging:
  level: "info"
  format: "text"
`, dbPath)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println("\nTo start the broker:")
	fmt.Println("  hivewire serve")

	return nil
}
