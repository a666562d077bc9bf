// ABOUTME: Entry point for the ops-gateway control server
// ABOUTME: Admits agents, relays operator commands, and serves the operator API

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
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
	"github.com/google/uuid"

	"github.com/opsdeck/ops-gateway/internal/auth"
	"github.com/opsdeck/ops-gateway/internal/config"
	"github.com/opsdeck/ops-gateway/internal/events"
	"github.com/opsdeck/ops-gateway/internal/gateway"
	"github.com/opsdeck/ops-gateway/internal/geo"
	"github.com/opsdeck/ops-gateway/internal/hub"
	"github.com/opsdeck/ops-gateway/internal/relay"
	"github.com/opsdeck/ops-gateway/internal/session"
	"github.com/opsdeck/ops-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___  _ __  ___        __ _  __ _| |_ _____      ____ _ _   _
 / _ \| '_ \/ __|_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_) | |_) \__ \_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \___/| .__/|___/      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
      |_|              |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: OPS_GATEWAY_CONFIG env var > XDG_CONFIG_HOME/ops-gateway/gateway.yaml > ~/.config/ops-gateway/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("OPS_GATEWAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "ops-gateway", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: ops-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                                Start the gateway server")
		fmt.Println("  init --email EMAIL --password PASS   Create config and seed the admin account")
		fmt.Println("  health                               Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(ctx)
	case "health":
		err = runHealth(ctx)
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

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	if cfg.Geo.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Geo:      %s\n", cfg.Geo.Endpoint)
	}
	fmt.Println()

	logger.Info("starting ops-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	registry := session.NewRegistry(logger)
	observers := relay.NewObserverTable(logger)
	router := relay.NewRouter(registry, observers, logger)
	broadcaster := events.NewBroadcaster(logger)
	defer broadcaster.Close()

	var lookuper geo.Lookuper
	if cfg.Geo.Enabled {
		lookuper = geo.NewClient(cfg.Geo.Endpoint, cfg.Geo.Timeout, logger)
	}

	h := hub.New(hub.Params{
		Registry:  registry,
		Router:    router,
		Observers: observers,
		Store:     st,
		Events:    broadcaster,
		Geo:       lookuper,
		Logger:    logger,
		WriteWait: cfg.Agents.WriteTimeout,
		PongWait:  cfg.Agents.PongTimeout,
	})

	gw := gateway.New(gateway.Params{
		Config: cfg,
		Store:  st,
		Hub:    h,
		Events: broadcaster,
		Logger: logger,
	})

	return gw.Start(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	url := fmt.Sprintf("http://%s/healthz", addr)
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

// runInit writes a config file with a random JWT secret (unless one already
// exists) and seeds the admin operator account.
func runInit(ctx context.Context) error {
	var email, password string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--email":
			if i+1 >= len(args) {
				return fmt.Errorf("--email requires a value")
			}
			email = args[i+1]
			i++
		case strings.HasPrefix(arg, "--email="):
			email = strings.TrimPrefix(arg, "--email=")
		case arg == "--password":
			if i+1 >= len(args) {
				return fmt.Errorf("--password requires a value")
			}
			password = args[i+1]
			i++
		case strings.HasPrefix(arg, "--password="):
			password = strings.TrimPrefix(arg, "--password=")
		default:
			return fmt.Errorf("unknown argument: %s", arg)
		}
	}

	if email == "" || password == "" {
		return fmt.Errorf("--email and --password are required")
	}

	configPath := getConfigPath()
	green := color.New(color.FgGreen)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating jwt secret: %w", err)
		}
		secret := base64.StdEncoding.EncodeToString(secretBytes)

		var b strings.Builder
		b.WriteString("# ops-gateway configuration\n")
		b.WriteString("# Generated by ops-gateway init\n\n")
		b.WriteString("server:\n")
		b.WriteString("  http_addr: \":8080\"\n\n")
		b.WriteString("database:\n")
		b.WriteString("  path: \"data/ops-gateway.db\"\n\n")
		b.WriteString("auth:\n")
		b.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", secret))
		b.WriteString("  token_ttl: \"12h\"\n\n")
		b.WriteString("geo:\n")
		b.WriteString("  enabled: true\n")
		b.WriteString("  endpoint: \"http://ip-api.com/json\"\n")
		b.WriteString("  timeout: \"5s\"\n\n")
		b.WriteString("agents:\n")
		b.WriteString("  write_timeout: \"10s\"\n")
		b.WriteString("  pong_timeout: \"60s\"\n\n")
		b.WriteString("logging:\n")
		b.WriteString("  level: \"info\"\n")
		b.WriteString("  format: \"text\"\n")

		if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.WriteFile(configPath, []byte(b.String()), 0o600); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}
		green.Print("  ✓ ")
		fmt.Printf("Config written to %s\n", configPath)
	} else {
		fmt.Printf("  Config already exists at %s, keeping it\n", configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	err = st.CreateUser(ctx, &store.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		Role:         auth.RoleAdmin,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("creating admin user: %w", err)
	}

	green.Print("  ✓ ")
	fmt.Printf("Admin account %s created\n", email)
	return nil
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
