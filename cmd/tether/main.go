// ABOUTME: Entry point for tether, the device pairing node and its CLI
// ABOUTME: `serve` runs the node; every other command drives the local node over HTTP

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/tether/internal/client"
	"github.com/2389/tether/internal/config"
	"github.com/2389/tether/internal/identity"
	"github.com/2389/tether/internal/server"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _       _   _
 | |_ ___| |_| |__   ___ _ __
 | __/ _ \ __| '_ \ / _ \ '__|
 | ||  __/ |_| | | |  __/ |
  \__\___|\__|_| |_|\___|_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(args)
	case "identity":
		err = cmdIdentity()
	case "token":
		err = cmdToken(ctx, args)
	case "join":
		err = cmdJoin(ctx, args)
	case "confirm":
		err = cmdConfirm(ctx, args)
	case "pairs":
		err = cmdPairs(ctx)
	case "revoke":
		err = cmdRevoke(ctx, args)
	case "auth":
		err = cmdAuth(ctx, args)
	case "bindings":
		err = cmdBindings(ctx, args)
	case "events":
		err = cmdEvents(ctx, args)
	case "audit":
		err = cmdAudit(ctx, args)
	case "discover":
		err = cmdDiscover(ctx, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		if code := client.Code(err); code != "" {
			color.Red("Error [%s]: %v\n", code, err)
		} else {
			color.Red("Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: tether <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  serve                      Start the pairing node")
	fmt.Println("  init [--http-addr A]       Write a config file and generate the device key")
	fmt.Println("  identity                   Show this device's identity")
	fmt.Println("  token [--compact]          Issue a pairing token")
	fmt.Println("  join <payload>             Pair with the device that issued <payload>")
	fmt.Println("  confirm <token> <code>     Confirm the verification code shown on the other device")
	fmt.Println("  pairs                      List paired devices")
	fmt.Println("  revoke <pair_id>           Remove a pairing and its sessions")
	fmt.Println("  auth <device_id> <endpoint> Authenticate to a paired device")
	fmt.Println("  bindings <account_id>      List service bindings of an account")
	fmt.Println("  events [type...]           Stream signaling events")
	fmt.Println("  audit [--limit N] [--action A]  Show the audit log")
	fmt.Println("  discover [--wait D]        Browse for tether nodes on the LAN (mDNS)")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  TETHER_CONFIG              Config file path (default: ~/.config/tether/tether.yaml)")
	fmt.Println()
}

func loadConfig() (*config.Config, string, error) {
	path := config.DefaultPath()
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, path, fmt.Errorf("no config at %s (run `tether init` first)", path)
		}
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// localClient returns a client for the admin API of the local node. Admin
// routes only accept loopback callers, so wildcard listen hosts are dialed on
// 127.0.0.1.
func localClient(cfg *config.Config) *client.Client {
	return client.New(localURL(cfg.Server.HTTPAddr))
}

func localURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Public:    %s\n", cfg.Server.PublicURL)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	if cfg.Discovery.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Discovery: %s every %s", cfg.Discovery.ListenAddr, cfg.Discovery.Interval)
		if cfg.Discovery.MDNS {
			yellow.Print(" [mdns]")
		}
		fmt.Println()
	}
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.MQTT.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("MQTT:      %s (%s)\n", cfg.MQTT.Broker, cfg.MQTT.TopicPrefix)
	}
	fmt.Println()

	logger.Info("starting tether",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

// runInit writes a starter config with a random JWT secret and generates the
// device key.
func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	httpAddr := fs.String("http-addr", "", "HTTP listen address (default 127.0.0.1:7447)")
	publicURL := fs.String("public-url", "", "URL peers use to reach this node")
	deviceName := fs.String("name", "", "display name of this device")
	deviceType := fs.String("type", "", "device type (desktop, laptop, mobile, ...)")
	path := fs.String("config", config.DefaultPath(), "config file to write (.yaml or .toml)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	cfg := config.Default(config.DefaultDataDir(), jwtSecret)
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	// Leave public_url empty unless given so it follows http_addr.
	cfg.Server.PublicURL = *publicURL
	cfg.Device.Name = *deviceName
	if *deviceType != "" {
		cfg.Device.Type = *deviceType
	}

	if err := cfg.Save(*path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("config already exists at %s", *path)
		}
		return err
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Printf("  ✓ Created config: %s\n", *path)

	if _, created, err := identity.LoadOrCreateKey(cfg.Device.KeyPath); err != nil {
		return fmt.Errorf("generating device key: %w", err)
	} else if created {
		green.Printf("  ✓ Generated device key: %s\n", cfg.Device.KeyPath)
	} else {
		green.Printf("  ✓ Using existing device key: %s\n", cfg.Device.KeyPath)
	}

	fmt.Println()
	yellow.Println("  Ready to go:")
	fmt.Println("    tether serve      # start the node")
	fmt.Println("    tether token      # pair another device")
	fmt.Println()
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
			mu:    &sync.Mutex{},
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes. The
// mutex is shared with every handler derived through WithAttrs and WithGroup.
type colorHandler struct {
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
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

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	// Handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		mu:     h.mu,
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
		mu:     h.mu,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
