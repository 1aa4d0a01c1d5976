// ABOUTME: Entry point for coven-chat server and terminal client
// ABOUTME: Serves the chat API, manages users and tokens, and runs interactive chat sessions

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/client"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                          _           _
  ___ _____   _____ _ __         ___| |__   __ _| |_
 / __/ _ \ \ / / _ \ '_ \ _____ / __| '_ \ / _' | __|
| (_| (_) \ V /  __/ | | |_____| (__| | | | (_| | |_
 \___\___/ \_/ \___|_| |_|      \___|_| |_|\__,_|\__|
`

const (
	defaultHTTPAddr = "localhost:8080"
	defaultGRPCAddr = "localhost:50051"
)

// getConfigDir returns the coven-chat config directory.
// Priority: XDG_CONFIG_HOME/coven-chat > ~/.config/coven-chat
func getConfigDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "." // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven-chat")
}

// getConfigPath returns the path to the config file.
// Priority: COVEN_CHAT_CONFIG env var > getConfigDir()/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_CHAT_CONFIG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), "config.yaml")
}

func getTokenPath() string {
	return filepath.Join(getConfigDir(), "token")
}

// getToken returns the JWT token from COVEN_CHAT_TOKEN env var or the token file
func getToken() string {
	if token := os.Getenv("COVEN_CHAT_TOKEN"); token != "" {
		return token
	}
	data, err := os.ReadFile(getTokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "user":
		err = runUser(ctx, os.Args[2:])
	case "token":
		err = runToken(ctx, os.Args[2:])
	case "login":
		err = runLogin(ctx, os.Args[2:])
	case "chat":
		err = runChat(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: coven-chat <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                        Start the chat server")
	fmt.Println("  user add --username NAME     Create a user (server side)")
	fmt.Println("  token --username NAME        Issue a token from the server config")
	fmt.Println("  login --username NAME        Log in over HTTP and save the token")
	fmt.Println("  chat [--with NAME]           Start an interactive chat session")
	fmt.Println("  health                       Check server readiness")
	fmt.Println("  version                      Print the version")
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
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting coven-chat",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

// runUser handles "user add".
func runUser(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "add" {
		return errors.New("usage: coven-chat user add --username NAME [--name DISPLAY] [--password PW]")
	}

	fs := flag.NewFlagSet("user add", flag.ContinueOnError)
	username := fs.String("username", "", "Login name")
	displayName := fs.String("name", "", "Display name")
	password := fs.String("password", "", "Password (prompted when empty)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *username == "" {
		return errors.New("--username is required")
	}
	if *password == "" {
		*password = readPassword("Password")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	st, err := server.OpenStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	profile, err := auth.NewIdentityProvider(st).Register(ctx, *username, *displayName, *password)
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created user: %s\n", profile.Username)
	fmt.Printf("  ID: %s\n", profile.ID)
	return nil
}

// runToken issues a token directly from the server's JWT secret. It needs
// the server config and database, so it runs on the server host.
func runToken(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	username := fs.String("username", "", "User to issue the token for")
	ttl := fs.Duration("ttl", 0, "Token lifetime (default auth.token_ttl)")
	save := fs.Bool("save", false, "Write the token to the local token file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" {
		return errors.New("--username is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	st, err := server.OpenStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	profile, err := st.GetProfileByUsername(ctx, *username)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", *username, err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = cfg.Auth.TokenTTL
	}
	token, err := verifier.Generate(profile.ID, lifetime)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if *save {
		return saveToken(token)
	}
	fmt.Println(token)
	return nil
}

// runLogin exchanges credentials for a token over HTTP and saves it.
func runLogin(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	httpAddr := fs.String("server", "", "HTTP address of the server")
	username := fs.String("username", "", "Login name")
	password := fs.String("password", "", "Password (prompted when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" {
		return errors.New("--username is required")
	}
	if *password == "" {
		*password = readPassword("Password")
	}

	cfg, err := loadClientConfig()
	if err != nil {
		return err
	}
	addrs := resolveAddrs(cfg, *httpAddr, "")
	token, userID, err := client.New(addrs.httpURL(), "").Login(ctx, *username, *password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if err := saveToken(token); err != nil {
		return err
	}

	color.New(color.FgGreen).Printf("  ✓ Logged in as %s\n", *username)
	fmt.Printf("  ID: %s\n", userID)
	return nil
}

func saveToken(token string) error {
	path := getTokenPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	color.New(color.FgGreen).Printf("  ✓ Saved token: %s\n", path)
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	httpAddr := fs.String("server", "", "HTTP address of the server")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cfg, err := loadClientConfig()
	if err != nil {
		return err
	}
	addrs := resolveAddrs(cfg, *httpAddr, "")
	if err := client.New(addrs.httpURL(), "").Health(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	fmt.Println("ready")
	return nil
}

// serverAddrs holds where the client side of the CLI connects.
type serverAddrs struct {
	http string
	grpc string
}

func (a serverAddrs) httpURL() string {
	if strings.HasPrefix(a.http, "http://") || strings.HasPrefix(a.http, "https://") {
		return a.http
	}
	return "http://" + a.http
}

// loadClientConfig reads the config for client commands. A missing file
// means defaults; a broken file is an error.
func loadClientConfig() (*config.Config, error) {
	cfg, err := config.LoadClient(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// resolveAddrs picks server addresses from flags, then the config, then defaults.
func resolveAddrs(cfg *config.Config, httpFlag, grpcFlag string) serverAddrs {
	addrs := serverAddrs{http: defaultHTTPAddr, grpc: defaultGRPCAddr}
	if cfg.Server.HTTPAddr != "" {
		addrs.http = cfg.Server.HTTPAddr
	}
	if cfg.Server.GRPCAddr != "" {
		addrs.grpc = cfg.Server.GRPCAddr
	}
	if httpFlag != "" {
		addrs.http = httpFlag
	}
	if grpcFlag != "" {
		addrs.grpc = grpcFlag
	}
	return addrs
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

// colorHandler provides colorized log output with thread-safe writes.
// Handlers derived through WithAttrs and WithGroup share one mutex.
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

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	// handler-level attrs first
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
	fmt.Fprint(os.Stderr, buf.String())
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

// readPassword prompts without echo on a terminal, and reads a plain line
// when stdin is piped.
func readPassword(question string) string {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return prompt(bufio.NewReader(os.Stdin), question, "")
	}
	fmt.Printf("%s: ", question)
	pw, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return ""
	}
	return string(pw)
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
