// Command agentgit is the CLI for the rollback agent.
//
// Usage:
//
//	agentgit chat
//	agentgit chat --session 3
//	agentgit users list
//	agentgit users genkey alice
package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"github.com/agentgit/agentgit/agent"
	"github.com/agentgit/agentgit/auth"
	"github.com/agentgit/agentgit/config"
	"github.com/agentgit/agentgit/database"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Chat    ChatCmd    `cmd:"" help:"Start an interactive chat session."`
	Users   UsersCmd   `cmd:"" help:"Manage user accounts."`

	LogLevel      string `help:"Log level (debug, info, warn, error)." default:"warn"`
	MetricsListen string `name:"metrics-listen" help:"Serve Prometheus metrics on this address (e.g. :9090)." placeholder:"ADDR"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("agentgit version %s\n", version)
	return nil
}

// services bundles the wired backend shared by the chat and users commands.
type services struct {
	cfg     *config.Config
	store   *database.Store
	auth    *auth.Service
	agents  *agent.AgentService
	metrics *agent.Metrics
}

// openServices loads config, opens the store, and builds the auth and agent
// services. The caller closes the store.
func openServices(cli *CLI) (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.Default()
	store, err := database.Open(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	svc := &services{
		cfg:    cfg,
		store:  store,
		auth:   auth.NewService(store, logger),
		agents: agent.NewAgentService(store, cfg, logger),
	}

	if cli.MetricsListen != "" {
		reg := prometheus.NewRegistry()
		svc.metrics = agent.NewMetrics(reg)
		svc.agents.WithMetrics(svc.metrics)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cli.MetricsListen, mux); err != nil {
				logger.Error("metrics listener failed", "addr", cli.MetricsListen, "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", cli.MetricsListen)
	}

	return svc, nil
}

func (s *services) Close() {
	if err := s.store.Close(); err != nil {
		slog.Warn("failed to close database", "error", err)
	}
}

// promptLine reads one line from stdin after printing a label.
func promptLine(label string) (string, error) {
	fmt.Print(label)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// promptPassword reads a password without echo when stdin is a terminal,
// falling back to a plain line read otherwise.
func promptPassword(label string) (string, error) {
	fmt.Print(label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}
	return promptLine("")
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("agentgit"),
		kong.Description("agentgit - conversational agent with checkpoint and rollback support"),
		kong.UsageOnError(),
	)

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
		TimeFormat: time.Kitchen,
		Level:      parseLogLevel(cli.LogLevel),
	})
	slog.SetDefault(slog.New(handler))

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
