// Package main provides the CLI entry point for the RustyClaw gateway.
//
// RustyClaw connects messaging platforms (Telegram, Discord, Slack) to LLM
// providers (Anthropic, OpenAI) with tool execution capabilities including
// web search, sandboxed code execution, and browser automation over a
// binary-framed websocket control plane.
//
// # Basic Usage
//
// Run the gateway in the foreground:
//
//	rustyclaw-gateway run --port 9001 --bind loopback
//
// Check status of a running gateway:
//
//	rustyclaw-gateway status --json
//
// # Environment Variables
//
//   - RUSTYCLAW_VAULT_PASSWORD: one-shot vault unlock, read then unset.
//   - RUSTYCLAW_MODEL_API_KEY: one-shot model API key injection, read then unset.
//   - RUSTYCLAW_LOG / RUST_LOG: filter directive (e.g. "rustyclaw=debug,warn").
//   - RUSTYCLAW_LOG_FORMAT: pretty|compact|json.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/rustyclaw/gateway/internal/config"
	"github.com/rustyclaw/gateway/internal/doctor"
	"github.com/rustyclaw/gateway/internal/gateway"
	"github.com/rustyclaw/gateway/internal/plugins"
	"github.com/rustyclaw/gateway/internal/profile"
	"github.com/rustyclaw/gateway/internal/tailscale"
	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version     = "dev"
	commit      = "none"
	date        = "unknown"
	profileName string
)

// runFlags holds the flag set shared by the implicit and explicit "run"
// invocations, per spec.md §6's CLI surface.
type runFlags struct {
	configPath string
	port       int
	bind       string
	listen     string
	tlsCert    string
	tlsKey     string
	token      string
	auth       string
	password   string
	force      bool
	verbose    bool
	noColor    bool
}

func main() {
	configureLogging()

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		if isFlagParseError(err) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// isFlagParseError reports whether err originated from cobra/pflag failing
// to parse the command line, as opposed to a RunE business-logic error.
// spec.md §6 requires unknown flags to exit 2, distinct from the generic
// failure exit code 1.
func isFlagParseError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unknown flag") ||
		strings.Contains(msg, "unknown shorthand flag") ||
		strings.Contains(msg, "unknown command")
}

// configureLogging wires RUSTYCLAW_LOG_FORMAT and RUSTYCLAW_LOG/RUST_LOG
// into the default slog logger before any command runs.
func configureLogging() {
	format := strings.ToLower(strings.TrimSpace(os.Getenv("RUSTYCLAW_LOG_FORMAT")))
	level := parseLogFilter(firstNonEmpty(os.Getenv("RUSTYCLAW_LOG"), os.Getenv("RUST_LOG")))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "compact", "pretty", "":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// parseLogFilter extracts a minimum level from a directive like
// "rustyclaw=debug,warn". Only the coarse level is honored; per-target
// filtering is left to a future structured logger swap.
func parseLogFilter(directive string) slog.Level {
	directive = strings.ToLower(strings.TrimSpace(directive))
	if directive == "" {
		return slog.LevelInfo
	}
	switch {
	case strings.Contains(directive, "trace"), strings.Contains(directive, "debug"):
		return slog.LevelDebug
	case strings.Contains(directive, "warn"):
		return slog.LevelWarn
	case strings.Contains(directive, "error"):
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// buildRootCmd creates the root command. Invoking the binary with no
// subcommand runs the gateway in the foreground, per spec.md §6's
// "rustyclaw-gateway [run] [flags]".
func buildRootCmd() *cobra.Command {
	flags := &runFlags{}

	rootCmd := &cobra.Command{
		Use:   "rustyclaw-gateway",
		Short: "RustyClaw gateway - multi-channel AI agent gateway",
		Long: `RustyClaw connects messaging platforms to LLM providers over a binary-framed
websocket control plane, with tool execution, vault-gated auth, and sandboxed exec.

Documentation: https://github.com/rustyclaw/gateway`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context(), flags)
		},
	}
	rootCmd.PersistentFlags().StringVar(&profileName, "profile", "", "Profile name (uses ~/.rustyclaw/profiles/<name>.toml; or set RUSTYCLAW_PROFILE)")
	bindRunFlags(rootCmd, flags)

	rootCmd.AddCommand(
		buildRunCmd(flags),
		buildStatusCmd(),
		buildMigrateCmd(),
		buildChannelsCmd(),
		buildAgentsCmd(),
		buildDoctorCmd(),
		buildPromptCmd(),
		buildSetupCmd(),
		buildOnboardCmd(),
		buildAuthCmd(),
		buildProfileCmd(),
		buildSkillsCmd(),
		buildExtensionsCmd(),
		buildPluginsCmd(),
		buildServiceCmd(),
		buildMemoryCmd(),
		buildMcpCmd(),
		buildRagCmd(),
		buildTraceCmd(),
		buildEventsCmd(),
		buildArtifactsCmd(),
		buildPairingCmd(),
		buildSessionsCmd(),
	)

	return rootCmd
}

func bindRunFlags(cmd *cobra.Command, f *runFlags) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", profile.DefaultConfigPath(), "Path to configuration file (TOML, YAML, or JSON)")
	cmd.Flags().IntVar(&f.port, "port", 0, "Websocket listen port (0 uses config/default)")
	cmd.Flags().StringVar(&f.bind, "bind", "", "Bind mode: loopback, lan, tailnet, auto, custom")
	cmd.Flags().StringVar(&f.listen, "listen", "", "Full ws(s)://host:port listen URL, overrides --port/--bind")
	cmd.Flags().StringVar(&f.tlsCert, "tls-cert", "", "PEM certificate path, enables WSS with --tls-key")
	cmd.Flags().StringVar(&f.tlsKey, "tls-key", "", "PEM key path, enables WSS with --tls-cert")
	cmd.Flags().StringVar(&f.token, "token", "", "Bearer token accepted when --auth=token")
	cmd.Flags().StringVar(&f.auth, "auth", "", "Handshake auth method: token or password")
	cmd.Flags().StringVar(&f.password, "password", "", "Vault password (prompted if --auth=password and omitted)")
	cmd.Flags().BoolVar(&f.force, "force", false, "Force-bind even if the configured port appears in use")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Enable verbose logging")
	cmd.Flags().BoolVar(&f.noColor, "no-color", false, "Disable colored output")
}

// buildRunCmd creates the explicit "run" subcommand. "rustyclaw-gateway"
// with no subcommand behaves identically via the root command's RunE.
func buildRunCmd(flags *runFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context(), flags)
		},
	}
	bindRunFlags(cmd, flags)
	return cmd
}

// runGateway loads configuration, applies CLI/env overrides, and starts
// the managed server until a shutdown signal arrives.
func runGateway(ctx context.Context, flags *runFlags) error {
	if flags.verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
	if flags.noColor {
		color.NoColor = true
	}

	configPath := resolveConfigPath(flags.configPath)

	if raw, err := doctor.LoadRawConfig(configPath); err == nil {
		migrations, err := doctor.ApplyConfigMigrations(raw)
		if err != nil {
			return fmt.Errorf("config migrations failed: %w", err)
		}
		if len(migrations.Applied) > 0 {
			backupPath, err := doctor.BackupConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to backup config before migration: %w", err)
			}
			if err := doctor.WriteRawConfig(configPath, raw); err != nil {
				return fmt.Errorf("failed to write migrated config: %w", err)
			}
			slog.Info("config migrations applied",
				"from_version", migrations.FromVersion,
				"to_version", migrations.ToVersion,
				"count", len(migrations.Applied),
				"backup", backupPath)
		}
	} else {
		slog.Warn("failed to inspect config for migrations", "error", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := plugins.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("plugin validation failed: %w", err)
	}

	if err := applyRunFlags(ctx, cfg, flags); err != nil {
		return err
	}

	if !flags.force {
		if err := checkPortAvailable(cfg.Server.Host, cfg.Server.HTTPPort); err != nil {
			return fmt.Errorf("%w (use --force to bind anyway)", err)
		}
	}

	slog.Info("starting RustyClaw gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
		"bind", cfg.Server.Bind,
		"auth", cfg.Vault.AuthMode,
	)

	server, err := gateway.NewManagedServer(gateway.ManagedServerConfig{
		Config:     cfg,
		Logger:     slog.Default(),
		ConfigPath: configPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(runCtx) }()

	slog.Info("RustyClaw gateway started",
		"grpc_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort),
		"http_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
	)

	select {
	case <-runCtx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	slog.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	slog.Info("RustyClaw gateway stopped gracefully")
	return nil
}

// applyRunFlags overrides cfg with CLI flags and one-shot environment
// variables, per spec.md §6's CLI surface and environment variable list.
func applyRunFlags(ctx context.Context, cfg *config.Config, flags *runFlags) error {
	if flags.port != 0 {
		cfg.Server.HTTPPort = flags.port
	}
	if flags.bind != "" {
		cfg.Server.Bind = flags.bind
	}
	if flags.listen != "" {
		cfg.Server.ListenURL = flags.listen
	}
	if err := resolveBindHost(ctx, cfg); err != nil {
		return err
	}

	cfg.Server.TLSCert = flags.tlsCert
	cfg.Server.TLSKey = flags.tlsKey
	if (cfg.Server.TLSCert == "") != (cfg.Server.TLSKey == "") {
		return fmt.Errorf("--tls-cert and --tls-key must be set together")
	}

	cfg.Vault.Token = flags.token
	cfg.Vault.AuthMode = flags.auth
	if cfg.Vault.AuthMode == "" {
		cfg.Vault.AuthMode = "password"
	}
	if cfg.Vault.AuthMode != "token" && cfg.Vault.AuthMode != "password" {
		return fmt.Errorf("--auth must be one of: token, password")
	}

	password := flags.password
	if password == "" {
		password = os.Getenv("RUSTYCLAW_VAULT_PASSWORD")
		os.Unsetenv("RUSTYCLAW_VAULT_PASSWORD")
	}
	if password == "" && cfg.Vault.AuthMode == "password" && term.IsTerminal(int(os.Stdin.Fd())) {
		prompted, err := promptVaultPassword("Vault password: ")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password = prompted
	}
	cfg.Vault.Password = password

	if apiKey := os.Getenv("RUSTYCLAW_MODEL_API_KEY"); apiKey != "" {
		applyOneShotAPIKey(cfg, apiKey)
		os.Unsetenv("RUSTYCLAW_MODEL_API_KEY")
	}

	return nil
}

// applyOneShotAPIKey injects apiKey into the default LLM provider's
// configuration, bypassing the vault for a single model context per
// spec.md §6's RUSTYCLAW_MODEL_API_KEY semantics.
func applyOneShotAPIKey(cfg *config.Config, apiKey string) {
	provider := cfg.LLM.DefaultProvider
	if provider == "" {
		return
	}
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]config.LLMProviderConfig{}
	}
	entry := cfg.LLM.Providers[provider]
	entry.APIKey = apiKey
	cfg.LLM.Providers[provider] = entry
}

// resolveBindHost turns cfg.Server.Bind into a concrete listen host,
// per spec.md §6's bind modes (loopback|lan|tailnet|auto|custom).
func resolveBindHost(ctx context.Context, cfg *config.Config) error {
	switch cfg.Server.Bind {
	case "", "loopback":
		cfg.Server.Host = "127.0.0.1"
	case "lan":
		cfg.Server.Host = "0.0.0.0"
	case "tailnet":
		ip, err := tailscale.NewClient().GetSelfIP(ctx)
		if err != nil {
			return fmt.Errorf("resolve tailnet address: %w", err)
		}
		cfg.Server.Host = ip
	case "auto":
		if ip, err := tailscale.NewClient().GetSelfIP(ctx); err == nil && ip != "" {
			cfg.Server.Host = ip
		} else {
			cfg.Server.Host = "127.0.0.1"
		}
	case "custom":
		// Host is expected to already be set via config; nothing to resolve.
	default:
		return fmt.Errorf("--bind must be one of: loopback, lan, tailnet, auto, custom")
	}
	return nil
}

// checkPortAvailable probes whether the gateway's listen address is free,
// satisfying the --force flag's "bind even if the port appears in use"
// semantics from spec.md §6.
func checkPortAvailable(host string, port int) error {
	if port == 0 {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d appears to be in use", port)
	}
	return ln.Close()
}

// promptVaultPassword reads a password from the terminal without echoing it.
func promptVaultPassword(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	bytePassword, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(bytePassword), nil
}
