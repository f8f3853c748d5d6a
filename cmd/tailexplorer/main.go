package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shellus/tailexplorer"
	"github.com/shellus/tailexplorer/internal/metrics"
	"github.com/spf13/cobra"
)

// Build metadata, injected via -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string // Only config path for the serve command
}

// buildRoot creates the root command with all subcommands attached
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	loginFlags := &LoginFlags{}
	sourcesFlags := &SourcesFlags{}
	statusFlags := &StatusFlags{}
	recentFlags := &RecentFlags{}
	streamFlags := &StreamFlags{}

	teCommand := command{sessions: NewSessionManager()}

	root := createRootCommand(globalFlags)

	root.AddCommand(
		createServeCommand(globalFlags),
		createLoginCommand(teCommand, loginFlags),
		createLogoutCommand(teCommand),
		createSourcesCommand(teCommand, sourcesFlags),
		createStatusCommand(teCommand, statusFlags),
		createRecentCommand(teCommand, recentFlags),
		createStreamCommand(teCommand, streamFlags),
		createVersionCommand(),
	)

	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "tailexplorer",
		Short: "Live log streaming server and client",
		Long: `TailExplorer runs configured log commands as supervised child processes
and streams their output to any number of viewers over WebSocket.

Examples:
  tailexplorer serve config.yaml    # Start the server
  tailexplorer login --password=... # Authenticate and save a session
  tailexplorer sources              # List configured sources
  tailexplorer stream --id=nginx    # Follow one source live`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (serve only)")

	return root
}

// addClientFlags wires the connection flags shared by every remote command.
func addClientFlags(cmd *cobra.Command, serverURL *string, insecure *bool, timeout *time.Duration) {
	cmd.Flags().StringVar(serverURL, "server-url", "", "server URL (default: saved session, then http://localhost:8080)")
	cmd.Flags().BoolVar(insecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().DurationVar(timeout, "timeout", 10*time.Second, "request timeout")
}

// createLoginCommand creates the login command
func createLoginCommand(teCommand command, flags *LoginFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Login to a tailexplorer server",
		Long: `Login with the shared access password and save the session for future
commands.

Examples:
  tailexplorer login --password=secret
  tailexplorer login --password=secret --server-url=https://logs.example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return teCommand.Login(*flags)
		},
	}

	cmd.Flags().StringVar(&flags.Password, "password", "", "access password (required)")
	addClientFlags(cmd, &flags.ServerURL, &flags.Insecure, &flags.Timeout)

	if err := cmd.MarkFlagRequired("password"); err != nil {
		panic(err)
	}

	return cmd
}

// createLogoutCommand creates the logout command
func createLogoutCommand(teCommand command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Logout from the tailexplorer server",
		Long: `Revoke the saved session on the server and clear it locally.

Examples:
  tailexplorer logout`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return teCommand.Logout()
		},
	}

	return cmd
}

// createSourcesCommand creates the sources subcommand
func createSourcesCommand(teCommand command, flags *SourcesFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List configured log sources",
		Long: `List every log source the server knows about.

Examples:
  tailexplorer sources
  tailexplorer sources --server-url=https://logs.example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return teCommand.Sources(*flags)
		},
	}

	addClientFlags(cmd, &flags.ServerURL, &flags.Insecure, &flags.Timeout)

	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(teCommand command, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show one source's detail and live state",
		Long: `Show a source's configuration together with its supervision state,
viewer count and buffered line count.

Examples:
  tailexplorer status --id=nginx`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return teCommand.Status(*flags)
		},
	}

	cmd.Flags().StringVar(&flags.SourceID, "id", "", "source id (required)")
	addClientFlags(cmd, &flags.ServerURL, &flags.Insecure, &flags.Timeout)

	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}

	return cmd
}

// createRecentCommand creates the recent subcommand
func createRecentCommand(teCommand command, flags *RecentFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Print buffered lines for a source",
		Long: `Print up to --count buffered lines for a source, oldest first, without
subscribing to the live stream. The server does not start the source for
this; a source that never ran prints nothing.

Examples:
  tailexplorer recent --id=nginx
  tailexplorer recent --id=nginx --count=500
  tailexplorer recent --id=nginx --count=0   # whole buffer`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return teCommand.Recent(*flags)
		},
	}

	cmd.Flags().StringVar(&flags.SourceID, "id", "", "source id (required)")
	cmd.Flags().IntVar(&flags.Count, "count", 100, "max lines to fetch, 0 for the whole buffer")
	addClientFlags(cmd, &flags.ServerURL, &flags.Insecure, &flags.Timeout)

	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}

	return cmd
}

// createStreamCommand creates the stream subcommand
func createStreamCommand(teCommand command, flags *StreamFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Follow a source live",
		Long: `Stream a source to stdout: the buffered backlog first, then every new
line as it happens. Interrupt with Ctrl+C. Lines dropped on a slow
connection are reported on stderr.

Examples:
  tailexplorer stream --id=nginx
  tailexplorer stream --id=nginx --ping-interval=10s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return teCommand.Stream(*flags)
		},
	}

	cmd.Flags().StringVar(&flags.SourceID, "id", "", "source id (required)")
	cmd.Flags().DurationVar(&flags.PingInterval, "ping-interval", 30*time.Second, "keepalive ping interval, 0 to disable")
	addClientFlags(cmd, &flags.ServerURL, &flags.Insecure, &flags.Timeout)

	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}

	return cmd
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.yaml]",
		Short: "Start the tailexplorer server",
		Long: `Start the tailexplorer server. All log sources, credentials and limits
come from the config file.

Examples:
  tailexplorer serve config.yaml
  tailexplorer serve --config=config.yaml
  tailexplorer serve config.yaml --daemonize`,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServeCommand(serveFlags, args)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon logs to file")

	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("tailexplorer %s (%s) built %s\n", version, commit, date)
		},
	}
}

func runServeCommand(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=config.yaml or provide as argument")
	}

	cfg, err := tailexplorer.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}

	e, err := tailexplorer.New(cfg)
	if err != nil {
		return fmt.Errorf("error building server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup metrics from config
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		if err := tailexplorer.RegisterMetricsDefault(); err != nil {
			fmt.Printf("Warning: failed to register metrics: %v\n", err)
		}
		if cfg.Metrics.Usage.Enabled {
			collector := metrics.NewUsageCollector(cfg.Metrics.Usage)
			if err := collector.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
				fmt.Printf("Warning: failed to register usage metrics: %v\n", err)
			} else {
				collector.Start(ctx, e.PIDs)
				defer collector.Stop()
			}
		}
		if cfg.Metrics.Listen != "" {
			go func() {
				if err := tailexplorer.ServeMetrics(cfg.Metrics.Listen); err != nil {
					fmt.Printf("Metrics server error: %v\n", err)
				}
			}()
		}
	}

	// Expired tokens get swept hourly for as long as the server runs.
	e.StartJanitor(ctx, time.Hour)

	if err := e.Autostart(); err != nil {
		fmt.Printf("Warning: autostart failed: %v\n", err)
	}

	listen := tailexplorer.DefaultListen
	basePath := ""
	var tlsCfg *tailexplorer.TLSConfig
	if cfg.Server != nil {
		if cfg.Server.Listen != "" {
			listen = cfg.Server.Listen
		}
		basePath = cfg.Server.BasePath
		tlsCfg = cfg.Server.TLS
	}

	protocol := "HTTP"
	var server *http.Server
	if tlsCfg != nil && tlsCfg.Enabled {
		protocol = "HTTPS"
		server, err = tailexplorer.NewTLSServer(listen, basePath, e, tlsCfg)
		if err != nil {
			return fmt.Errorf("failed to create HTTPS server: %w", err)
		}
	} else {
		server, err = tailexplorer.NewHTTPServer(listen, basePath, e)
		if err != nil {
			return fmt.Errorf("failed to create HTTP server: %w", err)
		}
	}

	fmt.Printf("Starting tailexplorer %s server on %s%s\n", protocol, listen, basePath)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	// Server first so streams see a going-away close before their sources die.
	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = server.Close()
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		fmt.Printf("Warning: shutdown incomplete: %v\n", err)
	}
	if flags.PidFile != "" {
		_ = removePidFile(flags.PidFile)
	}
	return nil
}
