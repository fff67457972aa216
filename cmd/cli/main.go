package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cochaviz/virtray/internal/backend"
	"github.com/cochaviz/virtray/internal/config"
	"github.com/cochaviz/virtray/internal/daemon"
	"github.com/cochaviz/virtray/internal/logging"
	"github.com/cochaviz/virtray/internal/monitor"
	"github.com/cochaviz/virtray/internal/render"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	logLevel   string
	configPath string
	connectURI string
	socketPath string
	testMode   bool

	levelVar *slog.LevelVar
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	flags := &rootFlags{logLevel: defaultLogLevel, levelVar: levelVar}

	root := &cobra.Command{
		Use:           "virtray",
		Short:         "Tray-style monitor and control for libvirt guests",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&flags.configPath, "config", defaultConfigPath(), "Path to the YAML settings file")
	root.PersistentFlags().StringVar(&flags.connectURI, "connect-uri", "", "Libvirt connection URI override")
	root.PersistentFlags().StringVar(&flags.socketPath, "socket", "", "Path to the daemon control socket")
	root.PersistentFlags().BoolVar(&flags.testMode, "test", false, "Use the deterministic fake backend instead of libvirt")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(flags.logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newRunCommand(logger, flags),
		newListCommand(logger, flags),
		newStatusCommand(flags),
		newActionCommand(flags, monitor.ActionStart, "Start a guest by name or identity"),
		newActionCommand(flags, monitor.ActionStop, "Stop a guest by name or identity"),
	)
	return root
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "virtray", "config.yaml")
}

// loadSettings layers the settings file, environment and CLI flags.
func loadSettings(flags *rootFlags) (config.Settings, error) {
	settings, err := config.Load(flags.configPath)
	if err != nil {
		return settings, err
	}
	if uri := strings.TrimSpace(flags.connectURI); uri != "" {
		settings.ConnectionURI = uri
	}
	if socket := strings.TrimSpace(flags.socketPath); socket != "" {
		settings.SocketPath = socket
	}
	if flags.testMode {
		settings.TestMode = true
	}
	// The --log-level flag wins; the settings file fills in when the
	// flag was left at its default.
	if settings.LogLevel != "" && flags.logLevel == defaultLogLevel && flags.levelVar != nil {
		if level, err := logging.ParseLevel(settings.LogLevel); err == nil {
			flags.levelVar.Set(level)
		}
	}
	return settings, nil
}

func buildBackend(settings config.Settings, logger *slog.Logger) backend.Backend {
	if settings.TestMode {
		logger.Info("using fake backend", "hint", "unset VIRTRAY_TEST / drop --test for libvirt")
		return backend.NewFakeBackend(
			backend.GuestInfo{ID: "fake-a", Name: "alpine-a", RawStatus: "running"},
			backend.GuestInfo{ID: "fake-b", Name: "alpine-b", RawStatus: "shut off"},
		)
	}
	return &backend.LibvirtBackend{
		ConnectionURI: settings.ConnectionURI,
		GuestTimeout:  settings.GuestTimeout,
	}
}

func newRunCommand(logger *slog.Logger, flags *rootFlags) *cobra.Command {
	var pollInterval time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the resident monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(flags)
			if err != nil {
				return err
			}
			if pollInterval > 0 {
				settings.PollInterval = pollInterval
			}

			runLogger := logger.With("command", "run")
			runLogger.Info("starting monitor",
				"connect_uri", settings.ConnectionURI,
				"poll_interval", settings.PollInterval,
				"socket", settings.SocketPath,
				"test_mode", settings.TestMode,
			)

			supervisor := &monitor.ConnectionSupervisor{
				Backend:        buildBackend(settings, runLogger),
				ConnectTimeout: settings.ConnectTimeout,
				BaseDelay:      settings.PollInterval,
				MaxDelay:       settings.BackoffCap(),
				Logger:         logger.With("component", "supervisor"),
			}
			sink := &render.Console{
				Logger:   logger.With("component", "render"),
				IconName: settings.IconName,
				IconPath: settings.IconPath,
			}
			reconciler := monitor.NewReconciler(supervisor, sink, logger.With("component", "reconciler"))
			reconciler.PollInterval = settings.PollInterval
			reconciler.OverrideTTL = settings.OverrideTTL

			dispatcher := monitor.NewCommandDispatcher(reconciler, supervisor, sink, logger.With("component", "dispatcher"))
			dispatcher.CommandTimeout = settings.CommandTimeout

			server := &daemon.Server{
				SocketPath: settings.SocketPath,
				Reconciler: reconciler,
				Dispatcher: dispatcher,
				Supervisor: supervisor,
				Logger:     logger.With("component", "daemon"),
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			serverErr := make(chan error, 1)
			go func() {
				serverErr <- server.Serve(ctx)
			}()
			reconcilerErr := make(chan error, 1)
			go func() {
				reconcilerErr <- reconciler.Run(ctx)
			}()

			// Whichever side fails first takes the other down with it;
			// a monitor without its control socket is not worth running.
			select {
			case err = <-serverErr:
				cancel()
				if runErr := <-reconcilerErr; err == nil {
					err = runErr
				}
			case err = <-reconcilerErr:
				cancel()
				if srvErr := <-serverErr; err == nil {
					err = srvErr
				}
			}
			if err != nil {
				return err
			}
			runLogger.Info("monitor stopped")
			return nil
		},
	}

	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 0, "Override the poll interval (e.g. 10s)")

	return cmd
}

func newListCommand(logger *slog.Logger, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "One-shot listing of guests and their states",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(flags)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), settings.ConnectTimeout+settings.PollInterval)
			defer cancel()

			conn, err := buildBackend(settings, logger).Open(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			snapshot, err := monitor.Fetch(ctx, conn)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			guests := snapshot.Guests()
			if len(guests) == 0 {
				fmt.Fprintln(out, "no guests found")
				return nil
			}
			for _, guest := range guests {
				fmt.Fprintf(out, "%s\t%s\t%s\n", guest.ID, guest.Name, guest.State)
			}
			return nil
		},
	}
}

func newStatusCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query the running monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(flags)
			if err != nil {
				return err
			}

			report, err := daemon.NewClient(settings.SocketPath).Status()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "connection: %s", report.Connection.Phase)
			if report.Connection.Reason != "" {
				fmt.Fprintf(out, " (%s)", report.Connection.Reason)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "any running: %t\tstale: %t\n", report.HasRunning, report.Stale)
			for _, item := range report.Items {
				fmt.Fprintf(out, "%s\t%s\t%s\n", item.ID, item.DisplayName, item.State)
			}
			return nil
		},
	}
}

func newActionCommand(flags *rootFlags, action monitor.Action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   fmt.Sprintf("%s <guest>", action),
		Args:  cobra.ExactArgs(1),
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			guest := strings.TrimSpace(args[0])
			if guest == "" {
				return fmt.Errorf("guest is required")
			}

			settings, err := loadSettings(flags)
			if err != nil {
				return err
			}

			client := daemon.NewClient(settings.SocketPath)
			var report daemon.CommandReport
			switch action {
			case monitor.ActionStart:
				report, err = client.Start(guest)
			case monitor.ActionStop:
				report, err = client.Stop(guest)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if report.Reason != "" {
				fmt.Fprintf(out, "%s %s: %s (%s)\n", report.Action, report.GuestID, report.Outcome, report.Reason)
				return nil
			}
			fmt.Fprintf(out, "%s %s: %s\n", report.Action, report.GuestID, report.Outcome)
			return nil
		},
	}
}
