package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fabricd/fabricd/pkg/config"
	"github.com/fabricd/fabricd/pkg/log"
	"github.com/fabricd/fabricd/pkg/metrics"
	"github.com/fabricd/fabricd/pkg/service"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fabricd",
	Short: "fabricd - NVMe-over-Fabrics connection manager",
	Long: `fabricd keeps a host's NVMe-over-Fabrics connections in line with
its configuration. It maintains persistent connections to discovery
controllers, reacts to discovery log page changes and mDNS announcements,
and connects and disconnects I/O controllers accordingly.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"fabricd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(hostnqnCmd)
	rootCmd.AddCommand(hostidCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon",
	Long: `Run the daemon in the foreground.

SIGINT and SIGTERM shut the daemon down, disconnecting managed
connections unless persistent-connections is set. SIGHUP re-reads the
configuration file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		logLevel, _ := cmd.Flags().GetString("log-level")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		tron, _ := cmd.Flags().GetBool("tron")
		workers, _ := cmd.Flags().GetInt("workers")

		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: jsonLogs})
		if tron {
			log.SetTrace(true)
		}
		logger := log.WithComponent("main")
		logger.Info().
			Str("version", Version).
			Str("config", cfgPath).
			Msg("fabricd starting")

		svc, err := service.New(service.Config{
			ConfigPath: cfgPath,
			DataDir:    dataDir,
			Workers:    workers,
			Version:    Version,
		})
		if err != nil {
			return err
		}
		if err := svc.Start(); err != nil {
			return err
		}

		var metricsSrv *http.Server
		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/health", metrics.HealthHandler())
			mux.HandleFunc("/ready", metrics.ReadyHandler())
			mux.HandleFunc("/live", metrics.LivenessHandler())
			metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error().Err(err).Msg("metrics server failed")
				}
			}()
			logger.Info().Str("addr", metricsAddr).Msg("metrics server listening")
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				logger.Info().Msg("SIGHUP received, reloading configuration")
				if err := svc.Reload(); err != nil {
					logger.Error().Err(err).Msg("reload failed")
				}
				continue
			}
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			break
		}

		if metricsSrv != nil {
			metricsSrv.Close()
		}
		svc.Stop()
		logger.Info().Msg("shutdown complete")
		return nil
	},
}

var hostnqnCmd = &cobra.Command{
	Use:   "hostnqn",
	Short: "Show or generate the host NQN",
	Long: `Print the host NQN fabricd would use. With --write, generate and
persist one to ` + config.DefaultHostNQNPath + ` when the file does not
exist yet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		write, _ := cmd.Flags().GetBool("write")
		return showIdentity(config.DefaultHostNQNPath, config.GenerateHostNQN, write)
	},
}

var hostidCmd = &cobra.Command{
	Use:   "hostid",
	Short: "Show or generate the host ID",
	Long: `Print the host ID fabricd would use. With --write, generate and
persist one to ` + config.DefaultHostIDPath + ` when the file does not
exist yet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		write, _ := cmd.Flags().GetBool("write")
		return showIdentity(config.DefaultHostIDPath, config.GenerateHostID, write)
	},
}

func showIdentity(path string, generate func() string, write bool) error {
	if data, err := os.ReadFile(path); err == nil {
		fmt.Print(string(data))
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	value := generate()
	if write {
		if err := config.WriteIdentityFile(path, value); err != nil {
			return err
		}
	}
	fmt.Println(value)
	return nil
}

func init() {
	runCmd.Flags().String("config", config.DefaultPath, "Configuration file")
	runCmd.Flags().String("data-dir", "/var/lib/fabricd", "Data directory for persisted log page caches")
	runCmd.Flags().String("metrics-addr", "", "Listen address for /metrics and health endpoints (empty = disabled)")
	runCmd.Flags().String("log-level", "info", "Log level: debug, info, warn, error")
	runCmd.Flags().Bool("json-logs", false, "Emit JSON logs instead of console output")
	runCmd.Flags().Bool("tron", false, "Start with tracing on, regardless of the configuration")
	runCmd.Flags().Int("workers", 0, "Worker pool size (0 = default)")

	hostnqnCmd.Flags().Bool("write", false, "Persist a generated value")
	hostidCmd.Flags().Bool("write", false, "Persist a generated value")
}
