package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/agentgw/internal/daemon"
	"github.com/harun/agentgw/pkg/runner"
)

var (
	runnerHost  string
	runnerPort  int
	runnerToken string
)

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Run a remote tool runner",
	Long: `Run a tool runner that executes tool calls on this host for gateways
whose sessions are bound to a docker-runner target. The runner serves
/execute, /health and /metrics.`,
	RunE: runRunner,
}

func init() {
	runnerCmd.Flags().StringVar(&runnerHost, "host", "", "listen host (overrides runner.host)")
	runnerCmd.Flags().IntVar(&runnerPort, "port", -1, "listen port (overrides runner.port)")
	runnerCmd.Flags().StringVar(&runnerToken, "token", "", "bearer token required from gateways (overrides runner.token)")
	rootCmd.AddCommand(runnerCmd)
}

func runRunner(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if runnerHost != "" {
		cfg.Runner.Host = runnerHost
	}
	if runnerPort >= 0 {
		cfg.Runner.Port = runnerPort
	}
	if runnerToken != "" {
		cfg.Runner.Token = runnerToken
	}

	log, err := newLogger(cfg, "agentgw-runner")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()
	zl := log.Zerolog()

	if cfg.Runner.Token == "" {
		zl.Warn().Msg("Runner token not set, /execute accepts any caller")
	}

	local, mgr, err := daemon.NewLocalExecutor(cfg.Sandbox, zl)
	if err != nil {
		return err
	}
	defer mgr.Close()

	srv, err := runner.NewServer(runner.Config{
		Host:     cfg.Runner.Host,
		Port:     cfg.Runner.Port,
		Token:    cfg.Runner.Token,
		Executor: local,
		Probe:    runner.HostProbe{DiskPath: cfg.Sandbox.BaseRoot},
		Logger:   zl,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "agentgw runner listening on %s\n", srv.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	sig := <-sigChan
	zl.Info().Str("signal", sig.String()).Msg("Received signal")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Stop(ctx)
}
