package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xgpxg/conreg/pkg/api"
	"github.com/xgpxg/conreg/pkg/log"
	"github.com/xgpxg/conreg/pkg/manager"
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
	Use:   "conreg-server",
	Short: "ConReg - distributed configuration and service registry",
	Long: `ConReg is a self-hosted configuration center and service registry
delivered as a single binary. Nodes replicate all writes through Raft;
any node can serve requests and non-leaders forward writes to the
current leader.

A fresh node starts uninitialized. Initialize a new cluster (or join an
existing one) with the conregctl tool.`,
	Version: Version,
	RunE:    runServer,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ConReg version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().String("node-id", "node-1", "Unique node ID within the cluster")
	rootCmd.Flags().String("http-addr", "127.0.0.1:8000", "Address for the HTTP API")
	rootCmd.Flags().String("raft-addr", "127.0.0.1:9000", "Address for Raft replication")
	rootCmd.Flags().String("data-dir", "./conreg-data", "Directory for state, logs and snapshots")
	rootCmd.Flags().Bool("enable-config-cache", false, "Enable the node-local config read cache")
	rootCmd.Flags().String("log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.Flags().Bool("log-json", false, "Emit JSON logs instead of console output")
}

func runServer(cmd *cobra.Command, args []string) error {
	nodeID, _ := cmd.Flags().GetString("node-id")
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	raftAddr, _ := cmd.Flags().GetString("raft-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	enableCache, _ := cmd.Flags().GetBool("enable-config-cache")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:            nodeID,
		HTTPAddr:          httpAddr,
		RaftAddr:          raftAddr,
		DataDir:           dataDir,
		EnableConfigCache: enableCache,
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	if err := mgr.Start(); err != nil {
		return fmt.Errorf("failed to start manager: %w", err)
	}

	server := api.NewServer(mgr)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(httpAddr); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	logger := log.WithComponent("server")
	logger.Info().
		Str("node_id", nodeID).
		Str("http_addr", httpAddr).
		Str("raft_addr", raftAddr).
		Msg("node is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutting down")
	case err := <-errCh:
		log.Errorf("server failed", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Errorf("http server shutdown failed", err)
	}
	if err := mgr.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}
