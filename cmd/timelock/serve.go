package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kasper0406/atlasdb/pkg/client"
	"github.com/kasper0406/atlasdb/pkg/leadership"
	"github.com/kasper0406/atlasdb/pkg/locks"
	raftnode "github.com/kasper0406/atlasdb/pkg/raft"
	"github.com/kasper0406/atlasdb/pkg/router"
	"github.com/kasper0406/atlasdb/pkg/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run a timelock node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(cmd); err != nil {
				return err
			}
			return runServe()
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "optional config file (yaml)")
	flags.String("node-id", "", "unique node ID (generates a UUID if empty)")
	flags.String("raft-addr", "127.0.0.1:7000", "raft bind address")
	flags.String("http-addr", ":8080", "HTTP API listen address")
	flags.String("advertise-addr", "", "externally reachable API address recorded with each epoch (defaults to http://<http-addr>)")
	flags.String("data-dir", "./data", "data directory for the replicated log")
	flags.Bool("bootstrap", false, "bootstrap a new single-node cluster")
	flags.String("join", "", "API address of an existing member to join through")
	flags.Duration("lock-ttl", locks.DefaultTokenTTL, "lease on granted lock tokens")
	flags.Duration("leader-lease-timeout", 500*time.Millisecond, "how long the leader survives without quorum contact")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	return cmd
}

func runServe() error {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "timelock",
		Level: hclog.LevelFromString(viper.GetString("log-level")),
	})

	nodeID, err := resolveNodeID(viper.GetString("node-id"), logger)
	if err != nil {
		return err
	}

	httpAddr := viper.GetString("http-addr")
	advertiseAddr := viper.GetString("advertise-addr")
	if advertiseAddr == "" {
		advertiseAddr = "http://" + httpAddr
	}

	node, err := raftnode.NewNode(&raftnode.Config{
		NodeID:             nodeID,
		BindAddr:           viper.GetString("raft-addr"),
		DataDir:            viper.GetString("data-dir"),
		Bootstrap:          viper.GetBool("bootstrap"),
		Logger:             logger,
		LeaderLeaseTimeout: viper.GetDuration("leader-lease-timeout"),
	})
	if err != nil {
		return fmt.Errorf("failed to create raft node: %w", err)
	}
	defer node.Shutdown()

	logger.Info("raft node initialized",
		"node_id", nodeID,
		"raft_addr", viper.GetString("raft-addr"),
		"data_dir", viper.GetString("data-dir"),
		"bootstrap", viper.GetBool("bootstrap"))

	manager := locks.NewManager(locks.Config{
		TokenTTL: viper.GetDuration("lock-ttl"),
		Logger:   logger,
	})
	defer manager.Stop()

	tracker := leadership.NewTracker(node, nodeID.String(), advertiseAddr, logger)
	rt := router.New(node, tracker, node.StateMachine(), manager, logger)
	go tracker.Run()
	defer tracker.Stop()

	srv := server.New(rt, node, httpAddr, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	if join := viper.GetString("join"); join != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := client.JoinCluster(ctx, &http.Client{}, join, nodeID.String(), viper.GetString("raft-addr")); err != nil {
			return fmt.Errorf("failed to join cluster via %s: %w", join, err)
		}
		logger.Info("joined cluster", "via", join)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("timelock is ready", "http_addr", httpAddr)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func resolveNodeID(raw string, logger hclog.Logger) (uuid.UUID, error) {
	if raw == "" {
		id := uuid.New()
		logger.Info("generated node id", "node_id", id)
		return id, nil
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid node id %q: %w", raw, err)
	}
	return id, nil
}
