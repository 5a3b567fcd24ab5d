// Command shard-manager runs one raft-replicated pod membership / shard
// assignment node (spec.md §4.5). The first node in a cluster bootstraps;
// every other node joins an existing leader via SHARD_MANAGER_JOIN_ADDR.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/durable-wasm/pkg/config"
	"github.com/cuemby/durable-wasm/pkg/log"
	"github.com/cuemby/durable-wasm/pkg/metrics"
	"github.com/cuemby/durable-wasm/pkg/shardmanager"
	"github.com/cuemby/durable-wasm/pkg/types"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("shard-manager")

	nodeID := envOr("SHARD_MANAGER_NODE_ID", "shard-manager-1")
	bindAddr := envOr("SHARD_MANAGER_BIND_ADDR", "127.0.0.1:7950")
	dataDir := envOr("SHARD_MANAGER_DATA_DIR", "./data/shard-manager")

	mgr, err := shardmanager.New(shardmanager.Config{
		NodeID:     nodeID,
		BindAddr:   bindAddr,
		DataDir:    dataDir,
		ShardCount: 1024,
		Retry:      types.DefaultRetryConfig(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create shard manager")
	}

	if leader := os.Getenv("SHARD_MANAGER_JOIN_ADDR"); leader != "" {
		logger.Info().Str("leader", leader).Msg("joining existing cluster is performed by the leader calling AddVoter; this node waits to be admitted")
	} else {
		if err := mgr.Bootstrap(); err != nil {
			logger.Fatal().Err(err).Msg("bootstrap cluster")
		}
		logger.Info().Msg("cluster bootstrapped")
	}

	collector := metrics.NewCollector(nil, nil, mgr, nil)
	collector.Start()
	defer collector.Stop()

	healthTicker := time.NewTicker(30 * time.Second)
	defer healthTicker.Stop()
	probeStop := make(chan struct{})
	go func() {
		for {
			select {
			case <-healthTicker.C:
				if mgr.IsLeader() {
					mgr.ProbeAndEvict(context.Background(), noopProber{})
				}
			case <-probeStop:
				return
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	addr := fmt.Sprintf("%s:%d", cfg.HTTPAddress, cfg.HTTPPort)
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()
	logger.Info().Str("addr", addr).Str("raft_addr", bindAddr).Msg("shard manager listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	close(probeStop)
	server.Shutdown(context.Background())
	if err := mgr.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("shutdown raft node")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// noopProber stands in for the executor-to-executor reachability RPC,
// which belongs to the wire transport this repository excludes.
type noopProber struct{}

func (noopProber) Probe(ctx context.Context, pod types.Pod) error { return nil }
