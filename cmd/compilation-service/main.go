// Command compilation-service runs a standalone compilation queue worker
// pool (spec.md §4.3) with its own metrics and health endpoints,
// independent of whichever process accepted the upload. It does not scan
// componentrepo for pending versions, and nothing in this binary enqueues
// tasks onto its queue.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/durable-wasm/pkg/blobstore"
	"github.com/cuemby/durable-wasm/pkg/compilationqueue"
	"github.com/cuemby/durable-wasm/pkg/componentrepo"
	"github.com/cuemby/durable-wasm/pkg/config"
	"github.com/cuemby/durable-wasm/pkg/log"
	"github.com/cuemby/durable-wasm/pkg/metrics"
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
	logger := log.WithComponent("compilation-service")

	repo, err := componentrepo.NewBoltRepo(cfg.KeyValueStorage.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("open component repo")
	}
	defer repo.Close()

	var blobs blobstore.Store
	if cfg.BlobStorage.Driver == "s3" {
		blobs, err = blobstore.NewS3Store(context.Background(), blobstore.S3Config{
			Bucket: cfg.BlobStorage.Bucket, Region: cfg.BlobStorage.Region, Endpoint: cfg.BlobStorage.Endpoint,
		})
	} else {
		blobs, err = blobstore.NewBoltStore(cfg.BlobStorage.Path)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("open blob store")
	}
	defer blobs.Close()

	queue := compilationqueue.New(repo, blobs, nativeEngineStub{}, 8, 1024, types.DefaultRetryConfig())
	queue.Start()
	defer queue.Stop()

	collector := metrics.NewCollector(repo, queue, nil, nil)
	collector.Start()
	defer collector.Stop()

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
	logger.Info().Str("addr", addr).Msg("compilation service listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	server.Shutdown(context.Background())
}

// nativeEngineStub stands in for the actual WASM-to-native compiler; this
// repository does not ship a compilation backend, only the queue around
// one.
type nativeEngineStub struct{}

func (nativeEngineStub) Compile(ctx context.Context, binary []byte) ([]byte, error) {
	return binary, nil
}
