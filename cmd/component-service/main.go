// Command component-service runs the ComponentService: component
// upload/update/fetch, plugin composition, and enqueuing compilation —
// spec.md §4.1 and §4.2.
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
	"github.com/cuemby/durable-wasm/pkg/componentservice"
	"github.com/cuemby/durable-wasm/pkg/config"
	"github.com/cuemby/durable-wasm/pkg/log"
	"github.com/cuemby/durable-wasm/pkg/metrics"
	"github.com/cuemby/durable-wasm/pkg/pluginpipeline"
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
	logger := log.WithComponent("component-service")

	repo, err := componentrepo.NewBoltRepo(cfg.KeyValueStorage.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("open component repo")
	}
	defer repo.Close()

	blobs, err := openBlobStore(cfg.BlobStorage)
	if err != nil {
		logger.Fatal().Err(err).Msg("open blob store")
	}
	defer blobs.Close()

	queue := compilationqueue.New(repo, blobs, noopEngine{}, 4, 256, types.DefaultRetryConfig())
	queue.Start()
	defer queue.Stop()

	pipeline := pluginpipeline.New(noopResolver{}, blobs, noopComposer{})
	svc := componentservice.New(repo, blobs, pipeline, noopAnalyzer{}, queue)
	_ = svc // wired for invocation by the (out-of-scope) wire transport, exercised directly by componentservice's own tests

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
	logger.Info().Str("addr", addr).Msg("component service listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	server.Shutdown(context.Background())
}

func openBlobStore(cfg config.BlobStorage) (blobstore.Store, error) {
	switch cfg.Driver {
	case "s3":
		return blobstore.NewS3Store(context.Background(), blobstore.S3Config{
			Bucket: cfg.Bucket, Region: cfg.Region, Endpoint: cfg.Endpoint,
		})
	default:
		return blobstore.NewBoltStore(cfg.Path)
	}
}

// noopAnalyzer, noopComposer, noopResolver, and noopEngine stand in for the
// WASM runtime collaborators (component parsing, plug composition, plugin
// catalog lookup, native compilation) that this repository does not
// itself ship; a deployment wires its actual WASM toolchain in here.

type noopAnalyzer struct{}

func (noopAnalyzer) Analyze(binary []byte) (types.ComponentMetadata, error) {
	return types.ComponentMetadata{}, nil
}

type noopComposer struct{}

func (noopComposer) Plug(ctx context.Context, socket, plug []byte) ([]byte, bool, error) {
	return socket, false, nil
}

type noopResolver struct{}

func (noopResolver) Resolve(owner types.PluginOwner, pluginID string) (*types.Plugin, error) {
	return nil, fmt.Errorf("component-service: no plugin catalog configured")
}

type noopEngine struct{}

func (noopEngine) Compile(ctx context.Context, binary []byte) ([]byte, error) {
	return binary, nil
}
