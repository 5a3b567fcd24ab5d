// Package pluginpipeline applies a component's installed plugins to its
// binary in a deterministic order, producing the "protected" bytes a
// worker actually loads from the "user" bytes a caller uploaded.
package pluginpipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/cuemby/durable-wasm/pkg/apierr"
	"github.com/cuemby/durable-wasm/pkg/blobstore"
	"github.com/cuemby/durable-wasm/pkg/metrics"
	"github.com/cuemby/durable-wasm/pkg/types"
	"github.com/sony/gobreaker"
)

// PluginResolver looks up a plugin definition by its installation's
// plugin id, scoped to the plugin owner derived from the component owner.
type PluginResolver interface {
	Resolve(owner types.PluginOwner, pluginID string) (*types.Plugin, error)
}

// Composer performs the component-graph "plug" operation: it attempts to
// bind plug's imports to socket's exports, returning the composed bytes.
// If no plugs bind, Plugged is false and Result equals socket unchanged —
// the engine's own NoPlugHappened outcome, which is non-fatal here.
type Composer interface {
	Plug(ctx context.Context, socket, plug []byte) (result []byte, plugged bool, err error)
}

// ErrTransformationFailed wraps a ComponentTransformer plugin's HTTP
// failure, matching spec.md's TransformationFailed error.
type ErrTransformationFailed struct {
	PluginName string
	Cause      error
}

func (e *ErrTransformationFailed) Error() string {
	return fmt.Sprintf("plugin %s: transformation failed: %v", e.PluginName, e.Cause)
}

func (e *ErrTransformationFailed) Unwrap() error { return e.Cause }

// Pipeline applies plugins in priority order against a component binary.
type Pipeline struct {
	resolver PluginResolver
	blobs    blobstore.Store
	composer Composer
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// New builds a Pipeline. The HTTP client used for ComponentTransformer
// plugins is wrapped in a circuit breaker so a down transformer endpoint
// degrades to a fast, uniform failure instead of hanging every request
// that touches it.
func New(resolver PluginResolver, blobs blobstore.Store, composer Composer) *Pipeline {
	client := &http.Client{Timeout: 30 * time.Second}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "plugin-transformer",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.PluginBreakerTrips.Inc()
			}
		},
	})

	return &Pipeline{resolver: resolver, blobs: blobs, composer: composer, client: client, breaker: breaker}
}

// Apply runs the ordered plugin pipeline over binary, returning the
// transformed bytes.
func (p *Pipeline) Apply(ctx context.Context, owner types.ComponentOwner, binary []byte, installations []types.PluginInstallation) ([]byte, error) {
	ordered := make([]types.PluginInstallation, len(installations))
	copy(ordered, installations)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	pluginOwner := owner.ToPluginOwner()
	current := binary

	for _, installation := range ordered {
		plugin, err := p.resolver.Resolve(pluginOwner, installation.PluginID)
		if err != nil {
			return nil, fmt.Errorf("resolve plugin %s: %w", installation.PluginID, err)
		}

		timer := metrics.NewTimer()
		current, err = p.applyOne(ctx, *plugin, installation, current)
		timer.ObserveDurationVec(metrics.PluginApplyDuration, string(plugin.Spec.Kind))
		if err != nil {
			return nil, err
		}
	}

	return current, nil
}

func (p *Pipeline) applyOne(ctx context.Context, plugin types.Plugin, installation types.PluginInstallation, current []byte) ([]byte, error) {
	switch plugin.Spec.Kind {
	case types.PluginSpecTransformer:
		return p.applyTransformer(ctx, plugin, installation, current)
	case types.PluginSpecLibrary:
		libraryBytes, err := p.blobs.Get(ctx, plugin.Spec.BlobKey)
		if err != nil {
			return nil, fmt.Errorf("fetch library plugin %s: %w", plugin.Name, err)
		}
		result, _, err := p.composer.Plug(ctx, current, libraryBytes)
		if err != nil {
			return nil, fmt.Errorf("plug library %s: %w", plugin.Name, err)
		}
		return result, nil
	case types.PluginSpecApp:
		appBytes, err := p.blobs.Get(ctx, plugin.Spec.BlobKey)
		if err != nil {
			return nil, fmt.Errorf("fetch app plugin %s: %w", plugin.Name, err)
		}
		result, _, err := p.composer.Plug(ctx, appBytes, current)
		if err != nil {
			return nil, fmt.Errorf("plug app %s: %w", plugin.Name, err)
		}
		return result, nil
	case types.PluginSpecOplogProcessor:
		// No effect on bytes at transform time; relevant only to worker
		// execution.
		return current, nil
	default:
		return nil, fmt.Errorf("unknown plugin spec kind %q", plugin.Spec.Kind)
	}
}

type transformerRequest struct {
	Binary     []byte            `json:"binary"`
	Parameters map[string]string `json:"parameters"`
}

func (p *Pipeline) applyTransformer(ctx context.Context, plugin types.Plugin, installation types.PluginInstallation, current []byte) ([]byte, error) {
	payload, err := json.Marshal(transformerRequest{Binary: current, Parameters: installation.Parameters})
	if err != nil {
		return nil, fmt.Errorf("marshal transformer request: %w", err)
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, plugin.Spec.TransformerURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("transformer returned status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return nil, apierr.Internal(&ErrTransformationFailed{PluginName: plugin.Name, Cause: err}, "plugin %s transformation failed", plugin.Name)
	}

	return result.([]byte), nil
}
