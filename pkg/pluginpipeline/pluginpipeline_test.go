package pluginpipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/cuemby/durable-wasm/pkg/blobstore"
	"github.com/cuemby/durable-wasm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	plugins map[string]types.Plugin
}

func (f *fakeResolver) Resolve(owner types.PluginOwner, pluginID string) (*types.Plugin, error) {
	p, ok := f.plugins[pluginID]
	if !ok {
		return nil, assertNotFound(pluginID)
	}
	return &p, nil
}

func assertNotFound(id string) error { return &notFoundErr{id} }

type notFoundErr struct{ id string }

func (e *notFoundErr) Error() string { return "plugin not found: " + e.id }

type fakeComposer struct {
	plugCalls int
}

func (f *fakeComposer) Plug(_ context.Context, socket, plug []byte) ([]byte, bool, error) {
	f.plugCalls++
	return append(append([]byte{}, socket...), plug...), true, nil
}

func newTestBlobs(t *testing.T) blobstore.Store {
	t.Helper()
	s, err := blobstore.NewBoltStore(filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestApplyOrdersByPriority(t *testing.T) {
	blobs := newTestBlobs(t)
	ctx := context.Background()
	require.NoError(t, blobs.Put(ctx, "lib-a", bytes.NewReader([]byte("A"))))
	require.NoError(t, blobs.Put(ctx, "lib-b", bytes.NewReader([]byte("B"))))

	resolver := &fakeResolver{plugins: map[string]types.Plugin{
		"p-high": {Name: "high", Spec: types.PluginSpec{Kind: types.PluginSpecLibrary, BlobKey: "lib-b"}},
		"p-low":  {Name: "low", Spec: types.PluginSpec{Kind: types.PluginSpecLibrary, BlobKey: "lib-a"}},
	}}
	composer := &fakeComposer{}
	pipeline := New(resolver, blobs, composer)

	result, err := pipeline.Apply(ctx, types.ComponentOwner{AccountIDValue: "a", ProjectID: "p"}, []byte("BASE"),
		[]types.PluginInstallation{
			{ID: "i2", PluginID: "p-high", Priority: 2},
			{ID: "i1", PluginID: "p-low", Priority: 1},
		})
	require.NoError(t, err)
	assert.Equal(t, []byte("BASEAB"), result)
	assert.Equal(t, 2, composer.plugCalls)
}

func TestApplyAppIsInversePlug(t *testing.T) {
	blobs := newTestBlobs(t)
	ctx := context.Background()
	require.NoError(t, blobs.Put(ctx, "app-bytes", bytes.NewReader([]byte("APP"))))

	resolver := &fakeResolver{plugins: map[string]types.Plugin{
		"p-app": {Name: "app", Spec: types.PluginSpec{Kind: types.PluginSpecApp, BlobKey: "app-bytes"}},
	}}
	composer := &fakeComposer{}
	pipeline := New(resolver, blobs, composer)

	result, err := pipeline.Apply(ctx, types.ComponentOwner{AccountIDValue: "a", ProjectID: "p"}, []byte("CURRENT"),
		[]types.PluginInstallation{{ID: "i1", PluginID: "p-app", Priority: 0}})
	require.NoError(t, err)
	assert.Equal(t, []byte("APPCURRENT"), result)
}

func TestApplyOplogProcessorIsNoOp(t *testing.T) {
	blobs := newTestBlobs(t)
	resolver := &fakeResolver{plugins: map[string]types.Plugin{
		"p-oplog": {Name: "oplog", Spec: types.PluginSpec{Kind: types.PluginSpecOplogProcessor}},
	}}
	pipeline := New(resolver, blobs, &fakeComposer{})

	result, err := pipeline.Apply(context.Background(), types.ComponentOwner{}, []byte("SAME"),
		[]types.PluginInstallation{{ID: "i1", PluginID: "p-oplog"}})
	require.NoError(t, err)
	assert.Equal(t, []byte("SAME"), result)
}

func TestApplyTransformerPostsAndReplaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req transformerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []byte("ORIGINAL"), req.Binary)
		assert.Equal(t, "v1", req.Parameters["version"])
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("TRANSFORMED"))
	}))
	defer server.Close()

	blobs := newTestBlobs(t)
	resolver := &fakeResolver{plugins: map[string]types.Plugin{
		"p-t": {Name: "transformer", Spec: types.PluginSpec{Kind: types.PluginSpecTransformer, TransformerURL: server.URL}},
	}}
	pipeline := New(resolver, blobs, &fakeComposer{})

	result, err := pipeline.Apply(context.Background(), types.ComponentOwner{}, []byte("ORIGINAL"),
		[]types.PluginInstallation{{ID: "i1", PluginID: "p-t", Parameters: map[string]string{"version": "v1"}}})
	require.NoError(t, err)
	assert.Equal(t, []byte("TRANSFORMED"), result)
}

func TestApplyTransformerFailureSurfacesAsTransformationFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	blobs := newTestBlobs(t)
	resolver := &fakeResolver{plugins: map[string]types.Plugin{
		"p-t": {Name: "transformer", Spec: types.PluginSpec{Kind: types.PluginSpecTransformer, TransformerURL: server.URL}},
	}}
	pipeline := New(resolver, blobs, &fakeComposer{})

	_, err := pipeline.Apply(context.Background(), types.ComponentOwner{}, []byte("ORIGINAL"),
		[]types.PluginInstallation{{ID: "i1", PluginID: "p-t"}})
	require.Error(t, err)

	var transformErr *ErrTransformationFailed
	require.ErrorAs(t, err, &transformErr)
	assert.Equal(t, "transformer", transformErr.PluginName)
}
