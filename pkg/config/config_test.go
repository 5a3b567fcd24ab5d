package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesOnlySpecifiedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 7070
blob_storage:
  driver: s3
  bucket: components
  region: us-east-1
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "s3", cfg.BlobStorage.Driver)
	assert.Equal(t, "components", cfg.BlobStorage.Bucket)
	// Unset fields keep their Default() value.
	assert.Equal(t, "bbolt", cfg.KeyValueStorage.Driver)
	assert.Equal(t, 1024, cfg.Limits.MaxActiveWorkers)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultIsSelfConsistent(t *testing.T) {
	cfg := Default()
	assert.Greater(t, cfg.Limits.MaxActiveWorkers, 0)
	assert.Greater(t, cfg.Memory.WorkerMemoryRatio, 0.0)
	assert.NotEmpty(t, cfg.GrpcAddress)
}
