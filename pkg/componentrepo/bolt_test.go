package componentrepo

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/durable-wasm/pkg/apierr"
	"github.com/cuemby/durable-wasm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *BoltRepo {
	t.Helper()
	path := filepath.Join(t.TempDir(), "components.db")
	r, err := NewBoltRepo(path)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func testOwner() types.ComponentOwner {
	return types.ComponentOwner{AccountIDValue: "acct-1", ProjectID: "proj-1"}
}

func TestCreateThenGet(t *testing.T) {
	r := newTestRepo(t)
	owner := testOwner()

	created, err := r.Create(owner, types.Component{ComponentID: "comp-1", Name: "widget", Type: types.ComponentDurable})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), created.Version)

	got, err := r.Get(owner, "comp-1")
	require.NoError(t, err)
	assert.Equal(t, "widget", got.Name)
}

func TestCreateDuplicateNameIsAlreadyExists(t *testing.T) {
	r := newTestRepo(t)
	owner := testOwner()

	_, err := r.Create(owner, types.Component{ComponentID: "comp-1", Name: "widget"})
	require.NoError(t, err)

	_, err = r.Create(owner, types.Component{ComponentID: "comp-2", Name: "widget"})
	var env *apierr.Envelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, apierr.KindAlreadyExists, env.Kind)
}

func TestUpdateAllocatesNextVersion(t *testing.T) {
	r := newTestRepo(t)
	owner := testOwner()

	_, err := r.Create(owner, types.Component{ComponentID: "comp-1", Name: "widget"})
	require.NoError(t, err)

	updated, err := r.Update(owner, "comp-1", types.Component{Name: "widget"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), updated.Version)

	latest, err := r.GetLatestVersion(owner, "comp-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest)

	// Get still returns the active (version 0) row until Activate runs.
	active, err := r.Get(owner, "comp-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), active.Version)
}

func TestActivateMovesTheActivePointer(t *testing.T) {
	r := newTestRepo(t)
	owner := testOwner()

	_, err := r.Create(owner, types.Component{ComponentID: "comp-1", Name: "widget"})
	require.NoError(t, err)
	_, err = r.Update(owner, "comp-1", types.Component{Name: "widget"})
	require.NoError(t, err)

	meta := types.ComponentMetadata{RootPackage: "widget"}
	require.NoError(t, r.Activate(owner, "comp-1", 1, "user-key", "protected-key", meta))

	active, err := r.Get(owner, "comp-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), active.Version)
	assert.Equal(t, "user-key", active.UserKey)
	assert.Equal(t, "widget", active.Metadata.RootPackage)
}

func TestGetByNameAndNamespace(t *testing.T) {
	r := newTestRepo(t)
	owner := testOwner()

	_, err := r.Create(owner, types.Component{ComponentID: "comp-1", Name: "widget"})
	require.NoError(t, err)

	byName, err := r.GetByName(owner, "widget")
	require.NoError(t, err)
	assert.Equal(t, "comp-1", byName.ComponentID)

	ns, err := r.GetNamespace("comp-1")
	require.NoError(t, err)
	assert.Equal(t, owner.Namespace(), ns)
}

func TestConstraintsMergeAcrossCalls(t *testing.T) {
	r := newTestRepo(t)

	require.NoError(t, r.CreateOrUpdateConstraint("comp-1", map[string]types.FunctionSignature{
		"add": {Name: "add", ParameterTypes: []string{"i32", "i32"}, ReturnType: "i32"},
	}))
	require.NoError(t, r.CreateOrUpdateConstraint("comp-1", map[string]types.FunctionSignature{
		"sub": {Name: "sub", ParameterTypes: []string{"i32", "i32"}, ReturnType: "i32"},
	}))

	constraint, err := r.GetConstraint("comp-1")
	require.NoError(t, err)
	assert.Len(t, constraint.Functions, 2)

	require.NoError(t, r.DeleteConstraints("comp-1"))
	constraint, err = r.GetConstraint("comp-1")
	require.NoError(t, err)
	assert.Empty(t, constraint.Functions)
}

func TestApplyPluginInstallationChangesOrdering(t *testing.T) {
	r := newTestRepo(t)
	owner := testOwner()

	_, err := r.Create(owner, types.Component{ComponentID: "comp-1", Name: "widget"})
	require.NoError(t, err)

	v1, err := r.ApplyPluginInstallationChanges(owner, "comp-1", []Action{
		{Kind: ActionInstall, Installation: types.PluginInstallation{ID: "p1", PluginName: "logger", Priority: 1}},
		{Kind: ActionInstall, Installation: types.PluginInstallation{ID: "p2", PluginName: "cache", Priority: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1)

	plugins, err := r.GetInstalledPlugins(owner, "comp-1", v1)
	require.NoError(t, err)
	require.Len(t, plugins, 2)
	assert.Equal(t, "p1", plugins[0].ID)
	assert.Equal(t, "p2", plugins[1].ID)

	v2, err := r.ApplyPluginInstallationChanges(owner, "comp-1", []Action{
		{Kind: ActionUninstall, InstallationID: "p1"},
	})
	require.NoError(t, err)

	plugins, err = r.GetInstalledPlugins(owner, "comp-1", v2)
	require.NoError(t, err)
	require.Len(t, plugins, 1)
	assert.Equal(t, "p2", plugins[0].ID)
}

func TestApplyPluginInstallationChangesUnknownUninstallIsNoop(t *testing.T) {
	r := newTestRepo(t)
	owner := testOwner()

	_, err := r.Create(owner, types.Component{ComponentID: "comp-1", Name: "widget"})
	require.NoError(t, err)

	v1, err := r.ApplyPluginInstallationChanges(owner, "comp-1", []Action{
		{Kind: ActionUninstall, InstallationID: "missing"},
	})
	require.NoError(t, err)

	plugins, err := r.GetInstalledPlugins(owner, "comp-1", v1)
	require.NoError(t, err)
	assert.Empty(t, plugins)
}

func TestDeleteRemovesAllVersions(t *testing.T) {
	r := newTestRepo(t)
	owner := testOwner()

	_, err := r.Create(owner, types.Component{ComponentID: "comp-1", Name: "widget"})
	require.NoError(t, err)
	_, err = r.Update(owner, "comp-1", types.Component{Name: "widget"})
	require.NoError(t, err)

	require.NoError(t, r.Delete(owner, "comp-1"))

	_, err = r.Get(owner, "comp-1")
	var env *apierr.Envelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, apierr.KindNotFound, env.Kind)

	_, err = r.GetByVersion(owner, "comp-1", 0)
	require.Error(t, err)
}

func TestDeleteUnknownComponentFails(t *testing.T) {
	r := newTestRepo(t)
	err := r.Delete(testOwner(), "nope")
	var env *apierr.Envelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, apierr.KindNotFound, env.Kind)
}

func TestCountHelpers(t *testing.T) {
	r := newTestRepo(t)
	owner := testOwner()

	_, err := r.Create(owner, types.Component{ComponentID: "comp-1", Name: "widget", Type: types.ComponentDurable})
	require.NoError(t, err)
	_, err = r.Create(owner, types.Component{ComponentID: "comp-2", Name: "gadget", Type: types.ComponentEphemeral})
	require.NoError(t, err)

	byType, err := r.CountByType()
	require.NoError(t, err)
	assert.Equal(t, 1, byType[string(types.ComponentDurable)])
	assert.Equal(t, 1, byType[string(types.ComponentEphemeral)])

	versions, err := r.CountVersions()
	require.NoError(t, err)
	assert.Equal(t, 2, versions)
}
