// Package componentrepo persists component rows, constraint sets, and
// plugin-installation lists, one bbolt bucket per row kind in the style of
// this module's other bbolt-backed stores. It knows nothing about blob
// bytes or the transform pipeline; ComponentService composes those
// concerns on top of it.
package componentrepo

import (
	"github.com/cuemby/durable-wasm/pkg/types"
)

// ActionKind discriminates one entry of a plugin-installation batch.
type ActionKind string

const (
	ActionInstall   ActionKind = "install"
	ActionUpdate    ActionKind = "update"
	ActionUninstall ActionKind = "uninstall"
)

// Action is one repo_action from a batch_update_plugin_installations call.
type Action struct {
	Kind          ActionKind
	Installation  types.PluginInstallation // Install, Update
	InstallationID string                   // Uninstall
}

// Repo is the persistence interface ComponentService builds on.
type Repo interface {
	// Create inserts a new component at version 0. Fails with
	// apierr.AlreadyExists if (owner, component.Name) already resolves to
	// another component id.
	Create(owner types.ComponentOwner, component types.Component) (*types.Component, error)

	// Update allocates the next version number for componentID and
	// writes a pending row (Metadata/UserKey/ProtectedKey not yet set).
	// The caller activates it once the transformed binary is uploaded.
	Update(owner types.ComponentOwner, componentID string, next types.Component) (*types.Component, error)

	// Activate records the final metadata and blob keys for
	// (componentID, version), making it the latest active version.
	Activate(owner types.ComponentOwner, componentID string, version uint64, userKey, protectedKey string, metadata types.ComponentMetadata) error

	// Get returns the latest active version of componentID.
	Get(owner types.ComponentOwner, componentID string) (*types.Component, error)

	// GetByVersion returns one specific version, active or pending.
	GetByVersion(owner types.ComponentOwner, componentID string, version uint64) (*types.Component, error)

	// GetLatestVersion returns the highest version number stored for
	// componentID, active or pending.
	GetLatestVersion(owner types.ComponentOwner, componentID string) (uint64, error)

	// GetByName resolves a component by its (owner, name) pair.
	GetByName(owner types.ComponentOwner, name string) (*types.Component, error)

	// GetNamespace returns the owner namespace a component id belongs to.
	GetNamespace(componentID string) (string, error)

	// GetConstraint returns the accumulated call-site constraints for a
	// component, or an empty constraint if none have been recorded.
	GetConstraint(componentID string) (*types.ComponentConstraint, error)

	// CreateOrUpdateConstraint merges newFunctions into the stored
	// constraint set for componentID.
	CreateOrUpdateConstraint(componentID string, newFunctions map[string]types.FunctionSignature) error

	// DeleteConstraints removes all recorded constraints for componentID.
	DeleteConstraints(componentID string) error

	// GetInstalledPlugins returns the plugin installation list for one
	// component version.
	GetInstalledPlugins(owner types.ComponentOwner, componentID string, version uint64) ([]types.PluginInstallation, error)

	// ApplyPluginInstallationChanges allocates a new version recording
	// the post-action installation list and returns its version number.
	// All actions are applied atomically before the caller retransforms.
	ApplyPluginInstallationChanges(owner types.ComponentOwner, componentID string, actions []Action) (uint64, error)

	// Delete removes every version row for componentID. Fails with
	// apierr.NotFound if no rows exist.
	Delete(owner types.ComponentOwner, componentID string) error

	// CountByType, CountVersions, and CountPlugins feed the metrics
	// collector; they satisfy metrics.ComponentSource.
	CountByType() (map[string]int, error)
	CountVersions() (int, error)
	CountPlugins() (int, error)

	Close() error
}
