package componentrepo

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cuemby/durable-wasm/pkg/apierr"
	"github.com/cuemby/durable-wasm/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketComponents      = []byte("components")       // "<ns>/<id>#<version>" -> Component JSON
	bucketActiveVersion   = []byte("active_version")    // "<ns>/<id>" -> uint64 BE
	bucketLatestVersion   = []byte("latest_version")    // "<ns>/<id>" -> uint64 BE
	bucketNames           = []byte("component_names")   // "<ns>/<name>" -> id
	bucketOwners          = []byte("component_owners")  // "<id>" -> ns
	bucketConstraints     = []byte("component_constraints") // "<id>" -> constraint JSON
)

// BoltRepo is the bbolt-backed Repo implementation, generalizing this
// module's one-bucket-per-row-kind storage pattern to component rows,
// name uniqueness, version pointers, and constraint sets.
type BoltRepo struct {
	db *bolt.DB
}

// NewBoltRepo opens (creating if needed) a bbolt-backed component repo at
// path.
func NewBoltRepo(path string) (*BoltRepo, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open componentrepo db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketComponents, bucketActiveVersion, bucketLatestVersion, bucketNames, bucketOwners, bucketConstraints} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltRepo{db: db}, nil
}

func (r *BoltRepo) Close() error { return r.db.Close() }

func componentKey(ns, id string, version uint64) []byte {
	return []byte(fmt.Sprintf("%s/%s#%d", ns, id, version))
}

func versionPointerKey(ns, id string) []byte {
	return []byte(ns + "/" + id)
}

func nameKey(ns, name string) []byte {
	return []byte(ns + "/" + name)
}

func encodeVersion(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeVersion(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func (r *BoltRepo) Create(owner types.ComponentOwner, component types.Component) (*types.Component, error) {
	ns := owner.Namespace()
	component.Owner = owner
	component.Version = 0

	return &component, r.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketNames)
		nk := nameKey(ns, component.Name)
		if existing := names.Get(nk); existing != nil {
			return apierr.AlreadyExists("component %q already exists", component.Name)
		}

		data, err := json.Marshal(component)
		if err != nil {
			return fmt.Errorf("marshal component: %w", err)
		}

		if err := tx.Bucket(bucketComponents).Put(componentKey(ns, component.ComponentID, 0), data); err != nil {
			return err
		}
		if err := names.Put(nk, []byte(component.ComponentID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketOwners).Put([]byte(component.ComponentID), []byte(ns)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketActiveVersion).Put(versionPointerKey(ns, component.ComponentID), encodeVersion(0)); err != nil {
			return err
		}
		return tx.Bucket(bucketLatestVersion).Put(versionPointerKey(ns, component.ComponentID), encodeVersion(0))
	})
}

func (r *BoltRepo) Update(owner types.ComponentOwner, componentID string, next types.Component) (*types.Component, error) {
	ns := owner.Namespace()

	var result types.Component
	err := r.db.Update(func(tx *bolt.Tx) error {
		ptrKey := versionPointerKey(ns, componentID)
		latestBytes := tx.Bucket(bucketLatestVersion).Get(ptrKey)
		if latestBytes == nil {
			return apierr.NotFound("component %s not found", componentID)
		}
		newVersion := decodeVersion(latestBytes) + 1

		next.Owner = owner
		next.ComponentID = componentID
		next.Version = newVersion

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal component: %w", err)
		}
		if err := tx.Bucket(bucketComponents).Put(componentKey(ns, componentID, newVersion), data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketLatestVersion).Put(ptrKey, encodeVersion(newVersion)); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *BoltRepo) Activate(owner types.ComponentOwner, componentID string, version uint64, userKey, protectedKey string, metadata types.ComponentMetadata) error {
	ns := owner.Namespace()

	return r.db.Update(func(tx *bolt.Tx) error {
		components := tx.Bucket(bucketComponents)
		key := componentKey(ns, componentID, version)
		data := components.Get(key)
		if data == nil {
			return apierr.NotFound("component %s version %d not found", componentID, version)
		}

		var component types.Component
		if err := json.Unmarshal(data, &component); err != nil {
			return fmt.Errorf("unmarshal component: %w", err)
		}

		component.UserKey = userKey
		component.ProtectedKey = protectedKey
		component.Metadata = metadata

		updated, err := json.Marshal(component)
		if err != nil {
			return fmt.Errorf("marshal component: %w", err)
		}
		if err := components.Put(key, updated); err != nil {
			return err
		}

		return tx.Bucket(bucketActiveVersion).Put(versionPointerKey(ns, componentID), encodeVersion(version))
	})
}

func (r *BoltRepo) Get(owner types.ComponentOwner, componentID string) (*types.Component, error) {
	ns := owner.Namespace()

	var component types.Component
	err := r.db.View(func(tx *bolt.Tx) error {
		activeBytes := tx.Bucket(bucketActiveVersion).Get(versionPointerKey(ns, componentID))
		if activeBytes == nil {
			return apierr.NotFound("component %s not found", componentID)
		}
		version := decodeVersion(activeBytes)

		data := tx.Bucket(bucketComponents).Get(componentKey(ns, componentID, version))
		if data == nil {
			return apierr.NotFound("component %s version %d not found", componentID, version)
		}
		return json.Unmarshal(data, &component)
	})
	if err != nil {
		return nil, err
	}
	return &component, nil
}

func (r *BoltRepo) GetByVersion(owner types.ComponentOwner, componentID string, version uint64) (*types.Component, error) {
	ns := owner.Namespace()

	var component types.Component
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketComponents).Get(componentKey(ns, componentID, version))
		if data == nil {
			return apierr.NotFound("component %s version %d not found", componentID, version)
		}
		return json.Unmarshal(data, &component)
	})
	if err != nil {
		return nil, err
	}
	return &component, nil
}

func (r *BoltRepo) GetLatestVersion(owner types.ComponentOwner, componentID string) (uint64, error) {
	ns := owner.Namespace()

	var version uint64
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLatestVersion).Get(versionPointerKey(ns, componentID))
		if data == nil {
			return apierr.NotFound("component %s not found", componentID)
		}
		version = decodeVersion(data)
		return nil
	})
	return version, err
}

func (r *BoltRepo) GetByName(owner types.ComponentOwner, name string) (*types.Component, error) {
	ns := owner.Namespace()

	var id string
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNames).Get(nameKey(ns, name))
		if v == nil {
			return apierr.NotFound("component %q not found", name)
		}
		id = string(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.Get(owner, id)
}

func (r *BoltRepo) GetNamespace(componentID string) (string, error) {
	var ns string
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketOwners).Get([]byte(componentID))
		if v == nil {
			return apierr.NotFound("component %s not found", componentID)
		}
		ns = string(v)
		return nil
	})
	return ns, err
}

func (r *BoltRepo) GetConstraint(componentID string) (*types.ComponentConstraint, error) {
	constraint := types.ComponentConstraint{
		ComponentID: componentID,
		Functions:   map[string]types.FunctionSignature{},
	}

	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConstraints).Get([]byte(componentID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &constraint)
	})
	if err != nil {
		return nil, err
	}
	return &constraint, nil
}

func (r *BoltRepo) CreateOrUpdateConstraint(componentID string, newFunctions map[string]types.FunctionSignature) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConstraints)

		constraint := types.ComponentConstraint{
			ComponentID: componentID,
			Functions:   map[string]types.FunctionSignature{},
		}
		if data := b.Get([]byte(componentID)); data != nil {
			if err := json.Unmarshal(data, &constraint); err != nil {
				return fmt.Errorf("unmarshal constraint: %w", err)
			}
		}

		for name, sig := range newFunctions {
			constraint.Functions[name] = sig
		}

		data, err := json.Marshal(constraint)
		if err != nil {
			return fmt.Errorf("marshal constraint: %w", err)
		}
		return b.Put([]byte(componentID), data)
	})
}

func (r *BoltRepo) DeleteConstraints(componentID string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConstraints).Delete([]byte(componentID))
	})
}

func (r *BoltRepo) GetInstalledPlugins(owner types.ComponentOwner, componentID string, version uint64) ([]types.PluginInstallation, error) {
	component, err := r.GetByVersion(owner, componentID, version)
	if err != nil {
		return nil, err
	}
	return component.Plugins, nil
}

func (r *BoltRepo) ApplyPluginInstallationChanges(owner types.ComponentOwner, componentID string, actions []Action) (uint64, error) {
	ns := owner.Namespace()

	var newVersion uint64
	err := r.db.Update(func(tx *bolt.Tx) error {
		ptrKey := versionPointerKey(ns, componentID)
		latestBytes := tx.Bucket(bucketLatestVersion).Get(ptrKey)
		if latestBytes == nil {
			return apierr.NotFound("component %s not found", componentID)
		}
		currentVersion := decodeVersion(latestBytes)

		data := tx.Bucket(bucketComponents).Get(componentKey(ns, componentID, currentVersion))
		if data == nil {
			return apierr.NotFound("component %s version %d not found", componentID, currentVersion)
		}
		var component types.Component
		if err := json.Unmarshal(data, &component); err != nil {
			return fmt.Errorf("unmarshal component: %w", err)
		}

		installed := make(map[string]types.PluginInstallation, len(component.Plugins))
		order := make([]string, 0, len(component.Plugins))
		for _, p := range component.Plugins {
			installed[p.ID] = p
			order = append(order, p.ID)
		}

		for _, action := range actions {
			switch action.Kind {
			case ActionInstall:
				installed[action.Installation.ID] = action.Installation
				order = append(order, action.Installation.ID)
			case ActionUpdate:
				if _, ok := installed[action.Installation.ID]; !ok {
					return apierr.NotFound("plugin installation %s not found", action.Installation.ID)
				}
				installed[action.Installation.ID] = action.Installation
			case ActionUninstall:
				// Deleting an installation that isn't present is a no-op,
				// not an error.
				delete(installed, action.InstallationID)
			default:
				return fmt.Errorf("unknown plugin installation action %q", action.Kind)
			}
		}

		plugins := make([]types.PluginInstallation, 0, len(installed))
		seen := make(map[string]bool, len(installed))
		for _, id := range order {
			if seen[id] {
				continue
			}
			seen[id] = true
			if p, ok := installed[id]; ok {
				plugins = append(plugins, p)
			}
		}

		newVersion = currentVersion + 1
		component.Version = newVersion
		component.Plugins = plugins

		updated, err := json.Marshal(component)
		if err != nil {
			return fmt.Errorf("marshal component: %w", err)
		}
		if err := tx.Bucket(bucketComponents).Put(componentKey(ns, componentID, newVersion), updated); err != nil {
			return err
		}
		return tx.Bucket(bucketLatestVersion).Put(ptrKey, encodeVersion(newVersion))
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (r *BoltRepo) Delete(owner types.ComponentOwner, componentID string) error {
	ns := owner.Namespace()

	return r.db.Update(func(tx *bolt.Tx) error {
		ptrKey := versionPointerKey(ns, componentID)
		latestBytes := tx.Bucket(bucketLatestVersion).Get(ptrKey)
		if latestBytes == nil {
			return apierr.NotFound("component %s not found", componentID)
		}
		latest := decodeVersion(latestBytes)

		components := tx.Bucket(bucketComponents)
		var name string
		for v := uint64(0); v <= latest; v++ {
			key := componentKey(ns, componentID, v)
			if data := components.Get(key); data != nil {
				var component types.Component
				if err := json.Unmarshal(data, &component); err == nil {
					name = component.Name
				}
				if err := components.Delete(key); err != nil {
					return err
				}
			}
		}

		if name != "" {
			if err := tx.Bucket(bucketNames).Delete(nameKey(ns, name)); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketOwners).Delete([]byte(componentID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketActiveVersion).Delete(ptrKey); err != nil {
			return err
		}
		if err := tx.Bucket(bucketConstraints).Delete([]byte(componentID)); err != nil {
			return err
		}
		return tx.Bucket(bucketLatestVersion).Delete(ptrKey)
	})
}

func (r *BoltRepo) CountByType() (map[string]int, error) {
	counts := map[string]int{}
	err := r.db.View(func(tx *bolt.Tx) error {
		return forEachActiveComponent(tx, func(c types.Component) {
			counts[string(c.Type)]++
		})
	})
	return counts, err
}

func (r *BoltRepo) CountVersions() (int, error) {
	count := 0
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketComponents).ForEach(func(_, _ []byte) error {
			count++
			return nil
		})
	})
	return count, err
}

func (r *BoltRepo) CountPlugins() (int, error) {
	count := 0
	err := r.db.View(func(tx *bolt.Tx) error {
		return forEachActiveComponent(tx, func(c types.Component) {
			count += len(c.Plugins)
		})
	})
	return count, err
}

// forEachActiveComponent iterates the component rows pointed to by
// bucketActiveVersion, skipping pending (not-yet-activated) versions.
func forEachActiveComponent(tx *bolt.Tx, fn func(types.Component)) error {
	return tx.Bucket(bucketActiveVersion).ForEach(func(k, v []byte) error {
		idx := bytes.LastIndexByte(k, '/')
		if idx < 0 {
			return nil
		}
		ns, id := string(k[:idx]), string(k[idx+1:])
		version := decodeVersion(v)

		data := tx.Bucket(bucketComponents).Get(componentKey(ns, id, version))
		if data == nil {
			return nil
		}
		var component types.Component
		if err := json.Unmarshal(data, &component); err != nil {
			return nil
		}
		fn(component)
		return nil
	})
}
