// Package objectstorekeys derives the blob store keys for a component
// binary from its (component_id, version) pair. Initial files never go
// through this package: each upload gets its own random key, so identical
// file contents uploaded twice are stored twice.
package objectstorekeys

import "fmt"

// Protected returns the key for the binary workers actually load: the user
// binary after the plugin pipeline has applied every installed transform.
func Protected(componentID string, version uint64) string {
	return fmt.Sprintf("%s#%d:protected", componentID, version)
}

// User returns the key for the as-uploaded component binary, before any
// plugin transform has run against it.
func User(componentID string, version uint64) string {
	return fmt.Sprintf("%s#%d:user", componentID, version)
}
