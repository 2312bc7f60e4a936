// Package storage persists the launcher's durable state: the instance
// catalog (pkg/instancemgr/pkg/instance) and the update-item catalog
// (pkg/imagemanager), both backed by a single BoltDB file.
package storage

import (
	"github.com/cuemby/aoslauncher/pkg/types"
)

// Store is the durable persistence surface. It satisfies instance.Storage
// and imagemanager.Storage directly; cmd/launcher uses GetAllInstances to
// rehydrate instancemgr.Manager at startup, and imagemanager.Manager reads
// its catalog through GetAllUpdateItems as it runs.
type Store interface {
	// Instances
	AddInstance(info types.InstanceInfo) error
	UpdateInstance(info types.InstanceInfo) error
	RemoveInstance(ident types.InstanceIdent) error
	GetAllInstances() ([]types.InstanceInfo, error)

	// Update items
	AddUpdateItem(info types.ItemInfo) error
	UpdateUpdateItem(info types.ItemInfo) error
	RemoveUpdateItem(id, version string) error
	GetUpdateItem(id, version string) (types.ItemInfo, error)
	GetAllUpdateItems() ([]types.ItemInfo, error)

	// Utility
	Close() error
}
