/*
Package storage provides BoltDB-backed persistence for the launcher's
durable state: the instance catalog and the update-item catalog.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStore                        │          │
	│  │  - File: <dataDir>/launcher.db              │          │
	│  │  - Format: B+tree with MVCC                 │          │
	│  │  - Transactions: ACID with fsync            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket Structure                │          │
	│  │  ┌──────────────────────────────────────┐   │          │
	│  │  │ instances     (ItemID/SubjectID/      │   │          │
	│  │  │                Index/Type)            │   │          │
	│  │  │ update_items  (ID@Version)            │   │          │
	│  │  └──────────────────────────────────────┘   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │        Transaction Management                │          │
	│  │  - Read: db.View() - concurrent reads       │          │
	│  │  - Write: db.Update() - serialized, fsynced │          │
	│  └──────────────────────────────────────────────┘          │
	│                                                            │
	└────────────────────────────────────────────────────────────┘

# Instances

Every instance row is a JSON-encoded types.InstanceInfo, keyed by its
InstanceIdent (ItemID, SubjectID, InstanceIndex, Type joined with "/").
cmd/launcher reads the full set back via GetAllInstances at startup and
hands it to instancemgr.New so active/stash/cached instances survive a
restart; afterward, the instance variants write through UpdateInstance on
every state transition, and RemoveInstance on cleanup.

# Update items

Every catalog row is a JSON-encoded types.ItemInfo, keyed by "id@version".
pkg/imagemanager is the only writer: Install/Uninstall/Revert/RemoveItem
all go through AddUpdateItem/UpdateUpdateItem/RemoveUpdateItem, and the
outdated-item eviction loop calls GetAllUpdateItems on its timer.

# Data Integrity

Transaction Guarantees:
  - Atomicity: all-or-nothing commits
  - Consistency: JSON validation before commit
  - Isolation: snapshot reads, serialized writes
  - Durability: fsync ensures crash recovery

Backup and Restore:
  - Database is a single file (easy to copy)
  - Backup: copy the file while the launcher is stopped, or snapshot via db.View()
  - Restore: replace the file and restart the launcher

# Security

File Permissions:
  - Database file: 0600 (owner read/write only)
  - Prevents unprivileged access to instance and catalog state

Access Control:
  - No authentication within the database itself
  - Rely on OS file permissions; the launcher process is the only writer

# See Also

  - pkg/instancemgr and pkg/instance for the instance lifecycle this
    package persists
  - pkg/imagemanager for the update-item catalog this package persists
  - pkg/types for all entity definitions
  - BoltDB documentation: https://github.com/etcd-io/bbolt
*/
package storage
