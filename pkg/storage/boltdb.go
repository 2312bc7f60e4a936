package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/aoslauncher/pkg/aoserrors"
	"github.com/cuemby/aoslauncher/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketInstances   = []byte("instances")
	bucketUpdateItems = []byte("update_items")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "launcher.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketInstances, bucketUpdateItems} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database file is still open and answering transactions.
func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func instanceKey(ident types.InstanceIdent) []byte {
	return []byte(fmt.Sprintf("%s/%s/%d/%s", ident.ItemID, ident.SubjectID, ident.InstanceIndex, ident.Type))
}

func itemKey(id, version string) []byte {
	return []byte(id + "@" + version)
}

// AddInstance and UpdateInstance are both upserts; BoltDB's Put already
// has create-or-replace semantics, so there's nothing to distinguish here.

func (s *BoltStore) AddInstance(info types.InstanceInfo) error {
	return s.putInstance(info)
}

func (s *BoltStore) UpdateInstance(info types.InstanceInfo) error {
	return s.putInstance(info)
}

func (s *BoltStore) putInstance(info types.InstanceInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return b.Put(instanceKey(info.InstanceIdent), data)
	})
}

func (s *BoltStore) RemoveInstance(ident types.InstanceIdent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.Delete(instanceKey(ident))
	})
}

func (s *BoltStore) GetAllInstances() ([]types.InstanceInfo, error) {
	var instances []types.InstanceInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(_, v []byte) error {
			var info types.InstanceInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			instances = append(instances, info)
			return nil
		})
	})
	return instances, err
}

func (s *BoltStore) AddUpdateItem(info types.ItemInfo) error {
	return s.putUpdateItem(info)
}

func (s *BoltStore) UpdateUpdateItem(info types.ItemInfo) error {
	return s.putUpdateItem(info)
}

func (s *BoltStore) putUpdateItem(info types.ItemInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUpdateItems)
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return b.Put(itemKey(info.ID, info.Version), data)
	})
}

func (s *BoltStore) RemoveUpdateItem(id, version string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUpdateItems)
		return b.Delete(itemKey(id, version))
	})
}

func (s *BoltStore) GetUpdateItem(id, version string) (types.ItemInfo, error) {
	var info types.ItemInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUpdateItems)
		data := b.Get(itemKey(id, version))
		if data == nil {
			return aoserrors.New(aoserrors.KindNotFound, "update item not found: "+id+"@"+version)
		}
		return json.Unmarshal(data, &info)
	})
	return info, err
}

func (s *BoltStore) GetAllUpdateItems() ([]types.ItemInfo, error) {
	var items []types.ItemInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUpdateItems)
		return b.ForEach(func(_, v []byte) error {
			var info types.ItemInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			items = append(items, info)
			return nil
		})
	})
	return items, err
}
