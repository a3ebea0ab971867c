package storage

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// migration is one forward-only, idempotent schema step.
type migration struct {
	version uint64
	apply   func(tx *bolt.Tx) error
}

// migrations are applied in order on startup. Never reorder or remove
// entries; append new steps with the next version number.
var migrations = []migration{
	{
		version: 1,
		apply: func(tx *bolt.Tx) error {
			buckets := [][]byte{
				bucketClusters,
				bucketServices,
				bucketMappings,
				bucketProxies,
				bucketUsers,
				bucketCAs,
				bucketCerts,
				bucketCRL,
				bucketAudit,
				bucketSessions,
				bucketProxyTokens,
				bucketMeta,
				idxClusterNames,
				idxServiceNames,
				idxUserLogins,
			}
			for _, b := range buckets {
				if _, err := tx.CreateBucketIfNotExists(b); err != nil {
					return fmt.Errorf("failed to create bucket %s: %w", b, err)
				}
			}
			return nil
		},
	},
}

var schemaVersionKey = []byte("schema_version")

func (s *BoltStore) migrate() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("%w: failed to create meta bucket: %v", ErrStore, err)
		}

		var current uint64
		if raw := meta.Get(schemaVersionKey); raw != nil {
			current = binary.BigEndian.Uint64(raw)
		}

		for _, m := range migrations {
			if m.version <= current {
				continue
			}
			if err := m.apply(tx); err != nil {
				return fmt.Errorf("%w: migration %d failed: %v", ErrStore, m.version, err)
			}
			current = m.version
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, current)
		return meta.Put(schemaVersionKey, buf)
	})
}
