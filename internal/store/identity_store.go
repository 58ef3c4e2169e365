package store

import (
	bolt "go.etcd.io/bbolt"

	"e2ee/internal/domain"
)

// SaveIdentity persists the local identity. An existing identity is never
// overwritten; Reset first.
func (s *Bolt) SaveIdentity(rec domain.IdentityRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketIdentity).Get(keySelf) != nil {
			return domain.ErrAlreadyInitialized
		}
		return writeRecord(tx, bucketIdentity, keySelf, rec)
	})
}

// LoadIdentity returns the local identity record.
func (s *Bolt) LoadIdentity() (rec domain.IdentityRecord, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		rec, ok, err = readRecord[domain.IdentityRecord](tx, bucketIdentity, keySelf)
		return err
	})
	return rec, ok, err
}
