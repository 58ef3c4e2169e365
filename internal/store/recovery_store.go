package store

import (
	bolt "go.etcd.io/bbolt"

	"e2ee/internal/domain"
)

// SaveRecovery replaces the current recovery record.
func (s *Bolt) SaveRecovery(rec domain.RecoveryRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return writeRecord(tx, bucketRecovery, keySelf, rec)
	})
}

// LoadRecovery returns the current recovery record.
func (s *Bolt) LoadRecovery() (rec domain.RecoveryRecord, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		rec, ok, err = readRecord[domain.RecoveryRecord](tx, bucketRecovery, keySelf)
		return err
	})
	return rec, ok, err
}

// DeleteRecovery invalidates the current recovery code.
func (s *Bolt) DeleteRecovery() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecovery).Delete(keySelf)
	})
}
