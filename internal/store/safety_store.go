package store

import (
	bolt "go.etcd.io/bbolt"

	"e2ee/internal/domain"
)

// SaveSafetyNumber caches the safety number for rec.Peer.
func (s *Bolt) SaveSafetyNumber(rec domain.SafetyNumberRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return writeRecord(tx, bucketSafetyNumbers, []byte(rec.Peer), rec)
	})
}

// LoadSafetyNumber returns the cached safety number for peer.
func (s *Bolt) LoadSafetyNumber(peer domain.DeviceID) (rec domain.SafetyNumberRecord, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		rec, ok, err = readRecord[domain.SafetyNumberRecord](tx, bucketSafetyNumbers, []byte(peer))
		return err
	})
	return rec, ok, err
}
