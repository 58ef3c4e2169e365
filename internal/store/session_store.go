package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"e2ee/internal/domain"
)

// SaveSession stores sess if its Version advances past the stored one.
func (s *Bolt) SaveSession(sess domain.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		prev, ok, err := readRecord[domain.Session](tx, bucketSessions, []byte(sess.ID))
		if err != nil {
			return err
		}
		if ok && sess.Version <= prev.Version {
			return fmt.Errorf("session %s version %d, stored %d: %w",
				sess.ID, sess.Version, prev.Version, domain.ErrStaleState)
		}
		return writeRecord(tx, bucketSessions, []byte(sess.ID), sess)
	})
}

// LoadSession returns the session with the given ID.
func (s *Bolt) LoadSession(id domain.SessionID) (sess domain.Session, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		sess, ok, err = readRecord[domain.Session](tx, bucketSessions, []byte(id))
		return err
	})
	return sess, ok, err
}

// DeleteSession removes a session.
func (s *Bolt) DeleteSession(id domain.SessionID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(id))
	})
}

// ListSessions returns every stored session.
func (s *Bolt) ListSessions() (out []domain.Session, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return eachRecord(tx, bucketSessions, func(_ []byte, sess domain.Session) error {
			out = append(out, sess)
			return nil
		})
	})
	return out, err
}
