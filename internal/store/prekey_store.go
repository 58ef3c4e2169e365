package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"e2ee/internal/domain"
)

// ---------- Signed pre-keys ----------

// SaveSignedPreKey stores rec under its ID.
func (s *Bolt) SaveSignedPreKey(rec domain.SignedPreKeyRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return writeRecord(tx, bucketSignedPreKeys, []byte(rec.ID), rec)
	})
}

// LoadSignedPreKey returns the signed pre-key with the given ID, active or retired.
func (s *Bolt) LoadSignedPreKey(id domain.SignedPreKeyID) (rec domain.SignedPreKeyRecord, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		rec, ok, err = readRecord[domain.SignedPreKeyRecord](tx, bucketSignedPreKeys, []byte(id))
		return err
	})
	return rec, ok, err
}

// ActiveSignedPreKey returns the single active signed pre-key.
func (s *Bolt) ActiveSignedPreKey() (rec domain.SignedPreKeyRecord, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		rec, ok, err = activeSignedPreKey(tx)
		return err
	})
	return rec, ok, err
}

func activeSignedPreKey(tx *bolt.Tx) (active domain.SignedPreKeyRecord, ok bool, err error) {
	err = eachRecord(tx, bucketSignedPreKeys, func(_ []byte, rec domain.SignedPreKeyRecord) error {
		if rec.State != domain.SignedPreKeyActive {
			return nil
		}
		if ok {
			return fmt.Errorf("store: more than one active signed pre-key (%s, %s)", active.ID, rec.ID)
		}
		active, ok = rec, true
		return nil
	})
	return active, ok, err
}

// RotateSignedPreKey stores next as active and retires the previous active key.
func (s *Bolt) RotateSignedPreKey(next domain.SignedPreKeyRecord, retiredAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		prev, ok, err := activeSignedPreKey(tx)
		if err != nil {
			return err
		}
		if ok {
			prev.State = domain.SignedPreKeyRetired
			prev.RetiredAt = retiredAt
			if err := writeRecord(tx, bucketSignedPreKeys, []byte(prev.ID), prev); err != nil {
				return err
			}
		}
		next.State = domain.SignedPreKeyActive
		return writeRecord(tx, bucketSignedPreKeys, []byte(next.ID), next)
	})
}

// ListSignedPreKeys returns every stored signed pre-key.
func (s *Bolt) ListSignedPreKeys() (out []domain.SignedPreKeyRecord, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return eachRecord(tx, bucketSignedPreKeys, func(_ []byte, rec domain.SignedPreKeyRecord) error {
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// DeleteSignedPreKey removes a signed pre-key.
func (s *Bolt) DeleteSignedPreKey(id domain.SignedPreKeyID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSignedPreKeys).Delete([]byte(id))
	})
}

// ---------- One-time pre-keys ----------

// SaveOneTimePreKeys persists the batch in one transaction.
func (s *Bolt) SaveOneTimePreKeys(recs []domain.OneTimePreKeyRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, rec := range recs {
			if err := writeRecord(tx, bucketOneTimePreKeys, []byte(rec.ID), rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadOneTimePreKey returns the key without consuming it.
func (s *Bolt) LoadOneTimePreKey(id domain.OneTimePreKeyID) (rec domain.OneTimePreKeyRecord, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		rec, ok, err = readRecord[domain.OneTimePreKeyRecord](tx, bucketOneTimePreKeys, []byte(id))
		return err
	})
	return rec, ok, err
}

// ConsumeOneTimePreKey reads and deletes the key in one transaction, so two
// concurrent consumers can never both receive it.
func (s *Bolt) ConsumeOneTimePreKey(id domain.OneTimePreKeyID) (rec domain.OneTimePreKeyRecord, ok bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		rec, ok, err = readRecord[domain.OneTimePreKeyRecord](tx, bucketOneTimePreKeys, []byte(id))
		if err != nil || !ok {
			return err
		}
		return tx.Bucket(bucketOneTimePreKeys).Delete([]byte(id))
	})
	if err != nil {
		return domain.OneTimePreKeyRecord{}, false, err
	}
	return rec, ok, nil
}

// CountOneTimePreKeys returns the number of unused one-time pre-keys.
func (s *Bolt) CountOneTimePreKeys() (n int, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOneTimePreKeys).ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

// ListOneTimePreKeys returns the public halves of all unused one-time pre-keys.
func (s *Bolt) ListOneTimePreKeys() (out []domain.OneTimePreKeyPublic, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return eachRecord(tx, bucketOneTimePreKeys, func(_ []byte, rec domain.OneTimePreKeyRecord) error {
			out = append(out, domain.OneTimePreKeyPublic{ID: rec.ID, Pub: rec.Public})
			return nil
		})
	})
	return out, err
}

// ---------- Bundle view ----------

// SaveBundleView caches the last published bundle.
func (s *Bolt) SaveBundleView(bundle domain.PreKeyBundle) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return writeRecord(tx, bucketBundleView, keySelf, bundle)
	})
}

// LoadBundleView returns the last published bundle.
func (s *Bolt) LoadBundleView() (bundle domain.PreKeyBundle, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		bundle, ok, err = readRecord[domain.PreKeyBundle](tx, bucketBundleView, keySelf)
		return err
	})
	return bundle, ok, err
}
