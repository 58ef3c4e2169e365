package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"e2ee/internal/domain"
)

var keyParams = []byte("params")

// LoadVaultParams returns the stored derivation parameters.
func (s *Bolt) LoadVaultParams() (params domain.VaultParams, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		params, ok, err = readRecord[domain.VaultParams](tx, bucketVault, keyParams)
		return err
	})
	return params, ok, err
}

// SaveVaultParams stores the derivation parameters.
func (s *Bolt) SaveVaultParams(params domain.VaultParams) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return writeRecord(tx, bucketVault, keyParams, params)
	})
}

// RewrapAll re-wraps every stored private blob and swaps in next. Any error
// rolls the whole transaction back, leaving the old key in force.
func (s *Bolt) RewrapAll(next domain.VaultParams, rw domain.Rewrapper) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := rewrapIdentity(tx, rw); err != nil {
			return err
		}
		if err := rewrapBucket(tx, bucketSignedPreKeys, rw, func(r *domain.SignedPreKeyRecord) *[]byte {
			return &r.WrappedPrivate
		}); err != nil {
			return err
		}
		if err := rewrapBucket(tx, bucketOneTimePreKeys, rw, func(r *domain.OneTimePreKeyRecord) *[]byte {
			return &r.WrappedPrivate
		}); err != nil {
			return err
		}
		if err := rewrapBucket(tx, bucketSessions, rw, func(r *domain.Session) *[]byte {
			return &r.WrappedState
		}); err != nil {
			return err
		}
		if err := resealRecovery(tx, rw); err != nil {
			return err
		}
		return writeRecord(tx, bucketVault, keyParams, next)
	})
}

func rewrapIdentity(tx *bolt.Tx, rw domain.Rewrapper) error {
	rec, ok, err := readRecord[domain.IdentityRecord](tx, bucketIdentity, keySelf)
	if err != nil || !ok {
		return err
	}
	if rec.WrappedPrivate, err = rw.Rewrap(rec.WrappedPrivate); err != nil {
		return fmt.Errorf("rewrap identity: %w", err)
	}
	return writeRecord(tx, bucketIdentity, keySelf, rec)
}

func resealRecovery(tx *bolt.Tx, rw domain.Rewrapper) error {
	rec, ok, err := readRecord[domain.RecoveryRecord](tx, bucketRecovery, keySelf)
	if err != nil || !ok {
		return err
	}
	if rec, err = rw.Reseal(rec); err != nil {
		return fmt.Errorf("reseal recovery escrow: %w", err)
	}
	return writeRecord(tx, bucketRecovery, keySelf, rec)
}

// rewrapBucket rewrites the blob selected by field in every record of bucket.
func rewrapBucket[T any](tx *bolt.Tx, bucket []byte, rw domain.Rewrapper, field func(*T) *[]byte) error {
	type entry struct {
		key []byte
		rec T
	}
	var entries []entry
	if err := eachRecord(tx, bucket, func(k []byte, v T) error {
		entries = append(entries, entry{key: append([]byte(nil), k...), rec: v})
		return nil
	}); err != nil {
		return err
	}
	for _, e := range entries {
		blob := field(&e.rec)
		wrapped, err := rw.Rewrap(*blob)
		if err != nil {
			return fmt.Errorf("rewrap %s/%s: %w", bucket, e.key, err)
		}
		*blob = wrapped
		if err := writeRecord(tx, bucket, e.key, e.rec); err != nil {
			return err
		}
	}
	return nil
}
