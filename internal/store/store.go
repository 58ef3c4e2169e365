package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"e2ee/internal/domain"
)

const schemaVersion byte = 1

var (
	bucketMeta           = []byte("meta")
	bucketVault          = []byte("vault")
	bucketIdentity       = []byte("identity")
	bucketSignedPreKeys  = []byte("signed_prekeys")
	bucketOneTimePreKeys = []byte("one_time_prekeys")
	bucketSessions       = []byte("sessions")
	bucketSafetyNumbers  = []byte("safety_numbers")
	bucketRecovery       = []byte("recovery")
	bucketAudit          = []byte("audit")
	bucketBundleView     = []byte("bundle_view")

	allBuckets = [][]byte{
		bucketMeta, bucketVault, bucketIdentity, bucketSignedPreKeys,
		bucketOneTimePreKeys, bucketSessions, bucketSafetyNumbers,
		bucketRecovery, bucketAudit, bucketBundleView,
	}

	keyVersion = []byte("version")

	errStopIteration = errors.New("stop iteration")
	keySelf    = []byte("self")
)

// Bolt is the bbolt-backed implementation of every domain store. All
// read-modify-write operations run inside a single bbolt transaction.
type Bolt struct {
	db *bolt.DB
}

// Compile-time assertions that Bolt satisfies the domain store interfaces.
var (
	_ domain.VaultStore        = (*Bolt)(nil)
	_ domain.IdentityStore     = (*Bolt)(nil)
	_ domain.PreKeyStore       = (*Bolt)(nil)
	_ domain.SessionStore      = (*Bolt)(nil)
	_ domain.SafetyNumberStore = (*Bolt)(nil)
	_ domain.RecoveryStore     = (*Bolt)(nil)
	_ domain.AuditStore        = (*Bolt)(nil)
)

// Open creates (or loads) the database at path.
func Open(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &Bolt{db: db}
	if err := db.Update(s.ensureBuckets); err != nil {
		// The struct isn't getting returned so clean up the database.
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close flushes and closes the database.
func (s *Bolt) Close() error {
	return s.db.Close()
}

func (s *Bolt) ensureBuckets(tx *bolt.Tx) error {
	for _, name := range allBuckets {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}
	meta := tx.Bucket(bucketMeta)
	if b := meta.Get(keyVersion); b != nil {
		if len(b) != 1 || b[0] != schemaVersion {
			return fmt.Errorf("store: incompatible schema version %v", b)
		}
		return nil
	}
	return meta.Put(keyVersion, []byte{schemaVersion})
}

// Reset erases every bucket.
func (s *Bolt) Reset() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
		}
		return s.ensureBuckets(tx)
	})
}
