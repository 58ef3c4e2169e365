package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

// encMode is deterministic CBOR with nanosecond timestamps.
var encMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// readRecord decodes the value at key in bucket into a T; a missing key is
// not an error.
func readRecord[T any](tx *bolt.Tx, bucket, key []byte) (T, bool, error) {
	var out T
	raw := tx.Bucket(bucket).Get(key)
	if raw == nil {
		return out, false, nil
	}
	if err := cbor.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("store: decode %s/%s: %w", bucket, key, err)
	}
	return out, true, nil
}

// writeRecord encodes v and stores it at key in bucket.
func writeRecord(tx *bolt.Tx, bucket, key []byte, v any) error {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", bucket, key, err)
	}
	return tx.Bucket(bucket).Put(key, raw)
}

// eachRecord decodes every value of bucket in key order.
func eachRecord[T any](tx *bolt.Tx, bucket []byte, fn func(k []byte, v T) error) error {
	return tx.Bucket(bucket).ForEach(func(k, raw []byte) error {
		var v T
		if err := cbor.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("store: decode %s/%s: %w", bucket, k, err)
		}
		return fn(k, v)
	})
}
