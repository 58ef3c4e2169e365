package store

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"

	"e2ee/internal/domain"
)

// AppendAudit assigns the next sequence number to e and appends it.
func (s *Bolt) AppendAudit(e domain.AuditEntry) (domain.AuditEntry, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		seq, err := tx.Bucket(bucketAudit).NextSequence()
		if err != nil {
			return err
		}
		e.Seq = seq
		return writeRecord(tx, bucketAudit, seqKey(seq), e)
	})
	if err != nil {
		return domain.AuditEntry{}, err
	}
	return e, nil
}

// QueryAudit returns entries matching f in sequence order, honouring
// f.Offset and f.Limit.
func (s *Bolt) QueryAudit(f domain.AuditFilter) (out []domain.AuditEntry, err error) {
	skip := f.Offset
	err = s.db.View(func(tx *bolt.Tx) error {
		return eachRecord(tx, bucketAudit, func(_ []byte, e domain.AuditEntry) error {
			if !f.Match(e) {
				return nil
			}
			if skip > 0 {
				skip--
				return nil
			}
			if f.Limit > 0 && len(out) >= f.Limit {
				return errStopIteration
			}
			out = append(out, e)
			return nil
		})
	})
	if err == errStopIteration {
		err = nil
	}
	return out, err
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
