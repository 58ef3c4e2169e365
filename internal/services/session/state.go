package session

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"e2ee/internal/crypto"
	"e2ee/internal/domain"
)

var stateEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// SealState encodes a ratchet state and wraps it under the master key.
func SealState(w domain.KeyWrapper, st *domain.RatchetState) ([]byte, error) {
	raw, err := stateEncMode.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("session: encode state: %w", err)
	}
	defer crypto.Wipe(raw)
	return w.Wrap(raw)
}

// OpenState unwraps and decodes a ratchet state sealed by SealState. A blob
// that unwraps but does not decode is reported as ErrSessionBroken.
func OpenState(w domain.KeyWrapper, blob []byte) (*domain.RatchetState, error) {
	raw, err := w.Unwrap(blob)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(raw)
	var st domain.RatchetState
	if err := cbor.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("session: decode state: %v: %w", err, domain.ErrSessionBroken)
	}
	return &st, nil
}
