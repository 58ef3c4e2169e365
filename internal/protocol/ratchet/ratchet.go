package ratchet

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"e2ee/internal/crypto"
	"e2ee/internal/domain"
)

const (
	// MaxSkip bounds how far ahead of the receive chain a single message may be.
	MaxSkip = 1000
	// MaxSkippedKeys bounds the skipped-key cache across all chains; the
	// oldest key is evicted first.
	MaxSkippedKeys = 2000
)

var (
	rkInfo  = []byte("e2ee/ratchet/rk")
	msgInfo = []byte("e2ee/ratchet/msg")
	msgSalt = make([]byte, 32)

	ckMessage = []byte{0x01}
	ckChain   = []byte{0x02}
)

var errNoRemoteKey = errors.New("ratchet: no remote ratchet key yet")

// InitInitiator seeds the sending chain from the X3DH secret, a fresh ratchet
// key and the peer's signed pre-key.
func InitInitiator(sk []byte, peerSPK domain.X25519Public) (*domain.RatchetState, error) {
	pair, err := crypto.GenerateX25519Pair()
	if err != nil {
		return nil, err
	}
	dh, err := crypto.DH(pair.Priv, peerSPK)
	if err != nil {
		return nil, fmt.Errorf("ratchet: %w", err)
	}
	rk, ck, err := kdfRK(sk, dh[:])
	crypto.Wipe(dh[:])
	if err != nil {
		return nil, err
	}
	return &domain.RatchetState{
		RootKey:                 rk,
		DiffieHellmanPrivate:    pair.Priv,
		DiffieHellmanPublic:     pair.Pub,
		PeerDiffieHellmanPublic: peerSPK,
		HasPeer:                 true,
		SendChainKey:            ck,
	}, nil
}

// InitResponder seeds the state from the X3DH secret with the signed pre-key
// pair as the first ratchet key. No chain exists until the initiator's first
// message arrives.
func InitResponder(sk []byte, spk domain.X25519Pair) *domain.RatchetState {
	rk := make([]byte, len(sk))
	copy(rk, sk)
	return &domain.RatchetState{
		RootKey:              rk,
		DiffieHellmanPrivate: spk.Priv,
		DiffieHellmanPublic:  spk.Pub,
	}
}

// Encrypt produces a header and ciphertext. When a new remote ratchet key was
// received since our last send, a DH ratchet step runs first and st.Epoch
// advances. st is only modified on success.
func Encrypt(st *domain.RatchetState, ad, plaintext []byte) (domain.RatchetHeader, []byte, error) {
	work := st.Clone()
	h, ct, err := encrypt(work, ad, plaintext)
	if err != nil {
		work.Wipe()
		return domain.RatchetHeader{}, nil, err
	}
	commit(st, work)
	return h, ct, nil
}

// Decrypt opens a message, tolerating out-of-order delivery within the skip
// window. It works on a copy of st and commits only on success, so a failed
// message never disturbs the session.
func Decrypt(st *domain.RatchetState, ad []byte, header domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	work := st.Clone()
	pt, err := decrypt(work, ad, header, ciphertext)
	if err != nil {
		work.Wipe()
		return nil, err
	}
	commit(st, work)
	return pt, nil
}

func commit(st, work *domain.RatchetState) {
	st.Wipe()
	*st = *work
}

func encrypt(st *domain.RatchetState, ad, plaintext []byte) (domain.RatchetHeader, []byte, error) {
	if st.PendingSendRatchet || len(st.SendChainKey) == 0 {
		if err := sendRatchet(st); err != nil {
			return domain.RatchetHeader{}, nil, err
		}
	}

	mk := kdfCK(&st.SendChainKey)
	defer crypto.Wipe(mk)
	h := domain.RatchetHeader{
		DiffieHellmanPublicKey: st.DiffieHellmanPublic,
		PreviousChainLength:    st.PreviousChainLength,
		MessageIndex:           st.SendMessageIndex,
	}
	ct, err := seal(mk, h, ad, plaintext)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	st.SendMessageIndex++
	return h, ct, nil
}

func decrypt(st *domain.RatchetState, ad []byte, h domain.RatchetHeader, ct []byte) ([]byte, error) {
	if i := findSkipped(st, h.DiffieHellmanPublicKey, h.MessageIndex); i >= 0 {
		mk := st.SkippedKeys[i].MessageKey
		pt, err := open(mk, h, ad, ct)
		if err != nil {
			return nil, fmt.Errorf("%w: authentication failed", domain.ErrUndecryptable)
		}
		crypto.Wipe(mk)
		st.SkippedKeys = append(st.SkippedKeys[:i], st.SkippedKeys[i+1:]...)
		return pt, nil
	}

	if !st.HasPeer || h.DiffieHellmanPublicKey != st.PeerDiffieHellmanPublic {
		if err := skipTo(st, h.PreviousChainLength); err != nil {
			return nil, err
		}
		if err := receiveRatchet(st, h.DiffieHellmanPublicKey); err != nil {
			return nil, err
		}
	}

	if h.MessageIndex < st.ReceiveMessageIndex {
		return nil, fmt.Errorf("message %d already consumed or evicted: %w: %w",
			h.MessageIndex, domain.ErrUndecryptable, domain.ErrReplay)
	}
	if err := skipTo(st, h.MessageIndex); err != nil {
		return nil, err
	}

	mk := kdfCK(&st.ReceiveChainKey)
	defer crypto.Wipe(mk)
	pt, err := open(mk, h, ad, ct)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", domain.ErrUndecryptable)
	}
	st.ReceiveMessageIndex++
	return pt, nil
}

// receiveRatchet derives the new receiving chain for a fresh remote key and
// schedules our sending DH step for the next Encrypt.
func receiveRatchet(st *domain.RatchetState, remote domain.X25519Public) error {
	dh, err := crypto.DH(st.DiffieHellmanPrivate, remote)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUndecryptable, err)
	}
	rk, ck, err := kdfRK(st.RootKey, dh[:])
	crypto.Wipe(dh[:])
	if err != nil {
		return err
	}
	crypto.Wipe(st.RootKey)
	crypto.Wipe(st.ReceiveChainKey)
	st.RootKey, st.ReceiveChainKey = rk, ck
	st.PeerDiffieHellmanPublic = remote
	st.HasPeer = true
	st.ReceiveMessageIndex = 0
	st.PendingSendRatchet = true
	st.Epoch++
	return nil
}

// sendRatchet generates a new ratchet key pair and derives a new sending chain.
func sendRatchet(st *domain.RatchetState) error {
	if !st.HasPeer {
		return errNoRemoteKey
	}
	pair, err := crypto.GenerateX25519Pair()
	if err != nil {
		return err
	}
	dh, err := crypto.DH(pair.Priv, st.PeerDiffieHellmanPublic)
	if err != nil {
		return fmt.Errorf("ratchet: %w", err)
	}
	rk, ck, err := kdfRK(st.RootKey, dh[:])
	crypto.Wipe(dh[:])
	if err != nil {
		return err
	}
	crypto.Wipe(st.RootKey)
	crypto.Wipe(st.SendChainKey)
	crypto.Wipe(st.DiffieHellmanPrivate[:])
	st.RootKey, st.SendChainKey = rk, ck
	st.DiffieHellmanPrivate, st.DiffieHellmanPublic = pair.Priv, pair.Pub
	st.PreviousChainLength = st.SendMessageIndex
	st.SendMessageIndex = 0
	st.PendingSendRatchet = false
	st.Epoch++
	return nil
}

// skipTo caches message keys of the current receive chain up to (excluding)
// until, evicting the oldest cached keys past MaxSkippedKeys.
func skipTo(st *domain.RatchetState, until uint32) error {
	if len(st.ReceiveChainKey) == 0 || until <= st.ReceiveMessageIndex {
		return nil
	}
	if until-st.ReceiveMessageIndex > MaxSkip {
		return fmt.Errorf("%w: %d messages skipped, limit %d",
			domain.ErrUndecryptable, until-st.ReceiveMessageIndex, MaxSkip)
	}
	for st.ReceiveMessageIndex < until {
		mk := kdfCK(&st.ReceiveChainKey)
		st.SkippedKeys = append(st.SkippedKeys, domain.SkippedKey{
			PeerDiffieHellmanPublic: st.PeerDiffieHellmanPublic,
			Index:                   st.ReceiveMessageIndex,
			MessageKey:              mk,
		})
		st.ReceiveMessageIndex++
	}
	if over := len(st.SkippedKeys) - MaxSkippedKeys; over > 0 {
		for _, sk := range st.SkippedKeys[:over] {
			crypto.Wipe(sk.MessageKey)
		}
		st.SkippedKeys = append([]domain.SkippedKey(nil), st.SkippedKeys[over:]...)
	}
	return nil
}

func findSkipped(st *domain.RatchetState, dh domain.X25519Public, n uint32) int {
	for i, sk := range st.SkippedKeys {
		if sk.Index == n && sk.PeerDiffieHellmanPublic == dh {
			return i
		}
	}
	return -1
}

// --- KDFs ---

// kdfRK mixes a DH output into the root key: HKDF(salt=rk, ikm=dh) yields the
// next root key and a chain key.
func kdfRK(rk, dh []byte) (newRK, ck []byte, err error) {
	out, err := crypto.HKDF(dh, rk, rkInfo, 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

// kdfCK advances *ck in place and returns the message key.
func kdfCK(ck *[]byte) []byte {
	mk := crypto.HMAC(*ck, ckMessage)
	next := crypto.HMAC(*ck, ckChain)
	crypto.Wipe(*ck)
	*ck = next
	return mk
}

// --- AEAD ---

func messageKeys(mk []byte) (key, nonce []byte, err error) {
	out, err := crypto.HKDF(mk, msgSalt, msgInfo, chacha20poly1305.KeySize+chacha20poly1305.NonceSize)
	if err != nil {
		return nil, nil, err
	}
	return out[:chacha20poly1305.KeySize], out[chacha20poly1305.KeySize:], nil
}

func seal(mk []byte, h domain.RatchetHeader, ad, plaintext []byte) ([]byte, error) {
	key, nonce, err := messageKeys(mk)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, authData(ad, h)), nil
}

func open(mk []byte, h domain.RatchetHeader, ad, ciphertext []byte) ([]byte, error) {
	key, nonce, err := messageKeys(mk)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, authData(ad, h))
}

func authData(ad []byte, h domain.RatchetHeader) []byte {
	out := make([]byte, 0, len(ad)+40)
	out = append(out, ad...)
	return append(out, h.Bytes()...)
}
