package safety

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode"

	"github.com/mr-tron/base58"

	"e2ee/internal/domain"
)

const (
	// Version is mixed into every digest and the QR payload.
	Version uint16 = 1
	// Iterations of SHA-512 that stretch the digest.
	Iterations = 5200

	groups     = 12
	groupBytes = 5
)

// Compute derives the safety number for a pair of identities. The result does
// not depend on which side computes it.
func Compute(local, remote domain.IdentityPublic) domain.SafetyNumber {
	lo, hi := sorted(local, remote)

	var version [2]byte
	binary.BigEndian.PutUint16(version[:], Version)

	var digest []byte
	for range Iterations {
		h := sha512.New()
		h.Write(version[:])
		h.Write(lo)
		h.Write(hi)
		h.Write(digest)
		digest = h.Sum(digest[:0])
	}

	var sb strings.Builder
	for i := range groups {
		chunk := digest[i*groupBytes : (i+1)*groupBytes]
		var v uint64
		for _, b := range chunk {
			v = v<<8 | uint64(b)
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%05d", v%100000)
	}

	qr := append(version[:], KeyDigest(local, remote)...)
	return domain.SafetyNumber{Number: sb.String(), QR: base58.Encode(qr)}
}

// KeyDigest is SHA-256 over both identity encodings in byte order.
func KeyDigest(local, remote domain.IdentityPublic) []byte {
	lo, hi := sorted(local, remote)
	sum := sha256.Sum256(append(append([]byte{}, lo...), hi...))
	return sum[:]
}

// Verify reports whether scanned matches the safety number of the pair,
// either as digits (whitespace ignored) or as the QR payload.
func Verify(local, remote domain.IdentityPublic, scanned string) bool {
	want := Compute(local, remote)
	got := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, scanned)
	digits := strings.ReplaceAll(want.Number, " ", "")

	okNumber := subtle.ConstantTimeCompare([]byte(got), []byte(digits))
	okQR := subtle.ConstantTimeCompare([]byte(got), []byte(want.QR))
	return okNumber|okQR == 1
}

func sorted(a, b domain.IdentityPublic) (lo, hi []byte) {
	ab, bb := a.Bytes(), b.Bytes()
	if bytes.Compare(ab, bb) <= 0 {
		return ab, bb
	}
	return bb, ab
}
