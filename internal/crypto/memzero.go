package crypto

import "github.com/awnumar/memguard"

// Wipe zeroes the provided buffer.
func Wipe(b []byte) {
	memguard.WipeBytes(b)
}
