package recovery

// SetReadRandom swaps the salt source until the returned func is called.
func SetReadRandom(fn func([]byte) (int, error)) (restore func()) {
	prev := readRandom
	readRandom = fn
	return func() { readRandom = prev }
}
