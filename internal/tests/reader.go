package tests

// NeverEnding is an io.Reader that supplies an endless run of one byte
// value, for upload-body tests that only care about a body's length
// (tracked separately by registry.BodySource), not its content.
type NeverEnding byte

func (b NeverEnding) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(b)
	}
	return len(p), nil
}
