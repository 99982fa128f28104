package sandbox

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const randInfo = "oraclevm/random/v1"

// keystream is a deterministic byte stream: the ChaCha20 keystream under a
// key and nonce derived from the seed with HKDF-SHA256.
type keystream struct {
	cipher *chacha20.Cipher
}

// NewRandSource returns the random source a guest sees for seed. Equal seeds
// give equal streams.
func NewRandSource(seed string) (io.Reader, error) {
	material := make([]byte, chacha20.KeySize+chacha20.NonceSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(seed), nil, []byte(randInfo)), material); err != nil {
		return nil, fmt.Errorf("sandbox: derive random key: %w", err)
	}
	c, err := chacha20.NewUnauthenticatedCipher(material[:chacha20.KeySize], material[chacha20.KeySize:])
	if err != nil {
		return nil, fmt.Errorf("sandbox: random cipher: %w", err)
	}
	return &keystream{cipher: c}, nil
}

func (k *keystream) Read(p []byte) (int, error) {
	clear(p)
	k.cipher.XORKeyStream(p, p)
	return len(p), nil
}
