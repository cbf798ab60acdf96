package band

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

var errBlockSize = errors.New("band: plaintext must be a positive multiple of the AES block size")

// Cipher encrypts handshake challenges with AES in ECB mode without padding.
// It holds no mutable state and is safe for concurrent use.
type Cipher struct {
	block cipher.Block
}

func NewCipher(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("band: invalid cipher key: %w", err)
	}
	return &Cipher{block: block}, nil
}

// MustNewCipher is NewCipher for keys fixed at build time.
func MustNewCipher(key []byte) *Cipher {
	c, err := NewCipher(key)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(plaintext) == 0 || len(plaintext)%bs != 0 {
		return nil, fmt.Errorf("%w: got %d bytes", errBlockSize, len(plaintext))
	}
	out := make([]byte, len(plaintext))
	for i := 0; i < len(plaintext); i += bs {
		c.block.Encrypt(out[i:i+bs], plaintext[i:i+bs])
	}
	return out, nil
}
