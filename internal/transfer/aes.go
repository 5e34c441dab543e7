package transfer

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"
)

// NewCTRReader decrypts r on the fly with AES-CTR and an all-zero initial
// counter block (12-byte zero nonce, 32-bit counter starting at 0), the
// scheme music-API downloads use.
func NewCTRReader(r io.Reader, key []byte) (io.Reader, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("decryption key: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	return &cipher.StreamReader{S: cipher.NewCTR(block, iv), R: r}, nil
}
