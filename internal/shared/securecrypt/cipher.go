package securecrypt

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrOpen 表示密文无法通过认证 (密钥错误或数据被篡改)
var ErrOpen = errors.New("securecrypt: message authentication failed")

const kdfInfo = "revsocks tunnel message v1"

// Cipher 用 XChaCha20-Poly1305 加密隧道消息。
// 输出格式: nonce(24) | ciphertext+tag
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher 从共享口令派生密钥并创建 Cipher。
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("securecrypt: empty secret")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(kdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("securecrypt: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return c.aead.Seal(out, out, plaintext, nil), nil
}

func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < ns+c.aead.Overhead() {
		return nil, ErrOpen
	}
	plain, err := c.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return nil, ErrOpen
	}
	return plain, nil
}
