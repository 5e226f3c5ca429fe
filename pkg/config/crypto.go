package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/telebrowse/telebrowse/pkg/util"
)

const (
	saltSize   = 16
	ivSize     = 16
	keyIters   = 100_000
	keyLen     = 32 // AES-256
)

// Cipher encrypts and decrypts stored secrets with AES-256-GCM. The key is
// derived from an application secret and a per-install random salt, so config
// files are not portable between installs.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives an AES-256 key from secret and salt via PBKDF2-SHA256.
func NewCipher(secret string, salt []byte) (*Cipher, error) {
	if len(salt) != saltSize {
		return nil, util.E(util.CodeConfigInvalid, "salt must be %d bytes, got %d", saltSize, len(salt))
	}
	key := pbkdf2.Key([]byte(secret), salt, keyIters, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, util.WrapE(util.CodeConfigInvalid, err, "derive cipher")
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, util.WrapE(util.CodeConfigInvalid, err, "init gcm")
	}
	return &Cipher{aead: aead}, nil
}

// NewSalt generates a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, util.WrapE(util.CodeConfigIO, err, "generate salt")
	}
	return salt, nil
}

// Encrypt seals a plaintext secret. The wire form is
// hex(iv):hex(authTag):hex(ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", util.WrapE(util.CodeConfigIO, err, "generate iv")
	}
	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	// Seal appends the auth tag to the ciphertext; the stored form keeps
	// them as separate fields.
	tagStart := len(sealed) - c.aead.Overhead()
	ct, tag := sealed[:tagStart], sealed[tagStart:]
	return fmt.Sprintf("%s:%s:%s", hex.EncodeToString(iv), hex.EncodeToString(tag), hex.EncodeToString(ct)), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Cipher) Decrypt(value string) (string, error) {
	iv, tag, ct, ok := splitEncrypted(value)
	if !ok {
		return "", util.E(util.CodeConfigInvalid, "value is not in encrypted form")
	}
	plain, err := c.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", util.WrapE(util.CodeConfigInvalid, err, "decrypt secret")
	}
	return string(plain), nil
}

// IsEncrypted reports whether a stored value is in the encrypted
// iv:tag:ciphertext form. Plaintext passwords containing colons do not
// qualify unless every part is valid hex and the iv has the right width.
func IsEncrypted(value string) bool {
	_, _, _, ok := splitEncrypted(value)
	return ok
}

func splitEncrypted(value string) (iv, tag, ct []byte, ok bool) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return nil, nil, nil, false
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return nil, nil, nil, false
	}
	tag, err = hex.DecodeString(parts[1])
	if err != nil || len(tag) == 0 {
		return nil, nil, nil, false
	}
	ct, err = hex.DecodeString(parts[2])
	if err != nil {
		return nil, nil, nil, false
	}
	return iv, tag, ct, true
}
