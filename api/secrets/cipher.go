package secrets

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/pbkdf2"
)

var ErrDecryptionFailed = errors.New("decryption failed")

const (
	DefaultSalt = "caflz-salt-change-in-prod"
	iterations  = 100000
)

// Cipher encrypts values at rest with a Fernet key derived from the service
// secret. Tokens are stored base64url wrapped, so values written by earlier
// portal releases decrypt unchanged.
type Cipher struct {
	key *fernet.Key
}

func NewCipher(secret, salt string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("secrets: empty secret key")
	}
	if salt == "" {
		salt = DefaultSalt
	}
	raw := pbkdf2.Key([]byte(secret), []byte(salt), iterations, 32, sha256.New)
	var k fernet.Key
	copy(k[:], raw)
	return &Cipher{key: &k}, nil
}

// Encrypt returns the stored form of plaintext. Empty stays empty.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), c.key)
	if err != nil {
		return "", fmt.Errorf("secrets: encrypt: %w", err)
	}
	return base64.URLEncoding.EncodeToString(tok), nil
}

// Decrypt reverses Encrypt. Malformed input or a different key yields
// ErrDecryptionFailed.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	tok, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	// Tokens never expire; a negative ttl disables the age check.
	msg := fernet.VerifyAndDecrypt(tok, -1, []*fernet.Key{c.key})
	if msg == nil {
		return "", fmt.Errorf("%w: invalid token or key", ErrDecryptionFailed)
	}
	return string(msg), nil
}
