// Package crypto provides exchange credential storage and HMAC request
// signing for the exchange REST API.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// defaultIterations is the OWASP minimum for PBKDF2-HMAC-SHA256.
	defaultIterations = 480_000
	saltLen           = 16
	keyLen            = 32
	vaultVersion      = 2
)

// vaultAAD binds the ciphertext to its purpose so a sealed blob from another
// tool cannot be swapped in.
var vaultAAD = []byte("exitbot/exchange-credentials")

// vaultFile is the on-disk form of sealed credentials. The KDF cost travels
// with the file so it can be raised without breaking existing files. Byte
// fields are base64 via encoding/json.
type vaultFile struct {
	Version    int    `json:"version"`
	Iterations int    `json:"iterations"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// CredentialSource describes where the exchange credentials come from.
// Inline values win over the sealed file field by field, so a file can hold
// only the secret while the key comes from the environment.
type CredentialSource struct {
	Key        string
	Secret     string
	Passphrase string

	// Path is a file produced by SealCredentials, opened with Password.
	Path     string
	Password string
}

// SealCredentials encrypts creds with a password-derived AES-256-GCM key and
// returns the JSON file contents.
func SealCredentials(creds HMACAuth, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	if creds.Secret == "" {
		return nil, errors.New("crypto: secret must not be empty")
	}

	v := vaultFile{Version: vaultVersion, Iterations: defaultIterations, Salt: make([]byte, saltLen)}
	if _, err := rand.Read(v.Salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := deriveAEAD(password, v.Salt, v.Iterations)
	if err != nil {
		return nil, err
	}
	v.Nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(v.Nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal credentials: %w", err)
	}
	v.Ciphertext = aead.Seal(nil, v.Nonce, plain, vaultAAD)
	return json.MarshalIndent(v, "", "  ")
}

// OpenCredentials decrypts a blob produced by SealCredentials.
func OpenCredentials(blob []byte, password string) (HMACAuth, error) {
	if password == "" {
		return HMACAuth{}, errors.New("crypto: password must not be empty")
	}
	var v vaultFile
	if err := json.Unmarshal(blob, &v); err != nil {
		return HMACAuth{}, fmt.Errorf("crypto: parse credential file: %w", err)
	}
	if v.Version != vaultVersion {
		return HMACAuth{}, fmt.Errorf("crypto: unsupported credential file version %d", v.Version)
	}
	if v.Iterations < 1 || len(v.Salt) == 0 {
		return HMACAuth{}, errors.New("crypto: credential file has no key derivation parameters")
	}

	aead, err := deriveAEAD(password, v.Salt, v.Iterations)
	if err != nil {
		return HMACAuth{}, err
	}
	if len(v.Nonce) != aead.NonceSize() {
		return HMACAuth{}, errors.New("crypto: credential file nonce has wrong size")
	}
	plain, err := aead.Open(nil, v.Nonce, v.Ciphertext, vaultAAD)
	if err != nil {
		return HMACAuth{}, errors.New("crypto: cannot open credential file (wrong password?)")
	}

	var creds HMACAuth
	if err := json.Unmarshal(plain, &creds); err != nil {
		return HMACAuth{}, fmt.Errorf("crypto: decode credentials: %w", err)
	}
	return creds, nil
}

// LoadCredentials resolves the signing credentials. A secret must come from
// either the inline value or the sealed file.
func LoadCredentials(src CredentialSource) (*HMACAuth, error) {
	creds := HMACAuth{Key: src.Key, Secret: src.Secret, Passphrase: src.Passphrase}

	if src.Path != "" {
		blob, err := os.ReadFile(src.Path)
		if err != nil {
			return nil, fmt.Errorf("crypto: read credential file: %w", err)
		}
		sealed, err := OpenCredentials(blob, src.Password)
		if err != nil {
			return nil, err
		}
		creds.Key = firstNonEmpty(creds.Key, sealed.Key)
		creds.Secret = firstNonEmpty(creds.Secret, sealed.Secret)
		creds.Passphrase = firstNonEmpty(creds.Passphrase, sealed.Passphrase)
	}

	if creds.Secret == "" {
		return nil, errors.New("crypto: no api secret configured")
	}
	if creds.Key == "" {
		return nil, errors.New("crypto: no api key configured")
	}
	return &creds, nil
}

func deriveAEAD(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
