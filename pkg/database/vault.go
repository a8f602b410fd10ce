package database

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
)

// Credential vault: per-venue API credentials held at credentials:{venue}
// (§6 keyspace), encrypted at rest with AES-GCM under a key supplied at
// process start. No secrets-management client (vault/KMS/sealed-secrets)
// appears anywhere in the retrieval pack, so this narrow, self-contained
// primitive is implemented directly against the standard library rather than
// inventing a dependency with no grounding.
type VaultCredentials struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
	Testnet    bool   `json:"testnet"`
}

func credentialsKey(venueName string) string {
	return "credentials:" + venueName
}

// StoreCredentials encrypts and writes per-venue credentials. key must be
// exactly 32 bytes (AES-256).
func (r *RedisClient) StoreCredentials(ctx context.Context, venueName string, creds VaultCredentials, key []byte) error {
	plain, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}
	sealed, err := sealAESGCM(key, plain)
	if err != nil {
		return fmt.Errorf("sealing credentials: %w", err)
	}
	return r.Set(ctx, credentialsKey(venueName), sealed, 0).Err()
}

// LoadCredentials reads and decrypts per-venue credentials.
func (r *RedisClient) LoadCredentials(ctx context.Context, venueName string, key []byte) (VaultCredentials, error) {
	sealed, err := r.Get(ctx, credentialsKey(venueName)).Bytes()
	if err != nil {
		return VaultCredentials{}, fmt.Errorf("reading credentials: %w", err)
	}
	plain, err := openAESGCM(key, sealed)
	if err != nil {
		return VaultCredentials{}, fmt.Errorf("unsealing credentials: %w", err)
	}
	var creds VaultCredentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return VaultCredentials{}, fmt.Errorf("unmarshaling credentials: %w", err)
	}
	return creds, nil
}

func sealAESGCM(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func openAESGCM(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed credentials too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
