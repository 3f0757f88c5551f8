package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/rendis/flowcanvas/pkg/schema"
)

// EnvPrefix marks environment variables loaded by LoadEnv.
const EnvPrefix = "FLOWCANVAS_SECRET_"

// VaultConfig configures the AES vault. An empty MasterKey makes the vault
// generate a random key, so ciphertext is readable by this process only.
type VaultConfig struct {
	MasterKey []byte // raw 32-byte key
}

// AESVault encrypts secrets with AES-256-GCM before handing them to its store.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewAESVault creates a vault with AES-256-GCM encryption.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := masterKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

// NewSessionVault creates an in-memory vault with a random key.
func NewSessionVault() (*AESVault, error) {
	return NewAESVault(NewMemoryStore(), VaultConfig{})
}

func masterKey(cfg VaultConfig) ([]byte, error) {
	if len(cfg.MasterKey) == 0 {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate master key: %w", err)
		}
		return key, nil
	}
	if len(cfg.MasterKey) != 32 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"master key must be 32 bytes, got %d", len(cfg.MasterKey))
	}
	return cfg.MasterKey, nil
}

func (v *AESVault) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *AESVault) decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce := ciphertext[:nonceSize]
	ct := ciphertext[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "secret key is empty")
	}
	encrypted, err := v.encrypt(value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, key, encrypted)
}

func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	encrypted, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.decrypt(encrypted)
}

func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}

// LoadEnv stores every FLOWCANVAS_SECRET_<KEY>=value entry of environ under
// <KEY> and returns the loaded keys.
func LoadEnv(ctx context.Context, v Vault, environ []string) ([]string, error) {
	var loaded []string
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		key, ok := strings.CutPrefix(name, EnvPrefix)
		if !ok || key == "" {
			continue
		}
		if err := v.Store(ctx, key, []byte(value)); err != nil {
			return loaded, fmt.Errorf("secret %s: %w", key, err)
		}
		loaded = append(loaded, key)
	}
	return loaded, nil
}
