package secrets

import "context"

// Vault resolves ${{secrets.KEY}} references in node data. Values are held
// encrypted (AES-256-GCM) and only decrypted for the node invocation that
// references them.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore holds ciphertext for a vault. Satisfied by *MemoryStore.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
