package interfaces

import (
	"context"
	"time"
)

// VersionedValue is a session store entry together with its version.
// Versions are strictly increasing per key, also across deletes and expiry.
type VersionedValue struct {
	Value   []byte
	Version uint64
}

// SessionStore is the durable key-value store backing recovery sessions and
// pending shares. Implementations support TTL-expiring keys and atomic
// conditional writes; all mutations of a session go through CompareAndSwap.
type SessionStore interface {
	// Get returns the live value for key, or ErrKeyNotFound if the key is
	// missing or expired.
	Get(ctx context.Context, key string) (VersionedValue, error)

	// CompareAndSwap writes value if the stored version equals expected.
	// expected == 0 means "absent or expired". ttl == 0 means no expiry.
	// Returns the new version, or ErrVersionConflict.
	CompareAndSwap(ctx context.Context, key string, expected uint64, value []byte, ttl time.Duration) (uint64, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists live keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Name returns identifier for logging.
	Name() string
}

// BlobBackend stores opaque, already sealed blobs by key. It backs the wallet key store.
type BlobBackend interface {
	// Fetch returns the blob stored under key, or ErrKeyNotFound.
	Fetch(ctx context.Context, key string) ([]byte, error)

	// Store writes data under key, replacing any previous blob.
	Store(ctx context.Context, key string, data []byte) error

	// Available checks if the backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns the URI the backend was created from.
	LocationURI() string
}

// WalletKeyStore provides the protected signing secret of a wallet.
type WalletKeyStore interface {
	// GetProtectedSecret returns the wallet's secret; the caller owns and
	// must destroy it. Returns ErrWalletNotFound if none is stored.
	GetProtectedSecret(ctx context.Context, walletID WalletID) (*Secret, error)

	// StoreProtectedSecret seals and stores secret for the wallet.
	StoreProtectedSecret(ctx context.Context, walletID WalletID, secret []byte) error
}

// Transport is the external addressed pub/sub delivery channel.
// Delivery is best effort and unordered; the payload is opaque to it.
type Transport interface {
	// Publish hands envelope to the transport for delivery to recipient.
	// Returns ErrTransportUnavailable if no endpoint accepted it.
	Publish(ctx context.Context, envelope []byte, recipient Pubkey) (Receipt, error)
}

// RecoverySink consumes a recovered secret, e.g. to restore the wallet's
// signing capability. The secret is destroyed by the caller after Restore returns.
type RecoverySink interface {
	Restore(ctx context.Context, walletID WalletID, secret *Secret) error
}
