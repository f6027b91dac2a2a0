package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/vault/api"
	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
)

// VaultStore implements a SessionStore on a HashiCorp Vault KV v2 mount.
//
// Conditional writes use the KV v2 check-and-set option, so several
// coordinator replicas can share one Vault. Vault's own version numbers are
// used directly. Deletes write a tombstone version instead of destroying
// metadata, which keeps versions increasing for the key, and then destroy
// every older version so no earlier value stays readable in the history.
type VaultStore struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	clock       clock.Clock
	log         *slog.Logger
	locationURI string
}

// NewVaultStore creates a Vault backed session store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault token; when empty the client falls back to VAULT_TOKEN
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "wallet-recovery")
func NewVaultStore(address, token, mountPath, dataPath string, clk clock.Clock, log *slog.Logger) (*VaultStore, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{
		Timeout: 30 * time.Second,
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	if clk == nil {
		clk = clock.New()
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		clock:       clk,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

type vaultEntry struct {
	version   uint64
	value     []byte
	expiresAt int64
	deleted   bool
}

func (e *vaultEntry) live(now time.Time) bool {
	return e != nil && !e.deleted && (e.expiresAt == 0 || now.UnixNano() < e.expiresAt)
}

func (s *VaultStore) dataKey(key string) string {
	return path.Join(s.mountPath, "data", s.dataPath, key)
}

func (s *VaultStore) metadataKey(key string) string {
	return path.Join(s.mountPath, "metadata", s.dataPath, key)
}

func (s *VaultStore) destroyKey(key string) string {
	return path.Join(s.mountPath, "destroy", s.dataPath, key)
}

// read returns the latest version of key, or nil if the key was never written.
func (s *VaultStore) read(ctx context.Context, key string) (*vaultEntry, error) {
	secret, err := s.client.Logical().ReadWithContext(ctx, s.dataKey(key))
	if err != nil {
		s.log.Error("Failed to read from Vault", slog.String("key", key), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	metadata, _ := secret.Data["metadata"].(map[string]interface{})
	version, ok := numberField(metadata, "version")
	if !ok {
		return nil, fmt.Errorf("invalid metadata in Vault response for %s", key)
	}

	entry := &vaultEntry{version: version}
	data, _ := secret.Data["data"].(map[string]interface{})
	if data == nil {
		// Version destroyed or soft-deleted outside of this store.
		entry.deleted = true
		return entry, nil
	}

	if deleted, _ := data["deleted"].(bool); deleted {
		entry.deleted = true
		return entry, nil
	}
	if exp, ok := numberField(data, "expires_at"); ok {
		entry.expiresAt = int64(exp)
	}
	encoded, _ := data["value"].(string)
	entry.value, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid value encoding in Vault for %s: %w", key, err)
	}
	return entry, nil
}

// write stores data for key. With cas < 0 the write is unconditional.
func (s *VaultStore) write(ctx context.Context, key string, data map[string]interface{}, cas int64) (uint64, error) {
	body := map[string]interface{}{"data": data}
	if cas >= 0 {
		body["options"] = map[string]interface{}{"cas": cas}
	}

	secret, err := s.client.Logical().WriteWithContext(ctx, s.dataKey(key), body)
	if err != nil {
		var respErr *api.ResponseError
		if errors.As(err, &respErr) && strings.Contains(strings.Join(respErr.Errors, " "), "check-and-set") {
			return 0, interfaces.ErrVersionConflict
		}
		s.log.Error("Failed to write to Vault", slog.String("key", key), "err", err)
		return 0, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil {
		return 0, fmt.Errorf("empty Vault response writing %s", key)
	}

	version, ok := numberField(secret.Data, "version")
	if !ok {
		return 0, fmt.Errorf("missing version in Vault response writing %s", key)
	}
	return version, nil
}

func (s *VaultStore) Get(ctx context.Context, key string) (interfaces.VersionedValue, error) {
	entry, err := s.read(ctx, key)
	if err != nil {
		return interfaces.VersionedValue{}, err
	}
	if !entry.live(s.clock.Now()) {
		return interfaces.VersionedValue{}, interfaces.ErrKeyNotFound
	}
	return interfaces.VersionedValue{Value: entry.value, Version: entry.version}, nil
}

func (s *VaultStore) CompareAndSwap(ctx context.Context, key string, expected uint64, value []byte, ttl time.Duration) (uint64, error) {
	entry, err := s.read(ctx, key)
	if err != nil {
		return 0, err
	}

	var current uint64
	if entry.live(s.clock.Now()) {
		current = entry.version
	}
	if current != expected {
		return 0, interfaces.ErrVersionConflict
	}

	// Vault's cas refers to the stored version, dead or alive.
	var cas int64
	if entry != nil {
		cas = int64(entry.version)
	}

	data := map[string]interface{}{
		"value": base64.StdEncoding.EncodeToString(value),
	}
	if ttl > 0 {
		data["expires_at"] = s.clock.Now().Add(ttl).UnixNano()
	}
	return s.write(ctx, key, data, cas)
}

func (s *VaultStore) Delete(ctx context.Context, key string) error {
	entry, err := s.read(ctx, key)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}

	tombstone := entry.version
	if !entry.deleted {
		if tombstone, err = s.write(ctx, key, map[string]interface{}{"deleted": true}, -1); err != nil {
			return err
		}
	}
	return s.destroyBefore(ctx, key, tombstone)
}

// destroyBefore permanently removes the data of every version of key older
// than version. Metadata, and with it the version counter, is kept.
func (s *VaultStore) destroyBefore(ctx context.Context, key string, version uint64) error {
	meta, err := s.client.Logical().ReadWithContext(ctx, s.metadataKey(key))
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if meta == nil || meta.Data == nil {
		return nil
	}

	versions, _ := meta.Data["versions"].(map[string]interface{})
	var stale []int
	for v, info := range versions {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || uint64(n) >= version {
			continue
		}
		if details, ok := info.(map[string]interface{}); ok {
			if destroyed, _ := details["destroyed"].(bool); destroyed {
				continue
			}
		}
		stale = append(stale, n)
	}
	if len(stale) == 0 {
		return nil
	}
	sort.Ints(stale)

	if _, err := s.client.Logical().WriteWithContext(ctx, s.destroyKey(key), map[string]interface{}{"versions": stale}); err != nil {
		s.log.Error("Failed to destroy old versions in Vault", slog.String("key", key), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

func (s *VaultStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	dir, namePrefix := path.Split(prefix)

	secret, err := s.client.Logical().ListWithContext(ctx, s.metadataKey(dir))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	listed, _ := secret.Data["keys"].([]interface{})
	now := s.clock.Now()
	var keys []string
	for _, item := range listed {
		name, ok := item.(string)
		if !ok || strings.HasSuffix(name, "/") || !strings.HasPrefix(name, namePrefix) {
			continue
		}
		key := dir + name
		entry, err := s.read(ctx, key)
		if err != nil {
			return nil, err
		}
		if entry.live(now) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Available checks if Vault is initialized and unsealed.
func (s *VaultStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := s.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		s.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		s.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}

	return true
}

// Name returns a unique identifier for this store.
func (s *VaultStore) Name() string {
	return fmt.Sprintf("vault-%s-%s", s.mountPath, s.dataPath)
}

// LocationURI returns the URI that identifies this store.
func (s *VaultStore) LocationURI() string {
	return s.locationURI
}

func numberField(m map[string]interface{}, key string) (uint64, bool) {
	switch v := m[key].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil || n < 0 {
			return 0, false
		}
		return uint64(n), true
	case float64:
		return uint64(v), true
	case int64:
		return uint64(v), true
	case int:
		return uint64(v), true
	default:
		return 0, false
	}
}
