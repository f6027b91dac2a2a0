package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/wallet-recovery-coordinator/interfaces"
)

// StorageBackendFactory creates session stores and blob backends from URI strings.
type StorageBackendFactory struct {
	log   *slog.Logger
	clock clock.Clock
}

// NewStorageBackendFactory creates a new factory. A nil clock uses the wall clock.
func NewStorageBackendFactory(logger *slog.Logger, clk clock.Clock) *StorageBackendFactory {
	if clk == nil {
		clk = clock.New()
	}
	return &StorageBackendFactory{
		log:   logger,
		clock: clk,
	}
}

// SessionStoreFor creates a session store from a location URI.
//
// Supported schemes:
//   - memory:// - in-process store, lost on restart
//   - leveldb:///var/lib/recovery/sessions - single node durable store
//   - vault://host:8200/mount/path?token=...&scheme=https - shared store on Vault KV v2
func (sf *StorageBackendFactory) SessionStoreFor(locationURI string) (interfaces.SessionStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return NewMemoryStore(sf.clock), nil
	case "leveldb":
		return sf.createLevelDBStore(u)
	case "vault":
		return sf.createVaultStore(u)
	default:
		return nil, fmt.Errorf("%w: unsupported session store scheme: %s", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// BlobBackendFor creates a blob backend from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - memory:// - in-process storage
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
func (sf *StorageBackendFactory) BlobBackendFor(locationURI string) (interfaces.BlobBackend, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return NewMemoryBackend(), nil
	case "s3":
		return sf.createS3Backend(u)
	case "file":
		return sf.createFileBackend(u)
	default:
		return nil, fmt.Errorf("%w: unsupported blob backend scheme: %s", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// CreateMultiBackend creates a multi-storage backend from a list of location URIs.
// Returns an error if no valid backends could be created from the provided URIs.
func (sf *StorageBackendFactory) CreateMultiBackend(locationURIs []string) (interfaces.BlobBackend, error) {
	backends := make([]interfaces.BlobBackend, 0, len(locationURIs))

	for _, uri := range locationURIs {
		backend, err := sf.BlobBackendFor(uri)
		if err != nil {
			sf.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", uri))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}
	if len(backends) == 1 {
		return backends[0], nil
	}

	return NewMultiStorageBackend(backends, sf.log), nil
}

// createLevelDBStore opens a leveldb database.
// URI format: leveldb:///absolute/path or leveldb://./relative/path
func (sf *StorageBackendFactory) createLevelDBStore(u *url.URL) (interfaces.SessionStore, error) {
	path := uriPath(u)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in leveldb URI: %s", interfaces.ErrInvalidLocationURI, u.String())
	}
	sf.log.Debug("Creating leveldb session store", slog.String("path", path))
	return NewLevelDBStore(path, sf.clock, sf.log)
}

// createVaultStore creates a Vault KV v2 session store.
// URI format: vault://host:port/mount/data/path?token=...&scheme=http
func (sf *StorageBackendFactory) createVaultStore(u *url.URL) (interfaces.SessionStore, error) {
	query := u.Query()
	scheme := query.Get("scheme")
	if scheme == "" {
		scheme = "https"
	}

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: vault URI must be vault://host/mount/path", interfaces.ErrInvalidLocationURI)
	}

	address := fmt.Sprintf("%s://%s", scheme, u.Host)
	sf.log.Debug("Creating Vault session store",
		slog.String("address", address),
		slog.String("mount", parts[0]),
		slog.String("path", parts[1]))

	return NewVaultStore(address, query.Get("token"), parts[0], parts[1], sf.clock, sf.log)
}

// createS3Backend creates an S3 or S3-compatible blob backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
func (sf *StorageBackendFactory) createS3Backend(u *url.URL) (interfaces.BlobBackend, error) {
	sf.log.Debug("Creating S3 backend", slog.String("bucket", u.Host))

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Backend(u.Host, strings.TrimPrefix(u.Path, "/"), region, query.Get("endpoint"), accessKey, secretKey, sf.log)
}

// createFileBackend creates a file system blob backend.
// URI format: file:///absolute/path/ or file://./relative/path/
func (sf *StorageBackendFactory) createFileBackend(u *url.URL) (interfaces.BlobBackend, error) {
	path := uriPath(u)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, u.String())
	}
	sf.log.Debug("Creating file backend", slog.String("path", path))
	return NewFileBackend(path, sf.log)
}

func uriPath(u *url.URL) string {
	if u.Host != "" {
		return u.Host + "/" + strings.TrimPrefix(u.Path, "/")
	}
	return u.Path
}
