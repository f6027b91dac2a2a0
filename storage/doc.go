// Package storage implements the persistence backends of the coordinator.
//
// Session stores (interfaces.SessionStore) keep recovery sessions and pending
// shares. They support TTL-expiring keys and versioned CompareAndSwap:
//
//   - memory://                              MemoryStore, single process
//   - leveldb:///path/to/db                  LevelDBStore, durable single node
//   - vault://host:port/mount/path?token=... VaultStore, KV v2 with check-and-set
//
// Blob backends (interfaces.BlobBackend) hold the sealed wallet key store:
//
//   - file:///path/to/dir                    FileBackend
//   - s3://bucket/prefix?region=...          S3Backend
//
// Several blob backends are combined with CreateMultiBackend; reads fall back
// in order and writes go to every available backend.
//
//	factory := storage.NewStorageBackendFactory(logger, clock.New())
//	sessions, err := factory.SessionStoreFor("leveldb:///var/lib/recovery/sessions")
//	blobs, err := factory.CreateMultiBackend([]string{"file:///var/lib/recovery/wallets", "s3://wallets/prod?region=eu-west-1"})
package storage
