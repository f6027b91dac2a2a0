// Package interfaces defines the core types, contracts and errors of the
// wallet recovery coordinator, separating interface definitions from their
// implementations.
//
// # Types
//
//   - WalletID: canonical UUID of the wallet whose secret is protected
//   - Pubkey: compressed secp256k1 key identifying a helper or the coordinator
//   - Secret: owned key material, zeroed by Destroy
//   - Share/ShareSet: self-describing points of one threshold split
//   - SessionState: closed lifecycle of a recovery session
//   - CollectionOutcome, Receipt: results of recording a share and of publishing an envelope
//
// # Contracts
//
//   - SessionStore: TTL-expiring versioned key-value store with CompareAndSwap
//   - BlobBackend: opaque blob storage for the wallet key store
//   - WalletKeyStore: source of the protected secret of a wallet
//   - Transport: addressed best-effort delivery of envelopes
//   - RecoverySink: consumer of a recovered secret
//
// # Errors
//
// All failures are reported through the sentinel errors in errors.go and are
// wrapped with fmt.Errorf("...: %w", err); callers test them with errors.Is.
package interfaces
