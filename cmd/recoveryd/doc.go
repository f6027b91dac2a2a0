// Package main (cmd/recoveryd) runs the wallet social recovery coordinator.
//
// The coordinator splits a wallet's sealed signing secret into threshold
// shares, delivers each share to a helper through websocket relays, and
// reconstructs the secret once enough helpers send their shares back. The
// recovered secret is re-sealed into the wallet key store and never leaves
// the process.
//
// Sessions and pending shares live in the configured session store
// (in-memory, LevelDB or Vault KV v2). Wallet secrets are read from file or
// S3 key stores sealed with a passphrase-derived key. Relays are configured
// explicitly or discovered from DNS SRV records.
//
// Every flag can also be set from a RECOVERY_* environment variable.
//
// Example usage:
//
//	recoveryd \
//	  --identity-key $(cat coordinator.key) \
//	  --keystore-passphrase "$PASSPHRASE" \
//	  --keystore file:///var/lib/recovery/wallets \
//	  --session-store leveldb:///var/lib/recovery/sessions \
//	  --relay wss://relay.example.org \
//	  --threshold 3 --session-ttl 30m
//
// The server shuts down gracefully on SIGINT or SIGTERM.
package main
