// Package cryptoutils implements the cryptography of the recovery coordinator.
//
// # Identities
//
// Identity wraps a secp256k1 private key (go-ethereum crypto). Its Pubkey is
// the compressed public key used to address helpers and the coordinator.
//
// # Envelopes
//
// EncryptFor and DecryptFrom implement the confidential channel:
//
//   - static-static ECDH between sender and recipient
//   - HKDF-SHA256 over the shared point, bound to both public keys
//   - XChaCha20-Poly1305 with a random 24-byte nonce
//   - the header (version, sender, recipient, topic) authenticated as associated data
//
// Every failure to open an envelope, including malformed framing, is reported
// as interfaces.ErrDecryptionFailed.
//
// # Sealing at rest
//
// Sealer is a symmetric XChaCha20-Poly1305 box for data kept in storage.
// DeriveSealer derives a sealer from a master key with HKDF, PassphraseKey
// stretches an operator passphrase with argon2id.
package cryptoutils
