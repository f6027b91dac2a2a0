// Package recovery coordinates threshold social recovery of wallet secrets.
//
// A recovery session moves through a closed set of states:
//
//	NoSession -> Requested -> Collecting -> Reconstructed
//	                                     -> Expired
//	                                     -> Aborted
//
// Initiate loads the wallet secret from the key store, splits it into one
// share per helper and sends every helper its share over the confidential
// channel. Helpers return their share encrypted to the coordinator under the
// session topic; Accept decrypts it and hands it to the collector. The
// submission that completes the threshold reconstructs the secret, which is
// returned exactly once and then belongs to the caller.
//
// Sessions expire a fixed TTL after creation. Expiry is detected lazily on
// every access and by the background sweep started with Run. Expired,
// aborted and reconstructed sessions stay behind as tombstones for the
// configured retention so late submissions get a precise error; a new
// Initiate replaces them.
//
// Service wraps the coordinator for outer layers: recovered secrets are
// passed to a RecoverySink and destroyed before SubmitShare returns.
package recovery
