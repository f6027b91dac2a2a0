package interfaces

import "errors"

var (
	// ErrInvalidThreshold is returned when k or n violate 1 <= k <= n <= 255.
	ErrInvalidThreshold = errors.New("invalid threshold")

	// ErrEmptySecret is returned when asked to split an empty secret.
	ErrEmptySecret = errors.New("secret must not be empty")

	// ErrSessionAlreadyActive is returned by Initiate when an unexpired session exists.
	ErrSessionAlreadyActive = errors.New("recovery session already active")

	// ErrNoActiveSession is returned when a wallet has no session accepting shares.
	ErrNoActiveSession = errors.New("no active recovery session")

	// ErrSessionNotReady is returned for submissions that arrive while shares
	// are still being delivered. Retrying shortly is expected to succeed.
	ErrSessionNotReady = errors.New("recovery session not ready")

	// ErrDecryptionFailed is returned for tampered, misaddressed or malformed envelopes.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInsufficientShares means fewer than k distinct shares are available.
	// This is the normal "still waiting" condition, not a session failure.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrInconsistentShares means the shares do not belong to a single split.
	// It is fatal for the session: the wallet must be re-shared.
	ErrInconsistentShares = errors.New("inconsistent shares")

	// ErrTransportUnavailable is returned when no relay accepted an envelope.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrExpired is returned when the session TTL elapsed before completion.
	ErrExpired = errors.New("recovery session expired")

	// ErrInvalidShare is returned when a decrypted share is malformed or
	// does not carry the index assigned to its helper.
	ErrInvalidShare = errors.New("invalid share")

	// ErrUnknownHelper is returned when a submission comes from a key that
	// was not assigned a share in the session.
	ErrUnknownHelper = errors.New("unknown helper")

	// ErrInvalidHelpers is returned when the helper list is empty, too long or has duplicates.
	ErrInvalidHelpers = errors.New("invalid helper list")

	// ErrWalletNotFound is returned by key stores without a secret for the wallet.
	ErrWalletNotFound = errors.New("wallet secret not found")

	// ErrKeyNotFound is returned by session stores for missing or expired keys.
	ErrKeyNotFound = errors.New("key not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is invalid.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")

	// ErrVersionConflict is returned by CompareAndSwap when the stored version moved.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidTransition is returned for state changes outside the transition table.
	ErrInvalidTransition = errors.New("invalid session state transition")
)
