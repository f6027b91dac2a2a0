// Package recoveryhandler exposes the recovery service over HTTP and provides
// a matching Go client.
//
// Errors are mapped to status codes: invalid input and undecryptable shares
// are 400, unknown helpers 403, missing sessions or wallets 404, a second
// concurrent request 409, expired sessions 410, inconsistent shares 422 and
// an unreachable transport 502.
package recoveryhandler
