// Package main (cmd/recoveryctl) is the operator tool for the recovery coordinator.
//
// Commands:
//
//	keygen   generate a secp256k1 identity for the coordinator or a helper
//	seal     store a wallet secret in the sealed key store
//	request  start a recovery for a wallet among a set of helpers
//	submit   forward a helper's encrypted share envelope
//	status   show the current recovery session of a wallet
package main
