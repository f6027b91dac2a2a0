// Package api holds the wire types and server configuration shared by the
// recovery HTTP server (api/server), its handler and client
// (api/recoveryhandler).
package api
