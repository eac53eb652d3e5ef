// Package server implements the realtime connection core: the websocket
// handshake, the connection registry with its user and room indices, the
// frame router, the heartbeat sweep and the stats endpoints.
//
// The implementation is organized into specialized files for the registry,
// clients, routing, heartbeat and HTTP handlers to keep the codebase
// maintainable and testable as the project grows.
package server
