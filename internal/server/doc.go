// Package server implements the room-based WebSocket relay.
//
// Clients connect, join a named room and broadcast chat messages to the other
// members of that room. The implementation is organized into files for the
// wire protocol, sessions, the room registry, the event router, configuration,
// metrics, routing, and HTTP handlers.
package server
