// Package server implements the WebSocket endpoint that front-end chat
// servers use to reach the persistence tier.
//
// The implementation is organized into specialized files for configuration, hub
// management, clients, request routing, and HTTP handlers. A Hub owns the
// connections; each Client reads requests and hands them to the Router,
// which answers on the same connection with the request header echoed.
package server
