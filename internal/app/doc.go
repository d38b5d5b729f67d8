// Package app provides the application service layer.
//
// Transports (websocket sessions, the HTTP APIs) call Service; Service resolves
// the connection's principal, enforces membership where an operation needs
// it, and drives rooms, typing, presence, fanout and notification delivery.
package app
