// Package session tracks live agent connections.
//
// A Conn wraps one upgraded websocket: a buffered send channel drained by a
// write pump (with ping keepalives and write deadlines) and a ReadLoop that
// hands inbound frames to a caller-supplied handler. The Registry maps client
// identities to Conns and upholds two invariants the relay depends on:
// registering an identity unconditionally replaces any prior connection, and
// removal only succeeds for the connection actually being torn down, so a
// stale disconnect can never evict a newer connection that reused the same
// identity.
package session
