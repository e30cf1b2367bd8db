// Package cdpmux is the connection core of a Chrome DevTools Protocol
// client: it multiplexes commands and events for a browser and its flattened
// target sessions over a single transport, tracks the browser's targets, and
// lets callers wait for events.
//
// Every outstanding command, session and wait ends deterministically: a
// Connection that closes, whether by Close or by the browser going away,
// fails each of them with ErrConnectionClosed before emitting its
// "disconnected" event.
package cdpmux
