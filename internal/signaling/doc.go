// Package signaling carries call signaling over a websocket.
//
// Server upgrades GET /signal, authenticates the participant, registers it
// with the relay and translates frames into relay operations. Client is the
// participant side: it dials the relay, forwards routed messages to a
// call.Inbound and implements call.Signaler.
package signaling
