// Package relay is the session relay: a registry of connected participants
// that routes call signaling between them.
//
// The relay never inspects offers, answers or candidates. It keeps at most one
// call session per unordered pair of identities so that a disconnect can be
// turned into an end-call for whoever was on the other side.
package relay
