// Package call implements the participant side of a one-to-one call as an
// explicit state machine.
//
// A Machine owns the local media stream, the negotiator for the current call
// attempt and the ring cues. Every input, whether a user command, a relayed
// message or a callback from media or negotiation, is put on one queue and
// handled in arrival order by Run. Handlers never block on I/O; media
// acquisition runs on its own goroutine and reports back through the queue.
package call
