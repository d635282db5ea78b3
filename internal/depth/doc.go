// Package depth implements the scroll-depth milestone state machine. A Tracker
// turns a noisy stream of depth-fraction samples into discrete, one-shot
// milestone events that carry the attention time elapsed since the session
// started. The package performs no I/O: samples and timestamps are supplied by
// the caller, and fired milestones are handed to registered observers and an
// optional injected broadcaster.
package depth
