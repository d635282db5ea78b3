// Package broadcast provides the ambient, process-wide channel on which every
// fired scroll-depth milestone is announced. A non-blocking Hub batches events
// on a background goroutine and fans them out to pluggable sinks (metrics,
// persistence, Pub/Sub, MQTT, archives), while in-process subscribers receive
// each event as soon as it is emitted.
package broadcast
