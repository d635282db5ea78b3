// Package sinks implements concrete broadcast consumers such as Prometheus,
// repository-backed storage, message publishers, blob archives, and
// structured logging. Each sink satisfies the broadcast.Sink interface and is
// safe for repeated Consume/Close cycles.
package sinks
