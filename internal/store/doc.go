// Package store declares interfaces for persisting the milestone audit trail
// and archived broadcast batches. Implementations live in internal/storage;
// this package must not import database drivers or concrete clients.
// Tracker state is never rebuilt from these records.
package store
