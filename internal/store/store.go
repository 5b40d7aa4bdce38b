// Package store persists flushed message batches.
package store

import (
	"context"
	"time"
)

// Record is one row written by a batch flush.
type Record struct {
	// DedupeKey is the correlation key from the durable log. Duplicate keys
	// are silently skipped on insert, making redelivery idempotent.
	DedupeKey string

	// Text is the message payload.
	Text string

	// ReceivedAt is the original ingress timestamp.
	ReceivedAt time.Time
}

// Store is the persistent sink for flushed batches.
type Store interface {
	// InsertBatch writes records in one bulk operation. Rows whose dedupe key
	// already exists are skipped, not failed.
	InsertBatch(ctx context.Context, records []Record) error
}
