// Package model holds the transient message types shared by the pipeline tiers.
package model

import (
	"fmt"
	"time"
)

// Message is the unit of transport: one chat line submitted by a client.
// Messages exist only in memory and on the wire/log; the durable representation
// is an event on the append-only stream.
type Message struct {
	// Text is the message payload. The pipeline does not enforce non-empty.
	Text string

	// ReceivedAt is the ingress timestamp, assigned when the message is read
	// off the client connection.
	ReceivedAt time.Time

	// SenderID is the originating connection identifier. Used only to exclude
	// the sender from local rebroadcast; never persisted.
	SenderID string
}

// Key derives the producer-assigned correlation key for this message. The key
// doubles as the store dedupe key, so a redelivered event is applied once.
func (m Message) Key() string {
	return fmt.Sprintf("message-%d", m.ReceivedAt.UnixNano())
}
