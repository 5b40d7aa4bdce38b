package model

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKey_DerivesFromReceiptInstant(t *testing.T) {
	received := time.Date(2026, 8, 27, 9, 30, 0, 123456789, time.UTC)
	msg := Message{Text: "hello", ReceivedAt: received}

	assert.Equal(t, fmt.Sprintf("message-%d", received.UnixNano()), msg.Key())
}

func TestKey_IsStableAcrossCalls(t *testing.T) {
	msg := Message{Text: "hello", ReceivedAt: time.Now()}
	assert.Equal(t, msg.Key(), msg.Key())
}

func TestKey_DiffersForDifferentInstants(t *testing.T) {
	a := Message{ReceivedAt: time.Unix(0, 1)}
	b := Message{ReceivedAt: time.Unix(0, 2)}
	assert.NotEqual(t, a.Key(), b.Key())
}
