package durable

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayline-systems/relayline/internal/model"
)

type fakeAppender struct {
	seq     uint64
	err     error
	subject string
	key     string
	data    []byte
}

func (f *fakeAppender) Append(_ context.Context, subject, key string, data []byte) (uint64, error) {
	f.subject = subject
	f.key = key
	f.data = data
	return f.seq, f.err
}

func TestAppend_ReturnsStreamSequence(t *testing.T) {
	app := &fakeAppender{seq: 42}
	p := NewProducer(app, time.Second, nil)

	received := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	msg := model.Message{Text: "hello", ReceivedAt: received}

	seq, err := p.Append(context.Background(), msg)
	require.NoError(t, err)

	assert.EqualValues(t, 42, seq)
	assert.Equal(t, Subject, app.subject)
	assert.Equal(t, fmt.Sprintf("message-%d", received.UnixNano()), app.key)
	assert.Equal(t, []byte("hello"), app.data)
}

func TestAppend_WrapsBrokerError(t *testing.T) {
	brokerErr := errors.New("no responders")
	p := NewProducer(&fakeAppender{err: brokerErr}, time.Second, nil)

	msg := model.Message{Text: "hello", ReceivedAt: time.Now()}
	_, err := p.Append(context.Background(), msg)
	require.Error(t, err)

	var appendErr *AppendError
	require.ErrorAs(t, err, &appendErr)
	assert.Equal(t, msg.Key(), appendErr.Key)
	assert.ErrorIs(t, err, brokerErr)
	assert.Contains(t, err.Error(), appendErr.Key)
}
