package logging

import "log/slog"

// Common field names for consistent logging across the pipeline.
const (
	FieldComponent    = "component"
	FieldInstanceID   = "instance_id"
	FieldConnectionID = "connection_id"
	FieldSubject      = "subject"
	FieldStreamSeq    = "stream_seq"
	FieldBatchSize    = "batch_size"
	FieldAttempt      = "attempt"
	FieldError        = "error"
)

// Component returns a slog attribute for the pipeline component name.
func Component(name string) slog.Attr {
	return slog.String(FieldComponent, name)
}

// InstanceID returns a slog attribute for the server instance identifier.
func InstanceID(id string) slog.Attr {
	return slog.String(FieldInstanceID, id)
}

// ConnectionID returns a slog attribute for a client connection identifier.
func ConnectionID(id string) slog.Attr {
	return slog.String(FieldConnectionID, id)
}

// Subject returns a slog attribute for a broker subject.
func Subject(s string) slog.Attr {
	return slog.String(FieldSubject, s)
}

// StreamSeq returns a slog attribute for a durable log stream sequence.
func StreamSeq(seq uint64) slog.Attr {
	return slog.Uint64(FieldStreamSeq, seq)
}

// BatchSize returns a slog attribute for a flush batch size.
func BatchSize(n int) slog.Attr {
	return slog.Int(FieldBatchSize, n)
}

// Attempt returns a slog attribute for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}
