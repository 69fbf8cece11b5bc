package dbusconn

import (
	"context"
)

// MessageStream is an ordered, framed duplex channel to a bus daemon or a
// peer. Implementations own transport setup, SASL authentication and the
// wire codec; the connection engine only exchanges framed messages with it.
//
// Recv blocks until a frame arrives and returns io.EOF when the remote end
// closes the stream. Send and Recv are each called from a single goroutine
// at a time, but never from the same one; Close may be called concurrently
// with both.
type MessageStream interface {
	Send(msg *Message) error
	Recv() (*Message, error)
	Close() error
}

// StreamOpener opens an authenticated message stream for a single address
// entry. Open tries the entries of a bus address in order and keeps the
// first stream an opener returns.
type StreamOpener func(ctx context.Context, entry AddressEntry) (MessageStream, error)
