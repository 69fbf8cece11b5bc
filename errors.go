package dbusconn

import (
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNotConnected is returned for operations on a connection that was
	// created but never opened.
	ErrNotConnected = errors.New("dbusconn: not connected")
	// ErrConnecting is returned for operations attempted while the
	// connection attempt is still in progress.
	ErrConnecting = errors.New("dbusconn: connection attempt in progress")
	// ErrAlreadyConnected is returned when a connection attempt is made on
	// an already connected connection.
	ErrAlreadyConnected = errors.New("dbusconn: already connected")
	// ErrDisposed is returned for operations on a disposed connection and
	// is the terminal error of pending replies drained by Dispose.
	ErrDisposed = errors.New("dbusconn: connection disposed")
	// ErrClosedByPeer is the disconnect reason when the remote end closes
	// the stream in an orderly fashion.
	ErrClosedByPeer = errors.New("dbusconn: connection closed by peer")
	// ErrNoAddresses is returned by Open when the bus address contains no
	// entries.
	ErrNoAddresses = errors.New("dbusconn: no addresses")
	// ErrNotBus is returned for bus-only operations on a connection whose
	// remote end is a direct peer rather than a message bus.
	ErrNotBus = errors.New("dbusconn: remote peer is not a message bus")
	// ErrNameRegistered is returned by RequestName when the name is
	// already requested on this connection.
	ErrNameRegistered = errors.New("dbusconn: name already requested on this connection")
)

// DisconnectedError is returned for operations on, and pending replies
// drained by, a connection that lost its stream. Cause is the underlying
// failure, or nil if the connection was disposed locally.
type DisconnectedError struct {
	Cause error
}

func (e *DisconnectedError) Error() string {
	if e.Cause == nil {
		return "dbusconn: disconnected"
	}
	return "dbusconn: disconnected: " + e.Cause.Error()
}

func (e *DisconnectedError) Unwrap() error { return e.Cause }

// ProtocolError describes a violation of the message protocol by the remote
// end. Protocol errors observed by the receive loop are fatal to the
// connection.
type ProtocolError string

func (e ProtocolError) Error() string {
	return "dbusconn: protocol violation: " + string(e)
}

// DBusError is an error reply received from the remote peer. Name is the
// D-Bus error name; Message carries the first string argument of the reply
// body, if any.
type DBusError struct {
	Name    string
	Message string
}

func (e *DBusError) Error() string {
	if e.Message != "" {
		return e.Name + ": " + e.Message
	}
	return e.Name
}

// dbusErrorFromMessage converts an error reply into a *DBusError.
func dbusErrorFromMessage(msg *Message) error {
	e := &DBusError{Name: msg.ErrorName}
	if strings.HasPrefix(msg.Signature, "s") {
		if s, err := newBodyDecoder(msg).String(); err == nil {
			e.Message = s
		}
	}
	return e
}
