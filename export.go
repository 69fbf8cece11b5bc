package dbusconn

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

const (
	peerInterface = "org.freedesktop.DBus.Peer"

	errUnknownMethod = "org.freedesktop.DBus.Error.UnknownMethod"
	errFailed        = "org.freedesktop.DBus.Error.Failed"
)

// MethodHandler serves inbound method calls for one exported object path.
// It runs in its own goroutine and may block; the returned message is sent
// back correlated to the call. Returning a nil message answers a
// reply-expecting call with an empty method return. A non-nil error is
// turned into an error reply.
type MethodHandler func(ctx context.Context, call *Message) (*Message, error)

// AddMethodHandler exports handler at path. Each path has at most one
// handler; registering a second one for the same path replaces the first.
func (c *Conn) AddMethodHandler(path ObjectPath, handler MethodHandler) error {
	if !path.IsValid() {
		return errors.Errorf("dbusconn: invalid object path %q", path)
	}
	if handler == nil {
		return errors.New("dbusconn: nil method handler")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkConnected(); err != nil {
		return err
	}
	c.methodHandlers[path] = handler
	return nil
}

// RemoveMethodHandler removes the handler exported at path, if any.
func (c *Conn) RemoveMethodHandler(path ObjectPath) {
	c.mu.Lock()
	delete(c.methodHandlers, path)
	c.mu.Unlock()
}

// serveMethodCall answers one inbound method call: the Peer built-ins
// directly on the receive goroutine, user handlers on their own goroutine.
func (c *Conn) serveMethodCall(call *Message) {
	if call.Interface == peerInterface {
		c.servePeer(call)
		return
	}
	c.mu.Lock()
	handler := c.methodHandlers[call.Path]
	c.mu.Unlock()
	if handler == nil {
		c.replyUnknownMethod(call)
		return
	}
	go func() {
		reply, err := handler(c.baseCtx, call)
		if !call.ReplyExpected() {
			return
		}
		if err != nil {
			c.enqueueReply(newErrorReply(call, errFailed, err.Error()))
			return
		}
		if reply == nil {
			reply = newMethodReturn(call)
		}
		reply.ReplySerial = call.Serial
		reply.Destination = call.Sender
		c.enqueueReply(reply)
	}()
}

// servePeer answers the org.freedesktop.DBus.Peer built-ins. They are
// handled for every path, exported or not.
func (c *Conn) servePeer(call *Message) {
	switch call.Member {
	case "Ping":
		if call.ReplyExpected() {
			c.enqueueReply(newMethodReturn(call))
		}
	case "GetMachineId":
		if call.ReplyExpected() {
			reply := newMethodReturn(call)
			reply.Signature = "s"
			reply.Body = newStringBody(machineID())
			c.enqueueReply(reply)
		}
	default:
		c.replyUnknownMethod(call)
	}
}

func (c *Conn) replyUnknownMethod(call *Message) {
	if !call.ReplyExpected() {
		return
	}
	description := fmt.Sprintf("Method %q with signature %q on interface %q doesn't exist",
		call.Member, call.Signature, call.Interface)
	c.enqueueReply(newErrorReply(call, errUnknownMethod, description))
}
