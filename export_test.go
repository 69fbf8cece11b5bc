package dbusconn

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inboundCall(path ObjectPath, iface, member string, serial uint32, sender string) *Message {
	msg := NewMethodCall("", path, iface, member)
	msg.Destination = ":1.42"
	msg.Serial = serial
	msg.Sender = sender
	return msg
}

func repliesTo(bus *testBus, serial uint32) []*Message {
	var out []*Message
	for _, msg := range bus.sentMessages() {
		if msg.ReplySerial == serial {
			out = append(out, msg)
		}
	}
	return out
}

func TestPeerPing(t *testing.T) {
	bus := newTestBus(":1.42")
	openTestConn(t, bus)

	bus.deliver(inboundCall("/x/y", "org.freedesktop.DBus.Peer", "Ping", 7, ":1.2"))

	eventually(t, func() bool { return len(repliesTo(bus, 7)) == 1 }, "Ping reply not sent")
	reply := repliesTo(bus, 7)[0]
	assert.Equal(t, TypeMethodReturn, reply.Type)
	assert.Equal(t, uint32(7), reply.ReplySerial)
	assert.Equal(t, ":1.2", reply.Destination)
	assert.Empty(t, reply.Body)
}

func TestPeerGetMachineId(t *testing.T) {
	bus := newTestBus(":1.42")
	openTestConn(t, bus)

	bus.deliver(inboundCall("/x", "org.freedesktop.DBus.Peer", "GetMachineId", 8, ":1.2"))

	eventually(t, func() bool { return len(repliesTo(bus, 8)) == 1 }, "GetMachineId reply not sent")
	reply := repliesTo(bus, 8)[0]
	require.Equal(t, TypeMethodReturn, reply.Type)
	assert.Equal(t, "s", reply.Signature)
	id, err := decodeStringBody(reply)
	require.NoError(t, err)
	assert.Equal(t, machineID(), id)
	assert.NotEmpty(t, id)
}

func TestUnknownMethodReply(t *testing.T) {
	bus := newTestBus(":1.42")
	openTestConn(t, bus)

	call := inboundCall("/unbound", "com.example.Iface", "Frobnicate", 9, ":1.2")
	call.Signature = "ii"
	bus.deliver(call)

	eventually(t, func() bool { return len(repliesTo(bus, 9)) == 1 }, "error reply not sent")
	reply := repliesTo(bus, 9)[0]
	require.Equal(t, TypeError, reply.Type)
	assert.Equal(t, "org.freedesktop.DBus.Error.UnknownMethod", reply.ErrorName)
	assert.Equal(t, ":1.2", reply.Destination)
	description, err := decodeStringBody(reply)
	require.NoError(t, err)
	assert.Equal(t, `Method "Frobnicate" with signature "ii" on interface "com.example.Iface" doesn't exist`, description)
}

func TestUnknownMethodNoReplyExpected(t *testing.T) {
	bus := newTestBus(":1.42")
	openTestConn(t, bus)

	call := inboundCall("/unbound", "com.example.Iface", "Frobnicate", 10, ":1.2")
	call.Flags |= FlagNoReplyExpected
	bus.deliver(call)

	// A later Ping round-trip proves the call above was processed.
	bus.deliver(inboundCall("/x", "org.freedesktop.DBus.Peer", "Ping", 11, ":1.2"))
	eventually(t, func() bool { return len(repliesTo(bus, 11)) == 1 }, "Ping reply not sent")
	assert.Empty(t, repliesTo(bus, 10))
}

func TestMethodHandlerReply(t *testing.T) {
	bus := newTestBus(":1.42")
	conn := openTestConn(t, bus)

	err := conn.AddMethodHandler("/svc", func(ctx context.Context, call *Message) (*Message, error) {
		reply := newMethodReturn(call)
		reply.Signature = "s"
		reply.Body = newStringBody("hi from " + string(call.Path))
		return reply, nil
	})
	require.NoError(t, err)

	bus.deliver(inboundCall("/svc", "com.example.Svc", "Greet", 20, ":1.3"))

	eventually(t, func() bool { return len(repliesTo(bus, 20)) == 1 }, "handler reply not sent")
	reply := repliesTo(bus, 20)[0]
	require.Equal(t, TypeMethodReturn, reply.Type)
	assert.Equal(t, ":1.3", reply.Destination)
	body, err := decodeStringBody(reply)
	require.NoError(t, err)
	assert.Equal(t, "hi from /svc", body)
}

func TestMethodHandlerNilReply(t *testing.T) {
	bus := newTestBus(":1.42")
	conn := openTestConn(t, bus)

	require.NoError(t, conn.AddMethodHandler("/svc", func(ctx context.Context, call *Message) (*Message, error) {
		return nil, nil
	}))
	bus.deliver(inboundCall("/svc", "com.example.Svc", "Poke", 21, ":1.3"))

	eventually(t, func() bool { return len(repliesTo(bus, 21)) == 1 }, "empty reply not sent")
	reply := repliesTo(bus, 21)[0]
	assert.Equal(t, TypeMethodReturn, reply.Type)
	assert.Empty(t, reply.Body)
}

func TestMethodHandlerError(t *testing.T) {
	bus := newTestBus(":1.42")
	conn := openTestConn(t, bus)

	require.NoError(t, conn.AddMethodHandler("/svc", func(ctx context.Context, call *Message) (*Message, error) {
		return nil, errors.New("backend unavailable")
	}))
	bus.deliver(inboundCall("/svc", "com.example.Svc", "Greet", 22, ":1.3"))

	eventually(t, func() bool { return len(repliesTo(bus, 22)) == 1 }, "error reply not sent")
	reply := repliesTo(bus, 22)[0]
	require.Equal(t, TypeError, reply.Type)
	assert.Equal(t, "org.freedesktop.DBus.Error.Failed", reply.ErrorName)
	description, err := decodeStringBody(reply)
	require.NoError(t, err)
	assert.Equal(t, "backend unavailable", description)
}

func TestRemoveMethodHandler(t *testing.T) {
	bus := newTestBus(":1.42")
	conn := openTestConn(t, bus)

	require.NoError(t, conn.AddMethodHandler("/svc", func(ctx context.Context, call *Message) (*Message, error) {
		return nil, nil
	}))
	conn.RemoveMethodHandler("/svc")

	bus.deliver(inboundCall("/svc", "com.example.Svc", "Greet", 23, ":1.3"))
	eventually(t, func() bool { return len(repliesTo(bus, 23)) == 1 }, "reply not sent")
	assert.Equal(t, TypeError, repliesTo(bus, 23)[0].Type)
}

func TestAddMethodHandlerValidation(t *testing.T) {
	bus := newTestBus(":1.42")
	conn := openTestConn(t, bus)

	require.Error(t, conn.AddMethodHandler("not-a-path", func(ctx context.Context, call *Message) (*Message, error) {
		return nil, nil
	}))
	require.Error(t, conn.AddMethodHandler("/svc", nil))
}
