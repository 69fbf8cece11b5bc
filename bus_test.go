package dbusconn

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testStream is an in-memory MessageStream with a scriptable remote end.
type testStream struct {
	mu       sync.Mutex
	sent     []*Message
	sendHook func(*Message)
	sendErr  error
	recvErr  error

	incoming  chan *Message
	closed    chan struct{}
	closeOnce sync.Once
}

func newTestStream() *testStream {
	return &testStream{
		incoming: make(chan *Message, 32),
		closed:   make(chan struct{}),
	}
}

func (s *testStream) Send(msg *Message) error {
	s.mu.Lock()
	if s.sendErr != nil {
		err := s.sendErr
		s.mu.Unlock()
		return err
	}
	s.sent = append(s.sent, msg)
	hook := s.sendHook
	s.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (s *testStream) Recv() (*Message, error) {
	select {
	case msg := <-s.incoming:
		return msg, nil
	case <-s.closed:
		s.mu.Lock()
		err := s.recvErr
		s.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}
}

func (s *testStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// deliver feeds one frame to the connection's receive loop.
func (s *testStream) deliver(msg *Message) { s.incoming <- msg }

// fail terminates Recv with err. Tests call it while no deliveries are
// pending, so the receive loop observes the failure next.
func (s *testStream) fail(err error) {
	s.mu.Lock()
	s.recvErr = err
	s.mu.Unlock()
	s.Close()
}

func (s *testStream) setHook(hook func(*Message)) {
	s.mu.Lock()
	s.sendHook = hook
	s.mu.Unlock()
}

func (s *testStream) sentMessages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.sent...)
}

func (s *testStream) sentCalls(member string) []*Message {
	var out []*Message
	for _, msg := range s.sentMessages() {
		if msg.Type == TypeMethodCall && msg.Member == member {
			out = append(out, msg)
		}
	}
	return out
}

// testBus scripts the bus daemon's side of the conversation: Hello, match
// registration, name requests and a no-op Echo method for plain
// round-trips.
type testBus struct {
	*testStream
	localName        string
	requestNameReply uint32
	releaseNameReply uint32
	stalled          map[string]bool
}

func newTestBus(localName string) *testBus {
	b := &testBus{
		testStream:       newTestStream(),
		localName:        localName,
		requestNameReply: uint32(NameReplyPrimaryOwner),
		releaseNameReply: uint32(ReleaseNameReplyReleased),
		stalled:          make(map[string]bool),
	}
	b.sendHook = b.autoReply
	return b
}

// stall suppresses the automatic reply for one bus method; the test
// delivers the reply by hand, or never.
func (b *testBus) stall(member string) {
	b.mu.Lock()
	b.stalled[member] = true
	b.mu.Unlock()
}

func (b *testBus) autoReply(msg *Message) {
	if msg.Type != TypeMethodCall || msg.Destination != BusName || !msg.ReplyExpected() {
		return
	}
	b.mu.Lock()
	stalled := b.stalled[msg.Member]
	b.mu.Unlock()
	if stalled {
		return
	}
	reply := newMethodReturn(msg)
	reply.Sender = BusName
	switch msg.Member {
	case "Hello":
		if b.localName != "" {
			reply.Signature = "s"
			reply.Body = newStringBody(b.localName)
		}
	case "AddMatch", "RemoveMatch", "Echo":
	case "RequestName":
		reply.Signature = "u"
		enc := newBodyEncoder()
		enc.PutUint32(b.requestNameReply)
		reply.Body = enc.Bytes()
	case "ReleaseName":
		reply.Signature = "u"
		enc := newBodyEncoder()
		enc.PutUint32(b.releaseNameReply)
		reply.Body = enc.Bytes()
	default:
		return
	}
	b.deliver(reply)
}

// methodReturnFor builds the bus's reply to a recorded call, carrying a
// single uint32 argument.
func methodReturnFor(call *Message, code uint32) *Message {
	reply := newMethodReturn(call)
	reply.Sender = BusName
	reply.Signature = "u"
	enc := newBodyEncoder()
	enc.PutUint32(code)
	reply.Body = enc.Bytes()
	return reply
}

// busSignal builds a signal originating from the bus service with string
// arguments.
func busSignal(member string, args ...string) *Message {
	msg := NewSignal(BusPath, BusInterface, member)
	msg.Sender = BusName
	if len(args) > 0 {
		enc := newBodyEncoder()
		for _, arg := range args {
			enc.PutString(arg)
		}
		msg.Signature = strings.Repeat("s", len(args))
		msg.Body = enc.Bytes()
	}
	return msg
}

func openTestConn(t *testing.T, bus *testBus, mod ...func(*Options)) *Conn {
	t.Helper()
	opts := Options{
		Open: func(ctx context.Context, entry AddressEntry) (MessageStream, error) {
			return bus, nil
		},
	}
	for _, f := range mod {
		f(&opts)
	}
	conn, err := Open(context.Background(), "unix:path=/tmp/test-bus", opts)
	require.NoError(t, err)
	t.Cleanup(conn.Dispose)
	return conn
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msg)
}
