package dbusconn

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Names of the message bus service itself.
const (
	BusName      = "org.freedesktop.DBus"
	BusPath      = ObjectPath("/org/freedesktop/DBus")
	BusInterface = "org.freedesktop.DBus"
)

type connState int

const (
	stateCreated connState = iota
	stateConnecting
	stateConnected
	stateDisconnected
	stateDisposed
)

// Options configures Open.
type Options struct {
	// Open opens an authenticated message stream for a candidate address
	// entry. Required.
	Open StreamOpener

	// OnDisconnect, if set, is invoked exactly once when the connection
	// leaves the Connected state, with the underlying cause, or nil when
	// the connection was disposed locally.
	OnDisconnect func(cause error)

	// Logger receives connection diagnostics. Defaults to the logrus
	// standard logger.
	Logger *logrus.Logger
}

// Conn is a connection to a message bus or a peer.
//
// Multiple goroutines may invoke methods on a connection simultaneously.
type Conn struct {
	stream  MessageStream
	log     *logrus.Entry
	serials serialAllocator
	sendq   *sendQueue
	pending *pendingTable

	// baseCtx is cancelled on disconnect; detached tasks (RemoveMatch,
	// method handlers) must not outlive the connection.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu               sync.Mutex
	state            connState
	disconnectReason error
	onDisconnect     func(error)
	localName        string
	remoteIsBus      bool
	signalHandlers   map[SignalMatchRule][]*signalHandlerEntry
	ownerWatches     map[string][]*ownerWatchEntry
	nameRegs         map[string]*nameRegistration
	methodHandlers   map[ObjectPath]MethodHandler
}

// Open connects to the bus or peer reachable at the given address. The
// entries of the address are tried in order; the first stream the opener
// returns wins, and the error of the last failed entry is reported when
// none does. Open issues the Hello call and returns once the connection is
// fully established.
func Open(ctx context.Context, address string, opts Options) (*Conn, error) {
	if opts.Open == nil {
		return nil, errors.New("dbusconn: options carry no stream opener")
	}
	entries, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoAddresses
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var stream MessageStream
	for _, entry := range entries {
		stream, err = opts.Open(ctx, entry)
		if err == nil {
			break
		}
		stream = nil
	}
	if stream == nil {
		return nil, err
	}

	c := &Conn{
		stream:         stream,
		log:            logger.WithField("component", "dbusconn"),
		pending:        newPendingTable(),
		state:          stateCreated,
		signalHandlers: make(map[SignalMatchRule][]*signalHandlerEntry),
		ownerWatches:   make(map[string][]*ownerWatchEntry),
		nameRegs:       make(map[string]*nameRegistration),
		methodHandlers: make(map[ObjectPath]MethodHandler),
	}
	c.baseCtx, c.cancel = context.WithCancel(context.Background())
	c.sendq = newSendQueue(stream, c.log)
	c.state = stateConnecting
	go c.receiveLoop()

	name, err := c.hello(ctx)
	if err != nil {
		c.Dispose()
		return nil, err
	}

	c.mu.Lock()
	c.localName = name
	c.remoteIsBus = name != ""
	if c.state == stateConnecting {
		c.state = stateConnected
		c.onDisconnect = opts.OnDisconnect
		c.mu.Unlock()
		return c, nil
	}
	reason := c.disconnectReason
	c.mu.Unlock()
	return nil, &DisconnectedError{Cause: reason}
}

// hello issues the initial org.freedesktop.DBus.Hello call and returns the
// unique name the bus assigned. An empty reply body marks the remote end as
// a direct peer rather than a bus.
func (c *Conn) hello(ctx context.Context) (string, error) {
	reply, err := c.call(ctx, NewMethodCall(BusName, BusPath, BusInterface, "Hello"), true)
	if err != nil {
		return "", err
	}
	if len(reply.Body) == 0 {
		return "", nil
	}
	return decodeStringBody(reply)
}

// LocalName returns the unique name the bus assigned to this connection,
// or "" when the remote end is not a bus.
func (c *Conn) LocalName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localName
}

// RemoteIsBus returns whether the remote end is a message bus daemon.
func (c *Conn) RemoteIsBus() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteIsBus
}

// Connected returns whether the connection is in the Connected state.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// checkConnected returns the state-specific error barring regular
// operations, or nil when the connection is connected. Callers hold c.mu.
func (c *Conn) checkConnected() error {
	switch c.state {
	case stateCreated:
		return ErrNotConnected
	case stateConnecting:
		return ErrConnecting
	case stateDisconnected:
		return &DisconnectedError{Cause: c.disconnectReason}
	case stateDisposed:
		return ErrDisposed
	}
	return nil
}

// checkConnecting is the guard for the connection handshake itself.
// Callers hold c.mu.
func (c *Conn) checkConnecting() error {
	switch c.state {
	case stateCreated:
		return ErrNotConnected
	case stateConnected:
		return ErrAlreadyConnected
	case stateDisconnected:
		return &DisconnectedError{Cause: c.disconnectReason}
	case stateDisposed:
		return ErrDisposed
	}
	return nil
}

// Call sends a method call and, when a reply is expected, waits for it.
// The reply message is returned for method returns; error replies surface
// as *DBusError. Cancelling ctx before the frame reaches the wire aborts
// the send; after that the frame cannot be unsent and the reply, if any, is
// dropped on arrival.
func (c *Conn) Call(ctx context.Context, msg *Message) (*Message, error) {
	return c.call(ctx, msg, false)
}

func (c *Conn) call(ctx context.Context, msg *Message, connecting bool) (*Message, error) {
	if msg.Type != TypeMethodCall {
		return nil, InvalidMessageError("not a method call")
	}
	if err := msg.IsValid(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	var err error
	if connecting {
		err = c.checkConnecting()
	} else {
		err = c.checkConnected()
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	msg.Serial = c.serials.next()
	var pr *pendingReply
	if msg.ReplyExpected() {
		pr = c.pending.add(msg.Serial)
	}

	ps := newPendingSend(ctx, msg)
	c.sendq.enqueue(ps)
	select {
	case <-ps.done:
		if ps.err != nil {
			c.pending.remove(msg.Serial)
			return nil, ps.err
		}
	case <-ctx.Done():
		if ps.tryResolve(ctx.Err()) {
			// The writer loses the race and will skip the frame; only
			// when it had already dequeued it may bytes be in flight, in
			// which case the reply slot stays behind to swallow the
			// eventual reply.
			if !ps.pickedUp() {
				c.pending.remove(msg.Serial)
			}
			return nil, ctx.Err()
		}
		if ps.err != nil {
			c.pending.remove(msg.Serial)
			return nil, ps.err
		}
		return nil, ctx.Err()
	}

	if pr == nil {
		return nil, nil
	}
	reply, err := pr.wait(ctx)
	if err != nil {
		return nil, err
	}
	if reply.Type == TypeError {
		return nil, dbusErrorFromMessage(reply)
	}
	return reply, nil
}

// Emit queues a signal for transmission and returns without waiting for
// I/O. Transport failures of emitted signals are logged by the writer; a
// fatal stream failure surfaces through the disconnect callback.
func (c *Conn) Emit(msg *Message) error {
	if msg.Type != TypeSignal {
		return InvalidMessageError("not a signal")
	}
	if err := msg.IsValid(); err != nil {
		return err
	}
	c.mu.Lock()
	err := c.checkConnected()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	msg.Serial = c.serials.next()
	c.sendq.enqueue(newPendingSend(nil, msg))
	return nil
}

// enqueueReply queues a locally generated reply (method return or error)
// without blocking the receive loop.
func (c *Conn) enqueueReply(msg *Message) {
	msg.Serial = c.serials.next()
	c.sendq.enqueue(newPendingSend(c.baseCtx, msg))
}

// receiveLoop runs in its own goroutine, reading frames from the stream
// and dispatching them until the stream fails or the connection is torn
// down.
func (c *Conn) receiveLoop() {
	for {
		msg, err := c.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrClosedByPeer
			}
			c.disconnect(stateDisconnected, err)
			return
		}
		if err := c.dispatch(msg); err != nil {
			c.disconnect(stateDisconnected, err)
			return
		}
	}
}

// dispatch routes one inbound frame by message kind. A non-nil error is
// fatal to the connection.
func (c *Conn) dispatch(msg *Message) error {
	switch msg.Type {
	case TypeMethodReturn, TypeError:
		if pr := c.pending.remove(msg.ReplySerial); pr != nil {
			pr.resolve(msg, nil)
			return nil
		}
		return ProtocolError(fmt.Sprintf("unexpected reply for serial %d", msg.ReplySerial))
	case TypeSignal:
		return c.dispatchSignal(msg)
	case TypeMethodCall:
		c.serveMethodCall(msg)
		return nil
	default:
		return ProtocolError(fmt.Sprintf("invalid message type %d", msg.Type))
	}
}

// disconnect is the single teardown path, idempotent in its side effects.
// Disposed dominates Disconnected: a dispose after a stream failure still
// moves the state to Disposed, but the tables were already drained and the
// disconnect callback already fired.
func (c *Conn) disconnect(next connState, reason error) {
	c.mu.Lock()
	if c.state == stateDisposed ||
		(c.state == stateDisconnected && next == stateDisconnected) {
		c.mu.Unlock()
		return
	}
	first := c.state != stateDisconnected
	c.state = next
	var cb func(error)
	if first {
		c.disconnectReason = reason
		cb = c.onDisconnect
		c.onDisconnect = nil
		c.signalHandlers = make(map[SignalMatchRule][]*signalHandlerEntry)
		c.ownerWatches = make(map[string][]*ownerWatchEntry)
		c.nameRegs = make(map[string]*nameRegistration)
		c.methodHandlers = make(map[ObjectPath]MethodHandler)
	}
	c.mu.Unlock()
	if !first {
		return
	}

	c.cancel()
	if err := c.stream.Close(); err != nil {
		c.log.WithError(err).Debug("stream close failed")
	}
	var terminal error
	if reason != nil {
		c.log.WithError(reason).Debug("connection lost")
		terminal = &DisconnectedError{Cause: reason}
	} else {
		terminal = ErrDisposed
	}
	for _, pr := range c.pending.drain() {
		pr.resolve(nil, terminal)
	}
	if cb != nil {
		cb(reason)
	}
}

// Dispose tears the connection down and releases the stream. It is safe to
// call multiple times and concurrently; the disconnect callback fires at
// most once across dispose and stream failure.
func (c *Conn) Dispose() {
	c.disconnect(stateDisposed, nil)
}
