package dbusconn

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// RequestNameFlags represents the possible flags for a RequestName call.
type RequestNameFlags uint32

const (
	FlagAllowReplacement RequestNameFlags = 1 << iota
	FlagReplaceExisting
	FlagDoNotQueue
)

// RequestNameReply is the reply to a RequestName call.
type RequestNameReply uint32

const (
	NameReplyPrimaryOwner RequestNameReply = 1 + iota
	NameReplyInQueue
	NameReplyExists
	NameReplyAlreadyOwner
)

// ReleaseNameReply is the reply to a ReleaseName call.
type ReleaseNameReply uint32

const (
	ReleaseNameReplyReleased ReleaseNameReply = 1 + iota
	ReleaseNameReplyNonExistent
	ReleaseNameReplyNotOwner
)

// NameOwnerChange describes one NameOwnerChanged signal. A nil owner means
// the name had, or has, no owner; the bus encodes that as an empty string,
// which is normalized away before dispatch.
type NameOwnerChange struct {
	Name     string
	OldOwner *string
	NewOwner *string
}

// NameOwnerHandler is invoked for NameOwnerChanged signals of a watched
// service name. Like signal handlers, it runs on the receive goroutine and
// a panic is fatal to the connection.
type NameOwnerHandler func(change NameOwnerChange)

type ownerWatchEntry struct {
	handler NameOwnerHandler
}

// NameOwnerRegistration undoes one WatchNameOwner.
type NameOwnerRegistration struct {
	conn  *Conn
	name  string
	entry *ownerWatchEntry
	once  sync.Once
}

// Unwatch removes the handler from the chain for its service name. It is
// idempotent.
func (r *NameOwnerRegistration) Unwatch() {
	r.once.Do(func() {
		r.conn.removeOwnerWatch(r.name, r.entry, true)
	})
}

// ownerChangedMatchRule is the bus match for NameOwnerChanged signals of
// one service name.
func ownerChangedMatchRule(name string) string {
	return fmt.Sprintf("type='signal',interface='org.freedesktop.DBus',member='NameOwnerChanged',arg0='%s'", name)
}

// WatchNameOwner registers handler for owner changes of the given
// well-known service name. The first watcher for a name registers the
// match with the bus; further watchers join the chain. Handlers run in
// registration order.
func (c *Conn) WatchNameOwner(ctx context.Context, name string, handler NameOwnerHandler) (*NameOwnerRegistration, error) {
	if handler == nil {
		return nil, errors.New("dbusconn: nil name owner handler")
	}
	entry := &ownerWatchEntry{handler: handler}

	c.mu.Lock()
	if err := c.checkConnected(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if !c.remoteIsBus {
		c.mu.Unlock()
		return nil, ErrNotBus
	}
	chain, exists := c.ownerWatches[name]
	c.ownerWatches[name] = append(chain, entry)
	c.mu.Unlock()

	if !exists {
		if err := c.addMatch(ctx, ownerChangedMatchRule(name)); err != nil {
			c.removeOwnerWatch(name, entry, false)
			return nil, err
		}
	}
	return &NameOwnerRegistration{conn: c, name: name, entry: entry}, nil
}

func (c *Conn) removeOwnerWatch(name string, entry *ownerWatchEntry, withRemoveMatch bool) {
	c.mu.Lock()
	chain := c.ownerWatches[name]
	for i, e := range chain {
		if e == entry {
			chain = append(chain[:i], chain[i+1:]...)
			break
		}
	}
	emptied := len(chain) == 0
	if emptied {
		delete(c.ownerWatches, name)
	} else {
		c.ownerWatches[name] = chain
	}
	fire := withRemoveMatch && emptied && c.remoteIsBus && c.state == stateConnected
	c.mu.Unlock()
	if fire {
		go c.removeMatch(ownerChangedMatchRule(name))
	}
}

// NameRequestOptions carries the callbacks of a RequestName registration.
type NameRequestOptions struct {
	// OnAcquired is invoked when the bus reports the name as acquired by
	// this connection.
	OnAcquired func(name string)
	// OnLost is invoked when the bus reports the name as lost.
	OnLost func(name string)
	// Dispatch, when set, receives the acquire and lost callbacks instead
	// of having them run inline on the receive goroutine.
	Dispatch func(fn func())
}

type nameRegistration struct {
	onAcquired func(string)
	onLost     func(string)
	dispatch   func(func())
}

// RequestName asks the bus for ownership of a well-known name. A name can
// be requested at most once per connection; a duplicate request fails
// locally before any bus traffic. The registration is dropped again when
// the round-trip fails or the bus answers NameReplyExists; an InQueue
// answer keeps it, and OnAcquired fires on the later NameAcquired signal.
func (c *Conn) RequestName(ctx context.Context, name string, flags RequestNameFlags, opts NameRequestOptions) (RequestNameReply, error) {
	c.mu.Lock()
	if err := c.checkConnected(); err != nil {
		c.mu.Unlock()
		return 0, err
	}
	if !c.remoteIsBus {
		c.mu.Unlock()
		return 0, ErrNotBus
	}
	if _, dup := c.nameRegs[name]; dup {
		c.mu.Unlock()
		return 0, ErrNameRegistered
	}
	c.nameRegs[name] = &nameRegistration{
		onAcquired: opts.OnAcquired,
		onLost:     opts.OnLost,
		dispatch:   opts.Dispatch,
	}
	c.mu.Unlock()

	call := NewMethodCall(BusName, BusPath, BusInterface, "RequestName")
	call.Signature = "su"
	enc := newBodyEncoder()
	enc.PutString(name)
	enc.PutUint32(uint32(flags))
	call.Body = enc.Bytes()

	reply, err := c.Call(ctx, call)
	if err != nil {
		c.dropNameRegistration(name)
		return 0, err
	}
	code, err := decodeUint32Body(reply)
	if err != nil {
		c.dropNameRegistration(name)
		return 0, err
	}
	r := RequestNameReply(code)
	if r == NameReplyExists {
		c.dropNameRegistration(name)
	}
	return r, nil
}

// ReleaseName gives a requested name back to the bus. A name that was
// never requested on this connection yields ReleaseNameReplyNotOwner
// without a bus round-trip.
func (c *Conn) ReleaseName(ctx context.Context, name string) (ReleaseNameReply, error) {
	c.mu.Lock()
	if err := c.checkConnected(); err != nil {
		c.mu.Unlock()
		return 0, err
	}
	if _, ok := c.nameRegs[name]; !ok {
		c.mu.Unlock()
		return ReleaseNameReplyNotOwner, nil
	}
	delete(c.nameRegs, name)
	c.mu.Unlock()

	call := NewMethodCall(BusName, BusPath, BusInterface, "ReleaseName")
	call.Signature = "s"
	call.Body = newStringBody(name)
	reply, err := c.Call(ctx, call)
	if err != nil {
		return 0, err
	}
	code, err := decodeUint32Body(reply)
	if err != nil {
		return 0, err
	}
	return ReleaseNameReply(code), nil
}

func (c *Conn) dropNameRegistration(name string) {
	c.mu.Lock()
	delete(c.nameRegs, name)
	c.mu.Unlock()
}

// dispatchBusSignal handles the notifications of the bus service itself:
// owner changes for watched names and the acquired/lost signals of this
// connection's own name requests.
func (c *Conn) dispatchBusSignal(msg *Message) error {
	switch msg.Member {
	case "NameOwnerChanged":
		dec := newBodyDecoder(msg)
		name, err := dec.String()
		if err != nil {
			return ProtocolError("malformed NameOwnerChanged: " + err.Error())
		}
		oldOwner, err := dec.String()
		if err != nil {
			return ProtocolError("malformed NameOwnerChanged: " + err.Error())
		}
		newOwner, err := dec.String()
		if err != nil {
			return ProtocolError("malformed NameOwnerChanged: " + err.Error())
		}
		change := NameOwnerChange{
			Name:     name,
			OldOwner: ownerOrNil(oldOwner),
			NewOwner: ownerOrNil(newOwner),
		}
		c.mu.Lock()
		entries := append([]*ownerWatchEntry(nil), c.ownerWatches[name]...)
		c.mu.Unlock()
		for _, e := range entries {
			if err := invokeOwnerHandler(e.handler, change); err != nil {
				return err
			}
		}
	case "NameAcquired", "NameLost":
		name, err := decodeStringBody(msg)
		if err != nil {
			return ProtocolError("malformed " + msg.Member + ": " + err.Error())
		}
		c.mu.Lock()
		reg := c.nameRegs[name]
		c.mu.Unlock()
		if reg == nil {
			return nil
		}
		cb := reg.onAcquired
		if msg.Member == "NameLost" {
			cb = reg.onLost
		}
		if cb == nil {
			return nil
		}
		if reg.dispatch != nil {
			reg.dispatch(func() { cb(name) })
		} else {
			cb(name)
		}
	}
	return nil
}

func invokeOwnerHandler(handler NameOwnerHandler, change NameOwnerChange) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("dbusconn: name owner handler for %q panicked: %v",
				change.Name, r)
		}
	}()
	handler(change)
	return nil
}

func ownerOrNil(owner string) *string {
	if owner == "" {
		return nil
	}
	return &owner
}
