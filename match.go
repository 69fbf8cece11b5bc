package dbusconn

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// SignalMatchRule keys the signal router. It corresponds to the match rule
// registered with the bus for the combination of path, interface and
// member.
type SignalMatchRule struct {
	Path      ObjectPath
	Interface string
	Member    string
}

// String returns the rule in the bus daemon's match rule syntax.
func (r SignalMatchRule) String() string {
	return fmt.Sprintf("type='signal',interface='%s',member='%s',path='%s'",
		r.Interface, r.Member, r.Path)
}

// SignalHandler is invoked on the receive goroutine for every inbound
// signal matching its rule. A panicking handler is fatal to the
// connection.
type SignalHandler func(msg *Message)

type signalHandlerEntry struct {
	handler SignalHandler
}

// SignalRegistration undoes one WatchSignal. Releasing the last
// registration for a rule removes the bus-side match.
type SignalRegistration struct {
	conn  *Conn
	rule  SignalMatchRule
	entry *signalHandlerEntry
	once  sync.Once
}

// Unwatch removes the handler from its chain. It is idempotent; the
// RemoveMatch for an emptied chain is fired at the bus without awaiting it.
func (r *SignalRegistration) Unwatch() {
	r.once.Do(func() {
		r.conn.removeSignalEntry(r.rule, r.entry, true)
	})
}

// WatchSignal registers handler for signals matching path, interface and
// member. The first registration for a rule synchronously registers the
// match with the bus; further registrations for the same rule join the
// existing chain without a bus round-trip. Handlers on a chain run in
// registration order.
func (c *Conn) WatchSignal(ctx context.Context, path ObjectPath, iface, member string, handler SignalHandler) (*SignalRegistration, error) {
	if handler == nil {
		return nil, errors.New("dbusconn: nil signal handler")
	}
	rule := SignalMatchRule{Path: path, Interface: iface, Member: member}
	entry := &signalHandlerEntry{handler: handler}

	c.mu.Lock()
	if err := c.checkConnected(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	chain, exists := c.signalHandlers[rule]
	c.signalHandlers[rule] = append(chain, entry)
	needAdd := !exists && c.remoteIsBus
	c.mu.Unlock()

	if needAdd {
		if err := c.addMatch(ctx, rule.String()); err != nil {
			c.removeSignalEntry(rule, entry, false)
			return nil, err
		}
	}
	return &SignalRegistration{conn: c, rule: rule, entry: entry}, nil
}

func (c *Conn) removeSignalEntry(rule SignalMatchRule, entry *signalHandlerEntry, withRemoveMatch bool) {
	c.mu.Lock()
	chain := c.signalHandlers[rule]
	for i, e := range chain {
		if e == entry {
			chain = append(chain[:i], chain[i+1:]...)
			break
		}
	}
	emptied := len(chain) == 0
	if emptied {
		delete(c.signalHandlers, rule)
	} else {
		c.signalHandlers[rule] = chain
	}
	fire := withRemoveMatch && emptied && c.remoteIsBus && c.state == stateConnected
	c.mu.Unlock()
	if fire {
		go c.removeMatch(rule.String())
	}
}

func (c *Conn) addMatch(ctx context.Context, rule string) error {
	call := NewMethodCall(BusName, BusPath, BusInterface, "AddMatch")
	call.Signature = "s"
	call.Body = newStringBody(rule)
	_, err := c.Call(ctx, call)
	return err
}

// removeMatch runs detached; failures are logged, not propagated.
func (c *Conn) removeMatch(rule string) {
	call := NewMethodCall(BusName, BusPath, BusInterface, "RemoveMatch")
	call.Signature = "s"
	call.Body = newStringBody(rule)
	if _, err := c.Call(c.baseCtx, call); err != nil {
		c.log.WithError(err).WithField("rule", rule).Debug("RemoveMatch failed")
	}
}

// dispatchSignal routes one inbound signal: bus-service notifications
// first, then the handler chain for the signal's own rule. Chains are
// snapshotted under the lock and invoked outside it.
func (c *Conn) dispatchSignal(msg *Message) error {
	if msg.Interface == BusInterface && msg.Sender == BusName {
		if err := c.dispatchBusSignal(msg); err != nil {
			return err
		}
	}
	rule := SignalMatchRule{Path: msg.Path, Interface: msg.Interface, Member: msg.Member}
	c.mu.Lock()
	entries := append([]*signalHandlerEntry(nil), c.signalHandlers[rule]...)
	c.mu.Unlock()
	for _, e := range entries {
		if err := invokeSignalHandler(e.handler, msg); err != nil {
			return err
		}
	}
	return nil
}

func invokeSignalHandler(handler SignalHandler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("dbusconn: signal handler for %s.%s panicked: %v",
				msg.Interface, msg.Member, r)
		}
	}()
	handler(msg)
	return nil
}
