/*
Package dbusconn implements the client-side connection engine for the D-Bus
message bus system.

A Conn multiplexes method calls, replies, signals and bus notifications over a
single authenticated message stream to a bus daemon (usually the session or
system bus) or directly to a peer. The engine owns the per-connection state
machine, the serial allocator, the table of outstanding replies, the signal and
name-owner subscriptions, the outbound send queue and the inbound dispatcher.

Transport setup, SASL authentication and the wire codec live behind the
MessageStream interface; Open consumes a standard semicolon-separated bus
address and tries its entries in order through the StreamOpener supplied in
Options. Messages are typed records carrying the fixed header fields of the
D-Bus 1.0 message format and an opaque body; only the small string and uint32
arguments of the org.freedesktop.DBus conversation are encoded and decoded
here.

Use Call for method calls, Emit for signals, WatchSignal and WatchNameOwner
for subscriptions, RequestName and ReleaseName for well-known service names,
and AddMethodHandler to serve inbound calls. Ping and GetMachineId on
org.freedesktop.DBus.Peer are answered by the connection itself.

Multiple goroutines may invoke methods on a connection simultaneously.
*/
package dbusconn
