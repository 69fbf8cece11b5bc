package dbusconn

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Type represents the possible types of a D-Bus message.
type Type byte

const (
	TypeInvalid Type = iota
	TypeMethodCall
	TypeMethodReturn
	TypeError
	TypeSignal
	typeMax
)

// Flags represents the possible flags of a D-Bus message.
type Flags byte

const (
	FlagNoReplyExpected Flags = 1 << iota
	FlagNoAutoStart
)

// An ObjectPath is an object path as defined by the D-Bus spec.
type ObjectPath string

// IsValid returns whether the object path is valid.
func (o ObjectPath) IsValid() bool {
	s := string(o)
	if len(s) == 0 {
		return false
	}
	if s[0] != '/' {
		return false
	}
	if s[len(s)-1] == '/' && len(s) != 1 {
		return false
	}
	// probably not used, but technically possible
	if s == "/" {
		return true
	}
	split := strings.Split(s[1:], "/")
	for _, v := range split {
		if len(v) == 0 {
			return false
		}
		for _, c := range v {
			if !isMemberChar(c) {
				return false
			}
		}
	}
	return true
}

// An InvalidMessageError describes the reason why a message is regarded as
// invalid.
type InvalidMessageError string

func (e InvalidMessageError) Error() string {
	return "dbusconn: invalid message: " + string(e)
}

// Message represents a single D-Bus message. Header fields that are absent
// from the wire frame are left at their zero value; the body is kept as raw,
// already-aligned wire bytes. The serial is zero until the connection assigns
// one; once the frame has been handed to the stream it must not change.
type Message struct {
	Type  Type
	Flags Flags

	Serial uint32

	// Order is the byte order of Body. Messages built by this package use
	// little endian; inbound messages carry whatever the sender chose.
	Order binary.ByteOrder

	Path        ObjectPath
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	Destination string
	Sender      string
	Signature   string
	UnixFDs     uint32

	Body []byte
}

// NewMethodCall returns a method call message addressed to the given
// destination, path, interface and member. The serial is assigned on send.
func NewMethodCall(dest string, path ObjectPath, iface, member string) *Message {
	return &Message{
		Type:        TypeMethodCall,
		Order:       binary.LittleEndian,
		Destination: dest,
		Path:        path,
		Interface:   iface,
		Member:      member,
	}
}

// NewSignal returns a signal message originating from the given path,
// interface and member.
func NewSignal(path ObjectPath, iface, member string) *Message {
	return &Message{
		Type:      TypeSignal,
		Order:     binary.LittleEndian,
		Path:      path,
		Interface: iface,
		Member:    member,
	}
}

// newMethodReturn returns an empty method reply correlated to call.
func newMethodReturn(call *Message) *Message {
	return &Message{
		Type:        TypeMethodReturn,
		Order:       binary.LittleEndian,
		ReplySerial: call.Serial,
		Destination: call.Sender,
	}
}

// newErrorReply returns an error reply correlated to call, carrying the
// given error name and a single string argument describing the failure.
func newErrorReply(call *Message, name, description string) *Message {
	return &Message{
		Type:        TypeError,
		Order:       binary.LittleEndian,
		ErrorName:   name,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		Signature:   "s",
		Body:        newStringBody(description),
	}
}

// ReplyExpected returns whether the sender of this message wants a method
// return or an error in response.
func (msg *Message) ReplyExpected() bool {
	return msg.Type == TypeMethodCall && msg.Flags&FlagNoReplyExpected == 0
}

// IsValid checks whether msg is a valid message and returns an
// InvalidMessageError if it is not.
func (msg *Message) IsValid() error {
	if msg.Flags & ^(FlagNoAutoStart|FlagNoReplyExpected) != 0 {
		return InvalidMessageError("invalid flags")
	}
	if msg.Type == TypeInvalid || msg.Type >= typeMax {
		return InvalidMessageError("invalid message type")
	}
	switch msg.Type {
	case TypeMethodCall:
		if msg.Path == "" || msg.Member == "" {
			return InvalidMessageError("missing required header")
		}
	case TypeMethodReturn:
		if msg.ReplySerial == 0 {
			return InvalidMessageError("missing required header")
		}
	case TypeError:
		if msg.ErrorName == "" || msg.ReplySerial == 0 {
			return InvalidMessageError("missing required header")
		}
	case TypeSignal:
		if msg.Path == "" || msg.Interface == "" || msg.Member == "" {
			return InvalidMessageError("missing required header")
		}
	}
	if msg.Path != "" && !msg.Path.IsValid() {
		return InvalidMessageError("invalid path")
	}
	if msg.Interface != "" && !isValidInterface(msg.Interface) {
		return InvalidMessageError("invalid interface")
	}
	if msg.Member != "" && !isValidMember(msg.Member) {
		return InvalidMessageError("invalid member")
	}
	if len(msg.Body) != 0 && msg.Signature == "" {
		return InvalidMessageError("missing signature")
	}
	return nil
}

// String returns a string representation of the message similar to the
// format of dbus-monitor.
func (msg *Message) String() string {
	if err := msg.IsValid(); err != nil {
		return "<invalid>"
	}
	s := map[Type]string{
		TypeMethodCall:   "method call",
		TypeMethodReturn: "reply",
		TypeError:        "error",
		TypeSignal:       "signal",
	}[msg.Type]
	if msg.Sender != "" {
		s += " from " + msg.Sender
	}
	if msg.Destination != "" {
		s += " to " + msg.Destination
	} else {
		s += " to <null>"
	}
	s += " serial " + strconv.FormatUint(uint64(msg.Serial), 10)
	if msg.ReplySerial != 0 {
		s += " reply_serial " + strconv.FormatUint(uint64(msg.ReplySerial), 10)
	}
	if msg.Path != "" {
		s += " path " + string(msg.Path)
	}
	if msg.Interface != "" {
		s += " interface " + msg.Interface
	}
	if msg.ErrorName != "" {
		s += " name " + msg.ErrorName
	}
	if msg.Member != "" {
		s += " member " + msg.Member
	}
	if len(msg.Body) != 0 {
		s += fmt.Sprintf(" body (%s) %d bytes", msg.Signature, len(msg.Body))
	}
	return s
}

// isValidInterface returns whether s is a valid name for an interface.
func isValidInterface(s string) bool {
	if len(s) == 0 || len(s) > 255 || s[0] == '.' {
		return false
	}
	elem := strings.Split(s, ".")
	if len(elem) < 2 {
		return false
	}
	for _, v := range elem {
		if len(v) == 0 {
			return false
		}
		if v[0] >= '0' && v[0] <= '9' {
			return false
		}
		for _, c := range v {
			if !isMemberChar(c) {
				return false
			}
		}
	}
	return true
}

// isValidMember returns whether s is a valid name for a member.
func isValidMember(s string) bool {
	if len(s) == 0 || len(s) > 255 {
		return false
	}
	i := strings.Index(s, ".")
	if i != -1 {
		return false
	}
	if s[0] >= '0' && s[0] <= '9' {
		return false
	}
	for _, c := range s {
		if !isMemberChar(c) {
			return false
		}
	}
	return true
}

func isMemberChar(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') || c == '_'
}
