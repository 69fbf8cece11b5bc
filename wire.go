package dbusconn

import (
	"encoding/binary"
)

// The connection engine treats message bodies as opaque bytes; the full type
// system is the stream layer's business. The one exception is the
// org.freedesktop.DBus conversation itself, whose arguments are limited to
// strings and uint32s. bodyEncoder and bodyDecoder cover exactly that subset
// of the wire format: both types align to 4 bytes, strings carry a uint32
// length prefix and a terminating nul that is not counted in the length.

type bodyEncoder struct {
	order binary.ByteOrder
	buf   []byte
}

func newBodyEncoder() *bodyEncoder {
	return &bodyEncoder{order: binary.LittleEndian}
}

func (enc *bodyEncoder) align(n int) {
	for len(enc.buf)%n != 0 {
		enc.buf = append(enc.buf, 0)
	}
}

func (enc *bodyEncoder) PutUint32(u uint32) {
	enc.align(4)
	var b [4]byte
	enc.order.PutUint32(b[:], u)
	enc.buf = append(enc.buf, b[:]...)
}

func (enc *bodyEncoder) PutString(s string) {
	enc.PutUint32(uint32(len(s)))
	enc.buf = append(enc.buf, s...)
	enc.buf = append(enc.buf, 0)
}

func (enc *bodyEncoder) Bytes() []byte {
	return enc.buf
}

type bodyDecoder struct {
	order binary.ByteOrder
	data  []byte
	pos   int
}

func newBodyDecoder(msg *Message) *bodyDecoder {
	order := msg.Order
	if order == nil {
		order = binary.LittleEndian
	}
	return &bodyDecoder{order: order, data: msg.Body}
}

func (dec *bodyDecoder) align(n int) {
	if dec.pos%n != 0 {
		dec.pos += n - dec.pos%n
	}
}

func (dec *bodyDecoder) Uint32() (uint32, error) {
	dec.align(4)
	if dec.pos+4 > len(dec.data) {
		return 0, InvalidMessageError("truncated body")
	}
	u := dec.order.Uint32(dec.data[dec.pos:])
	dec.pos += 4
	return u, nil
}

func (dec *bodyDecoder) String() (string, error) {
	length, err := dec.Uint32()
	if err != nil {
		return "", err
	}
	// + 1 for the terminating nul
	if dec.pos+int(length)+1 > len(dec.data) {
		return "", InvalidMessageError("truncated body")
	}
	s := string(dec.data[dec.pos : dec.pos+int(length)])
	dec.pos += int(length) + 1
	return s, nil
}

// newStringBody encodes a single string argument (signature "s").
func newStringBody(s string) []byte {
	enc := newBodyEncoder()
	enc.PutString(s)
	return enc.Bytes()
}

// decodeStringBody decodes the first string argument of msg.
func decodeStringBody(msg *Message) (string, error) {
	return newBodyDecoder(msg).String()
}

// decodeUint32Body decodes the first uint32 argument of msg.
func decodeUint32Body(msg *Message) (uint32, error) {
	return newBodyDecoder(msg).Uint32()
}
