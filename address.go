package dbusconn

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

const defaultSystemBusAddress = "unix:path=/var/run/dbus/system_bus_socket"

// AddressEntry is a single parsed entry of a semicolon-separated bus
// address, e.g. the "unix:path=/run/user/1000/bus" part of a session bus
// address. GUID is the expected server GUID when the entry carries one.
type AddressEntry struct {
	Transport string
	Options   map[string]string
	GUID      string
}

// ParseAddress parses a standard D-Bus address into its entries. Empty
// entries are skipped; option values are unescaped.
func ParseAddress(address string) ([]AddressEntry, error) {
	var entries []AddressEntry
	for _, part := range strings.Split(address, ";") {
		if part == "" {
			continue
		}
		i := strings.IndexByte(part, ':')
		if i == -1 {
			return nil, errors.Errorf("dbusconn: bad address %q: no transport", part)
		}
		entry := AddressEntry{
			Transport: part[:i],
			Options:   make(map[string]string),
		}
		if entry.Transport == "" {
			return nil, errors.Errorf("dbusconn: bad address %q: no transport", part)
		}
		rest := part[i+1:]
		if rest != "" {
			for _, kv := range strings.Split(rest, ",") {
				j := strings.IndexByte(kv, '=')
				if j == -1 {
					return nil, errors.Errorf("dbusconn: bad address %q: malformed key-value pair %q", part, kv)
				}
				value, err := UnescapeBusAddressValue(kv[j+1:])
				if err != nil {
					return nil, errors.Wrapf(err, "dbusconn: bad address %q", part)
				}
				entry.Options[kv[:j]] = value
			}
		}
		entry.GUID = entry.Options["guid"]
		entries = append(entries, entry)
	}
	return entries, nil
}

// SessionBusAddress returns the address of the session bus as reported by
// the DBUS_SESSION_BUS_ADDRESS environment variable.
func SessionBusAddress() (string, error) {
	address := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if address == "" || address == "autolaunch:" {
		return "", errors.New("dbusconn: couldn't determine address of the session bus")
	}
	return address, nil
}

// SystemBusAddress returns the address of the system bus, falling back to
// the canonical socket path when DBUS_SYSTEM_BUS_ADDRESS is unset.
func SystemBusAddress() string {
	if address := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); address != "" {
		return address
	}
	return defaultSystemBusAddress
}

// isAddressChar reports whether c may appear unescaped in a bus address
// value ("optionally-escaped" bytes in the D-Bus specification).
func isAddressChar(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		c == '_' || c == '-' || c == '/' || c == '\\' || c == '.' || c == '*'
}

// EscapeBusAddressValue escapes a value for use in a bus address, replacing
// every byte outside the optionally-escaped set with %xx.
func EscapeBusAddressValue(val string) string {
	var buf strings.Builder
	for i := 0; i < len(val); i++ {
		c := val[i]
		if isAddressChar(c) {
			buf.WriteByte(c)
			continue
		}
		buf.WriteByte('%')
		buf.WriteByte(hexDigit(c >> 4))
		buf.WriteByte(hexDigit(c & 0x0f))
	}
	return buf.String()
}

// UnescapeBusAddressValue reverses EscapeBusAddressValue.
func UnescapeBusAddressValue(val string) (string, error) {
	var buf strings.Builder
	for i := 0; i < len(val); i++ {
		c := val[i]
		if c != '%' {
			buf.WriteByte(c)
			continue
		}
		if i+2 >= len(val) {
			return "", errors.Errorf("dbusconn: truncated escape in address value %q", val)
		}
		hi, ok1 := hexValue(val[i+1])
		lo, ok2 := hexValue(val[i+2])
		if !ok1 || !ok2 {
			return "", errors.Errorf("dbusconn: malformed escape in address value %q", val)
		}
		buf.WriteByte(hi<<4 | lo)
		i += 2
	}
	return buf.String(), nil
}

func hexDigit(b byte) byte {
	if b < 10 {
		return '0' + b
	}
	return 'a' + b - 10
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
