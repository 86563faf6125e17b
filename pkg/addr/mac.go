package addr

import (
	"fmt"
	"regexp"
	"strings"
)

// MAC is a 48-bit hardware address held as an integer. The integer form is
// used everywhere internally; the colon-separated string form exists only
// at the API boundary.
type MAC uint64

const macMax = MAC(1<<48 - 1)

// Accepts 12 bare hex digits, or six hex pairs joined by ":" or "-".
var macRe = regexp.MustCompile(`^(?:[0-9a-fA-F]{12}|(?:[0-9a-fA-F]{2}:){5}[0-9a-fA-F]{2}|(?:[0-9a-fA-F]{2}-){5}[0-9a-fA-F]{2})$`)

// ParseMAC parses a MAC address string.
func ParseMAC(s string) (MAC, error) {
	if !macRe.MatchString(s) {
		return 0, fmt.Errorf("invalid MAC address: %q", s)
	}
	hexStr := strings.NewReplacer(":", "", "-", "").Replace(s)
	var m MAC
	for i := 0; i < len(hexStr); i++ {
		m = m<<4 | MAC(hexVal(hexStr[i]))
	}
	return m, nil
}

func hexVal(c byte) uint64 {
	switch {
	case c >= '0' && c <= '9':
		return uint64(c - '0')
	case c >= 'a' && c <= 'f':
		return uint64(c-'a') + 10
	default:
		return uint64(c-'A') + 10
	}
}

// MACFromUint64 validates that v fits in 48 bits.
func MACFromUint64(v uint64) (MAC, error) {
	if MAC(v) > macMax {
		return 0, fmt.Errorf("MAC value out of range: %d", v)
	}
	return MAC(v), nil
}

// String formats the MAC in lowercase colon-separated form.
func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		byte(m>>40), byte(m>>32), byte(m>>24), byte(m>>16), byte(m>>8), byte(m))
}

// MarshalText emits the colon-separated form, for JSON encoding.
func (m MAC) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses any accepted MAC form.
func (m *MAC) UnmarshalText(b []byte) error {
	parsed, err := ParseMAC(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// OUI returns the upper 24 bits.
func (m MAC) OUI() uint32 {
	return uint32(m >> 24)
}

// ParseOUI parses a 6-hex-digit OUI, with or without separators.
func ParseOUI(s string) (uint32, error) {
	clean := strings.NewReplacer(":", "", "-", "").Replace(s)
	if len(clean) != 6 {
		return 0, fmt.Errorf("invalid OUI: %q", s)
	}
	var v uint32
	for i := 0; i < 6; i++ {
		c := clean[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return 0, fmt.Errorf("invalid OUI: %q", s)
		}
		v = v<<4 | uint32(hexVal(c))
	}
	return v, nil
}

// MACFromOUI combines a 24-bit OUI with a 24-bit host part.
func MACFromOUI(oui uint32, host uint32) MAC {
	return MAC(oui)<<24 | MAC(host&0xffffff)
}
