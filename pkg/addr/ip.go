// Package addr provides address arithmetic for IPv4/IPv6 addresses, CIDR
// prefixes and MAC addresses. All functions are pure; addresses are
// netip.Addr values and MACs are 48-bit integers.
package addr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"net/netip"

	"go4.org/netipx"
)

// Arithmetic errors. These indicate programmer error, not bad input.
var (
	ErrOverflow  = errors.New("address arithmetic overflow")
	ErrUnderflow = errors.New("address arithmetic underflow")
)

// MaxOffset bounds the offset accepted by Offset: 2^32 - 1.
const MaxOffset = int64(1<<32 - 1)

// ParseIP parses a canonical IP address string. Zones and non-canonical
// forms carried over from other systems are rejected.
func ParseIP(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid IP address: %q", s)
	}
	if a.Zone() != "" {
		return netip.Addr{}, fmt.Errorf("invalid IP address: %q (zones not allowed)", s)
	}
	return a, nil
}

// ParseCIDR parses a CIDR prefix. The address part must be the prefix's
// network address (10.0.2.1/24 is rejected).
func ParseCIDR(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid CIDR: %q", s)
	}
	if p.Addr() != p.Masked().Addr() {
		return netip.Prefix{}, fmt.Errorf("invalid CIDR: %q (address has host bits set)", s)
	}
	return p, nil
}

// Offset returns a+n, where n may be negative. The offset magnitude is
// bounded by 2^32-1. Walking past the edge of the address family fails
// with ErrOverflow or ErrUnderflow.
func Offset(a netip.Addr, n int64) (netip.Addr, error) {
	if n > MaxOffset || n < -MaxOffset {
		return netip.Addr{}, fmt.Errorf("offset %d out of range", n)
	}
	if a.Is4() {
		v := uint64(binary.BigEndian.Uint32(a4(a)))
		r := v + uint64(n)
		if n > 0 && (r > 0xffffffff || r < v) {
			return netip.Addr{}, ErrOverflow
		}
		if n < 0 && r > v {
			return netip.Addr{}, ErrUnderflow
		}
		var out [4]byte
		binary.BigEndian.PutUint32(out[:], uint32(r))
		return netip.AddrFrom4(out), nil
	}
	b := a.As16()
	hi := binary.BigEndian.Uint64(b[:8])
	lo := binary.BigEndian.Uint64(b[8:])
	if n >= 0 {
		nlo, carry := bits.Add64(lo, uint64(n), 0)
		nhi, carry := bits.Add64(hi, 0, carry)
		if carry != 0 {
			return netip.Addr{}, ErrOverflow
		}
		hi, lo = nhi, nlo
	} else {
		nlo, borrow := bits.Sub64(lo, uint64(-n), 0)
		nhi, borrow := bits.Sub64(hi, 0, borrow)
		if borrow != 0 {
			return netip.Addr{}, ErrUnderflow
		}
		hi, lo = nhi, nlo
	}
	var out [16]byte
	binary.BigEndian.PutUint64(out[:8], hi)
	binary.BigEndian.PutUint64(out[8:], lo)
	return netip.AddrFrom16(out), nil
}

func a4(a netip.Addr) []byte {
	b := a.As4()
	return b[:]
}

// Compare orders two addresses. IPv4 compares against IPv6 through its
// v4-mapped form, giving one total order across both families.
func Compare(a, b netip.Addr) int {
	am := a.As16()
	bm := b.As16()
	for i := 0; i < 16; i++ {
		if am[i] != bm[i] {
			if am[i] < bm[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Contains reports whether cidr contains a. Cross-family containment is
// always false.
func Contains(cidr netip.Prefix, a netip.Addr) bool {
	return cidr.Contains(a)
}

// BitsToNetmask converts a prefix length to a dotted-quad netmask (v4 only).
func BitsToNetmask(prefixBits int) (netip.Addr, error) {
	if prefixBits < 0 || prefixBits > 32 {
		return netip.Addr{}, fmt.Errorf("invalid prefix length: %d", prefixBits)
	}
	var m uint32
	if prefixBits > 0 {
		m = ^uint32(0) << (32 - prefixBits)
	}
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], m)
	return netip.AddrFrom4(out), nil
}

// NetmaskToBits converts a dotted-quad netmask to a prefix length (v4 only).
// Non-contiguous masks are rejected.
func NetmaskToBits(mask netip.Addr) (int, error) {
	if !mask.Is4() {
		return 0, fmt.Errorf("netmask must be IPv4: %s", mask)
	}
	m := binary.BigEndian.Uint32(a4(mask))
	ones := bits.LeadingZeros32(^m)
	if m != ^uint32(0)<<(32-ones) {
		return 0, fmt.Errorf("non-contiguous netmask: %s", mask)
	}
	return ones, nil
}

var (
	rfc1918Spaces = []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
	}
	uniqueLocalSpace = netip.MustParsePrefix("fd00::/8")
)

// IsRFC1918 reports whether cidr nests inside one of the RFC 1918 spaces:
// the space contains cidr's address and cidr's prefix is no shorter.
func IsRFC1918(cidr netip.Prefix) bool {
	for _, space := range rfc1918Spaces {
		if space.Contains(cidr.Addr()) && space.Bits() <= cidr.Bits() {
			return true
		}
	}
	return false
}

// IsUniqueLocal reports whether cidr nests inside fd00::/8.
func IsUniqueLocal(cidr netip.Prefix) bool {
	return uniqueLocalSpace.Contains(cidr.Addr()) && uniqueLocalSpace.Bits() <= cidr.Bits()
}

// BroadcastAddr returns the last address of a prefix.
func BroadcastAddr(cidr netip.Prefix) netip.Addr {
	return netipx.PrefixLastIP(cidr)
}

// SortKey returns a fixed-width form of the address (32 hex digits of the
// 128-bit v4-mapped value) that sorts lexically in address order. Used as
// the ordered-index member in the store.
func SortKey(a netip.Addr) string {
	b := a.As16()
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 32)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}

// FromSortKey inverts SortKey. IPv4-mapped values come back as plain IPv4.
func FromSortKey(key string) (netip.Addr, error) {
	if len(key) != 32 {
		return netip.Addr{}, fmt.Errorf("invalid sort key: %q", key)
	}
	var b [16]byte
	for i := 0; i < 16; i++ {
		c1, c2 := key[i*2], key[i*2+1]
		if !isHex(c1) || !isHex(c2) {
			return netip.Addr{}, fmt.Errorf("invalid sort key: %q", key)
		}
		b[i] = byte(hexVal(c1)<<4 | hexVal(c2))
	}
	a := netip.AddrFrom16(b)
	if a.Is4In6() {
		a = a.Unmap()
	}
	return a, nil
}

func isHex(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}
