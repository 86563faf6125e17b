package addr

import "net/netip"

// The auto-allocation plan treats the three RFC 1918 spaces as one
// contiguous run: stepping off the top of one space lands at the bottom of
// the next, and stepping below the bottom lands at the top of the previous.
// IPv6 auto-allocation stays inside fd00::/8, which needs no stitching.

var (
	planBottom10  = netip.MustParsePrefix("10.0.0.0/8")
	planBottom172 = netip.MustParsePrefix("172.16.0.0/12")
	planBottom192 = netip.MustParsePrefix("192.168.0.0/16")
)

// PlanPrev returns the address immediately before a within the private
// address plan. ok is false below 10.0.0.0 or outside the plan.
func PlanPrev(a netip.Addr) (netip.Addr, bool) {
	if a.Is6() {
		if !uniqueLocalSpace.Contains(a) {
			return netip.Addr{}, false
		}
		p := a.Prev()
		if !p.IsValid() || !uniqueLocalSpace.Contains(p) {
			return netip.Addr{}, false
		}
		return p, true
	}
	switch a {
	case planBottom10.Addr():
		return netip.Addr{}, false
	case planBottom172.Addr():
		return netip.MustParseAddr("10.255.255.255"), true
	case planBottom192.Addr():
		return netip.MustParseAddr("172.31.255.255"), true
	}
	if !IsRFC1918(netip.PrefixFrom(a, 32)) {
		return netip.Addr{}, false
	}
	return a.Prev(), true
}

// PlanNext returns the address immediately after a within the private
// address plan. ok is false past 192.168.255.255 or outside the plan.
func PlanNext(a netip.Addr) (netip.Addr, bool) {
	if a.Is6() {
		if !uniqueLocalSpace.Contains(a) {
			return netip.Addr{}, false
		}
		n := a.Next()
		if !n.IsValid() || !uniqueLocalSpace.Contains(n) {
			return netip.Addr{}, false
		}
		return n, true
	}
	switch a {
	case BroadcastAddr(planBottom10):
		return planBottom172.Addr(), true
	case BroadcastAddr(planBottom172):
		return planBottom192.Addr(), true
	case BroadcastAddr(planBottom192):
		return netip.Addr{}, false
	}
	if !IsRFC1918(netip.PrefixFrom(a, 32)) {
		return netip.Addr{}, false
	}
	return a.Next(), true
}

// PlanNextSubnet returns the subnet of length bits that starts immediately
// after cidr in the plan. ok is false when the next start falls outside
// the plan.
func PlanNextSubnet(cidr netip.Prefix, bits int) (netip.Prefix, bool) {
	last := BroadcastAddr(cidr)
	start, ok := PlanNext(last)
	if !ok {
		return netip.Prefix{}, false
	}
	p := netip.PrefixFrom(start, bits)
	if p.Addr() != p.Masked().Addr() {
		// Not aligned; round up to the next boundary of this size.
		next, ok := PlanNext(BroadcastAddr(p.Masked()))
		if !ok {
			return netip.Prefix{}, false
		}
		p = netip.PrefixFrom(next, bits)
		if p.Addr() != p.Masked().Addr() {
			return netip.Prefix{}, false
		}
	}
	if !planContainsSubnet(p) {
		return netip.Prefix{}, false
	}
	return p, true
}

// PlanFirstSubnet returns the first subnet of length bits in the plan for
// the given family (4 or 6).
func PlanFirstSubnet(family, bits int) netip.Prefix {
	if family == 6 {
		return netip.PrefixFrom(uniqueLocalSpace.Addr(), bits)
	}
	return netip.PrefixFrom(planBottom10.Addr(), bits)
}

func planContainsSubnet(p netip.Prefix) bool {
	if p.Addr().Is6() {
		return IsUniqueLocal(p)
	}
	return IsRFC1918(p)
}
