package ipam

import (
	"net/netip"
	"testing"
)

func prefixes(ss ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(ss))
	for i, s := range ss {
		out[i] = netip.MustParsePrefix(s)
	}
	return out
}

func checkCandidates(t *testing.T, got []netip.Prefix, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("candidate count = %d, want %d: %v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].String() != w {
			t.Errorf("candidate #%d = %s, want %s", i, got[i], w)
		}
	}
}

func TestPairStream(t *testing.T) {
	in := prefixes("10.0.0.0/24", "10.0.2.0/24", "10.0.5.0/24")
	i := 0
	s := NewPairStream(func() (netip.Prefix, bool) {
		if i >= len(in) {
			return netip.Prefix{}, false
		}
		p := in[i]
		i++
		return p, true
	})

	p, ok := s.Next()
	if !ok || p.Single || p.First != in[0] || p.Second != in[1] {
		t.Errorf("first window = %+v", p)
	}
	p, ok = s.Next()
	if !ok || p.Single || p.First != in[1] || p.Second != in[2] {
		t.Errorf("second window = %+v", p)
	}
	p, ok = s.Next()
	if !ok || !p.Single || p.First != in[2] {
		t.Errorf("trailing singleton = %+v", p)
	}
	if _, ok := s.Next(); ok {
		t.Error("stream did not close after the singleton")
	}
}

func TestPairStreamSingleInput(t *testing.T) {
	yielded := false
	s := NewPairStream(func() (netip.Prefix, bool) {
		if yielded {
			return netip.Prefix{}, false
		}
		yielded = true
		return netip.MustParsePrefix("10.0.0.0/24"), true
	})
	p, ok := s.Next()
	if !ok || !p.Single || p.First.String() != "10.0.0.0/24" {
		t.Errorf("singleton window = %+v", p)
	}
	if _, ok := s.Next(); ok {
		t.Error("stream did not close")
	}
}

func TestAvailableSubnetsEmptyPlan(t *testing.T) {
	got := AvailableSubnets(nil, 4, 24, 0)
	if len(got) != MaxCandidates {
		t.Fatalf("candidate count = %d, want %d", len(got), MaxCandidates)
	}
	for i, c := range got {
		want := netip.PrefixFrom(netip.AddrFrom4([4]byte{10, 0, byte(i), 0}), 24)
		if c != want {
			t.Errorf("candidate #%d = %s, want %s", i, c, want)
		}
	}
}

func TestAvailableSubnetsGapFirst(t *testing.T) {
	got := AvailableSubnets(prefixes("10.0.0.0/24", "10.0.3.0/24"), 4, 24, 4)
	checkCandidates(t, got, "10.0.1.0/24", "10.0.2.0/24", "10.0.4.0/24", "10.0.5.0/24")
}

func TestAvailableSubnetsBelowSmallest(t *testing.T) {
	got := AvailableSubnets(prefixes("10.0.2.0/24"), 4, 24, 4)
	checkCandidates(t, got, "10.0.0.0/24", "10.0.1.0/24", "10.0.3.0/24", "10.0.4.0/24")
}

func TestAvailableSubnetsCrossSpace(t *testing.T) {
	// With all of 10/8 taken, candidates continue in the next private space.
	got := AvailableSubnets(prefixes("10.0.0.0/8"), 4, 24, 2)
	checkCandidates(t, got, "172.16.0.0/24", "172.16.1.0/24")
}

func TestAvailableSubnetsUnsortedInput(t *testing.T) {
	got := AvailableSubnets(prefixes("10.0.3.0/24", "10.0.0.0/24"), 4, 24, 2)
	checkCandidates(t, got, "10.0.1.0/24", "10.0.2.0/24")
}

func TestAvailableSubnetsFamilyFilter(t *testing.T) {
	existing := prefixes("10.0.0.0/24", "fd00::/64")
	got := AvailableSubnets(existing, 6, 64, 2)
	checkCandidates(t, got, "fd00:0:0:1::/64", "fd00:0:0:2::/64")
}

func TestAvailableSubnetsBudgetClamped(t *testing.T) {
	if got := AvailableSubnets(nil, 4, 24, 100); len(got) != MaxCandidates {
		t.Errorf("candidate count = %d, want clamp at %d", len(got), MaxCandidates)
	}
	if got := AvailableSubnets(nil, 4, 24, 3); len(got) != 3 {
		t.Errorf("candidate count = %d, want 3", len(got))
	}
}
