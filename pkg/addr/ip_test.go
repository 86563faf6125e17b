package addr

import (
	"errors"
	"net/netip"
	"testing"
)

func TestParseIP(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "v4", in: "10.0.2.5", want: "10.0.2.5"},
		{name: "v6", in: "fd00::1", want: "fd00::1"},
		{name: "v6 uppercase normalizes", in: "FD00::A", want: "fd00::a"},
		{name: "empty", in: "", wantErr: true},
		{name: "hostname", in: "example.com", wantErr: true},
		{name: "zone rejected", in: "fe80::1%eth0", wantErr: true},
		{name: "cidr rejected", in: "10.0.0.0/24", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIP(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseIP(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got.String() != tt.want {
				t.Errorf("ParseIP(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseIPRoundTrip(t *testing.T) {
	for _, s := range []string{"0.0.0.0", "10.0.2.5", "255.255.255.255", "fd00::", "::1", "fe80::1234"} {
		a, err := ParseIP(s)
		if err != nil {
			t.Fatalf("ParseIP(%q): %v", s, err)
		}
		back, err := ParseIP(a.String())
		if err != nil || back != a {
			t.Errorf("round trip of %q: got %v, %v", s, back, err)
		}
	}
}

func TestParseCIDR(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "network address", in: "10.0.2.0/24"},
		{name: "host bits set", in: "10.0.2.1/24", wantErr: true},
		{name: "v6", in: "fd00:1::/64"},
		{name: "no prefix", in: "10.0.2.0", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCIDR(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseCIDR(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestOffset(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		n       int64
		want    string
		wantErr error
	}{
		{name: "v4 plus", in: "10.0.2.5", n: 3, want: "10.0.2.8"},
		{name: "v4 minus", in: "10.0.2.5", n: -5, want: "10.0.2.0"},
		{name: "v4 octet carry", in: "10.0.2.255", n: 1, want: "10.0.3.0"},
		{name: "v4 overflow", in: "255.255.255.255", n: 1, wantErr: ErrOverflow},
		{name: "v4 underflow", in: "0.0.0.0", n: -1, wantErr: ErrUnderflow},
		{name: "v6 plus", in: "fd00::ffff", n: 1, want: "fd00::1:0"},
		{name: "v6 low-word carry", in: "fd00::ffff:ffff:ffff:ffff", n: 1, want: "fd00:0:0:1::"},
		{name: "v6 underflow", in: "::", n: -1, wantErr: ErrUnderflow},
		{name: "v6 overflow", in: "ffff:ffff:ffff:ffff:ffff:ffff:ffff:ffff", n: 1, wantErr: ErrOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := netip.MustParseAddr(tt.in)
			got, err := Offset(a, tt.n)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Offset(%s, %d) error = %v, want %v", tt.in, tt.n, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Offset(%s, %d): %v", tt.in, tt.n, err)
			}
			if got.String() != tt.want {
				t.Errorf("Offset(%s, %d) = %s, want %s", tt.in, tt.n, got, tt.want)
			}
		})
	}
}

func TestOffsetBounds(t *testing.T) {
	a := netip.MustParseAddr("fd00::")
	if _, err := Offset(a, MaxOffset+1); err == nil {
		t.Error("offset beyond 2^32-1 accepted")
	}
	if _, err := Offset(a, -(MaxOffset + 1)); err == nil {
		t.Error("offset below -(2^32-1) accepted")
	}
}

func TestCompareCrossFamily(t *testing.T) {
	v4 := netip.MustParseAddr("10.0.0.1")
	mapped := netip.MustParseAddr("::ffff:10.0.0.1")
	v6 := netip.MustParseAddr("fd00::1")

	if Compare(v4, mapped) != 0 {
		t.Error("v4 address should equal its v4-mapped form")
	}
	if Compare(v4, v6) >= 0 {
		t.Error("v4-mapped space should sort below fd00::/8")
	}
	if Compare(v6, v4) <= 0 {
		t.Error("comparison should be antisymmetric")
	}
}

func TestNetmaskConversion(t *testing.T) {
	tests := []struct {
		bits int
		mask string
	}{
		{0, "0.0.0.0"},
		{8, "255.0.0.0"},
		{24, "255.255.255.0"},
		{25, "255.255.255.128"},
		{32, "255.255.255.255"},
	}
	for _, tt := range tests {
		m, err := BitsToNetmask(tt.bits)
		if err != nil {
			t.Fatalf("BitsToNetmask(%d): %v", tt.bits, err)
		}
		if m.String() != tt.mask {
			t.Errorf("BitsToNetmask(%d) = %s, want %s", tt.bits, m, tt.mask)
		}
		back, err := NetmaskToBits(m)
		if err != nil || back != tt.bits {
			t.Errorf("NetmaskToBits(%s) = %d, %v, want %d", tt.mask, back, err, tt.bits)
		}
	}

	if _, err := NetmaskToBits(netip.MustParseAddr("255.0.255.0")); err == nil {
		t.Error("non-contiguous netmask accepted")
	}
	if _, err := BitsToNetmask(33); err == nil {
		t.Error("prefix length 33 accepted")
	}
}

func TestIsRFC1918(t *testing.T) {
	tests := []struct {
		cidr string
		want bool
	}{
		{"10.0.0.0/8", true},
		{"10.0.2.0/24", true},
		{"172.16.0.0/12", true},
		{"172.20.1.0/24", true},
		{"192.168.0.0/16", true},
		{"192.168.5.0/24", true},
		// A shorter prefix than the space itself does not nest.
		{"10.0.0.0/7", false},
		{"172.16.0.0/11", false},
		{"8.0.0.0/8", false},
		{"192.169.0.0/16", false},
	}
	for _, tt := range tests {
		if got := IsRFC1918(netip.MustParsePrefix(tt.cidr)); got != tt.want {
			t.Errorf("IsRFC1918(%s) = %v, want %v", tt.cidr, got, tt.want)
		}
	}
}

func TestIsUniqueLocal(t *testing.T) {
	tests := []struct {
		cidr string
		want bool
	}{
		{"fd00::/8", true},
		{"fd12:3456::/64", true},
		{"fc00::/8", false},
		{"fd00::/7", false},
		{"2001:db8::/32", false},
	}
	for _, tt := range tests {
		if got := IsUniqueLocal(netip.MustParsePrefix(tt.cidr)); got != tt.want {
			t.Errorf("IsUniqueLocal(%s) = %v, want %v", tt.cidr, got, tt.want)
		}
	}
}

func TestBroadcastAddr(t *testing.T) {
	tests := []struct {
		cidr string
		want string
	}{
		{"10.0.2.0/24", "10.0.2.255"},
		{"192.168.0.0/16", "192.168.255.255"},
		{"10.0.0.4/30", "10.0.0.7"},
	}
	for _, tt := range tests {
		if got := BroadcastAddr(netip.MustParsePrefix(tt.cidr)); got.String() != tt.want {
			t.Errorf("BroadcastAddr(%s) = %s, want %s", tt.cidr, got, tt.want)
		}
	}
}

func TestSortKeyOrder(t *testing.T) {
	addrs := []string{"9.255.255.255", "10.0.0.0", "10.0.2.5", "10.0.2.6", "172.16.0.0", "fd00::1"}
	prev := ""
	for _, s := range addrs {
		k := SortKey(netip.MustParseAddr(s))
		if len(k) != 32 {
			t.Fatalf("SortKey(%s) length = %d", s, len(k))
		}
		if prev != "" && !(prev < k) {
			t.Errorf("SortKey order broken at %s", s)
		}
		prev = k
	}
}
