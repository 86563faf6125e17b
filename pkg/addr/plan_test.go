package addr

import (
	"net/netip"
	"testing"
)

func TestPlanPrev(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{name: "inside 10/8", in: "10.0.0.1", want: "10.0.0.0", ok: true},
		{name: "bottom of plan", in: "10.0.0.0", ok: false},
		{name: "172 stitches to 10", in: "172.16.0.0", want: "10.255.255.255", ok: true},
		{name: "192 stitches to 172", in: "192.168.0.0", want: "172.31.255.255", ok: true},
		{name: "public space", in: "8.8.8.8", ok: false},
		{name: "ula", in: "fd00::1", want: "fd00::", ok: true},
		{name: "bottom of ula", in: "fd00::", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := PlanPrev(netip.MustParseAddr(tt.in))
			if ok != tt.ok {
				t.Fatalf("PlanPrev(%s) ok = %v, want %v", tt.in, ok, tt.ok)
			}
			if ok && got.String() != tt.want {
				t.Errorf("PlanPrev(%s) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestPlanNext(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{name: "inside 10/8", in: "10.0.0.0", want: "10.0.0.1", ok: true},
		{name: "10 stitches to 172", in: "10.255.255.255", want: "172.16.0.0", ok: true},
		{name: "172 stitches to 192", in: "172.31.255.255", want: "192.168.0.0", ok: true},
		{name: "top of plan", in: "192.168.255.255", ok: false},
		{name: "public space", in: "8.8.8.8", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := PlanNext(netip.MustParseAddr(tt.in))
			if ok != tt.ok {
				t.Fatalf("PlanNext(%s) ok = %v, want %v", tt.in, ok, tt.ok)
			}
			if ok && got.String() != tt.want {
				t.Errorf("PlanNext(%s) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestPlanNextSubnet(t *testing.T) {
	tests := []struct {
		name string
		in   string
		bits int
		want string
		ok   bool
	}{
		{name: "adjacent /24", in: "10.0.0.0/24", bits: 24, want: "10.0.1.0/24", ok: true},
		{name: "across space boundary", in: "10.255.255.0/24", bits: 24, want: "172.16.0.0/24", ok: true},
		{name: "top of plan", in: "192.168.255.0/24", bits: 24, ok: false},
		{name: "wider request after narrow", in: "10.0.0.0/28", bits: 24, want: "10.0.1.0/24", ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := PlanNextSubnet(netip.MustParsePrefix(tt.in), tt.bits)
			if ok != tt.ok {
				t.Fatalf("PlanNextSubnet(%s, %d) ok = %v, want %v", tt.in, tt.bits, ok, tt.ok)
			}
			if ok && got.String() != tt.want {
				t.Errorf("PlanNextSubnet(%s, %d) = %s, want %s", tt.in, tt.bits, got, tt.want)
			}
		})
	}
}

func TestPlanFirstSubnet(t *testing.T) {
	if got := PlanFirstSubnet(4, 24); got.String() != "10.0.0.0/24" {
		t.Errorf("PlanFirstSubnet(4, 24) = %s", got)
	}
	if got := PlanFirstSubnet(6, 64); got.String() != "fd00::/64" {
		t.Errorf("PlanFirstSubnet(6, 64) = %s", got)
	}
}
