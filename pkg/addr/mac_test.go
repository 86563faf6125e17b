package addr

import "testing"

func TestParseMAC(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    MAC
		wantErr bool
	}{
		{name: "colons", in: "90:b8:d0:17:37:17", want: 0x90b8d0173717},
		{name: "dashes", in: "90-b8-d0-17-37-17", want: 0x90b8d0173717},
		{name: "bare hex", in: "90b8d0173717", want: 0x90b8d0173717},
		{name: "uppercase", in: "90:B8:D0:17:37:17", want: 0x90b8d0173717},
		{name: "zero", in: "00:00:00:00:00:00", want: 0},
		{name: "broadcast", in: "ff:ff:ff:ff:ff:ff", want: macMax},
		{name: "mixed separators", in: "90:b8-d0:17:37:17", wantErr: true},
		{name: "too short", in: "90:b8:d0:17:37", wantErr: true},
		{name: "too long", in: "90:b8:d0:17:37:17:17", wantErr: true},
		{name: "dots", in: "90b8.d017.3717", wantErr: true},
		{name: "non-hex", in: "90:b8:d0:17:37:zz", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMAC(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMAC(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseMAC(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestMACString(t *testing.T) {
	m := MAC(0x90b8d0173717)
	if m.String() != "90:b8:d0:17:37:17" {
		t.Errorf("String() = %s", m.String())
	}
	// Leading zeros preserved
	if MAC(0x1).String() != "00:00:00:00:00:01" {
		t.Errorf("String() = %s", MAC(0x1).String())
	}
}

func TestMACRoundTrip(t *testing.T) {
	for _, m := range []MAC{0, 1, 0x90b8d0173717, macMax} {
		back, err := ParseMAC(m.String())
		if err != nil || back != m {
			t.Errorf("round trip of %s: got %d, %v", m, back, err)
		}
	}
}

func TestMACFromUint64(t *testing.T) {
	if _, err := MACFromUint64(1 << 48); err == nil {
		t.Error("49-bit value accepted")
	}
	m, err := MACFromUint64(0x90b8d0173717)
	if err != nil || m != 0x90b8d0173717 {
		t.Errorf("MACFromUint64 = %d, %v", m, err)
	}
}

func TestMACFromOUI(t *testing.T) {
	oui, err := ParseOUI("90:b8:d0")
	if err != nil {
		t.Fatalf("ParseOUI: %v", err)
	}
	m := MACFromOUI(oui, 0x173717)
	if m != 0x90b8d0173717 {
		t.Errorf("MACFromOUI = %s", m)
	}
	if m.OUI() != oui {
		t.Errorf("OUI() = %06x, want %06x", m.OUI(), oui)
	}
	// Host part above 24 bits is masked off
	if MACFromOUI(oui, 0xff173717) != m {
		t.Error("host part not masked to 24 bits")
	}
}

func TestParseOUI(t *testing.T) {
	for _, bad := range []string{"", "90b8", "90b8d0aa", "zzzzzz"} {
		if _, err := ParseOUI(bad); err == nil {
			t.Errorf("ParseOUI(%q) accepted", bad)
		}
	}
}
