package locator

import "testing"

func TestHostsInSubnet(t *testing.T) {
	t.Parallel()
	tests := []struct {
		cidr      string
		wantCount int
	}{
		{"10.0.0.0/30", 2},  // .1 and .2 usable, .0 network, .3 broadcast
		{"10.0.0.0/29", 6},
		{"10.0.0.5/32", 1},
	}
	for _, tt := range tests {
		t.Run(tt.cidr, func(t *testing.T) {
			ips, err := hostsInSubnet(tt.cidr)
			if err != nil {
				t.Fatalf("hostsInSubnet(%q): %v", tt.cidr, err)
			}
			if len(ips) != tt.wantCount {
				t.Fatalf("hostsInSubnet(%q) = %v (%d ips), want %d", tt.cidr, ips, len(ips), tt.wantCount)
			}
		})
	}
}

func TestHostsInSubnetBadCIDR(t *testing.T) {
	t.Parallel()
	if _, err := hostsInSubnet("not-a-cidr"); err == nil {
		t.Fatal("expected error for malformed CIDR")
	}
}

func TestDecodeEntry(t *testing.T) {
	t.Parallel()
	e, ok := decodeEntry(map[string]interface{}{"name": "node-a", "address": "10.0.0.1:9000", "role": "DATA"})
	if !ok {
		t.Fatal("expected decode success")
	}
	if e.Name != "node-a" || e.Role != "DATA" {
		t.Fatalf("unexpected entry: %+v", e)
	}

	if _, ok := decodeEntry(map[string]interface{}{"role": "DATA"}); ok {
		t.Fatal("expected decode failure without name/address")
	}
	if _, ok := decodeEntry("not a map"); ok {
		t.Fatal("expected decode failure for non-map input")
	}
}
