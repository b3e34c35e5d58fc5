package types

import "testing"

func TestNodeIDString(t *testing.T) {
	if got := NodeID(7).String(); got != "node-7" {
		t.Errorf("NodeID(7).String() = %q, want node-7", got)
	}
	if got := NodeID(0).String(); got != "node-0" {
		t.Errorf("NodeID(0).String() = %q, want node-0", got)
	}
}

func TestProtocolValid(t *testing.T) {
	tests := []struct {
		proto Protocol
		want  bool
	}{
		{ProtocolManagementUDP, true},
		{ProtocolManagementDTLS, true},
		{Protocol(""), false},
		{Protocol("mgmt-tcp"), false},
		{Protocol("MGMT-UDP"), false},
	}
	for _, tt := range tests {
		if got := tt.proto.Valid(); got != tt.want {
			t.Errorf("Protocol(%q).Valid() = %v, want %v", tt.proto, got, tt.want)
		}
	}
}
