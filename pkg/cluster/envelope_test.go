package cluster

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  envelope
	}{
		{
			"forward ipv4",
			envelope{
				kind:    envelopeForward,
				client:  &net.UDPAddr{IP: net.IPv4(203, 0, 113, 7), Port: 48213},
				srcNode: 3,
				seq:     1,
				payload: []byte("wrapped datagram"),
			},
		},
		{
			"backward ipv4",
			envelope{
				kind:    envelopeBackward,
				client:  &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1},
				srcNode: 0xFFFFFFFF,
				seq:     1 << 40,
				payload: []byte{0x17},
			},
		},
		{
			"forward ipv6",
			envelope{
				kind:    envelopeForward,
				client:  &net.UDPAddr{IP: net.ParseIP("2001:db8::42"), Port: 5684},
				srcNode: 12,
				seq:     7,
				payload: bytes.Repeat([]byte{0xAB}, 512),
			},
		},
		{
			"empty payload",
			envelope{
				kind:    envelopeBackward,
				client:  &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 65535},
				srcNode: 1,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.env.marshal()
			if err != nil {
				t.Fatalf("marshal() error = %v", err)
			}
			if len(b) != EnvelopeOverhead+len(tt.env.payload) {
				t.Errorf("marshal() length = %d, want %d",
					len(b), EnvelopeOverhead+len(tt.env.payload))
			}

			got, err := parseEnvelope(b)
			if err != nil {
				t.Fatalf("parseEnvelope() error = %v", err)
			}
			if got.kind != tt.env.kind {
				t.Errorf("kind = %#x, want %#x", got.kind, tt.env.kind)
			}
			if !got.client.IP.Equal(tt.env.client.IP) {
				t.Errorf("client ip = %v, want %v", got.client.IP, tt.env.client.IP)
			}
			if got.client.Port != tt.env.client.Port {
				t.Errorf("client port = %d, want %d", got.client.Port, tt.env.client.Port)
			}
			if got.srcNode != tt.env.srcNode {
				t.Errorf("srcNode = %d, want %d", got.srcNode, tt.env.srcNode)
			}
			if got.seq != tt.env.seq {
				t.Errorf("seq = %d, want %d", got.seq, tt.env.seq)
			}
			if !bytes.Equal(got.payload, tt.env.payload) {
				t.Errorf("payload = %q, want %q", got.payload, tt.env.payload)
			}
		})
	}
}

func TestParseEnvelopeErrors(t *testing.T) {
	valid, err := (&envelope{
		kind:    envelopeForward,
		client:  &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5684},
		srcNode: 1,
		payload: []byte("p"),
	}).marshal()
	if err != nil {
		t.Fatalf("marshal() error = %v", err)
	}

	mutate := func(idx int, val byte) []byte {
		b := append([]byte{}, valid...)
		b[idx] = val
		return b
	}

	tests := []struct {
		name string
		b    []byte
		want error
	}{
		{"short", valid[:EnvelopeOverhead-1], errEnvelopeShort},
		{"empty", nil, errEnvelopeShort},
		{"bad magic", mutate(0, 0x00), errEnvelopeMagic},
		{"bad version", mutate(1, 0x02), errEnvelopeVersion},
		{"unknown kind", mutate(2, 0x03), errEnvelopeKind},
		{"zero kind", mutate(2, 0x00), errEnvelopeKind},
		{"bad addr length", mutate(3, 5), errEnvelopeAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseEnvelope(tt.b); !errors.Is(err, tt.want) {
				t.Errorf("parseEnvelope() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMarshalRejectsBadAddress(t *testing.T) {
	env := envelope{
		kind:   envelopeForward,
		client: &net.UDPAddr{IP: net.IP{1, 2, 3}, Port: 1}, // 3 bytes is no IP
	}
	if _, err := env.marshal(); !errors.Is(err, errEnvelopeAddress) {
		t.Errorf("marshal() error = %v, want %v", err, errEnvelopeAddress)
	}
}
