package cluster

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/coveynet/covey/pkg/types"
)

// Envelopes frame every datagram that crosses the management channel. A
// forward envelope carries a client datagram from the node that received
// it to the node that owns the session; a backward envelope carries the
// owner's reply to the node whose address the client is talking to.
//
// Layout, EnvelopeOverhead bytes before the payload:
//
//	[0]     magic    0xC7
//	[1]     version  0x01
//	[2]     kind     0x01 forward | 0x02 backward
//	[3]     addrLen  4 | 16
//	[4:6]   port     client port, big endian
//	[6:22]  addr     client ip, first addrLen bytes
//	[22:26] srcNode  wrapping node id, big endian
//	[26:34] seq      per-node monotonic counter, diagnostics only
const (
	envelopeMagic   = 0xC7
	envelopeVersion = 0x01

	// EnvelopeOverhead is the fixed framing cost added to a forwarded
	// datagram. The management buffer sizing policy grows the host's
	// socket buffers by exactly this much.
	EnvelopeOverhead = 34
)

type envelopeKind byte

const (
	envelopeForward  envelopeKind = 0x01
	envelopeBackward envelopeKind = 0x02
)

var (
	errEnvelopeShort   = errors.New("envelope too short")
	errEnvelopeMagic   = errors.New("bad envelope magic")
	errEnvelopeVersion = errors.New("unsupported envelope version")
	errEnvelopeKind    = errors.New("unknown envelope kind")
	errEnvelopeAddress = errors.New("bad envelope address")
)

type envelope struct {
	kind    envelopeKind
	client  *net.UDPAddr
	srcNode types.NodeID
	seq     uint64
	payload []byte
}

func (e *envelope) marshal() ([]byte, error) {
	ip := e.client.IP
	var addrLen byte
	if v4 := ip.To4(); v4 != nil {
		ip = v4
		addrLen = 4
	} else if v6 := ip.To16(); v6 != nil {
		ip = v6
		addrLen = 16
	} else {
		return nil, errEnvelopeAddress
	}

	b := make([]byte, EnvelopeOverhead+len(e.payload))
	b[0] = envelopeMagic
	b[1] = envelopeVersion
	b[2] = byte(e.kind)
	b[3] = addrLen
	binary.BigEndian.PutUint16(b[4:6], uint16(e.client.Port))
	copy(b[6:6+addrLen], ip)
	binary.BigEndian.PutUint32(b[22:26], uint32(e.srcNode))
	binary.BigEndian.PutUint64(b[26:34], e.seq)
	copy(b[EnvelopeOverhead:], e.payload)
	return b, nil
}

// parseEnvelope decodes a management message. The payload aliases b, which
// the caller must not reuse.
func parseEnvelope(b []byte) (*envelope, error) {
	if len(b) < EnvelopeOverhead {
		return nil, errEnvelopeShort
	}
	if b[0] != envelopeMagic {
		return nil, errEnvelopeMagic
	}
	if b[1] != envelopeVersion {
		return nil, errEnvelopeVersion
	}
	kind := envelopeKind(b[2])
	if kind != envelopeForward && kind != envelopeBackward {
		return nil, errEnvelopeKind
	}
	addrLen := int(b[3])
	if addrLen != 4 && addrLen != 16 {
		return nil, errEnvelopeAddress
	}

	ip := make(net.IP, addrLen)
	copy(ip, b[6:6+addrLen])
	return &envelope{
		kind: kind,
		client: &net.UDPAddr{
			IP:   ip,
			Port: int(binary.BigEndian.Uint16(b[4:6])),
		},
		srcNode: types.NodeID(binary.BigEndian.Uint32(b[22:26])),
		seq:     binary.BigEndian.Uint64(b[26:34]),
		payload: b[EnvelopeOverhead:],
	}, nil
}
