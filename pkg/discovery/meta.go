package discovery

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/coveynet/covey/pkg/types"
)

// nodeMeta is the JSON document gossiped as member metadata. It must
// stay well under memberlist's 512-byte metadata limit.
type nodeMeta struct {
	ID       uint32 `json:"id"`
	MgmtAddr string `json:"mgmt"`
	Protocol string `json:"proto"`
}

func encodeMeta(p types.Peer) ([]byte, error) {
	if p.Addr == nil {
		return nil, fmt.Errorf("peer has no management address")
	}
	if !p.Protocol.Valid() {
		return nil, fmt.Errorf("peer has invalid protocol %q", p.Protocol)
	}
	return json.Marshal(nodeMeta{
		ID:       uint32(p.ID),
		MgmtAddr: p.Addr.String(),
		Protocol: string(p.Protocol),
	})
}

func decodeMeta(b []byte) (types.Peer, error) {
	if len(b) == 0 {
		return types.Peer{}, fmt.Errorf("empty metadata")
	}
	var m nodeMeta
	if err := json.Unmarshal(b, &m); err != nil {
		return types.Peer{}, fmt.Errorf("failed to decode metadata: %w", err)
	}
	addr, err := net.ResolveUDPAddr("udp", m.MgmtAddr)
	if err != nil {
		return types.Peer{}, fmt.Errorf("failed to resolve management address %q: %w", m.MgmtAddr, err)
	}
	proto := types.Protocol(m.Protocol)
	if !proto.Valid() {
		return types.Peer{}, fmt.Errorf("invalid protocol %q", m.Protocol)
	}
	return types.Peer{
		ID:       types.NodeID(m.ID),
		Addr:     addr,
		Protocol: proto,
	}, nil
}
