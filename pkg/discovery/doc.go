/*
Package discovery maintains the cluster peer table from gossip
membership.

Each node advertises a small JSON metadata document through memberlist:
its node ID, its management address, and its management protocol. Join
and update events upsert peers into the registry; leave events remove
them. Members that advertise a different management protocol are logged
and ignored, since a mixed cluster cannot exchange management traffic.

Discovery and a static peer list are alternatives: configure one or the
other, not both.

# Usage

	nodes := cluster.NewStaticNodes()

	disco, err := discovery.New(discovery.Config{
		BindAddr: ":7946",
		Join:     []string{"10.0.0.1:7946"},
		Local: types.Peer{
			ID:       1,
			Addr:     mgmtAddr,
			Protocol: types.ProtocolManagementDTLS,
		},
	}, nodes)
	if err != nil {
		log.Fatal(err)
	}
	defer disco.Stop()

# Integration Points

This package integrates with:

  - pkg/cluster: StaticNodes is the registry gossip events mutate
  - hashicorp/memberlist: SWIM-based membership and failure detection
*/
package discovery
