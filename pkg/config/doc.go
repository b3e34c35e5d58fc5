/*
Package config loads and validates the coveyd YAML configuration.

A minimal document:

	node:
	  id: 1
	listen:
	  client: ":5684"
	  management: ":5694"
	security:
	  psk_identity: "sensor-fleet"
	  psk_key: "6f1ed002ab5595859014ebf0951522d9..."

The security section is mandatory; the client endpoint is always
secured. The cluster section selects the management channel: identity
and key together give the secured channel, both absent gives plain UDP,
and exactly one of the two fails validation. Keys are hex-encoded, at
least 16 bytes; `coveyd keygen` produces 32-byte ones.

Peers come either from a static cluster.peers list or from gossip
discovery, never both.
*/
package config
