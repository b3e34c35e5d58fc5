package cluster

// ManagementBufferSize derives a management channel socket buffer size
// from the host connector's configured size. An unset host size (zero or
// negative) stays unset so the OS default applies; a set size grows by
// the framing overhead exactly once, so a datagram that filled the host's
// buffer still fits after wrapping.
func ManagementBufferSize(hostSize, overhead int) int {
	if hostSize <= 0 {
		return 0
	}
	return hostSize + overhead
}
