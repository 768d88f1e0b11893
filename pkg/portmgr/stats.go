package portmgr

import "time"

// Stats is a point-in-time snapshot of a Port Manager's counters,
// grounded on the per-session PortStatistics tracked by the pack's
// serial-manager implementations. It is exposed read-only through
// Snapshot for the admin API and tests; nothing in the actor consults it.
type Stats struct {
	BytesSent       uint64
	BytesReceived   uint64
	RequestsOK      uint64
	RequestsFailed  uint64
	Reconnects      uint64
	IdentifyFailures uint64
	OpenedAt        time.Time
	LastActivity    time.Time
}
