package types

import "time"

// ProtocolVersions is the set of bus protocol versions this dispatcher
// understands. A worker whose heartbeat advertises no overlapping version
// is marked inactive rather than torn down outright, mirroring rmake's
// WorkerInfo.setCaps: a single misconfigured worker shouldn't crash the
// dispatcher, it should just never receive work.
var ProtocolVersions = map[int]bool{1: true}

// Worker is the dispatcher's live view of one worker node: what it can
// run, how many tasks it currently holds, and whether its last heartbeat
// negotiated a usable protocol version.
type Worker struct {
	WorkerID  string        `msgpack:"worker_id"`
	Caps      CapabilitySet `msgpack:"-"`
	Slots     int           `msgpack:"slots"`
	Addresses []string      `msgpack:"addresses"`
	Protocol  int           `msgpack:"protocol"`
	Active    bool          `msgpack:"-"`
	// Expiring counts consecutive missed heartbeats; it resets to zero on
	// every heartbeat received and the worker is declared down once it
	// reaches the configured limit.
	Expiring int `msgpack:"-"`
	// TaskUUIDs lists the tasks currently assigned to this worker, used
	// to synthesize failures for all of them if the worker goes down.
	TaskUUIDs []string  `msgpack:"-"`
	LastSeen  time.Time `msgpack:"-"`
}

// SetCaps negotiates a protocol version against ProtocolVersions and
// updates caps/addresses/slots from a heartbeat. It sets Active to
// whether the negotiated protocol is usable.
func (w *Worker) SetCaps(protocolVersions []int, caps CapabilitySet, slots int, addresses []string, now time.Time) {
	w.Caps = caps
	w.Slots = slots
	w.Addresses = addresses
	w.LastSeen = now
	w.Expiring = 0

	best := 0
	for _, v := range protocolVersions {
		if ProtocolVersions[v] && v > best {
			best = v
		}
	}
	w.Protocol = best
	w.Active = best > 0
}

// Supports reports whether this worker advertises every capability in
// required.
func (w *Worker) Supports(required ...Capability) bool {
	for _, c := range required {
		if !w.Caps.Contains(c) {
			return false
		}
	}
	return true
}

// ZoneNames returns the zone capability names this worker advertises.
func (w *Worker) ZoneNames() []string {
	return w.Caps.ZoneNames()
}
