package camera

import "sync/atomic"

// Stats is a point-in-time snapshot of manager activity, readable without
// blocking the acquisition path.
type Stats struct {
	// Acquisitions is the number of hardware acquisition attempts started
	Acquisitions uint64
	// AcquireSuccesses is the number of attempts that produced a Handle
	AcquireSuccesses uint64
	// AcquireFailures is the number of attempts that failed
	AcquireFailures uint64
	// CoalescedJoins counts Acquire calls that attached to an in-flight attempt
	CoalescedJoins uint64
	// HandleReuses counts Acquire calls satisfied by the already-active Handle
	HandleReuses uint64
	// RateLimited counts requests queued behind the init rate limit
	RateLimited uint64
	// Teardowns is the number of Handles destroyed
	Teardowns uint64
	// Switches is the number of device switches performed
	Switches uint64
	// DeviceRefreshes is the number of device list refreshes completed
	DeviceRefreshes uint64
	// FailuresByKind maps error kind names to failure counts
	FailuresByKind map[string]uint64
	// ActiveConsumers is the current consumer set size
	ActiveConsumers int
	// State is the manager state at snapshot time
	State string
	// Permission is the cached permission state at snapshot time
	Permission string
}

// counters is the atomic backing store behind Stats.
type counters struct {
	acquisitions     atomic.Uint64
	acquireSuccesses atomic.Uint64
	acquireFailures  atomic.Uint64
	coalescedJoins   atomic.Uint64
	handleReuses     atomic.Uint64
	rateLimited      atomic.Uint64
	teardowns        atomic.Uint64
	switches         atomic.Uint64
	deviceRefreshes  atomic.Uint64
	failuresByKind   [KindConstraintNotSatisfied + 1]atomic.Uint64
}

func (c *counters) recordFailure(kind ErrorKind) {
	c.acquireFailures.Add(1)
	if kind >= 0 && int(kind) < len(c.failuresByKind) {
		c.failuresByKind[kind].Add(1)
	}
}

// snapshot copies the counters into an exported Stats value.
func (c *counters) snapshot() Stats {
	s := Stats{
		Acquisitions:     c.acquisitions.Load(),
		AcquireSuccesses: c.acquireSuccesses.Load(),
		AcquireFailures:  c.acquireFailures.Load(),
		CoalescedJoins:   c.coalescedJoins.Load(),
		HandleReuses:     c.handleReuses.Load(),
		RateLimited:      c.rateLimited.Load(),
		Teardowns:        c.teardowns.Load(),
		Switches:         c.switches.Load(),
		DeviceRefreshes:  c.deviceRefreshes.Load(),
		FailuresByKind:   make(map[string]uint64),
	}
	for kind := range c.failuresByKind {
		if n := c.failuresByKind[kind].Load(); n > 0 {
			s.FailuresByKind[ErrorKind(kind).String()] = n
		}
	}
	return s
}
