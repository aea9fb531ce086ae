package bfd

// StateCallback is a function invoked when a BFD session changes state.
//
// External systems (e.g. routing protocol integration) register callbacks
// to react to BFD session events such as Up->Down transitions that should
// trigger route withdrawal. Callbacks are invoked synchronously by the
// consumer goroutine; long-running operations should be dispatched
// asynchronously to avoid blocking the notification pipeline.
//
// Usage with Manager.StateChanges():
//
//	go func() {
//	    for change := range mgr.StateChanges() {
//	        for _, cb := range callbacks {
//	            cb(change)
//	        }
//	    }
//	}()
//
// For BFD flap dampening (RFC 5882 Section 3.2), the callback consumer
// should implement exponential backoff before propagating rapid
// Down->Up->Down oscillations to routing protocols. Dampening is the
// consumer's responsibility, not this package's.
type StateCallback func(change StateChange)

// ConfigOp identifies the kind of lifecycle change reported alongside a
// SessionSnapshot.
type ConfigOp uint8

const (
	// ConfigOpAdd reports that a session was created.
	ConfigOpAdd ConfigOp = iota

	// ConfigOpUpdate reports that an existing session's configuration changed.
	ConfigOpUpdate

	// ConfigOpDelete reports that a session was removed.
	ConfigOpDelete
)

// String returns the human-readable name of the config operation.
func (o ConfigOp) String() string {
	switch o {
	case ConfigOpAdd:
		return "add"
	case ConfigOpUpdate:
		return "update"
	case ConfigOpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ConfigChange is delivered on Manager.ConfigChanges() whenever a session
// is added, updated, or deleted through the configuration collaborator.
type ConfigChange struct {
	Op   ConfigOp
	Snap SessionSnapshot
}

// SLAReport carries the rolled-up SLA sample computed by a Session with
// SLA tracking enabled. LatencyMS and JitterMS are in milliseconds;
// LossPercent is 0-100 and is only meaningful once a full loss-sampling
// window of packets has been observed (HasLoss is false until then).
type SLAReport struct {
	LatencyMS   float64
	JitterMS    float64
	LossPercent float64
	HasLoss     bool
}

// SLAChange is delivered on Manager.SLAReports() every time a tracked
// session completes a reporting interval.
type SLAChange struct {
	Snap   SessionSnapshot
	Report SLAReport
}

// SLACallback is invoked synchronously from the owning session's goroutine
// every time its SLA accumulator closes a reporting window. Manager wires
// this to forward the sample onto SLAReports() without blocking the
// session loop on a full channel.
type SLACallback func(snap SessionSnapshot, report SLAReport)
