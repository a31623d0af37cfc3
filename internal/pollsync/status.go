package pollsync

// Status is the connection health derived from a scheduler's consecutive
// failure count. UI badges consume it directly.
type Status string

const (
	StatusConnected Status = "connected"
	StatusDegraded  Status = "degraded"
	StatusOffline   Status = "offline"
)

// ProjectStatus maps a consecutive-failure count to a Status. The mapping is
// monotonic in failures and carries no hysteresis: callers see every
// transition, even when the status flips back and forth across a threshold.
func ProjectStatus(consecutiveFailures int) Status {
	switch {
	case consecutiveFailures <= 0:
		return StatusConnected
	case consecutiveFailures <= 2:
		return StatusDegraded
	default:
		return StatusOffline
	}
}
