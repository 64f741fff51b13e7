package call

import "time"

// Config carries every negotiation timing knob. Zero values are replaced by
// defaults so tests can override only what they exercise.
type Config struct {
	// NegotiationDebounce coalesces renegotiation triggers into one cycle.
	NegotiationDebounce time.Duration
	// PresenceDebounce coalesces local media-flag changes into one presence
	// update.
	PresenceDebounce time.Duration
	// CandidateFlushDelay spaces queued remote candidates during a flush.
	CandidateFlushDelay time.Duration

	// RestartMinSpacing is the minimum gap between connectivity restarts.
	RestartMinSpacing time.Duration
	// ConnectedCooldown suppresses restarts right after a successful
	// connection, so a flap does not trigger a restart storm.
	ConnectedCooldown time.Duration
	// HealthInterval is the cadence of the statistics health check while
	// connected.
	HealthInterval time.Duration
	// HealthStrikes is how many consecutive checks may miss an active
	// candidate pair before a restart is requested.
	HealthStrikes int

	// ReconnectBase and ReconnectCap bound the full-reconnect backoff:
	// delay = base × min(1.5^attempt, cap/base), capped at cap.
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	// FailedReconnectDelay is the short fuse armed when the transport
	// reports failed outright.
	FailedReconnectDelay time.Duration
	// DisconnectedGrace is the fallback full-reconnect timer armed on
	// disconnected; canceled if connectivity recovers first.
	DisconnectedGrace time.Duration
	// MaxReconnectAttempts bounds reconnects before the terminal error.
	MaxReconnectAttempts int
	// DeleteDocAfterFailures is the attempt count after which the session
	// document itself is deleted and recreated, forcing a clean
	// renegotiation.
	DeleteDocAfterFailures int
	// RelayOnlyAfterErrors and FallbackTURNAfterErrors gate policy
	// escalation on the rolling consecutive-error count.
	RelayOnlyAfterErrors    int
	FallbackTURNAfterErrors int

	// AnswerAttempts bounds guarded answer publication retries before the
	// answerer promotes itself.
	AnswerAttempts int

	// OversizedDocBytes triggers the pre-join purge of a session document
	// whose stored descriptions grew past the threshold.
	OversizedDocBytes int

	// DiagCapacity bounds the in-memory diagnostic log.
	DiagCapacity int
}

func (c Config) withDefaults() Config {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	defi := func(n *int, v int) {
		if *n <= 0 {
			*n = v
		}
	}
	def(&c.NegotiationDebounce, 250*time.Millisecond)
	def(&c.PresenceDebounce, 300*time.Millisecond)
	def(&c.CandidateFlushDelay, 20*time.Millisecond)
	def(&c.RestartMinSpacing, 5*time.Second)
	def(&c.ConnectedCooldown, 3*time.Second)
	def(&c.HealthInterval, 3*time.Second)
	defi(&c.HealthStrikes, 2)
	def(&c.ReconnectBase, time.Second)
	def(&c.ReconnectCap, 30*time.Second)
	def(&c.FailedReconnectDelay, 500*time.Millisecond)
	def(&c.DisconnectedGrace, 10*time.Second)
	defi(&c.MaxReconnectAttempts, 8)
	defi(&c.DeleteDocAfterFailures, 3)
	defi(&c.RelayOnlyAfterErrors, 2)
	defi(&c.FallbackTURNAfterErrors, 3)
	defi(&c.AnswerAttempts, 3)
	defi(&c.OversizedDocBytes, 256<<10)
	defi(&c.DiagCapacity, 128)
	return c
}
