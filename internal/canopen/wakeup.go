package canopen

// WakeupSource is implemented by collaborators that need to act once per
// event-loop iteration on their own schedule (heartbeat production, SYNC/
// TIME production, heartbeat-consumer timeout checks). The orchestrator's
// registerWakeups helper holds a slice of these and calls Tick on every
// iteration instead of hand-wiring each producer's timing, mirroring
// CO_epoll_initCANopenMain's bulk wake-up registration.
type WakeupSource interface {
	// Tick is called once per event-loop iteration with the current
	// monotonic microsecond timestamp. Implementations decide internally
	// whether their own period has elapsed.
	Tick(nowUS int64)
}
