/*
Package health implements HealthMonitor: a pluggable periodic health check
scheduler with failure thresholding and recovery callbacks (spec.md §4.1).

Each registered Check owns its own background loop, ticking on Check.Interval
with ±10% jitter (a per-check math/rand source seeded at registration, so
concurrently scheduled checks don't contend on a shared generator). A probe
that exceeds Check.Timeout counts as one failure. consecutive_failures
reaching FailureThreshold flips the check UNHEALTHY; a subsequent streak of
RecoveryThreshold successes flips it back to HEALTHY and fires any
registered recovery callbacks.

The Monitor itself never panics or returns an error to a query caller: an
unregistered check id reads back as types.HealthUnknown, and a probe's own
panic or error is captured as a failure rather than propagated.

Grounded on the teacher's pkg/health (Checker/Result/Status, hysteresis in
Status.Update) generalized from Docker-style container checks to arbitrary
caller-supplied probes, and on johnjansen-torua's internal/coordinator
health_monitor.go for the periodic-loop-plus-recovery-callback shape.
*/
package health
