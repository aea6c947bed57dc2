// Package orchestrator implements StartupOrchestrator (spec.md §4.6): the
// fixed bring-up order for a node joining or forming a cluster, and its
// mirror-image shutdown sequence. It is the component that owns every other
// ha/* manager and is, in turn, the StatusSource that pkg/ha/statusapi
// serves over HTTP.
package orchestrator
