// Package statusapi exposes the read-only JSON status surface named in
// spec.md §6: get_phase_status, is_leader, leader_info. It is deliberately
// the only HTTP concern the core owns; everything else (the dashboard
// itself) is out of scope. Routed with github.com/go-chi/chi/v5, the style
// of router used by one of the other repos retrieved alongside the
// teacher.
package statusapi
