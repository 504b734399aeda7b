// Package registry holds the shared backend host list, its health flags and
// the round-robin cursor. It is the single source of truth read by the
// dispatcher and written by both the dispatcher and the health monitor.
package registry
