// Package corepin stands in for original_source's bind_to_cpu_core, which
// pins a worker thread to a specific CPU core via the core_affinity crate
// (src/utils.rs). Go has no portable equivalent of that syscall wrapped in
// a stable cross-platform crate, so the capability is expressed as an
// interface a platform-specific build can satisfy; the default
// implementation is a no-op, matching spec.md's framing of CPU pinning as
// an external collaborator rather than required behavior.
package corepin

// Pinner binds the calling goroutine's underlying OS thread to a specific
// core. Callers that want real pinning must also call
// runtime.LockOSThread before Pin, since Go only lets you pin the OS
// thread currently bound to the calling goroutine.
type Pinner interface {
	Pin(core int) error
}

// NoopPinner implements Pinner without doing anything, for platforms or
// deployments where core pinning isn't available or isn't worth the
// portability cost.
type NoopPinner struct{}

// Pin implements Pinner as a no-op.
func (NoopPinner) Pin(core int) error { return nil }
