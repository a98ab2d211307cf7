package tpg

// Queue is the global ready queue: an MPMC FIFO of events whose reads are
// all satisfied (spec §4.5). A buffered channel is the idiomatic Go MPMC
// primitive and replaces the source's hand-rolled lock-free queue; see
// DESIGN.md for the rationale.
type Queue chan *EventNode

// NewQueue creates a ready queue sized from waiting_queue_size.
func NewQueue(size int) Queue {
	return make(Queue, size)
}
