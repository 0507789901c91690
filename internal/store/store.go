package store

import (
	"time"

	"github.com/deskd-io/deskd/pkg/protocol"
)

// Store is the durable place of record for ticket instances. The engine
// holds no second copy of truth in memory; everything needed to resume a
// workflow after a restart lives here.
type Store interface {
	// Create persists a new instance. Fails with ErrDuplicateTicket if the
	// id already exists.
	Create(inst *protocol.TicketInstance) error
	// Get returns the current instance or ErrNotFound.
	Get(id string) (*protocol.TicketInstance, error)
	// CompareAndSwap atomically replaces the stored instance if its status
	// still equals expect. Fails with ErrConflict when the status moved,
	// ErrNotFound when the row is absent. This is the sole concurrency
	// primitive the engine relies on.
	CompareAndSwap(id string, expect protocol.TicketStatus, inst *protocol.TicketInstance) error
	// List returns instances matching the filter, oldest first.
	List(filter Filter) ([]*protocol.TicketInstance, error)
	// Count returns the number of instances matching the filter.
	Count(filter Filter) (int, error)
	// AppendInvocation records one tool-call attempt. Append-only.
	AppendInvocation(inv protocol.Invocation) error
	// Invocations returns all recorded attempts for a ticket, oldest first.
	Invocations(ticketID string) ([]protocol.Invocation, error)
}

// Filter constrains instance list queries.
type Filter struct {
	Statuses      []protocol.TicketStatus
	UpdatedBefore time.Time // zero = no cutoff
	Limit         int       // 0 = no limit
}
