package protocol

import (
	"encoding/json"
	"time"
)

// TicketStatus represents the lifecycle state of a ticket instance.
// Transitions only move forward: created -> awaiting_tools ->
// (awaiting_human | resolved), awaiting_human -> resolved, and any
// non-terminal state -> failed.
type TicketStatus string

const (
	StatusCreated       TicketStatus = "created"
	StatusAwaitingTools TicketStatus = "awaiting_tools"
	StatusAwaitingHuman TicketStatus = "awaiting_human"
	StatusResolved      TicketStatus = "resolved"
	StatusFailed        TicketStatus = "failed"
)

// Statuses lists every lifecycle state in transition order.
var Statuses = []TicketStatus{
	StatusCreated,
	StatusAwaitingTools,
	StatusAwaitingHuman,
	StatusResolved,
	StatusFailed,
}

// Terminal reports whether the status admits no further transitions.
func (s TicketStatus) Terminal() bool {
	return s == StatusResolved || s == StatusFailed
}

// Priority levels accepted on intake.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// ValidPriority reports whether p is one of the accepted priority levels.
func ValidPriority(p string) bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// TicketPayload is the caller-supplied ticket content. It is immutable
// once the instance is created.
type TicketPayload struct {
	CustomerName string `json:"customer_name"`
	Email        string `json:"email"`
	Query        string `json:"query"`
	Priority     string `json:"priority"`
}

// TicketInstance is one run of the support workflow for a single ticket.
type TicketInstance struct {
	ID           string                     `json:"id"`
	Payload      TicketPayload              `json:"payload"`
	Status       TicketStatus               `json:"status"`
	CurrentStage int                        `json:"current_stage"`
	StageResults map[string]json.RawMessage `json:"stage_results"`
	HumanAnswer  string                     `json:"human_answer,omitempty"`
	Resolution   string                     `json:"resolution,omitempty"`
	FailedTool   string                     `json:"failed_tool,omitempty"`
	Error        string                     `json:"error,omitempty"`
	CreatedAt    time.Time                  `json:"created_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

// Result returns the recorded result for an ability, if any.
func (t *TicketInstance) Result(ability string) (json.RawMessage, bool) {
	r, ok := t.StageResults[ability]
	return r, ok
}

// RecordResult appends an ability result. Existing entries are never
// overwritten; the first recorded result for an ability wins.
func (t *TicketInstance) RecordResult(ability string, result json.RawMessage) {
	if t.StageResults == nil {
		t.StageResults = make(map[string]json.RawMessage)
	}
	if _, ok := t.StageResults[ability]; ok {
		return
	}
	t.StageResults[ability] = result
}

// Invocation is one attempt at calling an ability on a tool service.
// Records are immutable; retries append new records.
type Invocation struct {
	ID        string    `json:"id"`
	TicketID  string    `json:"ticket_id"`
	Tool      string    `json:"tool"`
	Ability   string    `json:"ability"`
	Attempt   int       `json:"attempt"`
	Outcome   string    `json:"outcome"` // "ok" or "error"
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)
