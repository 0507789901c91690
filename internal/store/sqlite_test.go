package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/deskd-io/deskd/pkg/protocol"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.DB().Close() })
	return s
}

func testInstance(id string) *protocol.TicketInstance {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &protocol.TicketInstance{
		ID: id,
		Payload: protocol.TicketPayload{
			CustomerName: "Rohit",
			Email:        "rohit@example.com",
			Query:        "My invoice is delayed",
			Priority:     protocol.PriorityHigh,
		},
		Status:       protocol.StatusCreated,
		StageResults: map[string]json.RawMessage{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)

	inst := testInstance("TCKT-001")
	inst.StageResults["accept_payload"] = json.RawMessage(`{"status":"ok"}`)
	if err := s.Create(inst); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Get("TCKT-001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Payload.CustomerName != "Rohit" {
		t.Errorf("expected customer Rohit, got %q", got.Payload.CustomerName)
	}
	if got.Status != protocol.StatusCreated {
		t.Errorf("expected status created, got %q", got.Status)
	}
	if string(got.StageResults["accept_payload"]) != `{"status":"ok"}` {
		t.Errorf("stage result not round-tripped: %s", got.StageResults["accept_payload"])
	}
}

func TestCreateDuplicate(t *testing.T) {
	s := newTestStore(t)

	if err := s.Create(testInstance("TCKT-001")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.Create(testInstance("TCKT-001"))
	if !errors.Is(err, protocol.ErrDuplicateTicket) {
		t.Fatalf("expected ErrDuplicateTicket, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("nonexistent")
	if !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompareAndSwap(t *testing.T) {
	s := newTestStore(t)

	inst := testInstance("TCKT-002")
	s.Create(inst)

	inst.Status = protocol.StatusAwaitingTools
	inst.CurrentStage = 1
	inst.UpdatedAt = time.Now().UTC()
	if err := s.CompareAndSwap("TCKT-002", protocol.StatusCreated, inst); err != nil {
		t.Fatalf("cas: %v", err)
	}

	got, _ := s.Get("TCKT-002")
	if got.Status != protocol.StatusAwaitingTools {
		t.Errorf("expected awaiting_tools, got %q", got.Status)
	}
	if got.CurrentStage != 1 {
		t.Errorf("expected stage 1, got %d", got.CurrentStage)
	}
}

func TestCompareAndSwapConflict(t *testing.T) {
	s := newTestStore(t)

	inst := testInstance("TCKT-003")
	s.Create(inst)

	// Stored status is created; expecting awaiting_human must conflict.
	inst.Status = protocol.StatusResolved
	err := s.CompareAndSwap("TCKT-003", protocol.StatusAwaitingHuman, inst)
	if !errors.Is(err, protocol.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, _ := s.Get("TCKT-003")
	if got.Status != protocol.StatusCreated {
		t.Errorf("conflicting cas must not mutate, got status %q", got.Status)
	}
}

func TestCompareAndSwapNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.CompareAndSwap("ghost", protocol.StatusCreated, testInstance("ghost"))
	if !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompareAndSwapRace(t *testing.T) {
	s := newTestStore(t)

	inst := testInstance("TCKT-004")
	inst.Status = protocol.StatusAwaitingHuman
	s.Create(inst)

	// Two resumers race on the same expectation; exactly one may win.
	winner := *inst
	winner.Status = protocol.StatusAwaitingTools
	if err := s.CompareAndSwap("TCKT-004", protocol.StatusAwaitingHuman, &winner); err != nil {
		t.Fatalf("first cas: %v", err)
	}
	loser := *inst
	loser.Status = protocol.StatusAwaitingTools
	err := s.CompareAndSwap("TCKT-004", protocol.StatusAwaitingHuman, &loser)
	if !errors.Is(err, protocol.ErrConflict) {
		t.Fatalf("expected ErrConflict for second resumer, got %v", err)
	}
}

func TestListByStatusAndCutoff(t *testing.T) {
	s := newTestStore(t)

	old := testInstance("TCKT-old")
	old.Status = protocol.StatusAwaitingTools
	old.CreatedAt = time.Now().Add(-time.Hour).UTC()
	old.UpdatedAt = old.CreatedAt
	s.Create(old)

	fresh := testInstance("TCKT-fresh")
	fresh.Status = protocol.StatusAwaitingTools
	s.Create(fresh)

	done := testInstance("TCKT-done")
	done.Status = protocol.StatusResolved
	s.Create(done)

	got, err := s.List(Filter{
		Statuses:      []protocol.TicketStatus{protocol.StatusCreated, protocol.StatusAwaitingTools},
		UpdatedBefore: time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "TCKT-old" {
		t.Fatalf("expected only TCKT-old, got %d results", len(got))
	}

	n, err := s.Count(Filter{Statuses: []protocol.TicketStatus{protocol.StatusAwaitingTools}})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 awaiting_tools, got %d", n)
	}
}

func TestInvocationsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	s.Create(testInstance("TCKT-005"))

	for i := 1; i <= 3; i++ {
		inv := protocol.Invocation{
			ID:        "inv-" + string(rune('0'+i)),
			TicketID:  "TCKT-005",
			Tool:      "common",
			Ability:   "accept_payload",
			Attempt:   i,
			Outcome:   protocol.OutcomeError,
			Error:     "tool timeout",
			LatencyMS: 40,
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}
		if err := s.AppendInvocation(inv); err != nil {
			t.Fatalf("append invocation %d: %v", i, err)
		}
	}

	invs, err := s.Invocations("TCKT-005")
	if err != nil {
		t.Fatalf("invocations: %v", err)
	}
	if len(invs) != 3 {
		t.Fatalf("expected 3 invocations, got %d", len(invs))
	}
	if invs[0].Attempt != 1 || invs[2].Attempt != 3 {
		t.Errorf("invocations not ordered by time: %+v", invs)
	}
}
