package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/deskd-io/deskd/internal/store"
	"github.com/deskd-io/deskd/pkg/protocol"
)

// fakeService implements AgentService over an in-memory map.
type fakeService struct {
	instances map[string]*protocol.TicketInstance
	startErr  error
	resumeErr error
}

func newFakeService() *fakeService {
	return &fakeService{instances: make(map[string]*protocol.TicketInstance)}
}

func (f *fakeService) Start(_ context.Context, id string, payload protocol.TicketPayload, answer string) (*protocol.TicketInstance, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	if id == "" {
		id = "TCKT-generated"
	}
	if _, ok := f.instances[id]; ok {
		return nil, fmt.Errorf("engine: start: %w", protocol.ErrDuplicateTicket)
	}
	status := protocol.StatusResolved
	if payload.Priority == protocol.PriorityHigh && answer == "" {
		status = protocol.StatusAwaitingHuman
	}
	inst := &protocol.TicketInstance{ID: id, Payload: payload, Status: status}
	f.instances[id] = inst
	return inst, nil
}

func (f *fakeService) Resume(_ context.Context, id, answer string) (*protocol.TicketInstance, error) {
	if f.resumeErr != nil {
		return nil, f.resumeErr
	}
	inst, ok := f.instances[id]
	if !ok {
		return nil, protocol.ErrNotFound
	}
	inst.Status = protocol.StatusResolved
	inst.HumanAnswer = answer
	return inst, nil
}

func (f *fakeService) Get(id string) (*protocol.TicketInstance, error) {
	inst, ok := f.instances[id]
	if !ok {
		return nil, fmt.Errorf("store: get %s: %w", id, protocol.ErrNotFound)
	}
	return inst, nil
}

func (f *fakeService) List(_ store.Filter) ([]*protocol.TicketInstance, error) {
	var out []*protocol.TicketInstance
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	return out, nil
}

func (f *fakeService) Invocations(id string) ([]protocol.Invocation, error) {
	if _, ok := f.instances[id]; !ok {
		return nil, protocol.ErrNotFound
	}
	return []protocol.Invocation{{TicketID: id, Tool: "common", Ability: "accept_payload", Attempt: 1}}, nil
}

func (f *fakeService) Stats() (map[protocol.TicketStatus]int, error) {
	counts := make(map[protocol.TicketStatus]int)
	for _, inst := range f.instances {
		counts[inst.Status]++
	}
	return counts, nil
}

func newTestServer(svc AgentService, key string) *Server {
	return NewServer(svc, Config{Host: "127.0.0.1", Port: 0, Key: key}, nil, nil)
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRunAgentResolves(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(svc, "")

	rec := doRequest(t, s, "POST", "/api/agent/run", `{
		"payload": {"ticket_id": "TCKT-001", "customer_name": "Rohit", "email": "rohit@example.com",
			"query": "My invoice is delayed", "priority": "low"}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	var inst protocol.TicketInstance
	json.Unmarshal(rec.Body.Bytes(), &inst)
	if inst.ID != "TCKT-001" || inst.Status != protocol.StatusResolved {
		t.Errorf("unexpected instance: %+v", inst)
	}
}

func TestRunAgentValidation(t *testing.T) {
	s := newTestServer(newFakeService(), "")

	cases := []struct {
		name string
		body string
	}{
		{"missing query", `{"payload": {"priority": "low"}}`},
		{"bad priority", `{"payload": {"query": "help", "priority": "urgent"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, s, "POST", "/api/agent/run", tc.body)
			if rec.Code != http.StatusUnprocessableEntity {
				t.Errorf("expected 422, got %d", rec.Code)
			}
		})
	}

	rec := doRequest(t, s, "POST", "/api/agent/run", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad JSON, got %d", rec.Code)
	}
}

func TestRunAgentDuplicate(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(svc, "")

	body := `{"payload": {"ticket_id": "TCKT-001", "query": "help", "priority": "low"}}`
	if rec := doRequest(t, s, "POST", "/api/agent/run", body); rec.Code != http.StatusOK {
		t.Fatalf("first run: %d", rec.Code)
	}
	rec := doRequest(t, s, "POST", "/api/agent/run", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", rec.Code)
	}
}

func TestSubmitAnswerFlow(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(svc, "")

	// Pause a high-priority ticket first.
	rec := doRequest(t, s, "POST", "/api/agent/run",
		`{"payload": {"ticket_id": "TCKT-001", "query": "invoice delayed", "priority": "high"}}`)
	var paused protocol.TicketInstance
	json.Unmarshal(rec.Body.Bytes(), &paused)
	if paused.Status != protocol.StatusAwaitingHuman {
		t.Fatalf("expected awaiting_human, got %q", paused.Status)
	}

	rec = doRequest(t, s, "POST", "/api/tickets/TCKT-001/answer",
		`{"answer": "Invoice INV-123 is delayed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var final protocol.TicketInstance
	json.Unmarshal(rec.Body.Bytes(), &final)
	if final.Status != protocol.StatusResolved || final.HumanAnswer != "Invoice INV-123 is delayed" {
		t.Errorf("unexpected final instance: %+v", final)
	}
}

func TestSubmitAnswerErrors(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(svc, "")

	// Unknown ticket.
	rec := doRequest(t, s, "POST", "/api/tickets/ghost/answer", `{"answer": "x"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	// Resolved ticket is not awaiting a human.
	doRequest(t, s, "POST", "/api/agent/run",
		`{"payload": {"ticket_id": "TCKT-done", "query": "q", "priority": "low"}}`)
	rec = doRequest(t, s, "POST", "/api/tickets/TCKT-done/answer", `{"answer": "x"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for invalid state, got %d", rec.Code)
	}

	// Empty answer.
	doRequest(t, s, "POST", "/api/agent/run",
		`{"payload": {"ticket_id": "TCKT-wait", "query": "q", "priority": "high"}}`)
	rec = doRequest(t, s, "POST", "/api/tickets/TCKT-wait/answer", `{"answer": ""}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for empty answer, got %d", rec.Code)
	}

	// Lost resume race.
	svc.resumeErr = protocol.ErrAlreadyAnswered
	rec = doRequest(t, s, "POST", "/api/tickets/TCKT-wait/answer", `{"answer": "x"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for already answered, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "already answered") {
		t.Errorf("expected distinct already-answered error, got %s", rec.Body)
	}
}

func TestGetTicketAndInvocations(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(svc, "")

	doRequest(t, s, "POST", "/api/agent/run",
		`{"payload": {"ticket_id": "TCKT-001", "query": "q", "priority": "low"}}`)

	rec := doRequest(t, s, "GET", "/api/tickets/TCKT-001", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}

	rec = doRequest(t, s, "GET", "/api/tickets/TCKT-001/invocations", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("invocations: %d", rec.Code)
	}
	var invs []protocol.Invocation
	json.Unmarshal(rec.Body.Bytes(), &invs)
	if len(invs) != 1 || invs[0].Ability != "accept_payload" {
		t.Errorf("unexpected invocations: %+v", invs)
	}

	rec = doRequest(t, s, "GET", "/api/tickets/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestListTickets(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(svc, "")

	rec := doRequest(t, s, "GET", "/api/tickets", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("expected empty array, got %s", body)
	}
}

func TestRequireAuth(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(svc, "sekrit")

	rec := doRequest(t, s, "GET", "/api/tickets", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/tickets", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}

	// Health stays open.
	if rec := doRequest(t, s, "GET", "/api/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health must not require auth, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(newFakeService(), "")
	rec := doRequest(t, s, "OPTIONS", "/api/tickets", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestGetLogsWithoutBuffer(t *testing.T) {
	s := newTestServer(newFakeService(), "")
	rec := doRequest(t, s, "GET", "/api/logs?level=warn&limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("logs: %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("expected empty array, got %s", body)
	}
}

func TestGetStats(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(svc, "")

	doRequest(t, s, "POST", "/api/agent/run",
		`{"payload":{"ticket_id":"TCKT-1","query":"hello","priority":"low"}}`)

	rec := doRequest(t, s, "GET", "/api/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: %d", rec.Code)
	}

	var body struct {
		Tickets map[string]int `json:"tickets"`
		Stages  []string       `json:"stages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Tickets[string(protocol.StatusResolved)] != 1 {
		t.Errorf("expected one resolved ticket, got %+v", body.Tickets)
	}
	if len(body.Stages) == 0 || body.Stages[0] != "INTAKE" {
		t.Errorf("expected stage list starting with INTAKE, got %v", body.Stages)
	}
}
