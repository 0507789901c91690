// Package engine drives ticket instances through the fixed support
// workflow, one stage at a time. The instance is re-persisted after every
// stage through the store's conditional update, so a crash never silently
// loses or repeats completed work.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/deskd-io/deskd/internal/mcp"
	"github.com/deskd-io/deskd/internal/store"
	"github.com/deskd-io/deskd/pkg/protocol"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBase     = 100 * time.Millisecond
)

// Notifier posts out-of-band ticket notices. Implementations must be safe
// for concurrent use. A nil Notifier disables notifications.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Config holds engine tuning knobs.
type Config struct {
	RetryAttempts int           // total attempts per tool call, default 3
	RetryBase     time.Duration // backoff base, default 100ms
}

// Engine executes the ticket workflow. The store is the only place of
// record; the engine keeps no instance state in memory between calls.
type Engine struct {
	store    store.Store
	common   *mcp.Client
	atlas    *mcp.Client
	notifier Notifier
	logger   *slog.Logger
	cfg      Config
}

// New creates an engine. notifier may be nil; logger defaults to slog.Default.
func New(st store.Store, common, atlas *mcp.Client, notifier Notifier, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	return &Engine{
		store:    st,
		common:   common,
		atlas:    atlas,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
	}
}

// Start creates a new instance and synchronously advances it as far as the
// workflow allows: to resolved, to awaiting_human when the pause policy
// requires an answer, or to failed. An empty id is generated.
func (e *Engine) Start(ctx context.Context, id string, payload protocol.TicketPayload, simulatedAnswer string) (*protocol.TicketInstance, error) {
	if id == "" {
		id = "TCKT-" + uuid.NewString()
	}

	now := time.Now().UTC()
	inst := &protocol.TicketInstance{
		ID:           id,
		Payload:      payload,
		Status:       protocol.StatusCreated,
		StageResults: map[string]json.RawMessage{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.Create(inst); err != nil {
		return nil, fmt.Errorf("engine: start: %w", err)
	}

	inst.Status = protocol.StatusAwaitingTools
	inst.UpdatedAt = time.Now().UTC()
	if err := e.store.CompareAndSwap(id, protocol.StatusCreated, inst); err != nil {
		return nil, fmt.Errorf("engine: start: %w", err)
	}

	e.logger.Info("workflow started", "ticket", id, "priority", payload.Priority)
	return e.run(ctx, inst, simulatedAnswer)
}

// Resume delivers the human answer to a paused instance and completes the
// remaining stages. The status compare-and-swap decides races between
// concurrent resume calls: the loser observes ErrAlreadyAnswered and the
// stored answer is never overwritten.
func (e *Engine) Resume(ctx context.Context, id, answer string) (*protocol.TicketInstance, error) {
	inst, err := e.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("engine: resume: %w", err)
	}
	if inst.Status != protocol.StatusAwaitingHuman {
		return nil, fmt.Errorf("engine: resume %s in status %s: %w", id, inst.Status, protocol.ErrInvalidState)
	}

	inst.Status = protocol.StatusAwaitingTools
	inst.HumanAnswer = answer
	inst.UpdatedAt = time.Now().UTC()
	if err := e.store.CompareAndSwap(id, protocol.StatusAwaitingHuman, inst); err != nil {
		if errors.Is(err, protocol.ErrConflict) {
			return nil, fmt.Errorf("engine: resume %s: %w", id, protocol.ErrAlreadyAnswered)
		}
		return nil, fmt.Errorf("engine: resume: %w", err)
	}

	e.logger.Info("workflow resumed", "ticket", id, "stage", stages[inst.CurrentStage].Name)
	return e.run(ctx, inst, answer)
}

// Get returns the current projection without mutating anything.
func (e *Engine) Get(id string) (*protocol.TicketInstance, error) {
	return e.store.Get(id)
}

// List returns instances matching the filter.
func (e *Engine) List(filter store.Filter) ([]*protocol.TicketInstance, error) {
	return e.store.List(filter)
}

// Stats counts instances per status, for the operational stats endpoint.
func (e *Engine) Stats() (map[protocol.TicketStatus]int, error) {
	out := make(map[protocol.TicketStatus]int, len(protocol.Statuses))
	for _, status := range protocol.Statuses {
		n, err := e.store.Count(store.Filter{Statuses: []protocol.TicketStatus{status}})
		if err != nil {
			return nil, fmt.Errorf("engine: stats: %w", err)
		}
		out[status] = n
	}
	return out, nil
}

// Invocations returns the tool-call audit trail for a ticket.
func (e *Engine) Invocations(id string) ([]protocol.Invocation, error) {
	if _, err := e.store.Get(id); err != nil {
		return nil, err
	}
	return e.store.Invocations(id)
}

// Advance re-drives an instance stranded in created or awaiting_tools, e.g.
// after a crash between a checkpoint and the next tool call. Execution
// restarts from the persisted CurrentStage; idempotency keys keep replayed
// tool calls side-effect free on the remote end. Instances in any other
// status are returned unchanged.
func (e *Engine) Advance(ctx context.Context, id string) (*protocol.TicketInstance, error) {
	inst, err := e.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("engine: advance: %w", err)
	}

	switch inst.Status {
	case protocol.StatusCreated:
		inst.Status = protocol.StatusAwaitingTools
		inst.UpdatedAt = time.Now().UTC()
		if err := e.store.CompareAndSwap(id, protocol.StatusCreated, inst); err != nil {
			return nil, fmt.Errorf("engine: advance: %w", err)
		}
	case protocol.StatusAwaitingTools:
		// resume mid-pipeline from the last checkpoint
	default:
		return inst, nil
	}

	e.logger.Info("workflow re-driven", "ticket", id, "stage", stages[inst.CurrentStage].Name)
	return e.run(ctx, inst, inst.HumanAnswer)
}

// run executes stages from inst.CurrentStage until completion, pause, or
// failure. The caller must have already transitioned inst to awaiting_tools.
func (e *Engine) run(ctx context.Context, inst *protocol.TicketInstance, answer string) (*protocol.TicketInstance, error) {
	for inst.CurrentStage < len(stages) {
		idx := inst.CurrentStage
		st := stages[idx]

		paused, err := e.runStage(ctx, inst, idx, answer)
		if err != nil {
			return e.fail(inst, st, err)
		}
		if paused {
			return inst, nil
		}

		inst.CurrentStage = idx + 1
		if inst.CurrentStage == len(stages) {
			inst.Status = protocol.StatusResolved
		}
		inst.UpdatedAt = time.Now().UTC()
		if err := e.store.CompareAndSwap(inst.ID, protocol.StatusAwaitingTools, inst); err != nil {
			return nil, fmt.Errorf("engine: checkpoint %s after %s: %w", inst.ID, st.Name, err)
		}
		e.logger.Debug("stage complete", "ticket", inst.ID, "stage", st.Name)
	}

	e.logger.Info("workflow resolved", "ticket", inst.ID)
	return inst, nil
}

// runStage executes all abilities of one stage in order. It returns
// paused=true when the ASK stage decided to wait for a human answer; the
// paused transition is persisted here.
func (e *Engine) runStage(ctx context.Context, inst *protocol.TicketInstance, idx int, answer string) (bool, error) {
	st := stages[idx]
	for _, ab := range st.Abilities {
		if skip, reason := e.skipAbility(inst, ab); skip {
			e.logger.Debug("ability skipped", "ticket", inst.ID, "ability", ab.Name, "reason", reason)
			continue
		}

		result, err := e.execAbility(ctx, inst, idx, ab)
		if err != nil {
			return false, err
		}
		inst.RecordResult(ab.Name, result)

		switch ab.Name {
		case "response_generation":
			var gr generatedResponse
			json.Unmarshal(result, &gr)
			inst.Resolution = gr.Response
		case "trigger_notifications":
			e.notify(ctx, inst)
		}
	}

	if st.Mode == ModeHuman {
		return e.maybePause(inst, idx, answer)
	}
	return false, nil
}

// skipAbility implements the DECIDE/UPDATE runtime choices: high-scoring
// solutions skip escalation, low-scoring ones keep the remote ticket open.
func (e *Engine) skipAbility(inst *protocol.TicketInstance, ab Ability) (bool, string) {
	switch ab.Name {
	case "escalation_decision":
		if d := decisionOf(inst); d.Score >= escalationThreshold {
			return true, fmt.Sprintf("score %d >= %d", d.Score, escalationThreshold)
		}
	case "close_ticket":
		if d := decisionOf(inst); d.Score < escalationThreshold {
			return true, fmt.Sprintf("score %d < %d", d.Score, escalationThreshold)
		}
	}
	return false, ""
}

func (e *Engine) execAbility(ctx context.Context, inst *protocol.TicketInstance, idx int, ab Ability) (json.RawMessage, error) {
	switch ab.Route {
	case RouteLocal:
		return e.execLocal(inst, ab)
	case RouteCommon:
		return e.callTool(ctx, e.common, inst, idx, ab.Name)
	case RouteAtlas:
		return e.callTool(ctx, e.atlas, inst, idx, ab.Name)
	}
	return nil, fmt.Errorf("engine: unknown route %q for ability %s", ab.Route, ab.Name)
}

func (e *Engine) execLocal(inst *protocol.TicketInstance, ab Ability) (json.RawMessage, error) {
	switch ab.Name {
	case "parse_request_text":
		return localParseRequestText(inst), nil
	case "normalize_fields":
		return localNormalizeFields(inst), nil
	case "add_flags_calculations":
		return localAddFlags(inst), nil
	case "store_answer":
		return localStoreAnswer(inst), nil
	case "store_data":
		return localStoreData(inst), nil
	case "solution_evaluation":
		return mustJSON(solutionDecision{Score: localSolutionScore(inst)}), nil
	case "update_payload":
		return mustJSON(decisionOf(inst)), nil
	case "response_generation":
		return localResponseGeneration(inst), nil
	case "output_payload":
		return localOutputPayload(inst), nil
	}
	return nil, fmt.Errorf("engine: no local implementation for ability %s", ab.Name)
}

// notify posts an out-of-band notice about the ticket's outcome. Failures
// are logged and never fail the workflow.
func (e *Engine) notify(ctx context.Context, inst *protocol.TicketInstance) {
	if e.notifier == nil {
		return
	}
	d := decisionOf(inst)
	text := fmt.Sprintf("ticket %s (%s priority): score %d", inst.ID, inst.Payload.Priority, d.Score)
	if d.EscalatedTo != "" {
		text += ", escalated to " + d.EscalatedTo
	}
	if err := e.notifier.Notify(ctx, text); err != nil {
		e.logger.Warn("notification failed", "ticket", inst.ID, "error", err)
	}
}

// callTool invokes one remote ability with bounded exponential backoff.
// Transient failures are retried up to the configured attempt count; a
// rejected request fails immediately.
func (e *Engine) callTool(ctx context.Context, client *mcp.Client, inst *protocol.TicketInstance, idx int, ability string) (json.RawMessage, error) {
	req := e.abilityRequest(inst, ability)

	backoff := retry.WithMaxRetries(uint64(e.cfg.RetryAttempts-1), retry.NewExponential(e.cfg.RetryBase))

	attempt := 0
	var result json.RawMessage
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		r, callErr := client.Call(ctx, inst.ID, idx, ability, attempt, req)
		if callErr != nil {
			if protocol.TransientToolError(callErr) {
				return retry.RetryableError(callErr)
			}
			return callErr
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// abilityRequest builds the request body for a remote ability call.
func (e *Engine) abilityRequest(inst *protocol.TicketInstance, ability string) map[string]any {
	req := map[string]any{
		"ticket_id":     inst.ID,
		"customer_name": inst.Payload.CustomerName,
		"email":         inst.Payload.Email,
		"query":         inst.Payload.Query,
		"priority":      inst.Payload.Priority,
	}

	switch ability {
	case "clarify_question":
		var missing []string
		if inst.Payload.CustomerName == "" {
			missing = append(missing, "customer_name")
		}
		if inst.Payload.Email == "" {
			missing = append(missing, "email")
		}
		if len(missing) == 0 {
			missing = []string{"additional_details"}
		}
		req["missing_fields"] = missing
	case "extract_answer":
		req["human_answer"] = inst.HumanAnswer
	case "escalation_decision":
		req["score"] = decisionOf(inst).Score
	case "update_ticket":
		d := decisionOf(inst)
		req["update_fields"] = map[string]any{
			"status":      "in_progress",
			"priority":    inst.Payload.Priority,
			"assigned_to": d.EscalatedTo,
		}
	}
	return req
}

// maybePause decides whether the workflow waits for a human answer after
// the ASK stage. High-priority tickets with no answer supplied at call time
// pause; a supplied simulated answer acts as an immediate resume.
func (e *Engine) maybePause(inst *protocol.TicketInstance, idx int, answer string) (bool, error) {
	if answer != "" && inst.HumanAnswer == "" {
		// write-once: the first answer sticks
		inst.HumanAnswer = answer
	}

	needsHuman := inst.Payload.Priority == protocol.PriorityHigh && inst.HumanAnswer == ""
	if !needsHuman {
		return false, nil
	}

	inst.Status = protocol.StatusAwaitingHuman
	inst.CurrentStage = idx + 1 // ASK is complete; resume continues at WAIT
	inst.UpdatedAt = time.Now().UTC()
	if err := e.store.CompareAndSwap(inst.ID, protocol.StatusAwaitingTools, inst); err != nil {
		return false, fmt.Errorf("engine: pause %s: %w", inst.ID, err)
	}

	e.logger.Info("workflow paused for human answer", "ticket", inst.ID)
	return true, nil
}

// fail transitions the instance to the terminal failed status, recording
// the stage's failing tool and error for operator diagnosis. The engine
// never auto-recovers a failed instance.
func (e *Engine) fail(inst *protocol.TicketInstance, st Stage, cause error) (*protocol.TicketInstance, error) {
	inst.Status = protocol.StatusFailed
	inst.FailedTool = failedToolName(st, cause)
	inst.Error = cause.Error()
	inst.UpdatedAt = time.Now().UTC()
	if err := e.store.CompareAndSwap(inst.ID, protocol.StatusAwaitingTools, inst); err != nil {
		return nil, fmt.Errorf("engine: record failure for %s: %w", inst.ID, err)
	}

	e.logger.Error("workflow failed",
		"ticket", inst.ID, "stage", st.Name, "tool", inst.FailedTool, "error", cause)
	return inst, nil
}

func failedToolName(st Stage, cause error) string {
	msg := cause.Error()
	if strings.Contains(msg, "mcp atlas:") {
		return "atlas"
	}
	if strings.Contains(msg, "mcp common:") {
		return "common"
	}
	return st.Name
}
