package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deskd-io/deskd/pkg/protocol"
)

// Local ability results. These mirror what the COMMON service would compute
// but never leave the process, so they are not worth a network round trip.

type parsedRequest struct {
	TextLength int    `json:"text_length"`
	Lower      string `json:"lower"`
}

type normalizedFields struct {
	Priority string `json:"priority"`
	TicketID string `json:"ticket_id"`
}

type ticketFlags struct {
	SLA     string `json:"sla"`
	SLARisk bool   `json:"sla_risk"`
}

type storedAnswer struct {
	LatestAnswer string `json:"latest_answer"`
}

type storedData struct {
	KBHits int `json:"kb_hits_stored"`
}

type solutionDecision struct {
	Score       int    `json:"score"`
	EscalatedTo string `json:"escalated_to,omitempty"`
}

type generatedResponse struct {
	Response string `json:"response"`
}

func localParseRequestText(inst *protocol.TicketInstance) json.RawMessage {
	q := inst.Payload.Query
	return mustJSON(parsedRequest{TextLength: len(q), Lower: strings.ToLower(q)})
}

func localNormalizeFields(inst *protocol.TicketInstance) json.RawMessage {
	// Normalized copies are recorded as results; the payload itself is
	// immutable once created.
	return mustJSON(normalizedFields{
		Priority: strings.ToUpper(inst.Payload.Priority),
		TicketID: strings.ToUpper(inst.ID),
	})
}

func localAddFlags(inst *protocol.TicketInstance) json.RawMessage {
	sla := "72h"
	var enrichment struct {
		Enrichment struct {
			SLA string `json:"SLA"`
		} `json:"enrichment"`
	}
	if raw, ok := inst.Result("enrich_records"); ok {
		if json.Unmarshal(raw, &enrichment) == nil && enrichment.Enrichment.SLA != "" {
			sla = enrichment.Enrichment.SLA
		}
	}
	return mustJSON(ticketFlags{
		SLA:     sla,
		SLARisk: inst.Payload.Priority == protocol.PriorityHigh,
	})
}

func localStoreAnswer(inst *protocol.TicketInstance) json.RawMessage {
	answer := inst.HumanAnswer
	if answer == "" {
		// Fall back to whatever the WAIT extraction produced remotely.
		var extracted struct {
			Answer string `json:"answer"`
		}
		if raw, ok := inst.Result("extract_answer"); ok {
			json.Unmarshal(raw, &extracted)
			answer = extracted.Answer
		}
	}
	return mustJSON(storedAnswer{LatestAnswer: answer})
}

func localStoreData(inst *protocol.TicketInstance) json.RawMessage {
	return mustJSON(storedData{KBHits: len(kbHits(inst))})
}

// localSolutionScore scores potential solutions 1-100. More knowledge-base
// evidence raises confidence; high-priority tickets are scored more
// conservatively so they escalate to a human agent.
func localSolutionScore(inst *protocol.TicketInstance) int {
	score := 70 + min(20, len(kbHits(inst))*10)
	if inst.Payload.Priority == protocol.PriorityHigh {
		score -= 10
	}
	return max(0, min(100, score))
}

func localResponseGeneration(inst *protocol.TicketInstance) json.RawMessage {
	name := inst.Payload.CustomerName
	if name == "" {
		name = "Customer"
	}

	var answer storedAnswer
	if raw, ok := inst.Result("store_answer"); ok {
		json.Unmarshal(raw, &answer)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\nThanks for contacting us.", name)
	if answer.LatestAnswer != "" {
		fmt.Fprintf(&b, " Based on your message: %q.", answer.LatestAnswer)
	}
	for _, hit := range kbHits(inst) {
		if hit.Snippet != "" {
			fmt.Fprintf(&b, "\n%s", hit.Snippet)
		}
	}
	b.WriteString("\n\nRegards,\nSupport Team")

	return mustJSON(generatedResponse{Response: b.String()})
}

func localOutputPayload(inst *protocol.TicketInstance) json.RawMessage {
	return mustJSON(map[string]any{
		"ticket_id":  inst.ID,
		"priority":   inst.Payload.Priority,
		"resolution": inst.Resolution,
		"stages":     len(stages),
	})
}

type kbHit struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

func kbHits(inst *protocol.TicketInstance) []kbHit {
	raw, ok := inst.Result("knowledge_base_search")
	if !ok {
		return nil
	}
	var result struct {
		KBHits []kbHit `json:"kb_hits"`
	}
	json.Unmarshal(raw, &result)
	return result.KBHits
}

func decisionOf(inst *protocol.TicketInstance) solutionDecision {
	var d solutionDecision
	if raw, ok := inst.Result("solution_evaluation"); ok {
		json.Unmarshal(raw, &d)
	}
	if raw, ok := inst.Result("escalation_decision"); ok {
		var esc struct {
			AssignedTo string `json:"assigned_to"`
		}
		json.Unmarshal(raw, &esc)
		d.EscalatedTo = esc.AssignedTo
	}
	return d
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Local ability results are plain structs; this cannot fail.
		panic(err)
	}
	return b
}
