package engine

// Route determines where an ability executes: in-process, on the COMMON
// tool service, or on the ATLAS tool service. COMMON abilities inside a
// stage always run before ATLAS ones; later abilities may depend on
// earlier results, so the order is a contract.
type Route string

const (
	RouteLocal  Route = "local"
	RouteCommon Route = "common"
	RouteAtlas  Route = "atlas"
)

// StageMode controls how a stage's abilities are orchestrated.
type StageMode string

const (
	// ModeDeterministic runs abilities strictly in sequence.
	ModeDeterministic StageMode = "deterministic"
	// ModeHuman marks the stage where the workflow may pause for an answer.
	ModeHuman StageMode = "human"
	// ModeNonDeterministic allows runtime choice between abilities; used by
	// the DECIDE stage, which skips escalation for high-scoring solutions.
	ModeNonDeterministic StageMode = "non-deterministic"
)

// Ability is one unit of work inside a stage.
type Ability struct {
	Name  string
	Route Route
}

// Stage is one step of the ticket workflow.
type Stage struct {
	Name      string
	Mode      StageMode
	Abilities []Ability
}

// stages is the fixed workflow shape. The engine checkpoints the instance
// after every completed stage, so CurrentStage always names the next stage
// to run after a restart.
var stages = []Stage{
	{Name: "INTAKE", Mode: ModeDeterministic, Abilities: []Ability{
		{Name: "accept_payload", Route: RouteCommon},
	}},
	{Name: "UNDERSTAND", Mode: ModeDeterministic, Abilities: []Ability{
		{Name: "parse_request_text", Route: RouteLocal},
		{Name: "extract_entities", Route: RouteAtlas},
	}},
	{Name: "PREPARE", Mode: ModeDeterministic, Abilities: []Ability{
		{Name: "normalize_fields", Route: RouteLocal},
		{Name: "enrich_records", Route: RouteAtlas},
		{Name: "add_flags_calculations", Route: RouteLocal},
	}},
	{Name: "ASK", Mode: ModeHuman, Abilities: []Ability{
		{Name: "clarify_question", Route: RouteAtlas},
	}},
	{Name: "WAIT", Mode: ModeDeterministic, Abilities: []Ability{
		{Name: "extract_answer", Route: RouteAtlas},
		{Name: "store_answer", Route: RouteLocal},
	}},
	{Name: "RETRIEVE", Mode: ModeDeterministic, Abilities: []Ability{
		{Name: "knowledge_base_search", Route: RouteAtlas},
		{Name: "store_data", Route: RouteLocal},
	}},
	{Name: "DECIDE", Mode: ModeNonDeterministic, Abilities: []Ability{
		{Name: "solution_evaluation", Route: RouteLocal},
		{Name: "escalation_decision", Route: RouteAtlas},
		{Name: "update_payload", Route: RouteLocal},
	}},
	{Name: "UPDATE", Mode: ModeDeterministic, Abilities: []Ability{
		{Name: "update_ticket", Route: RouteAtlas},
		{Name: "close_ticket", Route: RouteAtlas},
	}},
	{Name: "CREATE", Mode: ModeDeterministic, Abilities: []Ability{
		{Name: "response_generation", Route: RouteLocal},
	}},
	{Name: "DO", Mode: ModeDeterministic, Abilities: []Ability{
		{Name: "execute_api_calls", Route: RouteAtlas},
		{Name: "trigger_notifications", Route: RouteAtlas},
	}},
	{Name: "COMPLETE", Mode: ModeDeterministic, Abilities: []Ability{
		{Name: "output_payload", Route: RouteLocal},
	}},
}

// escalationThreshold is the minimum solution score that avoids handing the
// ticket to a human agent and allows the remote ticket to be closed.
const escalationThreshold = 90

// StageNames returns the workflow stage names in execution order.
func StageNames() []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	return names
}
