package mail

import "context"

// HistoryEntry is one turn of an agent's per-task conversation. Role is
// one of user, assistant, tool, system. Assistant entries may carry tool
// calls; tool entries carry the id of the call they answer.
type HistoryEntry struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// AgentFunction is the opaque reasoning step: given the accumulated
// history it returns optional text plus the tool calls to execute.
// toolChoice is a hint for the backend ("required" during dispatch).
type AgentFunction func(ctx context.Context, history []HistoryEntry, toolChoice string) (string, []ToolCall, error)

// Agent describes one member of a swarm.
type Agent struct {
	Name             string
	CommTargets      []string
	CanCompleteTasks bool
	EnableEntrypoint bool
	EnableInterswarm bool
	Function         AgentFunction
	Actions          []string
}

// CanTarget reports whether name is within the agent's declared
// communication targets. Remote spellings are matched on the full
// "agent@swarm" form.
func (a *Agent) CanTarget(name string) bool {
	for _, t := range a.CommTargets {
		if t == name {
			return true
		}
	}
	return false
}

// HasAction reports whether the agent declared access to an action.
func (a *Agent) HasAction(name string) bool {
	for _, act := range a.Actions {
		if act == name {
			return true
		}
	}
	return false
}
