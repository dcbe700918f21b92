package mail

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Built-in tool names. These are part of the protocol surface and must
// match exactly what agent backends are shown.
const (
	ToolSendRequest             = "send_request"
	ToolSendResponse            = "send_response"
	ToolSendInterrupt           = "send_interrupt"
	ToolSendBroadcast           = "send_broadcast"
	ToolTaskComplete            = "task_complete"
	ToolAcknowledgeBroadcast    = "acknowledge_broadcast"
	ToolIgnoreBroadcast         = "ignore_broadcast"
	ToolAwaitMessage            = "await_message"
	ToolSendInterswarmBroadcast = "send_interswarm_broadcast"
	ToolDiscoverSwarms          = "discover_swarms"
)

var builtinToolNames = map[string]bool{
	ToolSendRequest:             true,
	ToolSendResponse:            true,
	ToolSendInterrupt:           true,
	ToolSendBroadcast:           true,
	ToolTaskComplete:            true,
	ToolAcknowledgeBroadcast:    true,
	ToolIgnoreBroadcast:         true,
	ToolAwaitMessage:            true,
	ToolSendInterswarmBroadcast: true,
	ToolDiscoverSwarms:          true,
}

// IsBuiltinTool reports whether name is one of the protocol tools, as
// opposed to an agent-declared action.
func IsBuiltinTool(name string) bool {
	return builtinToolNames[name]
}

// ToolCall is one tool invocation returned by an agent function.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ArgString returns the named argument as a string, or "" when absent.
func (c ToolCall) ArgString(key string) string {
	if v, ok := c.Args[key].(string); ok {
		return v
	}
	return ""
}

// ArgStringSlice returns the named argument as a string slice, tolerating
// the []any shape JSON decoding produces.
func (c ToolCall) ArgStringSlice(key string) []string {
	switch v := c.Args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// TargetForbiddenError marks a tool call whose recipient lies outside
// the caller's declared comm targets.
type TargetForbiddenError struct {
	Agent  string
	Target string
}

func (e *TargetForbiddenError) Error() string {
	return fmt.Sprintf("agent %q may not address %q", e.Agent, e.Target)
}

// CallToEnvelope converts a messaging tool call into an envelope,
// validating the target against the caller's comm targets. Broadcasts
// and task completion always address all local agents and bypass the
// target check.
func CallToEnvelope(call ToolCall, caller *Agent, taskID string) (*Message, error) {
	sender := AgentAddress(caller.Name)

	switch call.Name {
	case ToolSendRequest, ToolSendResponse, ToolSendInterrupt:
		target := call.ArgString("target")
		if target == "" {
			return nil, &SchemaError{Field: "target", Reason: "missing"}
		}
		if !caller.CanTarget(target) {
			return nil, &TargetForbiddenError{Agent: caller.Name, Target: target}
		}
		subject := call.ArgString("subject")
		body := call.ArgString("body")
		switch call.Name {
		case ToolSendRequest:
			return NewRequest(taskID, sender, AgentAddress(target), subject, body)
		case ToolSendResponse:
			return NewResponse(taskID, sender, AgentAddress(target), subject, body, "")
		default:
			return NewInterrupt(taskID, sender, []Address{AgentAddress(target)}, subject, body)
		}
	case ToolSendBroadcast:
		return NewBroadcast(taskID, sender, []Address{AgentAddress(AllAgents)},
			call.ArgString("subject"), call.ArgString("body"))
	case ToolTaskComplete:
		finish := call.ArgString("finish_message")
		if finish == "" {
			finish = "Task completed successfully"
		}
		return NewTaskComplete(taskID, sender, "Task complete", finish), nil
	case ToolSendInterswarmBroadcast:
		swarms := call.ArgStringSlice("target_swarms")
		recipients := make([]Address, 0, len(swarms))
		for _, s := range swarms {
			recipients = append(recipients, AgentAddress(JoinAddress(AllAgents, s)))
		}
		if len(recipients) == 0 {
			return nil, &SchemaError{Field: "target_swarms", Reason: "must not be empty"}
		}
		return NewBroadcast(taskID, sender, recipients,
			call.ArgString("subject"), call.ArgString("body"))
	}
	return nil, fmt.Errorf("tool %q does not produce an envelope", call.Name)
}

// ToolSpec is the backend-facing description of one tool: a name plus a
// JSON-schema parameter object, the shape chat-completion APIs consume.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

func stringParam(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func targetParam(targets []string, interswarm bool) map[string]any {
	desc := "The target recipient agent for the message. Must be one of: " + strings.Join(targets, ", ")
	p := stringParam(desc)
	if interswarm {
		p["description"] = desc + " (supports interswarm format: agent-name@swarm-name)"
	} else {
		enum := make([]any, len(targets))
		for i, t := range targets {
			enum[i] = t
		}
		p["enum"] = enum
	}
	return p
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	req := make([]any, len(required))
	for i, r := range required {
		req[i] = r
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             req,
		"additionalProperties": false,
	}
}

// ToolsForAgent assembles the built-in tool catalog an agent is shown:
// messaging tools for every agent, interrupt/broadcast plus the
// interswarm and completion tools gated on the agent's capabilities.
func ToolsForAgent(a *Agent) []ToolSpec {
	tools := []ToolSpec{
		{
			Name:        ToolSendRequest,
			Description: "Send a request to a specific target recipient agent.",
			Parameters: objectSchema(map[string]any{
				"target":  targetParam(a.CommTargets, a.EnableInterswarm),
				"subject": stringParam("The subject of the message."),
				"body":    stringParam("The message content to send."),
			}, "target", "subject", "body"),
		},
		{
			Name:        ToolSendResponse,
			Description: "Send a response to a specific target recipient agent.",
			Parameters: objectSchema(map[string]any{
				"target":  targetParam(a.CommTargets, a.EnableInterswarm),
				"subject": stringParam("The subject of the message."),
				"body":    stringParam("The message content to send."),
			}, "target", "subject", "body"),
		},
		{
			Name:        ToolAcknowledgeBroadcast,
			Description: "Store the received broadcast in memory, do not respond. Only valid for broadcasts.",
			Parameters: objectSchema(map[string]any{
				"note": stringParam("Optional note to include in internal memory only."),
			}),
		},
		{
			Name:        ToolIgnoreBroadcast,
			Description: "Ignore the received broadcast. No memory, no response.",
			Parameters: objectSchema(map[string]any{
				"reason": stringParam("Optional internal reason for ignoring (not sent)."),
			}),
		},
		{
			Name:        ToolAwaitMessage,
			Description: "Wait until another message is received.",
			Parameters: objectSchema(map[string]any{
				"reason": stringParam("Optional reason for waiting."),
			}),
		},
		{
			Name:        ToolSendInterrupt,
			Description: "Interrupt a specific target recipient agent.",
			Parameters: objectSchema(map[string]any{
				"target":  targetParam(a.CommTargets, a.EnableInterswarm),
				"subject": stringParam("The subject of the interrupt."),
				"body":    stringParam("The message content to send."),
			}, "target", "subject", "body"),
		},
		{
			Name:        ToolSendBroadcast,
			Description: "Broadcast a message to all possible recipient agents.",
			Parameters: objectSchema(map[string]any{
				"subject": stringParam("The subject of the broadcast."),
				"body":    stringParam("The message content to send."),
			}, "subject", "body"),
		},
	}

	if a.EnableInterswarm {
		tools = append(tools,
			ToolSpec{
				Name:        ToolSendInterswarmBroadcast,
				Description: "Broadcast a message to the named remote swarms.",
				Parameters: objectSchema(map[string]any{
					"subject": stringParam("The subject of the broadcast."),
					"body":    stringParam("The message content to send."),
					"target_swarms": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "List of target swarm names.",
					},
				}, "subject", "body", "target_swarms"),
			},
			ToolSpec{
				Name:        ToolDiscoverSwarms,
				Description: "Discover and register new swarms from discovery endpoints.",
				Parameters: objectSchema(map[string]any{
					"discovery_urls": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "List of URLs to discover swarms from.",
					},
				}, "discovery_urls"),
			},
		)
	}

	if a.CanCompleteTasks {
		tools = append(tools, ToolSpec{
			Name: ToolTaskComplete,
			Description: "Indicate that the task has been completed. " +
				"This ends the current loop and should always be the last tool called.",
			Parameters: objectSchema(map[string]any{
				"finish_message": stringParam("The final response to the user's task. " +
					"The user cannot see the swarm's communication, so include the full answer."),
			}, "finish_message"),
		})
	}

	return tools
}

// NewToolCall mints a call with a fresh id, mainly for scripted agents
// in tests and examples.
func NewToolCall(name string, args map[string]any) ToolCall {
	return ToolCall{ID: "call_" + uuid.NewString()[:8], Name: name, Args: args}
}
