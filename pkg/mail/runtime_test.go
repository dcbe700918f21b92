package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// script drives a deterministic agent: each delivery consumes the next
// step. Exhausted scripts keep awaiting so stray wake-ups are harmless.
type script struct {
	mu    sync.Mutex
	n     int
	steps []func(history []HistoryEntry) (string, []ToolCall)
}

func (s *script) fn() AgentFunction {
	return func(_ context.Context, history []HistoryEntry, _ string) (string, []ToolCall, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.n >= len(s.steps) {
			return "", []ToolCall{NewToolCall(ToolAwaitMessage, nil)}, nil
		}
		step := s.steps[s.n]
		s.n++
		text, calls := step(history)
		return text, calls, nil
	}
}

func step(calls ...ToolCall) func([]HistoryEntry) (string, []ToolCall) {
	return func([]HistoryEntry) (string, []ToolCall) { return "", calls }
}

func startRuntime(t *testing.T, cfg RuntimeConfig) *Runtime {
	t.Helper()
	if cfg.SwarmName == "" {
		cfg.SwarmName = "alpha"
	}
	r, err := NewRuntime(cfg)
	if err != nil {
		t.Fatalf("NewRuntime() error = %v", err)
	}
	r.Start()
	t.Cleanup(func() { r.Shutdown(2 * time.Second) })
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func userRequest(t *testing.T, taskID, target, body string) *Message {
	t.Helper()
	msg, err := NewRequest(taskID, UserAddress("user"), AgentAddress(target), "New Task", body)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	return msg
}

func TestNewRuntimeValidation(t *testing.T) {
	entry := &Agent{Name: "supervisor", EnableEntrypoint: true}
	cases := []struct {
		name string
		cfg  RuntimeConfig
	}{
		{"no swarm name", RuntimeConfig{Agents: []*Agent{entry}, Entrypoint: "supervisor"}},
		{"no agents", RuntimeConfig{SwarmName: "alpha", Entrypoint: "supervisor"}},
		{"reserved name", RuntimeConfig{SwarmName: "alpha", Entrypoint: "supervisor",
			Agents: []*Agent{entry, {Name: AllAgents}}}},
		{"duplicate agent", RuntimeConfig{SwarmName: "alpha", Entrypoint: "supervisor",
			Agents: []*Agent{entry, {Name: "supervisor"}}}},
		{"missing entrypoint", RuntimeConfig{SwarmName: "alpha", Entrypoint: "ghost",
			Agents: []*Agent{entry}}},
		{"entrypoint not enabled", RuntimeConfig{SwarmName: "alpha", Entrypoint: "worker",
			Agents: []*Agent{{Name: "worker"}}}},
	}
	for _, c := range cases {
		if _, err := NewRuntime(c.cfg); err == nil {
			t.Fatalf("%s: NewRuntime() accepted invalid config", c.name)
		}
	}
}

func TestRequestResponseCompletion(t *testing.T) {
	supervisor := &script{steps: []func([]HistoryEntry) (string, []ToolCall){
		step(NewToolCall(ToolSendRequest, map[string]any{
			"target": "analyst", "subject": "Analyze", "body": "run the numbers",
		})),
		step(NewToolCall(ToolTaskComplete, map[string]any{"finish_message": "the answer is 42"})),
	}}
	analyst := &script{steps: []func([]HistoryEntry) (string, []ToolCall){
		step(NewToolCall(ToolSendResponse, map[string]any{
			"target": "supervisor", "subject": "Re: Analyze", "body": "42",
		})),
	}}

	r := startRuntime(t, RuntimeConfig{
		Entrypoint: "supervisor",
		Agents: []*Agent{
			{Name: "supervisor", CommTargets: []string{"analyst"}, CanCompleteTasks: true,
				EnableEntrypoint: true, Function: supervisor.fn()},
			{Name: "analyst", CommTargets: []string{"supervisor"}, Function: analyst.fn()},
		},
	})

	got, err := r.SubmitAndWait(t.Context(), userRequest(t, "task-1", "supervisor", "what is the answer?"), 5*time.Second)
	if err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}
	if got != "the answer is 42" {
		t.Fatalf("finish = %q", got)
	}

	info, ok := r.TaskByID("task-1")
	if !ok || info.Status != TaskCompleted {
		t.Fatalf("task info = %+v", info)
	}
	if info.Owner != "user:user@alpha" {
		t.Fatalf("owner = %q", info.Owner)
	}

	msgs := r.MessagesForTask("task-1")
	if len(FilterMessagesByKind(msgs, KindTaskComplete)) != 1 {
		t.Fatalf("want exactly one task_complete, messages: %d", len(msgs))
	}

	// MAIL tool calls get an immediate tool-result entry so backends see
	// a closed call.
	history := r.HistoryFor("task-1", "supervisor")
	foundToolResult := false
	for _, entry := range history {
		if entry.Role == "tool" && strings.Contains(entry.Content, "Message sent.") {
			foundToolResult = true
		}
	}
	if !foundToolResult {
		t.Fatalf("supervisor history lacks the tool-result entry: %+v", history)
	}
}

func TestBroadcastFanoutAndAcknowledge(t *testing.T) {
	supervisor := &script{steps: []func([]HistoryEntry) (string, []ToolCall){
		step(NewToolCall(ToolSendBroadcast, map[string]any{
			"subject": "Heads up", "body": "maintenance window",
		})),
	}}
	analyst := &script{steps: []func([]HistoryEntry) (string, []ToolCall){
		step(NewToolCall(ToolAcknowledgeBroadcast, map[string]any{"note": "noted the window"})),
	}}
	intern := &script{steps: []func([]HistoryEntry) (string, []ToolCall){
		step(NewToolCall(ToolIgnoreBroadcast, map[string]any{"reason": "not my desk"})),
	}}

	r := startRuntime(t, RuntimeConfig{
		Entrypoint: "supervisor",
		Agents: []*Agent{
			{Name: "supervisor", CanCompleteTasks: true, EnableEntrypoint: true, Function: supervisor.fn()},
			{Name: "analyst", Function: analyst.fn()},
			{Name: "intern", Function: intern.fn()},
		},
	})

	if err := r.Submit(userRequest(t, "task-2", "supervisor", "tell everyone")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// The acknowledgment lands in the analyst's private history only.
	waitFor(t, "analyst acknowledgment", func() bool {
		for _, entry := range r.HistoryFor("task-2", "analyst") {
			if entry.Role == "system" && strings.Contains(entry.Content, "<acknowledged_broadcast/>") {
				return strings.Contains(entry.Content, "noted the window")
			}
		}
		return false
	})

	// The sender never receives its own broadcast.
	for _, entry := range r.HistoryFor("task-2", "supervisor") {
		if strings.Contains(entry.Content, "maintenance window") && entry.Role == "user" {
			t.Fatal("supervisor received its own broadcast")
		}
	}
}

func TestAcknowledgeOutsideBroadcast(t *testing.T) {
	supervisor := &script{steps: []func([]HistoryEntry) (string, []ToolCall){
		step(NewToolCall(ToolAcknowledgeBroadcast, map[string]any{"note": "wrong tool"})),
	}}

	r := startRuntime(t, RuntimeConfig{
		Entrypoint: "supervisor",
		Agents: []*Agent{
			{Name: "supervisor", CanCompleteTasks: true, EnableEntrypoint: true, Function: supervisor.fn()},
		},
	})

	if err := r.Submit(userRequest(t, "task-3", "supervisor", "hello")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitFor(t, "improper-use correction", func() bool {
		for _, entry := range r.HistoryFor("task-3", "supervisor") {
			if strings.Contains(entry.Content, "Improper use of `acknowledge_broadcast`") {
				return true
			}
		}
		return false
	})
}

func TestActionExecutionWakesCaller(t *testing.T) {
	supervisor := &script{steps: []func([]HistoryEntry) (string, []ToolCall){
		step(NewToolCall("lookup", map[string]any{"query": "meaning of life"})),
		func(history []HistoryEntry) (string, []ToolCall) {
			// The wake-up itself is invisible; the tool result must be the
			// last history entry.
			last := history[len(history)-1]
			if last.Role != "tool" {
				return "", []ToolCall{NewToolCall(ToolTaskComplete,
					map[string]any{"finish_message": "missing tool result"})}
			}
			return "", []ToolCall{NewToolCall(ToolTaskComplete,
				map[string]any{"finish_message": "lookup said: " + last.Content})}
		},
	}}

	r := startRuntime(t, RuntimeConfig{
		Entrypoint: "supervisor",
		Agents: []*Agent{
			{Name: "supervisor", CanCompleteTasks: true, EnableEntrypoint: true,
				Actions: []string{"lookup"}, Function: supervisor.fn()},
		},
		Actions: []*Action{{
			Name:        "lookup",
			Description: "looks a thing up",
			Fn: func(_ context.Context, args map[string]any) (string, error) {
				return "42", nil
			},
		}},
	})

	got, err := r.SubmitAndWait(t.Context(), userRequest(t, "task-4", "supervisor", "look it up"), 5*time.Second)
	if err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}
	if got != "lookup said: 42" {
		t.Fatalf("finish = %q", got)
	}

	kinds := map[string]int{}
	for _, ev := range r.EventsForTask("task-4") {
		kinds[ev.Kind]++
	}
	if kinds[EventActionCall] != 1 || kinds[EventActionComplete] != 1 {
		t.Fatalf("action events = %+v", kinds)
	}
}

func TestActionUnauthorizedAgent(t *testing.T) {
	supervisor := &script{steps: []func([]HistoryEntry) (string, []ToolCall){
		step(NewToolCall("lookup", map[string]any{})),
		step(NewToolCall(ToolTaskComplete, map[string]any{"finish_message": "done"})),
	}}

	r := startRuntime(t, RuntimeConfig{
		Entrypoint: "supervisor",
		Agents: []*Agent{
			// lookup exists but the supervisor never declared it.
			{Name: "supervisor", CanCompleteTasks: true, EnableEntrypoint: true, Function: supervisor.fn()},
		},
		Actions: []*Action{{
			Name: "lookup",
			Fn:   func(context.Context, map[string]any) (string, error) { return "42", nil },
		}},
	})

	if _, err := r.SubmitAndWait(t.Context(), userRequest(t, "task-5", "supervisor", "go"), 5*time.Second); err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}

	found := false
	for _, entry := range r.HistoryFor("task-5", "supervisor") {
		if strings.Contains(entry.Content, SubjectToolCallError) {
			found = true
		}
	}
	if !found {
		t.Fatal("unauthorized action did not produce a tool_call_error")
	}
}

func TestBreakpointPauseAndResume(t *testing.T) {
	supervisor := &script{steps: []func([]HistoryEntry) (string, []ToolCall){
		step(NewToolCall("deploy", map[string]any{"service": "api"})),
		func(history []HistoryEntry) (string, []ToolCall) {
			last := history[len(history)-1]
			return "", []ToolCall{NewToolCall(ToolTaskComplete,
				map[string]any{"finish_message": "deploy result: " + last.Content})}
		},
	}}

	r := startRuntime(t, RuntimeConfig{
		Entrypoint: "supervisor",
		Agents: []*Agent{
			{Name: "supervisor", CanCompleteTasks: true, EnableEntrypoint: true,
				Actions: []string{"deploy"}, Function: supervisor.fn()},
		},
		Actions: []*Action{{
			Name:       "deploy",
			Breakpoint: true,
		}},
	})

	if err := r.Submit(userRequest(t, "task-6", "supervisor", "ship it")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, "task paused at breakpoint", func() bool {
		info, ok := r.TaskByID("task-6")
		return ok && info.Status == TaskPaused
	})

	breakpoints := 0
	for _, ev := range r.EventsForTask("task-6") {
		if ev.Kind == EventBreakpointToolCall {
			breakpoints++
		}
	}
	if breakpoints != 1 {
		t.Fatalf("breakpoint events = %d, want 1", breakpoints)
	}

	// Resume demands both extras.
	err := r.Resume("task-6", ResumeBreakpointToolCall, map[string]string{
		ExtraBreakpointToolCallResult: `"ok"`,
	})
	if err == nil {
		t.Fatal("Resume() accepted extras without the caller")
	}

	err = r.Resume("task-6", ResumeBreakpointToolCall, map[string]string{
		ExtraBreakpointToolCaller:     "supervisor",
		ExtraBreakpointToolCallResult: `deployed api v2`,
	})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	got, err := r.WaitForCompletion(t.Context(), "task-6", 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForCompletion() error = %v", err)
	}
	if got != "deploy result: deployed api v2" {
		t.Fatalf("finish = %q", got)
	}

	// The breakpoint is consumed; a second resume has nothing pending.
	err = r.Resume("task-6", ResumeBreakpointToolCall, map[string]string{
		ExtraBreakpointToolCaller:     "supervisor",
		ExtraBreakpointToolCallResult: `"again"`,
	})
	if err == nil {
		t.Fatal("Resume() accepted a consumed breakpoint")
	}
}

func TestUnknownRecipientResponse(t *testing.T) {
	supervisor := &script{steps: []func([]HistoryEntry) (string, []ToolCall){
		step(NewToolCall(ToolSendRequest, map[string]any{
			"target": "ghost", "subject": "hello", "body": "anyone there?",
		})),
		step(NewToolCall(ToolTaskComplete, map[string]any{"finish_message": "gave up"})),
	}}

	r := startRuntime(t, RuntimeConfig{
		Entrypoint: "supervisor",
		Agents: []*Agent{
			{Name: "supervisor", CommTargets: []string{"ghost"}, CanCompleteTasks: true,
				EnableEntrypoint: true, Function: supervisor.fn()},
		},
	})

	if _, err := r.SubmitAndWait(t.Context(), userRequest(t, "task-7", "supervisor", "go"), 5*time.Second); err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}

	found := false
	for _, entry := range r.HistoryFor("task-7", "supervisor") {
		if strings.Contains(entry.Content, `Unknown Agent: &#34;ghost&#34;`) ||
			strings.Contains(entry.Content, `Unknown Agent`) {
			found = true
		}
	}
	if !found {
		t.Fatal("supervisor never saw the Unknown Agent correction")
	}
}

func TestImproperResponseToUser(t *testing.T) {
	supervisor := &script{steps: []func([]HistoryEntry) (string, []ToolCall){
		step(NewToolCall(ToolSendResponse, map[string]any{
			"target": "user", "subject": "Done", "body": "here you go",
		})),
		step(NewToolCall(ToolTaskComplete, map[string]any{"finish_message": "done properly"})),
	}}

	r := startRuntime(t, RuntimeConfig{
		Entrypoint: "supervisor",
		Agents: []*Agent{
			{Name: "supervisor", CommTargets: []string{"user"}, CanCompleteTasks: true,
				EnableEntrypoint: true, Function: supervisor.fn()},
		},
	})

	got, err := r.SubmitAndWait(t.Context(), userRequest(t, "task-8", "supervisor", "go"), 5*time.Second)
	if err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}
	if got != "done properly" {
		t.Fatalf("finish = %q", got)
	}

	found := false
	for _, entry := range r.HistoryFor("task-8", "supervisor") {
		if strings.Contains(entry.Content, "unable to respond to your message") {
			found = true
		}
	}
	if !found {
		t.Fatal("supervisor never saw the improper-response correction")
	}
}

func TestSystemToSystemEndsTask(t *testing.T) {
	idle := &script{}
	r := startRuntime(t, RuntimeConfig{
		Entrypoint: "supervisor",
		Agents: []*Agent{
			{Name: "supervisor", CanCompleteTasks: true, EnableEntrypoint: true, Function: idle.fn()},
		},
	})

	// A system envelope addressed at a nonexistent agent must not bounce
	// forever between system correction responses.
	msg, err := NewResponse("task-9", SystemAddress("system"), AgentAddress("nobody"), SubjectAgentError, "boom", "")
	if err != nil {
		t.Fatalf("NewResponse() error = %v", err)
	}
	got, err := r.SubmitAndWait(t.Context(), msg, 5*time.Second)
	if err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}
	if !strings.Contains(got, "System-to-system messages immediately end the task") {
		t.Fatalf("finish = %q", got)
	}
}

func TestAgentErrorRecovery(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	r := startRuntime(t, RuntimeConfig{
		Entrypoint: "supervisor",
		Agents: []*Agent{
			{Name: "supervisor", CanCompleteTasks: true, EnableEntrypoint: true,
				Function: func(_ context.Context, _ []HistoryEntry, _ string) (string, []ToolCall, error) {
					mu.Lock()
					defer mu.Unlock()
					calls++
					if calls == 1 {
						return "", nil, errors.New("backend unavailable")
					}
					return "", []ToolCall{NewToolCall(ToolTaskComplete,
						map[string]any{"finish_message": "recovered"})}, nil
				}},
		},
	})

	got, err := r.SubmitAndWait(t.Context(), userRequest(t, "task-10", "supervisor", "go"), 5*time.Second)
	if err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}
	if got != "recovered" {
		t.Fatalf("finish = %q", got)
	}

	errorEvents := 0
	for _, ev := range r.EventsForTask("task-10") {
		if ev.Kind == EventAgentError {
			errorEvents++
		}
	}
	if errorEvents != 1 {
		t.Fatalf("agent_error events = %d, want 1", errorEvents)
	}
}

func TestRouterUnavailable(t *testing.T) {
	supervisor := &script{steps: []func([]HistoryEntry) (string, []ToolCall){
		step(NewToolCall(ToolSendRequest, map[string]any{
			"target": "helper@beta", "subject": "hi", "body": "remote work",
		})),
		step(NewToolCall(ToolTaskComplete, map[string]any{"finish_message": "reported the outage"})),
	}}

	r := startRuntime(t, RuntimeConfig{
		Entrypoint: "supervisor",
		Agents: []*Agent{
			{Name: "supervisor", CommTargets: []string{"helper@beta"}, CanCompleteTasks: true,
				EnableEntrypoint: true, EnableInterswarm: true, Function: supervisor.fn()},
		},
	})

	if _, err := r.SubmitAndWait(t.Context(), userRequest(t, "task-11", "supervisor", "go"), 5*time.Second); err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}

	found := false
	for _, entry := range r.HistoryFor("task-11", "supervisor") {
		if strings.Contains(entry.Content, SubjectRouterError) {
			found = true
		}
	}
	if !found {
		t.Fatal("supervisor never saw the router_error response")
	}
}

func TestTaskTimeout(t *testing.T) {
	idle := &script{}
	r := startRuntime(t, RuntimeConfig{
		Entrypoint: "supervisor",
		Agents: []*Agent{
			{Name: "supervisor", CanCompleteTasks: true, EnableEntrypoint: true, Function: idle.fn()},
		},
	})

	_, err := r.SubmitAndWait(t.Context(), userRequest(t, "task-12", "supervisor", "never finishes"), 100*time.Millisecond)
	if !errors.Is(err, ErrTaskTimeout) {
		t.Fatalf("error = %v, want ErrTaskTimeout", err)
	}
	info, ok := r.TaskByID("task-12")
	if !ok || info.Status != TaskErrored {
		t.Fatalf("task info = %+v, want errored", info)
	}
}

func TestCancelResolvesWaiters(t *testing.T) {
	idle := &script{}
	r := startRuntime(t, RuntimeConfig{
		Entrypoint: "supervisor",
		Agents: []*Agent{
			{Name: "supervisor", CanCompleteTasks: true, EnableEntrypoint: true, Function: idle.fn()},
		},
	})

	if err := r.Submit(userRequest(t, "task-13", "supervisor", "pending")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	r.Cancel("task-13")
	r.Cancel("task-13") // idempotent

	_, err := r.WaitForCompletion(t.Context(), "task-13", time.Second)
	if !errors.Is(err, ErrTaskCancelled) {
		t.Fatalf("error = %v, want ErrTaskCancelled", err)
	}
}

func TestDuplicateTaskCompleteDiscarded(t *testing.T) {
	idle := &script{}
	r := startRuntime(t, RuntimeConfig{
		Entrypoint: "supervisor",
		Agents: []*Agent{
			{Name: "supervisor", CanCompleteTasks: true, EnableEntrypoint: true, Function: idle.fn()},
		},
	})

	first := NewTaskComplete("task-14", AgentAddress("supervisor"), "Task complete", "first wins")
	second := NewTaskComplete("task-14", AgentAddress("supervisor"), "Task complete", "late duplicate")

	got, err := r.SubmitAndWait(t.Context(), first, 5*time.Second)
	if err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}
	if got != "first wins" {
		t.Fatalf("finish = %q", got)
	}

	if err := r.Submit(second); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, "queue drained", func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.queue.Len() == 0
	})

	completions := 0
	for _, ev := range r.EventsForTask("task-14") {
		if ev.Kind == EventTaskComplete {
			completions++
		}
	}
	if completions != 1 {
		t.Fatalf("task_complete events = %d, want 1", completions)
	}
}

func TestFollowUpOnCompletedTask(t *testing.T) {
	supervisor := &script{steps: []func([]HistoryEntry) (string, []ToolCall){
		step(NewToolCall(ToolTaskComplete, map[string]any{"finish_message": "first answer"})),
		step(NewToolCall(ToolTaskComplete, map[string]any{"finish_message": "second answer"})),
	}}
	r := startRuntime(t, RuntimeConfig{
		Entrypoint: "supervisor",
		Agents: []*Agent{
			{Name: "supervisor", CanCompleteTasks: true, EnableEntrypoint: true, Function: supervisor.fn()},
		},
	})

	got, err := r.SubmitAndWait(t.Context(), userRequest(t, "task-15", "supervisor", "first"), 5*time.Second)
	if err != nil || got != "first answer" {
		t.Fatalf("first round = %q, %v", got, err)
	}

	if err := r.Resume("task-15", ResumeUserResponse, nil); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	got, err = r.SubmitAndWait(t.Context(), userRequest(t, "task-15", "supervisor", "follow-up"), 5*time.Second)
	if err != nil || got != "second answer" {
		t.Fatalf("second round = %q, %v", got, err)
	}

	// Histories persist across the resume boundary.
	history := r.HistoryFor("task-15", "supervisor")
	rendered := 0
	for _, entry := range history {
		if entry.Role == "user" && strings.Contains(entry.Content, "<incoming_message>") {
			rendered++
		}
	}
	if rendered != 2 {
		t.Fatalf("rendered deliveries = %d, want 2", rendered)
	}
}

func TestSubmitAndStreamReplaysAndCloses(t *testing.T) {
	supervisor := &script{steps: []func([]HistoryEntry) (string, []ToolCall){
		step(NewToolCall(ToolTaskComplete, map[string]any{"finish_message": "streamed"})),
	}}
	r := startRuntime(t, RuntimeConfig{
		Entrypoint: "supervisor",
		Agents: []*Agent{
			{Name: "supervisor", CanCompleteTasks: true, EnableEntrypoint: true, Function: supervisor.fn()},
		},
	})

	events, err := r.SubmitAndStream(t.Context(), userRequest(t, "task-16", "supervisor", "stream me"), 5*time.Second)
	if err != nil {
		t.Fatalf("SubmitAndStream() error = %v", err)
	}

	kinds := map[string]int{}
	for ev := range events {
		kinds[ev.Kind]++
	}
	if kinds[EventNewMessage] == 0 {
		t.Fatalf("stream carried no new_message events: %+v", kinds)
	}
	if kinds[EventTaskComplete] != 1 {
		t.Fatalf("stream task_complete = %d, want 1: %+v", kinds[EventTaskComplete], kinds)
	}

	// A second stream on the finished task replays and closes immediately.
	replay, err := r.StreamTask(t.Context(), "task-16", time.Second)
	if err != nil {
		t.Fatalf("StreamTask() error = %v", err)
	}
	replayed := 0
	for range replay {
		replayed++
	}
	if replayed == 0 {
		t.Fatal("replay stream was empty")
	}
}

func TestResumeUnknownTask(t *testing.T) {
	idle := &script{}
	r := startRuntime(t, RuntimeConfig{
		Entrypoint: "supervisor",
		Agents: []*Agent{
			{Name: "supervisor", CanCompleteTasks: true, EnableEntrypoint: true, Function: idle.fn()},
		},
	})
	if err := r.Resume("nope", ResumeUserResponse, nil); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("error = %v, want ErrUnknownTask", err)
	}
	if _, err := r.WaitForCompletion(t.Context(), "nope", time.Second); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("error = %v, want ErrUnknownTask", err)
	}
}

func TestShutdownRejectsSubmissions(t *testing.T) {
	idle := &script{}
	r, err := NewRuntime(RuntimeConfig{
		SwarmName:  "alpha",
		Entrypoint: "supervisor",
		Agents: []*Agent{
			{Name: "supervisor", CanCompleteTasks: true, EnableEntrypoint: true, Function: idle.fn()},
		},
	})
	if err != nil {
		t.Fatalf("NewRuntime() error = %v", err)
	}
	r.Start()
	r.Shutdown(time.Second)

	err = r.Submit(userRequest(t, "task-17", "supervisor", "too late"))
	if !errors.Is(err, ErrShutdown) {
		t.Fatalf("error = %v, want ErrShutdown", err)
	}
}

func TestShutdownDrainsInFlightTask(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	r := startRuntime(t, RuntimeConfig{
		Entrypoint: "supervisor",
		Agents: []*Agent{{
			Name: "supervisor", CanCompleteTasks: true, EnableEntrypoint: true,
			Function: func(_ context.Context, _ []HistoryEntry, _ string) (string, []ToolCall, error) {
				once.Do(func() { close(started) })
				<-release
				return "", []ToolCall{NewToolCall(ToolTaskComplete,
					map[string]any{"finish_message": "landed during drain"})}, nil
			},
		}},
	})

	if err := r.Submit(userRequest(t, "task-drain", "supervisor", "finish before the lights go out")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never started")
	}

	done := make(chan struct{})
	go func() {
		r.Shutdown(5 * time.Second)
		close(done)
	}()
	late := userRequest(t, "task-late", "supervisor", "too late")
	waitFor(t, "submissions to be refused", func() bool {
		return errors.Is(r.Submit(late), ErrShutdown)
	})

	// The completion emitted during the grace period must still land.
	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown() did not return")
	}
	info, ok := r.TaskByID("task-drain")
	if !ok || info.Status != TaskCompleted {
		t.Fatalf("task = %+v, want completed", info)
	}
}

func TestRegisterTaskMergesContributors(t *testing.T) {
	idle := &script{}
	r := startRuntime(t, RuntimeConfig{
		Entrypoint: "supervisor",
		Agents: []*Agent{
			{Name: "supervisor", CanCompleteTasks: true, EnableEntrypoint: true, Function: idle.fn()},
		},
	})

	owner := "user:user@beta"
	r.RegisterTask("task-18", owner, []string{owner, "swarm:beta@beta"})
	r.RegisterTask("task-18", owner, []string{owner})

	info, ok := r.TaskByID("task-18")
	if !ok {
		t.Fatal("task not registered")
	}
	if info.Owner != owner {
		t.Fatalf("owner = %q", info.Owner)
	}
	want := map[string]bool{owner: true, "swarm:beta@beta": true, "swarm:alpha@alpha": true}
	if len(info.Contributors) != len(want) {
		t.Fatalf("contributors = %+v", info.Contributors)
	}
	for _, c := range info.Contributors {
		if !want[c] {
			t.Fatalf("unexpected contributor %q", c)
		}
	}
}

func TestHandleInterswarmResponseDropsUnknownCompletion(t *testing.T) {
	idle := &script{}
	r := startRuntime(t, RuntimeConfig{
		Entrypoint: "supervisor",
		Agents: []*Agent{
			{Name: "supervisor", CanCompleteTasks: true, EnableEntrypoint: true, Function: idle.fn()},
		},
	})

	complete := NewTaskComplete("never-seen", AgentAddress("helper@beta"), "Task complete", "late echo")
	if err := r.HandleInterswarmResponse(complete); err != nil {
		t.Fatalf("HandleInterswarmResponse() error = %v", err)
	}
	if _, ok := r.TaskByID("never-seen"); ok {
		t.Fatal("dropped completion still created a task")
	}
}

func TestPendingRequests(t *testing.T) {
	idle := &script{}
	r := startRuntime(t, RuntimeConfig{
		Entrypoint: "supervisor",
		Agents: []*Agent{
			{Name: "supervisor", CanCompleteTasks: true, EnableEntrypoint: true, Function: idle.fn()},
		},
	})

	for _, id := range []string{"task-b", "task-a"} {
		if err := r.Submit(userRequest(t, id, "supervisor", "work")); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	pending := r.PendingRequests()
	if len(pending) != 2 || pending[0] != "task-a" || pending[1] != "task-b" {
		t.Fatalf("pending = %v", pending)
	}

	r.Cancel("task-a")
	pending = r.PendingRequests()
	if len(pending) != 1 || pending[0] != "task-b" {
		t.Fatalf("pending after cancel = %v", pending)
	}
}

func TestRemoteNamesakeSenderStillDelivered(t *testing.T) {
	idle := &script{}
	r := startRuntime(t, RuntimeConfig{
		SwarmName: "beta",
		Agents: []*Agent{
			{Name: "supervisor", CanCompleteTasks: true, EnableEntrypoint: true, Function: idle.fn()},
		},
		Entrypoint: "supervisor",
	})

	// A remote agent that happens to share the local agent's name is a
	// different party; its envelope must be delivered.
	msg, err := NewRequest("task-remote", AgentAddress("supervisor@alpha"),
		AgentAddress("supervisor"), "Remote work", "please handle this")
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if err := r.Submit(msg); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, "delivery from the remote namesake", func() bool {
		return len(r.HistoryFor("task-remote", "supervisor")) > 0
	})
	history := r.HistoryFor("task-remote", "supervisor")
	if !strings.Contains(history[0].Content, "supervisor@alpha") {
		t.Fatalf("history[0] = %q", history[0].Content)
	}

	// The same-swarm spelling of the sender is still its own envelope
	// and stays suppressed. The control from another remote agent acts
	// as a fence: once it lands, the self envelope had its chance.
	self, err := NewRequest("task-self", AgentAddress("supervisor@beta"),
		AgentAddress("supervisor"), "Echo", "to myself")
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if err := r.Submit(self); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	control, err := NewRequest("task-self", AgentAddress("coordinator@alpha"),
		AgentAddress("supervisor"), "Control", "after the echo")
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if err := r.Submit(control); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, "the control delivery", func() bool {
		return len(r.HistoryFor("task-self", "supervisor")) > 0
	})
	for _, entry := range r.HistoryFor("task-self", "supervisor") {
		if strings.Contains(entry.Content, "to myself") {
			t.Fatalf("self-addressed envelope was delivered: %q", entry.Content)
		}
	}
}

func TestTaskFilters(t *testing.T) {
	msgs := []*Message{
		queuedMessage("1", "t", KindRequest, UserAddress("user"), time.Now()),
		queuedMessage("2", "t", KindResponse, AgentAddress("analyst"), time.Now()),
		queuedMessage("3", "t", KindBroadcast, SystemAddress("system"), time.Now()),
	}
	if got := len(FilterMessagesByKind(msgs, KindResponse)); got != 1 {
		t.Fatalf("by kind = %d", got)
	}
	if got := len(FilterMessagesBySender(msgs, AddressSystem)); got != 1 {
		t.Fatalf("by sender = %d", got)
	}
	// The analyst sent message 2 and the broadcast targets all; the
	// user request is addressed elsewhere.
	if got := len(FilterMessagesByAgent(msgs, "analyst")); got != 2 {
		t.Fatalf("by agent = %d", got)
	}
}

func TestLocalTaskOwnerFormat(t *testing.T) {
	idle := &script{}
	r := startRuntime(t, RuntimeConfig{
		SwarmName: "gamma",
		UserID:    "ops",
		Agents: []*Agent{
			{Name: "supervisor", CanCompleteTasks: true, EnableEntrypoint: true, Function: idle.fn()},
		},
		Entrypoint: "supervisor",
	})
	if got := r.LocalTaskOwner(); got != "user:ops@gamma" {
		t.Fatalf("LocalTaskOwner() = %q", got)
	}
	if fmt.Sprintf("%s", r.SwarmName()) != "gamma" {
		t.Fatalf("SwarmName() = %q", r.SwarmName())
	}
}
