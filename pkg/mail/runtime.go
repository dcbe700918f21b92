package mail

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mail-swarm/mail/pkg/logger"
)

var (
	ErrTaskTimeout   = errors.New("task timed out")
	ErrTaskCancelled = errors.New("task cancelled")
	ErrShutdown      = errors.New("runtime is shut down")
	ErrUnknownTask   = errors.New("unknown task")
)

// ResumeMode selects how a submission re-enters an existing task.
type ResumeMode string

const (
	ResumeUserResponse       ResumeMode = "user_response"
	ResumeBreakpointToolCall ResumeMode = "breakpoint_tool_call"
)

// Extras keys required for breakpoint resumption.
const (
	ExtraBreakpointToolCaller     = "breakpoint_tool_caller"
	ExtraBreakpointToolCallResult = "breakpoint_tool_call_result"
)

// Router bridges the runtime with peer swarms. The runtime hands it
// envelopes whose recipients live elsewhere; errors come back to the
// sending agent as ::router_error:: responses.
type Router interface {
	// RouteMessage wraps and delivers an envelope whose recipients are
	// remote. owner and contributors describe the task for wrapping.
	RouteMessage(ctx context.Context, msg *Message, owner string, contributors []string) error

	// NotifyTaskComplete propagates a completion envelope across swarms:
	// to the owner when the local instance is a contributor, or to every
	// remote contributor when the local instance owns the task.
	// Best-effort; failures are logged, never fatal.
	NotifyTaskComplete(ctx context.Context, msg *Message, owner string, contributors []string)

	// DiscoverSwarms polls advertised catalog URLs and registers the
	// peers they return. Returns the number of newly registered peers.
	DiscoverSwarms(ctx context.Context, urls []string) (int, error)
}

// RuntimeConfig wires a runtime instance.
type RuntimeConfig struct {
	SwarmName  string
	UserID     string
	Entrypoint string
	Agents     []*Agent
	Actions    []*Action

	// StreamHeartbeat is the idle ping period for event streams.
	// Defaults to 15s.
	StreamHeartbeat time.Duration
}

const logComponent = "runtime"

// Runtime is the priority-scheduled message-passing core. A single
// dispatch goroutine owns dequeue order; agent invocations run in their
// own goroutines so tasks interleave. All shared state is serialized
// through mu.
type Runtime struct {
	mu   sync.Mutex
	cond *sync.Cond

	swarmName  string
	userID     string
	entrypoint string

	agents     map[string]*Agent
	agentOrder []string
	executor   *ActionExecutor

	queue     *messageQueue
	tasks     map[string]*Task
	histories map[string][]HistoryEntry

	router Router

	heartbeat time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	draining bool
	down     bool
	loopDone chan struct{}
	active   sync.WaitGroup
}

func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.SwarmName == "" {
		return nil, fmt.Errorf("swarm name is required")
	}
	if len(cfg.Agents) == 0 {
		return nil, fmt.Errorf("at least one agent is required")
	}

	agents := make(map[string]*Agent, len(cfg.Agents))
	order := make([]string, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a.Name == AllAgents {
			return nil, fmt.Errorf("agent name %q is reserved", AllAgents)
		}
		if _, dup := agents[a.Name]; dup {
			return nil, fmt.Errorf("duplicate agent %q", a.Name)
		}
		agents[a.Name] = a
		order = append(order, a.Name)
	}
	sort.Strings(order)

	if cfg.Entrypoint == "" {
		return nil, fmt.Errorf("entrypoint is required")
	}
	ep, ok := agents[cfg.Entrypoint]
	if !ok {
		return nil, fmt.Errorf("entrypoint agent %q not found", cfg.Entrypoint)
	}
	if !ep.EnableEntrypoint {
		return nil, fmt.Errorf("agent %q is not marked as an entrypoint", cfg.Entrypoint)
	}

	executor, err := NewActionExecutor(cfg.Actions)
	if err != nil {
		return nil, err
	}

	hb := cfg.StreamHeartbeat
	if hb <= 0 {
		hb = 15 * time.Second
	}

	userID := cfg.UserID
	if userID == "" {
		userID = "user"
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		swarmName:  cfg.SwarmName,
		userID:     userID,
		entrypoint: cfg.Entrypoint,
		agents:     agents,
		agentOrder: order,
		executor:   executor,
		queue:      newMessageQueue(),
		tasks:      make(map[string]*Task),
		histories:  make(map[string][]HistoryEntry),
		heartbeat:  hb,
		ctx:        ctx,
		cancel:     cancel,
		loopDone:   make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	return r, nil
}

// SetRouter injects the interswarm router. Must be called before Start.
func (r *Runtime) SetRouter(router Router) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.router = router
}

// SwarmName reports the local swarm's name.
func (r *Runtime) SwarmName() string { return r.swarmName }

// Entrypoint reports the declared entrypoint agent.
func (r *Runtime) Entrypoint() string { return r.entrypoint }

// LocalTaskOwner is the owner identity stamped on tasks created here.
func (r *Runtime) LocalTaskOwner() string {
	return fmt.Sprintf("user:%s@%s", r.userID, r.swarmName)
}

// Start launches the dispatch loop.
func (r *Runtime) Start() {
	go r.dispatchLoop()
}

func (r *Runtime) dispatchLoop() {
	defer close(r.loopDone)
	for {
		r.mu.Lock()
		for r.queue.Len() == 0 && !r.down {
			r.cond.Wait()
		}
		if r.down {
			r.mu.Unlock()
			return
		}
		msg := r.queue.Pop()
		r.mu.Unlock()

		r.step(msg)
	}
}

// step processes one dequeued envelope, recovering from panics so a
// misbehaving handler cannot kill the loop.
func (r *Runtime) step(msg *Message) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorCF(logComponent, "dispatch panic", map[string]any{
				"task_id": msg.TaskID, "panic": fmt.Sprint(rec),
			})
			r.systemBroadcastAll(msg.TaskID, SubjectRuntimeError,
				fmt.Sprintf("The runtime recovered from an internal error: %v", rec))
		}
	}()
	r.processMessage(msg)
}

func (r *Runtime) processMessage(msg *Message) {
	r.mu.Lock()
	task := r.ensureTaskLocked(msg.TaskID)

	// Paused tasks accumulate their traffic in the stash until resumed.
	if task.Status == TaskPaused {
		task.stash = append(task.stash, msg)
		r.mu.Unlock()
		return
	}

	if msg.Kind == KindTaskComplete {
		r.completeTaskLocked(task, msg)
		r.mu.Unlock()
		return
	}

	local, remote := r.splitRecipientsLocked(msg)
	router := r.router
	owner := task.Owner
	contributors := append([]string(nil), task.Contributors...)
	r.mu.Unlock()

	if len(remote) > 0 {
		remoteMsg := msg.withRecipients(remote)
		if router == nil {
			r.routerError(msg.TaskID, msg.Sender,
				"The MAIL interswarm router is not currently available.")
		} else {
			r.active.Add(1)
			go func() {
				defer r.active.Done()
				if err := router.RouteMessage(r.ctx, remoteMsg, owner, contributors); err != nil {
					logger.ErrorCF(logComponent, "interswarm routing failed", map[string]any{
						"task_id": msg.TaskID, "error": err.Error(),
					})
					r.routerError(msg.TaskID, msg.Sender, fmt.Sprintf(
						"Your message was not delivered. The MAIL interswarm router encountered the following error: %v", err))
				}
			}()
		}
	}

	if len(local) > 0 {
		r.processLocal(msg.withRecipients(local))
	}
}

// withRecipients clones the envelope with a narrowed recipient list.
func (m *Message) withRecipients(recipients []Address) *Message {
	clone := *m
	switch m.Kind {
	case KindRequest, KindResponse:
		clone.Recipient = recipients[0]
	default:
		clone.Recipients = recipients
	}
	return &clone
}

// splitRecipientsLocked partitions recipients into local and remote
// legs. A recipient is remote iff its name carries a swarm suffix other
// than the local swarm.
func (r *Runtime) splitRecipientsLocked(msg *Message) (local, remote []Address) {
	for _, addr := range msg.AllRecipients() {
		_, swarm := ParseAddress(addr.Name)
		if swarm != "" && swarm != r.swarmName {
			remote = append(remote, addr)
		} else {
			local = append(local, addr)
		}
	}
	return local, remote
}

// processLocal fans an envelope out to its local recipients. Fanout to
// "all" expands to every agent, duplicates collapse, and a local sender
// never receives its own envelope. A remote sender sharing a local
// agent's name is a different party and still gets delivery.
func (r *Runtime) processLocal(msg *Message) {
	r.mu.Lock()
	var names []string
	for _, addr := range msg.AllRecipients() {
		bare, _ := ParseAddress(addr.Name)
		if bare == AllAgents && addr.Kind == AddressAgent {
			names = append(names, r.agentOrder...)
		} else {
			names = append(names, bare)
		}
	}
	seen := make(map[string]bool, len(names))
	var recipients []string
	senderBare, senderSwarm := ParseAddress(msg.Sender.Name)
	senderLocal := senderSwarm == "" || senderSwarm == r.swarmName
	for _, n := range names {
		if seen[n] || (senderLocal && n == senderBare) {
			continue
		}
		seen[n] = true
		recipients = append(recipients, n)
	}
	task := r.ensureTaskLocked(msg.TaskID)
	task.recordMessage(msg)
	task.recordEvent(NewEvent(EventNewMessage, msg.TaskID,
		fmt.Sprintf("message from %q with subject %q", msg.Sender.Name, msg.Subject),
		map[string]any{"message": msg}))
	r.mu.Unlock()

	for _, name := range recipients {
		if _, ok := r.agents[name]; ok {
			r.deliver(name, msg)
			continue
		}
		r.handleUnknownRecipient(name, msg)
	}
}

func (r *Runtime) handleUnknownRecipient(name string, msg *Message) {
	switch {
	case name == r.userID || msg.Recipient.Kind == AddressUser:
		// Agents cannot talk to the user directly; only task_complete
		// reaches them.
		r.recordTaskEvent(msg.TaskID, NewEvent(EventAgentError, msg.TaskID,
			fmt.Sprintf("agent %q attempted to send a message to the user", msg.Sender.Name), nil))
		r.submitSystemResponse(msg.TaskID, msg.Sender, "Improper response to user",
			fmt.Sprintf("The user (%q) is unable to respond to your message.\n"+
				"If the user's task is complete, use the 'task_complete' tool.\n"+
				"Otherwise, continue working with your agents to complete the user's task.", r.userID))
	case msg.Sender.Kind == AddressSystem:
		// A system envelope bounced back at the system means an agent
		// failed to absorb an error response. End the task to break the
		// loop.
		r.recordTaskEvent(msg.TaskID, NewEvent(EventTaskError, msg.TaskID,
			fmt.Sprintf("system-to-system message with recipient %q ends the task", name), nil))
		complete := NewTaskComplete(msg.TaskID, SystemAddress("system"),
			"Error: System-to-system message",
			fmt.Sprintf("A message from the system could not be delivered to %q. "+
				"System-to-system messages immediately end the task to prevent infinite loops.", name))
		_ = r.enqueue(complete)
	default:
		logger.WarnCF(logComponent, "unknown local agent", map[string]any{
			"recipient": name, "task_id": msg.TaskID,
		})
		r.recordTaskEvent(msg.TaskID, NewEvent(EventAgentError, msg.TaskID,
			fmt.Sprintf("agent %q is unknown; message from %q cannot be delivered", name, msg.Sender.Name), nil))
		r.submitSystemResponse(msg.TaskID, msg.Sender,
			fmt.Sprintf("Unknown Agent: %q", name),
			fmt.Sprintf("The agent %q is not known to this swarm.\n"+
				"Your directly reachable agents can be found in the tool definitions for `send_request` and `send_response`.", name))
	}
}

// deliver appends the envelope to one agent's history and invokes its
// function in a fresh goroutine so tasks interleave.
func (r *Runtime) deliver(agentName string, msg *Message) {
	agent := r.agents[agentName]

	r.mu.Lock()
	key := historyKey(msg.TaskID, agentName)
	if msg.Subject != SubjectActionComplete {
		r.histories[key] = append(r.histories[key], HistoryEntry{
			Role:    "user",
			Content: RenderXML(msg),
		})
	}
	snapshot := append([]HistoryEntry(nil), r.histories[key]...)
	r.mu.Unlock()

	r.active.Add(1)
	go func() {
		defer r.active.Done()
		text, calls, err := agent.Function(r.ctx, snapshot, "required")
		if err != nil {
			logger.ErrorCF(logComponent, "agent function failed", map[string]any{
				"agent": agentName, "task_id": msg.TaskID, "error": err.Error(),
			})
			r.recordTaskEvent(msg.TaskID, NewEvent(EventAgentError, msg.TaskID,
				fmt.Sprintf("agent %q failed: %v", agentName, err), nil))
			r.submitSystemResponse(msg.TaskID, AgentAddress(agentName), SubjectAgentError,
				fmt.Sprintf("An error occurred while running agent %q: %v\n"+
					"Use this information to decide how to complete your task.", agentName, err))
			return
		}
		r.handleAgentOutput(agent, msg, text, calls)
	}()
}

func (r *Runtime) handleAgentOutput(agent *Agent, msg *Message, text string, calls []ToolCall) {
	taskID := msg.TaskID
	key := historyKey(taskID, agent.Name)

	r.mu.Lock()
	r.histories[key] = append(r.histories[key], HistoryEntry{
		Role:      "assistant",
		Content:   text,
		ToolCalls: calls,
	})
	for _, call := range calls {
		if IsBuiltinTool(call.Name) {
			r.histories[key] = append(r.histories[key], HistoryEntry{
				Role:       "tool",
				Content:    "Message sent. The response, if any, will be sent in the next user message.",
				ToolCallID: call.ID,
			})
		}
	}
	r.mu.Unlock()

	for _, call := range calls {
		r.recordTaskEvent(taskID, NewEvent(EventToolCall, taskID,
			fmt.Sprintf("agent %q called %q", agent.Name, call.Name), nil))
		r.handleToolCall(agent, msg, call)
	}
}

func (r *Runtime) handleToolCall(agent *Agent, msg *Message, call ToolCall) {
	taskID := msg.TaskID

	switch call.Name {
	case ToolAcknowledgeBroadcast:
		if msg.Kind != KindBroadcast {
			r.submitSystemResponse(taskID, AgentAddress(agent.Name),
				"Improper use of `acknowledge_broadcast`",
				fmt.Sprintf("The `acknowledge_broadcast` tool cannot be used in response to a message of type %q.\n"+
					"If your sender's message is a 'request', consider using `send_response` instead.", msg.Kind))
			return
		}
		note := call.ArgString("note")
		record := "<acknowledged_broadcast/>"
		if note != "" {
			record += "\n" + note
		}
		r.mu.Lock()
		key := historyKey(taskID, agent.Name)
		r.histories[key] = append(r.histories[key], HistoryEntry{Role: "system", Content: record})
		r.mu.Unlock()
	case ToolIgnoreBroadcast, ToolAwaitMessage:
		// No outbound traffic. Scheduling is message-driven, so the
		// agent sleeps until something addresses it again.
	case ToolDiscoverSwarms:
		r.handleDiscoverSwarms(agent, taskID, call)
	case ToolSendRequest, ToolSendResponse, ToolSendInterrupt,
		ToolSendBroadcast, ToolSendInterswarmBroadcast, ToolTaskComplete:
		if call.Name == ToolTaskComplete && !agent.CanCompleteTasks {
			r.submitSystemResponse(taskID, AgentAddress(agent.Name), SubjectToolCallError,
				fmt.Sprintf("Agent %q is not permitted to complete tasks.", agent.Name))
			return
		}
		out, err := CallToEnvelope(call, agent, taskID)
		if err != nil {
			r.recordTaskEvent(taskID, NewEvent(EventToolCall, taskID,
				fmt.Sprintf("tool call %q by %q rejected: %v", call.Name, agent.Name, err), nil))
			r.submitSystemResponse(taskID, AgentAddress(agent.Name), SubjectToolCallError,
				fmt.Sprintf("Your %q call was rejected: %v", call.Name, err))
			return
		}
		if err := r.enqueue(out); err != nil {
			logger.WarnCF(logComponent, "submit after tool call failed", map[string]any{
				"tool": call.Name, "task_id": taskID, "error": err.Error(),
			})
		}
	default:
		r.executeAction(agent, taskID, call)
	}
}

func (r *Runtime) handleDiscoverSwarms(agent *Agent, taskID string, call ToolCall) {
	r.mu.Lock()
	router := r.router
	r.mu.Unlock()
	if router == nil {
		r.routerError(taskID, AgentAddress(agent.Name),
			"The MAIL interswarm router is not currently available.")
		return
	}
	urls := call.ArgStringSlice("discovery_urls")
	r.active.Add(1)
	go func() {
		defer r.active.Done()
		n, err := router.DiscoverSwarms(r.ctx, urls)
		if err != nil {
			r.routerError(taskID, AgentAddress(agent.Name),
				fmt.Sprintf("Swarm discovery failed: %v", err))
			return
		}
		r.submitSystemResponse(taskID, AgentAddress(agent.Name), "Swarm discovery complete",
			fmt.Sprintf("Registered %d new swarm(s) from %d discovery URL(s).", n, len(urls)))
	}()
}

func (r *Runtime) executeAction(agent *Agent, taskID string, call ToolCall) {
	action, ok := r.executor.Get(call.Name)
	if !ok {
		r.recordTaskEvent(taskID, NewEvent(EventActionError, taskID,
			fmt.Sprintf("action %q not found", call.Name), nil))
		r.submitSystemResponse(taskID, AgentAddress(agent.Name), SubjectToolCallError,
			fmt.Sprintf("The action %q is not available.", call.Name))
		return
	}
	if !agent.HasAction(call.Name) {
		r.recordTaskEvent(taskID, NewEvent(EventActionError, taskID,
			fmt.Sprintf("agent %q cannot access action %q", agent.Name, call.Name), nil))
		r.submitSystemResponse(taskID, AgentAddress(agent.Name), SubjectToolCallError,
			fmt.Sprintf("The action %q is not available.", call.Name))
		return
	}

	if action.Breakpoint {
		r.pauseAtBreakpoint(agent, taskID, call)
		return
	}

	r.recordTaskEvent(taskID, NewEvent(EventActionCall, taskID,
		fmt.Sprintf("agent %q executing action %q", agent.Name, call.Name), nil))

	r.active.Add(1)
	go func() {
		defer r.active.Done()
		result, err := r.executor.Execute(r.ctx, call)
		if err != nil {
			logger.ErrorCF(logComponent, "action failed", map[string]any{
				"action": call.Name, "agent": agent.Name, "error": err.Error(),
			})
			r.recordTaskEvent(taskID, NewEvent(EventActionError, taskID,
				fmt.Sprintf("action %q failed for %q: %v", call.Name, agent.Name, err), nil))
			r.submitSystemResponse(taskID, AgentAddress(agent.Name), SubjectToolCallError,
				fmt.Sprintf("An error occurred while executing the action `%s`: %v\n"+
					"Use this information to decide how to complete your task.", call.Name, err))
			return
		}

		r.mu.Lock()
		key := historyKey(taskID, agent.Name)
		r.histories[key] = append(r.histories[key], HistoryEntry{
			Role:       "tool",
			Content:    result,
			ToolCallID: call.ID,
		})
		r.mu.Unlock()

		r.recordTaskEvent(taskID, NewEvent(EventActionComplete, taskID,
			fmt.Sprintf("action %q complete for %q", call.Name, agent.Name), nil))

		// Wake the caller so it sees the tool result. The wake-up
		// envelope itself is never rendered into the history.
		r.submitSystemResponse(taskID, AgentAddress(agent.Name), SubjectActionComplete, "")
	}()
}

// pauseAtBreakpoint stashes the task's queued envelopes and parks it
// until an external caller resumes with the tool result.
func (r *Runtime) pauseAtBreakpoint(agent *Agent, taskID string, call ToolCall) {
	logger.InfoCF(logComponent, "breakpoint reached", map[string]any{
		"agent": agent.Name, "action": call.Name, "task_id": taskID,
	})
	r.mu.Lock()
	task := r.ensureTaskLocked(taskID)
	task.stash = append(task.stash, r.queue.RemoveTask(taskID)...)
	task.breakpoints[agent.Name] = append(task.breakpoints[agent.Name], call)
	task.Status = TaskPaused
	task.recordEvent(NewEvent(EventBreakpointToolCall, taskID,
		fmt.Sprintf("agent %q paused at breakpoint %q", agent.Name, call.Name),
		map[string]any{"call": call}))
	r.mu.Unlock()
}

// completeTaskLocked resolves the task's future and seals its queue.
// Caller holds r.mu.
func (r *Runtime) completeTaskLocked(task *Task, msg *Message) {
	if task.Status == TaskCompleted || (task.resolved && task.Status != TaskRunning) {
		logger.WarnCF(logComponent, "duplicate task_complete discarded", map[string]any{
			"task_id": task.ID,
		})
		return
	}

	task.recordMessage(msg)
	task.stash = append(task.stash, r.queue.RemoveTask(task.ID)...)
	task.Status = TaskCompleted
	task.recordEvent(NewEvent(EventTaskComplete, task.ID, msg.Body,
		map[string]any{"response": msg.Body}))
	if !task.resolve(msg.Body, nil) {
		logger.WarnCF(logComponent, "future already resolved", map[string]any{"task_id": task.ID})
	}
	task.closeSubscribers()

	if r.router != nil {
		owner := task.Owner
		contributors := append([]string(nil), task.Contributors...)
		r.active.Add(1)
		go func() {
			defer r.active.Done()
			r.router.NotifyTaskComplete(r.ctx, msg, owner, contributors)
		}()
	}
}

// Submit validates and enqueues an envelope. New work is refused once
// shutdown has begun.
func (r *Runtime) Submit(msg *Message) error {
	r.mu.Lock()
	closed := r.down || r.draining
	r.mu.Unlock()
	if closed {
		return ErrShutdown
	}
	return r.enqueue(msg)
}

// enqueue admits an envelope onto the queue. Runtime-generated traffic
// (tool-call conversions, system responses, inbound federation) uses it
// directly so tasks already in flight can still finish while a shutdown
// drains.
func (r *Runtime) enqueue(msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return ErrShutdown
	}
	r.ensureTaskLocked(msg.TaskID)
	r.queue.Push(msg)
	r.cond.Signal()
	return nil
}

// SubmitAndWait enqueues the envelope and blocks until the task's
// supervisor emits task_complete, the timeout elapses, or ctx is done.
// Timeout and cancellation cancel the task.
func (r *Runtime) SubmitAndWait(ctx context.Context, msg *Message, timeout time.Duration) (string, error) {
	r.mu.Lock()
	task := r.ensureTaskLocked(msg.TaskID)
	if task.Status == TaskCompleted {
		r.restoreStashLocked(task)
	}
	task.rearm()
	r.mu.Unlock()

	if err := r.Submit(msg); err != nil {
		return "", err
	}
	return r.WaitForCompletion(ctx, msg.TaskID, timeout)
}

// WaitForCompletion blocks on an already-submitted task's future.
func (r *Runtime) WaitForCompletion(ctx context.Context, taskID string, timeout time.Duration) (string, error) {
	r.mu.Lock()
	task, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return "", ErrUnknownTask
	}
	future := task.future
	r.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-future:
		return res.body, res.err
	case <-timeoutCh:
		r.Cancel(taskID)
		return "", ErrTaskTimeout
	case <-ctx.Done():
		r.Cancel(taskID)
		return "", ctx.Err()
	}
}

// SubmitAndStream enqueues the envelope and returns a channel of events
// for the task. Recorded events are replayed first, so streams are
// restartable; idle periods produce ping heartbeats. The channel closes
// on completion, cancellation, timeout, or ctx expiry.
func (r *Runtime) SubmitAndStream(ctx context.Context, msg *Message, timeout time.Duration) (<-chan Event, error) {
	r.mu.Lock()
	task := r.ensureTaskLocked(msg.TaskID)
	if task.Status == TaskCompleted {
		r.restoreStashLocked(task)
	}
	task.rearm()
	r.mu.Unlock()

	if err := r.Submit(msg); err != nil {
		return nil, err
	}
	return r.StreamTask(ctx, msg.TaskID, timeout)
}

// StreamTask attaches a new event stream to an existing task.
func (r *Runtime) StreamTask(ctx context.Context, taskID string, timeout time.Duration) (<-chan Event, error) {
	r.mu.Lock()
	task, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownTask
	}
	replay := task.ring.Snapshot()
	done := task.Status == TaskCompleted || task.Status == TaskErrored
	var subID int
	var live chan Event
	if !done {
		subID, live = task.subscribe(64)
	}
	r.mu.Unlock()

	out := make(chan Event, len(replay)+64)
	for _, ev := range replay {
		out <- ev
	}
	if done {
		close(out)
		return out, nil
	}

	r.active.Add(1)
	go func() {
		defer r.active.Done()
		defer close(out)
		defer func() {
			r.mu.Lock()
			if t, ok := r.tasks[taskID]; ok {
				t.unsubscribe(subID)
			}
			r.mu.Unlock()
		}()

		var deadline <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			deadline = timer.C
		}
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case ev, open := <-live:
				if !open {
					return
				}
				out <- ev
			case <-ticker.C:
				out <- NewEvent(EventPing, taskID, "heartbeat", nil)
			case <-deadline:
				r.Cancel(taskID)
				return
			case <-ctx.Done():
				return
			case <-r.ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Resume re-enters an existing task. For user_response, the stash is
// restored and the caller then submits the user's message. For
// breakpoint_tool_call, extras must carry the calling agent and the
// JSON-encoded tool result; the result lands in the caller's history as
// a tool entry and dispatch restarts via an ::action_complete:: wake-up.
func (r *Runtime) Resume(taskID string, mode ResumeMode, extras map[string]string) error {
	switch mode {
	case ResumeUserResponse:
		r.mu.Lock()
		task, ok := r.tasks[taskID]
		if !ok {
			r.mu.Unlock()
			return ErrUnknownTask
		}
		r.restoreStashLocked(task)
		task.rearm()
		r.cond.Broadcast()
		r.mu.Unlock()
		return nil

	case ResumeBreakpointToolCall:
		caller := extras[ExtraBreakpointToolCaller]
		result, hasResult := extras[ExtraBreakpointToolCallResult]
		if caller == "" {
			return fmt.Errorf("extras[%q] is required", ExtraBreakpointToolCaller)
		}
		if !hasResult {
			return fmt.Errorf("extras[%q] is required", ExtraBreakpointToolCallResult)
		}

		r.mu.Lock()
		task, ok := r.tasks[taskID]
		if !ok {
			r.mu.Unlock()
			return ErrUnknownTask
		}
		if _, ok := r.agents[caller]; !ok {
			r.mu.Unlock()
			return fmt.Errorf("agent %q not found", caller)
		}
		pending := task.breakpoints[caller]
		if len(pending) == 0 {
			r.mu.Unlock()
			return fmt.Errorf("task %q has no pending breakpoint for agent %q", taskID, caller)
		}
		key := historyKey(taskID, caller)
		r.histories[key] = append(r.histories[key], HistoryEntry{
			Role:       "tool",
			Content:    result,
			ToolCallID: pending[0].ID,
		})
		delete(task.breakpoints, caller)
		r.restoreStashLocked(task)
		task.rearm()
		r.cond.Broadcast()
		r.mu.Unlock()

		r.submitSystemResponse(taskID, AgentAddress(caller), SubjectActionComplete, "")
		return nil
	}
	return fmt.Errorf("unknown resume mode %q", mode)
}

// restoreStashLocked requeues the task's stashed envelopes in their
// original dequeue order. Caller holds r.mu.
func (r *Runtime) restoreStashLocked(task *Task) {
	for _, m := range task.stash {
		r.queue.Push(m)
	}
	task.stash = nil
}

// Cancel evicts the task's queued envelopes, rejects its future, and
// closes its streams. Idempotent.
func (r *Runtime) Cancel(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return
	}
	if task.Status == TaskErrored || task.Status == TaskCompleted {
		return
	}
	r.queue.RemoveTask(taskID)
	task.stash = nil
	task.Status = TaskErrored
	task.recordEvent(NewEvent(EventTaskError, taskID, "task cancelled", nil))
	task.resolve("", ErrTaskCancelled)
	task.closeSubscribers()
	logger.InfoCF(logComponent, "task cancelled", map[string]any{"task_id": taskID})
}

// HandleInterswarmResponse injects a remote envelope into the local
// runtime. Remote responses are ordinary supervisor input; a completion
// for an unknown task is dropped with a warning.
func (r *Runtime) HandleInterswarmResponse(msg *Message) error {
	if msg.Kind == KindTaskComplete {
		r.mu.Lock()
		_, known := r.tasks[msg.TaskID]
		r.mu.Unlock()
		if !known {
			logger.WarnCF(logComponent, "task_complete for unknown task dropped", map[string]any{
				"task_id": msg.TaskID,
			})
			return nil
		}
	}
	return r.enqueue(msg)
}

// RegisterTask creates or updates the local record of a task that may
// be owned elsewhere. Used by the router on inbound federation traffic.
func (r *Runtime) RegisterTask(taskID, owner string, contributors []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		task = newTask(taskID, owner)
		r.tasks[taskID] = task
	}
	task.AddContributor(fmt.Sprintf("swarm:%s@%s", r.swarmName, r.swarmName))
	for _, c := range contributors {
		task.AddContributor(c)
	}
}

// PendingRequests lists task ids with unresolved futures.
func (r *Runtime) PendingRequests() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, t := range r.tasks {
		if !t.resolved && (t.Status == TaskRunning || t.Status == TaskPaused) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// EventsForTask returns the retained event ring for a task.
func (r *Runtime) EventsForTask(taskID string) []Event {
	r.mu.Lock()
	task, ok := r.tasks[taskID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return task.ring.Snapshot()
}

// EventsDroppedForTask reports the task ring's overflow counter.
func (r *Runtime) EventsDroppedForTask(taskID string) int {
	r.mu.Lock()
	task, ok := r.tasks[taskID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return task.ring.Dropped()
}

// MessagesForTask returns the envelopes delivered for a task.
func (r *Runtime) MessagesForTask(taskID string) []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return nil
	}
	return append([]*Message(nil), task.messages...)
}

// TaskInfo is a point-in-time snapshot of a task record.
type TaskInfo struct {
	ID           string
	Owner        string
	Contributors []string
	Status       TaskStatus
	StartedAt    time.Time
}

// TaskByID snapshots a task record.
func (r *Runtime) TaskByID(taskID string) (TaskInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return TaskInfo{}, false
	}
	return TaskInfo{
		ID:           task.ID,
		Owner:        task.Owner,
		Contributors: append([]string(nil), task.Contributors...),
		Status:       task.Status,
		StartedAt:    task.StartedAt,
	}, true
}

// HistoryFor returns a copy of one agent's per-task history.
func (r *Runtime) HistoryFor(taskID, agentName string) []HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]HistoryEntry(nil), r.histories[historyKey(taskID, agentName)]...)
}

// Shutdown stops accepting new submissions, keeps dispatching queued
// envelopes and their follow-ups for up to grace so in-flight tasks can
// finish, then cancels the remainder and closes open streams.
func (r *Runtime) Shutdown(grace time.Duration) {
	r.mu.Lock()
	if r.draining || r.down {
		r.mu.Unlock()
		return
	}
	r.draining = true
	r.mu.Unlock()

	// Quiescent means the queue is empty and no delivery is running.
	// Deliveries may enqueue follow-ups, so re-check after waiting.
	quiet := make(chan struct{})
	go func() {
		defer close(quiet)
		for {
			r.mu.Lock()
			empty := r.queue.Len() == 0
			down := r.down
			r.mu.Unlock()
			if down {
				return
			}
			if !empty {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			r.active.Wait()
			r.mu.Lock()
			empty = r.queue.Len() == 0
			r.mu.Unlock()
			if empty {
				return
			}
		}
	}()
	select {
	case <-quiet:
	case <-time.After(grace):
		logger.WarnC(logComponent, "grace period elapsed, cancelling in-flight work")
	}

	r.mu.Lock()
	r.down = true
	r.cond.Broadcast()
	r.mu.Unlock()
	r.cancel()
	<-r.loopDone

	r.mu.Lock()
	for _, task := range r.tasks {
		if task.Status == TaskRunning || task.Status == TaskPaused {
			task.Status = TaskErrored
			task.recordEvent(NewEvent(EventTaskError, task.ID, "runtime shut down", nil))
			task.resolve("", ErrShutdown)
			task.closeSubscribers()
		}
	}
	r.mu.Unlock()
	logger.InfoC(logComponent, "runtime stopped")
}

func (r *Runtime) ensureTaskLocked(taskID string) *Task {
	task, ok := r.tasks[taskID]
	if !ok {
		task = newTask(taskID, r.LocalTaskOwner())
		r.tasks[taskID] = task
	}
	return task
}

func (r *Runtime) recordTaskEvent(taskID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureTaskLocked(taskID).recordEvent(ev)
}

func (r *Runtime) submitSystemResponse(taskID string, recipient Address, subject, body string) {
	msg, err := NewResponse(taskID, SystemAddress("system"), recipient, subject, body, "")
	if err != nil {
		logger.ErrorCF(logComponent, "system response construction failed", map[string]any{
			"error": err.Error(),
		})
		return
	}
	if err := r.enqueue(msg); err != nil && !errors.Is(err, ErrShutdown) {
		logger.WarnCF(logComponent, "system response submit failed", map[string]any{
			"error": err.Error(),
		})
	}
}

func (r *Runtime) systemBroadcastAll(taskID, subject, body string) {
	msg, err := NewBroadcast(taskID, SystemAddress("system"),
		[]Address{AgentAddress(AllAgents)}, subject, body)
	if err != nil {
		return
	}
	if err := r.enqueue(msg); err != nil && !errors.Is(err, ErrShutdown) {
		logger.WarnCF(logComponent, "system broadcast submit failed", map[string]any{
			"error": err.Error(),
		})
	}
}

func (r *Runtime) routerError(taskID string, recipient Address, detail string) {
	r.recordTaskEvent(taskID, NewEvent(EventTaskError, taskID, detail, nil))
	r.submitSystemResponse(taskID, recipient, SubjectRouterError,
		detail+"\nIf your assigned task cannot be completed, inform your caller of this error and work together to come up with a solution.")
}

func historyKey(taskID, agentName string) string {
	return taskID + "::" + agentName
}
