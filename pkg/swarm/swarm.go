// Package swarm wires a template of agents and actions into a live
// runtime with optional interswarm federation.
package swarm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mail-swarm/mail/pkg/interswarm"
	"github.com/mail-swarm/mail/pkg/logger"
	"github.com/mail-swarm/mail/pkg/mail"
)

const logComponent = "swarm"

// Template declares a swarm: its agents, their actions, and the
// entrypoint that receives user submissions.
type Template struct {
	Name             string
	UserID           string
	Entrypoint       string
	Agents           []*mail.Agent
	Actions          []*mail.Action
	EnableInterswarm bool

	// StreamHeartbeat overrides the runtime's stream ping period.
	StreamHeartbeat time.Duration
}

// Validate checks the template's structural invariants before any
// runtime state exists.
func (t Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("swarm name is required")
	}
	if len(t.Agents) == 0 {
		return fmt.Errorf("swarm %q has no agents", t.Name)
	}

	names := make(map[string]bool, len(t.Agents))
	for _, a := range t.Agents {
		if a.Name == mail.AllAgents {
			return fmt.Errorf("agent name %q is reserved", mail.AllAgents)
		}
		if names[a.Name] {
			return fmt.Errorf("duplicate agent %q", a.Name)
		}
		names[a.Name] = true
	}

	actions := make(map[string]bool, len(t.Actions))
	for _, act := range t.Actions {
		actions[act.Name] = true
	}

	supervisors := 0
	for _, a := range t.Agents {
		if a.CanCompleteTasks {
			supervisors++
		}
		for _, target := range a.CommTargets {
			local, swarm := mail.ParseAddress(target)
			if swarm != "" && swarm != t.Name {
				if !t.EnableInterswarm {
					return fmt.Errorf("agent %q targets remote %q but interswarm is disabled", a.Name, target)
				}
				continue
			}
			if !names[local] {
				return fmt.Errorf("agent %q targets unknown agent %q", a.Name, target)
			}
		}
		for _, act := range a.Actions {
			if !actions[act] {
				return fmt.Errorf("agent %q declares unknown action %q", a.Name, act)
			}
		}
	}
	if supervisors == 0 {
		return fmt.Errorf("swarm %q has no agent with can_complete_tasks", t.Name)
	}

	if t.Entrypoint == "" {
		return fmt.Errorf("swarm %q has no entrypoint", t.Name)
	}
	if !names[t.Entrypoint] {
		return fmt.Errorf("entrypoint %q is not an agent of swarm %q", t.Entrypoint, t.Name)
	}
	for _, a := range t.Agents {
		if a.Name == t.Entrypoint && !a.EnableEntrypoint {
			return fmt.Errorf("entrypoint agent %q does not have enable_entrypoint set", a.Name)
		}
	}
	return nil
}

// Swarm is a running container: runtime plus, when federation is
// enabled, the registry and interswarm router.
type Swarm struct {
	name     string
	userID   string
	runtime  *mail.Runtime
	registry *interswarm.Registry
	router   *interswarm.Router
}

// Options carries the federation wiring for a swarm instance.
type Options struct {
	Registry      *interswarm.Registry
	RouterTimeout time.Duration
}

// New validates the template and instantiates the runtime. When the
// template enables interswarm, opts.Registry must be provided; the
// router is built over it and injected into the runtime.
func New(tmpl Template, opts Options) (*Swarm, error) {
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}

	rt, err := mail.NewRuntime(mail.RuntimeConfig{
		SwarmName:       tmpl.Name,
		UserID:          tmpl.UserID,
		Entrypoint:      tmpl.Entrypoint,
		Agents:          tmpl.Agents,
		Actions:         tmpl.Actions,
		StreamHeartbeat: tmpl.StreamHeartbeat,
	})
	if err != nil {
		return nil, err
	}

	s := &Swarm{name: tmpl.Name, userID: tmpl.UserID, runtime: rt}
	if s.userID == "" {
		s.userID = "user"
	}

	if tmpl.EnableInterswarm {
		if opts.Registry == nil {
			return nil, fmt.Errorf("swarm %q enables interswarm but no registry was provided", tmpl.Name)
		}
		s.registry = opts.Registry
		s.router = interswarm.NewRouter(rt, opts.Registry, opts.RouterTimeout)
		rt.SetRouter(s.router)
	}
	return s, nil
}

func (s *Swarm) Name() string                    { return s.name }
func (s *Swarm) Runtime() *mail.Runtime          { return s.runtime }
func (s *Swarm) Registry() *interswarm.Registry  { return s.registry }
func (s *Swarm) Router() *interswarm.Router      { return s.router }

// Start loads persisted peers, begins health checking, and launches the
// dispatch loop.
func (s *Swarm) Start() error {
	if s.registry != nil {
		if err := s.registry.Load(); err != nil {
			return err
		}
		s.registry.StartHealth()
	}
	s.runtime.Start()
	logger.InfoCF(logComponent, "swarm started", map[string]any{"swarm": s.name})
	return nil
}

// NewTaskID mints a task identifier for a fresh submission.
func (s *Swarm) NewTaskID() string { return uuid.NewString() }

// userRequest builds the user envelope that opens or continues a task.
func (s *Swarm) userRequest(taskID, target, subject, body string) (*mail.Message, error) {
	if target == "" {
		target = s.runtime.Entrypoint()
	}
	return mail.NewRequest(taskID,
		mail.UserAddress(s.userID), mail.AgentAddress(target), subject, body)
}

// PostMessage submits a user message on a fresh task and blocks until
// the swarm's supervisor completes it, returning the finish body.
func (s *Swarm) PostMessage(ctx context.Context, subject, body string, timeout time.Duration) (string, error) {
	return s.PostMessageTo(ctx, "", subject, body, timeout)
}

// PostMessageTo is PostMessage with an explicit target agent.
func (s *Swarm) PostMessageTo(ctx context.Context, target, subject, body string, timeout time.Duration) (string, error) {
	msg, err := s.userRequest(s.NewTaskID(), target, subject, body)
	if err != nil {
		return "", err
	}
	return s.runtime.SubmitAndWait(ctx, msg, timeout)
}

// PostToTask submits a user message on a caller-chosen task id, creating
// the task when it is new and rejoining it when it already exists.
func (s *Swarm) PostToTask(ctx context.Context, taskID, target, subject, body string, timeout time.Duration) (string, error) {
	msg, err := s.userRequest(taskID, target, subject, body)
	if err != nil {
		return "", err
	}
	return s.runtime.SubmitAndWait(ctx, msg, timeout)
}

// PostMessageStream submits a user message and returns the task's event
// stream along with the task id for later resumption.
func (s *Swarm) PostMessageStream(ctx context.Context, subject, body string, timeout time.Duration) (<-chan mail.Event, string, error) {
	taskID := s.NewTaskID()
	msg, err := s.userRequest(taskID, "", subject, body)
	if err != nil {
		return nil, "", err
	}
	events, err := s.runtime.SubmitAndStream(ctx, msg, timeout)
	if err != nil {
		return nil, "", err
	}
	return events, taskID, nil
}

// ResumeTask re-enters an existing task. For user_response mode, body
// carries the user's new message; for breakpoint_tool_call mode, extras
// carries the breakpoint caller and result.
func (s *Swarm) ResumeTask(ctx context.Context, taskID string, mode mail.ResumeMode, body string, extras map[string]string, timeout time.Duration) (string, error) {
	if err := s.runtime.Resume(taskID, mode, extras); err != nil {
		return "", err
	}
	if mode == mail.ResumeUserResponse {
		msg, err := s.userRequest(taskID, "", "Follow-up", body)
		if err != nil {
			return "", err
		}
		return s.runtime.SubmitAndWait(ctx, msg, timeout)
	}
	return s.runtime.WaitForCompletion(ctx, taskID, timeout)
}

// ResumeTaskStream re-enters an existing task and returns its event
// stream instead of blocking for the finish body.
func (s *Swarm) ResumeTaskStream(ctx context.Context, taskID string, mode mail.ResumeMode, body string, extras map[string]string, timeout time.Duration) (<-chan mail.Event, error) {
	if err := s.runtime.Resume(taskID, mode, extras); err != nil {
		return nil, err
	}
	if mode == mail.ResumeUserResponse {
		msg, err := s.userRequest(taskID, "", "Follow-up", body)
		if err != nil {
			return nil, err
		}
		return s.runtime.SubmitAndStream(ctx, msg, timeout)
	}
	return s.runtime.StreamTask(ctx, taskID, timeout)
}

// RunContinuous blocks until ctx is done, then shuts the swarm down.
func (s *Swarm) RunContinuous(ctx context.Context, grace time.Duration) {
	<-ctx.Done()
	s.Shutdown(grace)
}

// Shutdown drains the runtime within the grace period, stops health
// checks, and flushes the registry.
func (s *Swarm) Shutdown(grace time.Duration) {
	s.runtime.Shutdown(grace)
	if s.registry != nil {
		s.registry.StopHealth()
		if err := s.registry.Save(); err != nil {
			logger.ErrorCF(logComponent, "registry flush failed", map[string]any{
				"error": err.Error(),
			})
		}
	}
	logger.InfoCF(logComponent, "swarm stopped", map[string]any{"swarm": s.name})
}
