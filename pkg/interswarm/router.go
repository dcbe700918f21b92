package interswarm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mail-swarm/mail/pkg/logger"
	"github.com/mail-swarm/mail/pkg/mail"
)

const routerComponent = "router"

const (
	forwardPath = "/interswarm/forward"
	backPath    = "/interswarm/back"
)

// Router bridges a local runtime with peer swarms over HTTP. It
// implements mail.Router: outbound envelopes are wrapped into the
// interswarm wire format and POSTed to the peer; inbound envelopes are
// unwrapped and injected into the runtime.
type Router struct {
	registry *Registry
	runtime  *mail.Runtime
	client   *http.Client
	timeout  time.Duration

	// seen drops redelivered message_ids so interswarm retries stay
	// idempotent.
	seen *seenSet

	// completions paces the best-effort task_complete fanout to
	// contributor swarms.
	completions *rate.Limiter
}

func NewRouter(runtime *mail.Runtime, registry *Registry, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Router{
		registry:    registry,
		runtime:     runtime,
		client:      &http.Client{Timeout: timeout},
		timeout:     timeout,
		seen:        newSeenSet(4096),
		completions: rate.NewLimiter(rate.Limit(5), 5),
	}
}

// RouteMessage delivers an envelope whose recipients are remote,
// splitting mixed recipient lists into one leg per target swarm.
func (r *Router) RouteMessage(ctx context.Context, msg *mail.Message, owner string, contributors []string) error {
	legs := make(map[string][]mail.Address)
	for _, addr := range msg.AllRecipients() {
		_, swarm := mail.ParseAddress(addr.Name)
		if swarm == "" || swarm == r.registry.LocalSwarmName() {
			continue
		}
		legs[swarm] = append(legs[swarm], addr)
	}
	if len(legs) == 0 {
		return fmt.Errorf("no remote recipients in message %q", msg.ID)
	}

	var errs []error
	for swarm, recipients := range legs {
		if err := r.sendLeg(ctx, msg, swarm, recipients, owner, contributors); err != nil {
			errs = append(errs, fmt.Errorf("swarm %q: %w", swarm, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Router) sendLeg(ctx context.Context, msg *mail.Message, targetSwarm string, recipients []mail.Address, owner string, contributors []string) error {
	ep, ok := r.registry.Get(targetSwarm)
	if !ok {
		return fmt.Errorf("swarm is not registered")
	}
	if !ep.Active {
		return fmt.Errorf("swarm is marked inactive")
	}
	token, err := r.registry.ResolveToken(targetSwarm)
	if err != nil {
		return err
	}

	env := r.wrap(msg, targetSwarm, recipients, owner, contributors, token)
	path := forwardPath
	if ownerSwarm := ContributorSwarm(owner); ownerSwarm == targetSwarm {
		path = backPath
	}
	return r.post(ctx, ep, path, env)
}

// wrap builds the wire envelope for one leg. The payload's sender is
// rewritten to its interswarm spelling and recipients to their bare
// local names on the target swarm.
func (r *Router) wrap(msg *mail.Message, targetSwarm string, recipients []mail.Address, owner string, contributors []string, token string) *Envelope {
	local := r.registry.LocalSwarmName()

	payload := *msg
	senderLocal, senderSwarm := mail.ParseAddress(msg.Sender.Name)
	if senderSwarm == "" {
		payload.Sender = mail.Address{
			Kind: msg.Sender.Kind,
			Name: mail.JoinAddress(senderLocal, local),
		}
	}
	bare := make([]mail.Address, len(recipients))
	for i, addr := range recipients {
		name, _ := mail.ParseAddress(addr.Name)
		bare[i] = mail.Address{Kind: addr.Kind, Name: name}
	}
	switch payload.Kind {
	case mail.KindRequest, mail.KindResponse:
		payload.Recipient = bare[0]
	default:
		payload.Recipients = bare
	}
	payload.SenderSwarm = local
	payload.RecipientSwarms = []string{targetSwarm}

	metadata := map[string]any{}
	if payload.Kind == mail.KindRequest {
		metadata["expect_response"] = true
	}
	if stream, ok := msg.RoutingInfo["stream"]; ok {
		metadata["stream"] = stream
	}

	contribs := append([]string(nil), contributors...)
	hasOwner := false
	for _, c := range contribs {
		if c == owner {
			hasOwner = true
			break
		}
	}
	if !hasOwner {
		contribs = append(contribs, owner)
	}

	return &Envelope{
		MessageID:        uuid.NewString(),
		SourceSwarm:      local,
		TargetSwarm:      targetSwarm,
		Timestamp:        time.Now().UTC(),
		Payload:          &payload,
		TaskOwner:        owner,
		TaskContributors: contribs,
		AuthToken:        token,
		Metadata:         metadata,
	}
}

func (r *Router) post(ctx context.Context, ep Endpoint, path string, env *Envelope) error {
	body, err := json.Marshal(ForwardRequest{Message: env})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	url := strings.TrimSuffix(ep.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if env.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+env.AuthToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("peer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	logger.DebugCF(routerComponent, "interswarm message delivered", map[string]any{
		"target": ep.SwarmName, "path": path, "message_id": env.MessageID,
	})
	r.registry.MarkSeen(ep.SwarmName)
	return nil
}

// NotifyTaskComplete propagates a completion envelope across swarms.
// When the local instance owns the task, every remote contributor gets
// a best-effort copy; otherwise the completion travels back to the
// owner. Failures are logged, never fatal.
func (r *Router) NotifyTaskComplete(ctx context.Context, msg *mail.Message, owner string, contributors []string) {
	local := r.registry.LocalSwarmName()
	ownerSwarm := ContributorSwarm(owner)

	var targets []string
	if ownerSwarm != "" && ownerSwarm != local {
		targets = []string{ownerSwarm}
	} else {
		seen := map[string]bool{local: true, "": true}
		for _, c := range contributors {
			swarm := ContributorSwarm(c)
			if !seen[swarm] {
				seen[swarm] = true
				targets = append(targets, swarm)
			}
		}
	}

	for _, target := range targets {
		if err := r.completions.Wait(ctx); err != nil {
			return
		}
		ep, ok := r.registry.Get(target)
		if !ok || !ep.Active {
			logger.WarnCF(routerComponent, "completion fanout target unavailable", map[string]any{
				"target": target, "task_id": msg.TaskID,
			})
			continue
		}
		token, err := r.registry.ResolveToken(target)
		if err != nil {
			logger.WarnCF(routerComponent, "completion fanout token unresolved", map[string]any{
				"target": target, "error": err.Error(),
			})
			continue
		}
		env := r.wrap(msg, target, msg.AllRecipients(), owner, contributors, token)
		if err := r.post(ctx, ep, backPath, env); err != nil {
			logger.WarnCF(routerComponent, "completion fanout failed", map[string]any{
				"target": target, "task_id": msg.TaskID, "error": err.Error(),
			})
		}
	}
}

// DiscoverSwarms registers peers advertised by the given catalog URLs.
func (r *Router) DiscoverSwarms(ctx context.Context, urls []string) (int, error) {
	return r.registry.Discover(ctx, urls)
}

// HandleForward processes an inbound /interswarm/forward envelope: a
// peer initiating or continuing work on a task it does not own locally.
func (r *Router) HandleForward(env *Envelope) error {
	return r.inject(env)
}

// HandleBack processes an inbound /interswarm/back envelope: a response
// or completion returning to the task owner.
func (r *Router) HandleBack(env *Envelope) error {
	return r.inject(env)
}

func (r *Router) inject(env *Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if r.seen.contains(env.MessageID) {
		logger.WarnCF(routerComponent, "duplicate interswarm message dropped", map[string]any{
			"message_id": env.MessageID,
		})
		return nil
	}
	r.seen.add(env.MessageID)

	local := r.registry.LocalSwarmName()
	payload := *env.Payload

	// Recipients arrive in their bare local spelling; normalize any
	// fully qualified names addressed at this swarm.
	switch payload.Kind {
	case mail.KindRequest, mail.KindResponse:
		payload.Recipient = localizeAddress(payload.Recipient, local)
	default:
		bare := make([]mail.Address, len(payload.Recipients))
		for i, addr := range payload.Recipients {
			bare[i] = localizeAddress(addr, local)
		}
		payload.Recipients = bare
	}

	contributors := append([]string(nil), env.TaskContributors...)
	contributors = append(contributors, fmt.Sprintf("swarm:%s@%s", local, local))
	r.runtime.RegisterTask(payload.TaskID, env.TaskOwner, contributors)
	r.registry.MarkSeen(env.SourceSwarm)

	logger.InfoCF(routerComponent, "inbound interswarm message", map[string]any{
		"source": env.SourceSwarm, "kind": string(payload.Kind), "task_id": payload.TaskID,
	})
	return r.runtime.HandleInterswarmResponse(&payload)
}

func localizeAddress(addr mail.Address, local string) mail.Address {
	name, swarm := mail.ParseAddress(addr.Name)
	if swarm == local {
		return mail.Address{Kind: addr.Kind, Name: name}
	}
	return addr
}

// seenSet is a bounded FIFO set of message ids.
type seenSet struct {
	mu    sync.Mutex
	ids   map[string]bool
	order []string
	cap   int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{ids: make(map[string]bool, capacity), cap: capacity}
}

func (s *seenSet) contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[id]
}

func (s *seenSet) add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids[id] {
		return
	}
	s.ids[id] = true
	s.order = append(s.order, id)
	if len(s.order) > s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
}
