package interswarm

import (
	"fmt"
	"strings"
	"time"

	"github.com/mail-swarm/mail/pkg/mail"
)

// Envelope is the interswarm wire format: one local MAIL message
// wrapped with routing and task-ownership metadata for an HTTP hop.
type Envelope struct {
	MessageID        string         `json:"message_id"`
	SourceSwarm      string         `json:"source_swarm"`
	TargetSwarm      string         `json:"target_swarm"`
	Timestamp        time.Time      `json:"timestamp"`
	Payload          *mail.Message  `json:"payload"`
	TaskOwner        string         `json:"task_owner"`
	TaskContributors []string       `json:"task_contributors"`
	AuthToken        string         `json:"auth_token,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Validate checks the wire invariants: required fields present and the
// owner included in the contributor set.
func (e *Envelope) Validate() error {
	switch {
	case e.MessageID == "":
		return fmt.Errorf("interswarm envelope: message_id is required")
	case e.SourceSwarm == "":
		return fmt.Errorf("interswarm envelope: source_swarm is required")
	case e.TargetSwarm == "":
		return fmt.Errorf("interswarm envelope: target_swarm is required")
	case e.Payload == nil:
		return fmt.Errorf("interswarm envelope: payload is required")
	case e.TaskOwner == "":
		return fmt.Errorf("interswarm envelope: task_owner is required")
	}
	for _, c := range e.TaskContributors {
		if c == e.TaskOwner {
			return nil
		}
	}
	return fmt.Errorf("interswarm envelope: task_contributors must include task_owner")
}

// ForwardRequest is the body of POST /interswarm/forward and /back.
type ForwardRequest struct {
	Message *Envelope `json:"message"`
}

// Endpoint is one registry entry for a peer swarm. AuthTokenRef is
// either a literal token (volatile entries only) or an env-var
// reference of the form ${VAR_NAME} resolved at send time.
type Endpoint struct {
	SwarmName    string            `json:"swarm_name"`
	BaseURL      string            `json:"base_url"`
	HealthURL    string            `json:"health_url,omitempty"`
	AuthTokenRef string            `json:"auth_token_ref,omitempty"`
	LastSeen     time.Time         `json:"last_seen,omitzero"`
	Active       bool              `json:"active"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Volatile     bool              `json:"volatile"`
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status    string    `json:"status"`
	SwarmName string    `json:"swarm_name"`
	Timestamp time.Time `json:"timestamp"`
}

// DiscoveryResponse is the catalog shape a peer advertises on
// GET /swarms.
type DiscoveryResponse struct {
	Swarms []Endpoint `json:"swarms"`
}

// registryFile is the persisted registry document.
type registryFile struct {
	LocalSwarmName string               `json:"local_swarm_name"`
	LocalBaseURL   string               `json:"local_base_url"`
	Endpoints      map[string]*Endpoint `json:"endpoints"`
}

// IsEnvRef reports whether a token value is an env-var reference.
func IsEnvRef(token string) bool {
	return strings.HasPrefix(token, "${") && strings.HasSuffix(token, "}")
}

// EnvRefVar extracts the variable name from a ${VAR} reference.
func EnvRefVar(ref string) string {
	return strings.TrimSuffix(strings.TrimPrefix(ref, "${"), "}")
}

// TokenEnvVar is the deterministic env var name holding the bearer
// token for a peer swarm.
func TokenEnvVar(swarmName string) string {
	name := strings.ToUpper(swarmName)
	name = strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name)
	return "SWARM_AUTH_TOKEN_" + name
}

// ContributorSwarm extracts the swarm part of a "role:id@swarm"
// contributor identity.
func ContributorSwarm(contributor string) string {
	if i := strings.LastIndex(contributor, "@"); i >= 0 {
		return contributor[i+1:]
	}
	return ""
}
