package interswarm

import (
	"testing"

	"github.com/mail-swarm/mail/pkg/mail"
)

func TestTokenEnvVar(t *testing.T) {
	cases := []struct {
		swarm string
		want  string
	}{
		{"beta", "SWARM_AUTH_TOKEN_BETA"},
		{"my-swarm", "SWARM_AUTH_TOKEN_MY_SWARM"},
		{"prod.eu west", "SWARM_AUTH_TOKEN_PROD_EU_WEST"},
	}
	for _, c := range cases {
		if got := TokenEnvVar(c.swarm); got != c.want {
			t.Fatalf("TokenEnvVar(%q) = %q, want %q", c.swarm, got, c.want)
		}
	}
}

func TestEnvRefRoundTrip(t *testing.T) {
	ref := "${SWARM_AUTH_TOKEN_BETA}"
	if !IsEnvRef(ref) {
		t.Fatal("env ref not recognized")
	}
	if IsEnvRef("literal-token") {
		t.Fatal("literal token misclassified")
	}
	if got := EnvRefVar(ref); got != "SWARM_AUTH_TOKEN_BETA" {
		t.Fatalf("EnvRefVar() = %q", got)
	}
}

func TestContributorSwarm(t *testing.T) {
	if got := ContributorSwarm("user:ops@alpha"); got != "alpha" {
		t.Fatalf("ContributorSwarm() = %q", got)
	}
	if got := ContributorSwarm("swarm:beta@beta"); got != "beta" {
		t.Fatalf("ContributorSwarm() = %q", got)
	}
	if got := ContributorSwarm("no-swarm-part"); got != "" {
		t.Fatalf("ContributorSwarm() = %q", got)
	}
}

func TestEnvelopeValidate(t *testing.T) {
	payload := mail.NewTaskComplete("t1", mail.AgentAddress("helper"), "Task complete", "done")
	env := &Envelope{
		MessageID:        "m1",
		SourceSwarm:      "beta",
		TargetSwarm:      "alpha",
		Payload:          payload,
		TaskOwner:        "user:ops@alpha",
		TaskContributors: []string{"user:ops@alpha", "swarm:beta@beta"},
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	env.TaskContributors = []string{"swarm:beta@beta"}
	if err := env.Validate(); err == nil {
		t.Fatal("Validate() accepted contributors without the owner")
	}

	env.Payload = nil
	if err := env.Validate(); err == nil {
		t.Fatal("Validate() accepted a nil payload")
	}
}
