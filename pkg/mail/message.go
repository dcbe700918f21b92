package mail

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AddressKind classifies the party behind an address.
type AddressKind string

const (
	AddressAgent  AddressKind = "agent"
	AddressUser   AddressKind = "user"
	AddressSystem AddressKind = "system"
	AddressAdmin  AddressKind = "admin"
)

// AllAgents is the reserved fanout name. No real agent may use it.
const AllAgents = "all"

// Address identifies a message party. Name is either a bare local name
// or "local@swarm" for remote agents.
type Address struct {
	Kind AddressKind `json:"kind"`
	Name string      `json:"name"`
}

func AgentAddress(name string) Address  { return Address{Kind: AddressAgent, Name: name} }
func UserAddress(name string) Address   { return Address{Kind: AddressUser, Name: name} }
func SystemAddress(name string) Address { return Address{Kind: AddressSystem, Name: name} }
func AdminAddress(name string) Address  { return Address{Kind: AddressAdmin, Name: name} }

// ParseAddress splits "local@swarm" into its parts. The swarm part is
// empty for bare local names.
func ParseAddress(name string) (local, swarm string) {
	if i := strings.LastIndex(name, "@"); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

// JoinAddress forms the "local@swarm" spelling of a remote agent name.
func JoinAddress(local, swarm string) string {
	if swarm == "" {
		return local
	}
	return local + "@" + swarm
}

// MessageKind discriminates envelope payload shapes.
type MessageKind string

const (
	KindRequest      MessageKind = "request"
	KindResponse     MessageKind = "response"
	KindBroadcast    MessageKind = "broadcast"
	KindInterrupt    MessageKind = "interrupt"
	KindTaskComplete MessageKind = "task_complete"
)

// System-originated subjects carry double-colon markers so agents can
// tell them apart from peer traffic.
const (
	SubjectTaskError      = "::task_error::"
	SubjectToolCallError  = "::tool_call_error::"
	SubjectAgentError     = "::agent_error::"
	SubjectRouterError    = "::router_error::"
	SubjectRuntimeError   = "::runtime_error::"
	SubjectActionComplete = "::action_complete::"
)

// Message is the envelope exchanged between agents. Kind selects which
// fields are meaningful: request/response use Recipient and RequestID,
// broadcast/interrupt/task_complete use Recipients and BroadcastID or
// InterruptID. The swarm and routing fields are only populated by the
// interswarm router.
type Message struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	TaskID    string      `json:"task_id"`
	Kind      MessageKind `json:"kind"`

	Sender     Address   `json:"sender"`
	Recipient  Address   `json:"recipient,omitzero"`
	Recipients []Address `json:"recipients,omitempty"`

	Subject string `json:"subject"`
	Body    string `json:"body"`

	RequestID   string `json:"request_id,omitempty"`
	BroadcastID string `json:"broadcast_id,omitempty"`
	InterruptID string `json:"interrupt_id,omitempty"`

	SenderSwarm     string         `json:"sender_swarm,omitempty"`
	RecipientSwarms []string       `json:"recipient_swarms,omitempty"`
	RoutingInfo     map[string]any `json:"routing_info,omitempty"`
}

// SchemaError reports a malformed envelope at construction or ingress.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema violation in %q: %s", e.Field, e.Reason)
}

func newEnvelope(kind MessageKind, taskID string, sender Address, subject, body string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		TaskID:    taskID,
		Kind:      kind,
		Sender:    sender,
		Subject:   subject,
		Body:      body,
	}
}

// NewRequest constructs a validated request envelope.
func NewRequest(taskID string, sender, recipient Address, subject, body string) (*Message, error) {
	m := newEnvelope(KindRequest, taskID, sender, subject, body)
	m.Recipient = recipient
	m.RequestID = uuid.NewString()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewResponse constructs a validated response envelope. requestID
// correlates with the request being answered; pass "" to mint a fresh one.
func NewResponse(taskID string, sender, recipient Address, subject, body, requestID string) (*Message, error) {
	m := newEnvelope(KindResponse, taskID, sender, subject, body)
	m.Recipient = recipient
	if requestID == "" {
		requestID = uuid.NewString()
	}
	m.RequestID = requestID
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewBroadcast constructs a validated broadcast envelope.
func NewBroadcast(taskID string, sender Address, recipients []Address, subject, body string) (*Message, error) {
	m := newEnvelope(KindBroadcast, taskID, sender, subject, body)
	m.Recipients = recipients
	m.BroadcastID = uuid.NewString()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewInterrupt constructs a validated interrupt envelope.
func NewInterrupt(taskID string, sender Address, recipients []Address, subject, body string) (*Message, error) {
	m := newEnvelope(KindInterrupt, taskID, sender, subject, body)
	m.Recipients = recipients
	m.InterruptID = uuid.NewString()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewTaskComplete constructs the terminal completion broadcast. Its
// recipients are always [all].
func NewTaskComplete(taskID string, sender Address, subject, finishBody string) *Message {
	m := newEnvelope(KindTaskComplete, taskID, sender, subject, finishBody)
	m.Recipients = []Address{AgentAddress(AllAgents)}
	m.BroadcastID = uuid.NewString()
	return m
}

// Validate checks the envelope against the schema for its kind.
func (m *Message) Validate() error {
	if m.ID == "" {
		return &SchemaError{Field: "id", Reason: "missing"}
	}
	if m.Timestamp.IsZero() {
		return &SchemaError{Field: "timestamp", Reason: "missing"}
	}
	if m.TaskID == "" {
		return &SchemaError{Field: "task_id", Reason: "missing"}
	}
	if m.Sender.Name == "" {
		return &SchemaError{Field: "sender", Reason: "missing"}
	}
	switch m.Kind {
	case KindRequest, KindResponse:
		if m.Recipient.Name == "" {
			return &SchemaError{Field: "recipient", Reason: "missing"}
		}
		if m.RequestID == "" {
			return &SchemaError{Field: "request_id", Reason: "missing"}
		}
	case KindBroadcast, KindInterrupt:
		if len(m.Recipients) == 0 {
			return &SchemaError{Field: "recipients", Reason: "must not be empty"}
		}
	case KindTaskComplete:
		if len(m.Recipients) != 1 || m.Recipients[0].Name != AllAgents {
			return &SchemaError{Field: "recipients", Reason: "task_complete must target [all]"}
		}
	default:
		return &SchemaError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", m.Kind)}
	}
	return nil
}

// AllRecipients returns the recipient list regardless of kind.
func (m *Message) AllRecipients() []Address {
	if m.Recipient.Name != "" {
		return []Address{m.Recipient}
	}
	return m.Recipients
}

// IsSystemSubject reports whether the subject carries a double-colon
// system marker.
func IsSystemSubject(subject string) bool {
	return strings.HasPrefix(subject, "::") && strings.HasSuffix(subject, "::")
}

func escapeXML(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// RenderXML produces the canonical textual form of the envelope that is
// appended to agent histories. The rendering is deterministic: identical
// envelopes (including id and timestamp) yield byte-identical output.
func RenderXML(m *Message) string {
	var b strings.Builder
	b.WriteString("<incoming_message>\n")
	fmt.Fprintf(&b, "<timestamp>%s</timestamp>\n", m.Timestamp.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "<from kind=%q>%s</from>\n", m.Sender.Kind, escapeXML(m.Sender.Name))
	b.WriteString("<to>\n")
	for _, r := range m.AllRecipients() {
		fmt.Fprintf(&b, "<address kind=%q>%s</address>\n", r.Kind, escapeXML(r.Name))
	}
	b.WriteString("</to>\n")
	fmt.Fprintf(&b, "<subject>%s</subject>\n", escapeXML(m.Subject))
	fmt.Fprintf(&b, "<body>%s</body>\n", escapeXML(m.Body))
	b.WriteString("</incoming_message>")
	return b.String()
}
