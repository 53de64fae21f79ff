// Package flow implements chatbot flow definitions and their bounded,
// stateless execution engine.
package flow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NodeKind discriminates the node union.
type NodeKind string

// Node kind constants.
const (
	KindMessage      NodeKind = "message"
	KindCondition    NodeKind = "condition"
	KindDelay        NodeKind = "delay"
	KindCollectInput NodeKind = "collect_input"
	KindAction       NodeKind = "action"
	KindLocation     NodeKind = "location"
	KindQuickReplies NodeKind = "quick_replies"
	KindButtons      NodeKind = "buttons"
	KindCarousel     NodeKind = "carousel"
	KindUnknown      NodeKind = "unknown"
)

// NodeBody is the kind-specific payload of a node. Exactly one concrete type
// exists per kind, so the engine's dispatch is a type switch instead of
// optional fields on one loose shape.
type NodeBody interface {
	Kind() NodeKind
}

// Node is one vertex of a flow graph.
type Node struct {
	ID   string
	Body NodeBody
}

// MessageNode emits templated text and optionally an image.
type MessageNode struct {
	Text     string `json:"text"`
	ImageURL string `json:"image_url,omitempty"`
	Next     string `json:"next_node_id,omitempty"`
}

// Kind implements NodeBody.
func (*MessageNode) Kind() NodeKind { return KindMessage }

// ConditionNode branches on a variable comparison.
type ConditionNode struct {
	Variable  string   `json:"variable"`
	Operator  Operator `json:"operator"`
	Value     string   `json:"value"`
	TrueNext  string   `json:"true_node_id,omitempty"`
	FalseNext string   `json:"false_node_id,omitempty"`
}

// Kind implements NodeBody.
func (*ConditionNode) Kind() NodeKind { return KindCondition }

// DelayNode suspends the flow for a duration. The wait is externalized to
// the scheduler; the engine never sleeps.
type DelayNode struct {
	DelayMS int64  `json:"delay_ms"`
	Next    string `json:"next_node_id,omitempty"`
}

// Kind implements NodeBody.
func (*DelayNode) Kind() NodeKind { return KindDelay }

// Delay returns the duration as time.Duration.
func (n *DelayNode) Delay() time.Duration {
	return time.Duration(n.DelayMS) * time.Millisecond
}

// CollectInputNode prompts and suspends until the customer's next message,
// which is captured into the SaveAs variable.
type CollectInputNode struct {
	Prompt string `json:"prompt"`
	SaveAs string `json:"save_as"`
	Next   string `json:"next_node_id,omitempty"`
}

// Kind implements NodeBody.
func (*CollectInputNode) Kind() NodeKind { return KindCollectInput }

// Action tokens recorded by action nodes for the caller to execute.
const (
	ActionAssignAgent  = "assign_agent"
	ActionAddTag       = "add_tag"
	ActionRequestHuman = "request_human"
	ActionClose        = "close"
)

// ActionNode records a side effect token. The engine never mutates
// conversation or agent state itself.
type ActionNode struct {
	Action string `json:"action"`
	Value  string `json:"value,omitempty"`
	Next   string `json:"next_node_id,omitempty"`
}

// Kind implements NodeBody.
func (*ActionNode) Kind() NodeKind { return KindAction }

// LocationNode sends a place. Channels without native location messages get
// the rendered maps link as text.
type LocationNode struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
	Next      string  `json:"next_node_id,omitempty"`
}

// Kind implements NodeBody.
func (*LocationNode) Kind() NodeKind { return KindLocation }

// Option is one choice offered by a quick_replies node.
type Option struct {
	Title   string `json:"title"`
	Payload string `json:"payload,omitempty"`
}

// QuickRepliesNode offers tap-to-answer choices. With a successor it pauses
// for the tap; without one it is a terminal prompt.
type QuickRepliesNode struct {
	Text    string   `json:"text"`
	Options []Option `json:"options"`
	SaveAs  string   `json:"save_as,omitempty"`
	Next    string   `json:"next_node_id,omitempty"`
}

// Kind implements NodeBody.
func (*QuickRepliesNode) Kind() NodeKind { return KindQuickReplies }

// ButtonDef is one button of a buttons node.
type ButtonDef struct {
	Title   string `json:"title"`
	Payload string `json:"payload,omitempty"`
	URL     string `json:"url,omitempty"`
}

// ButtonsNode offers persistent buttons, pausing like quick_replies when a
// successor exists.
type ButtonsNode struct {
	Text    string      `json:"text"`
	Buttons []ButtonDef `json:"buttons"`
	SaveAs  string      `json:"save_as,omitempty"`
	Next    string      `json:"next_node_id,omitempty"`
}

// Kind implements NodeBody.
func (*ButtonsNode) Kind() NodeKind { return KindButtons }

// CardDef is one card of a carousel node.
type CardDef struct {
	Title    string      `json:"title"`
	Subtitle string      `json:"subtitle,omitempty"`
	ImageURL string      `json:"image_url,omitempty"`
	Buttons  []ButtonDef `json:"buttons,omitempty"`
}

// CarouselNode renders a horizontally scrollable card list.
type CarouselNode struct {
	Cards  []CardDef `json:"cards"`
	SaveAs string    `json:"save_as,omitempty"`
	Next   string    `json:"next_node_id,omitempty"`
}

// Kind implements NodeBody.
func (*CarouselNode) Kind() NodeKind { return KindCarousel }

// UnknownNode preserves a node whose type this build does not understand.
// The engine skips it and continues, so old definitions keep working after
// a node type is retired.
type UnknownNode struct {
	Type string `json:"-"`
	Next string `json:"next_node_id,omitempty"`
}

// Kind implements NodeBody.
func (*UnknownNode) Kind() NodeKind { return KindUnknown }

type nodeEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Next string `json:"next_node_id,omitempty"`
}

// UnmarshalJSON dispatches the flat node object onto its concrete body type
// by the "type" discriminator. Unrecognized types decode as UnknownNode.
func (n *Node) UnmarshalJSON(data []byte) error {
	var envelope nodeEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode node envelope: %w", err)
	}
	if envelope.ID == "" {
		return fmt.Errorf("node without id")
	}
	n.ID = envelope.ID

	var body NodeBody
	switch NodeKind(envelope.Type) {
	case KindMessage:
		body = &MessageNode{}
	case KindCondition:
		body = &ConditionNode{}
	case KindDelay:
		body = &DelayNode{}
	case KindCollectInput:
		body = &CollectInputNode{}
	case KindAction:
		body = &ActionNode{}
	case KindLocation:
		body = &LocationNode{}
	case KindQuickReplies:
		body = &QuickRepliesNode{}
	case KindButtons:
		body = &ButtonsNode{}
	case KindCarousel:
		body = &CarouselNode{}
	default:
		n.Body = &UnknownNode{Type: envelope.Type, Next: envelope.Next}
		return nil
	}
	if err := json.Unmarshal(data, body); err != nil {
		return fmt.Errorf("decode %s node %q: %w", envelope.Type, envelope.ID, err)
	}
	n.Body = body
	return nil
}

// MarshalJSON flattens the body and re-attaches the id and discriminator.
func (n Node) MarshalJSON() ([]byte, error) {
	if n.Body == nil {
		return nil, fmt.Errorf("node %q without body", n.ID)
	}
	raw, err := json.Marshal(n.Body)
	if err != nil {
		return nil, err
	}
	flat := map[string]any{}
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, err
	}
	flat["id"] = n.ID
	kind := n.Body.Kind()
	if unknown, ok := n.Body.(*UnknownNode); ok && unknown.Type != "" {
		flat["type"] = unknown.Type
	} else {
		flat["type"] = string(kind)
	}
	return json.Marshal(flat)
}

// Definition is one named flow graph.
type Definition struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	Name            string
	TriggerKeywords []string
	EntryNodeID     string
	Nodes           []Node
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time

	index map[string]*Node
}

// Node resolves a node id. Dangling references return (nil, false) and the
// engine treats that as end of flow rather than an error.
func (d *Definition) Node(id string) (*Node, bool) {
	if d.index == nil {
		d.index = make(map[string]*Node, len(d.Nodes))
		for i := range d.Nodes {
			d.index[d.Nodes[i].ID] = &d.Nodes[i]
		}
	}
	node, ok := d.index[id]
	return node, ok
}
