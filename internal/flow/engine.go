package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/omnidesk/omnidesk/internal/channel"
)

// maxSteps bounds one engine invocation. Cyclic graphs stop silently at the
// cap; the truncation is logged with a counter so runaway flows stay
// observable.
const maxSteps = 50

// PauseKind distinguishes why a walk suspended.
type PauseKind string

// Pause kind constants.
const (
	PauseDelay PauseKind = "delay"
	PauseInput PauseKind = "input"
)

// Pause describes a suspension point. The engine returns it; persisting the
// matching conversation flow state is the caller's job.
type Pause struct {
	Kind PauseKind
	// NodeID is the node to resume from, empty when the pausing node was
	// terminal.
	NodeID   string
	ResumeAt time.Time
	AwaitVar string
}

// Action is one side-effect token recorded during a walk.
type Action struct {
	Name  string
	Value string
}

// ExecInput carries everything one walk needs. The engine reads nothing
// else, which is what keeps it stateless between calls.
type ExecInput struct {
	Flow        *Definition
	StartNodeID string
	Platform    channel.ChannelType
	CustomerID  string
	// CustomerMessage is the inbound text that started or resumed the walk.
	CustomerMessage string
	Variables       map[string]string
}

// ExecResult is the outcome of one walk.
type ExecResult struct {
	Outputs []channel.OutboundContent
	Actions []Action
	// Pause is nil when the walk completed and the conversation's flow
	// state should be cleared.
	Pause     *Pause
	Variables map[string]string
	Truncated bool
}

// Completed reports whether the walk ended without suspending.
func (r ExecResult) Completed() bool {
	return r.Pause == nil
}

// Engine executes flow definitions as a bounded graph walk.
type Engine struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a flow engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger, now: time.Now}
}

// Execute walks the flow from StartNodeID. Dangling node references end the
// walk; a cyclic graph stops after maxSteps with Truncated set. The walk is
// deterministic: same definition, same input, same result.
func (e *Engine) Execute(ctx context.Context, input ExecInput) (ExecResult, error) {
	if input.Flow == nil {
		return ExecResult{}, fmt.Errorf("execute flow: nil definition")
	}

	vars := make(map[string]string, len(input.Variables)+3)
	for k, v := range input.Variables {
		vars[k] = v
	}
	vars[PlaceholderCustomerMessage] = input.CustomerMessage
	vars[PlaceholderPlatform] = string(input.Platform)
	vars[PlaceholderCustomerID] = input.CustomerID

	result := ExecResult{Variables: vars}
	nodeID := input.StartNodeID

	for step := 0; step < maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if nodeID == "" {
			return result, nil
		}
		node, ok := input.Flow.Node(nodeID)
		if !ok {
			// Dangling reference: end of flow, not an error.
			return result, nil
		}

		switch body := node.Body.(type) {
		case *MessageNode:
			output := channel.OutboundContent{
				ContentType: channel.ContentText,
				Text:        RenderTemplate(body.Text, vars),
			}
			if body.ImageURL != "" {
				output.ContentType = channel.ContentImage
				output.ImageURL = RenderTemplate(body.ImageURL, vars)
			}
			result.Outputs = append(result.Outputs, output)
			nodeID = body.Next

		case *ConditionNode:
			left := resolveVariable(body.Variable, input, vars)
			if EvaluateCondition(left, body.Operator, body.Value) {
				nodeID = body.TrueNext
			} else {
				nodeID = body.FalseNext
			}

		case *DelayNode:
			result.Pause = &Pause{
				Kind:     PauseDelay,
				NodeID:   body.Next,
				ResumeAt: e.now().Add(body.Delay()),
			}
			return result, nil

		case *CollectInputNode:
			result.Outputs = append(result.Outputs, channel.OutboundContent{
				ContentType: channel.ContentText,
				Text:        RenderTemplate(body.Prompt, vars),
			})
			result.Pause = &Pause{
				Kind:     PauseInput,
				NodeID:   body.Next,
				AwaitVar: body.SaveAs,
			}
			return result, nil

		case *ActionNode:
			result.Actions = append(result.Actions, Action{
				Name:  body.Action,
				Value: RenderTemplate(body.Value, vars),
			})
			nodeID = body.Next

		case *LocationNode:
			result.Outputs = append(result.Outputs, locationOutput(body, vars))
			nodeID = body.Next

		case *QuickRepliesNode:
			result.Outputs = append(result.Outputs, quickRepliesOutput(body, vars))
			if body.Next != "" {
				result.Pause = &Pause{Kind: PauseInput, NodeID: body.Next, AwaitVar: body.SaveAs}
				return result, nil
			}
			nodeID = ""

		case *ButtonsNode:
			result.Outputs = append(result.Outputs, buttonsOutput(body, vars))
			if body.Next != "" {
				result.Pause = &Pause{Kind: PauseInput, NodeID: body.Next, AwaitVar: body.SaveAs}
				return result, nil
			}
			nodeID = ""

		case *CarouselNode:
			result.Outputs = append(result.Outputs, carouselOutput(body, vars))
			if body.Next != "" {
				result.Pause = &Pause{Kind: PauseInput, NodeID: body.Next, AwaitVar: body.SaveAs}
				return result, nil
			}
			nodeID = ""

		case *UnknownNode:
			nodeID = body.Next

		default:
			return result, fmt.Errorf("execute flow %s: node %q has unsupported body", input.Flow.ID, node.ID)
		}
	}

	result.Truncated = true
	if e.logger != nil {
		e.logger.Warn("flow walk truncated at step cap",
			slog.String("flow_id", input.Flow.ID.String()),
			slog.Int("max_steps", maxSteps))
	}
	return result, nil
}

// resolveVariable maps a condition variable name onto the message, the
// platform, or the bag.
func resolveVariable(name string, input ExecInput, vars map[string]string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case VarMessage, PlaceholderCustomerMessage:
		return input.CustomerMessage
	case VarPlatform:
		return string(input.Platform)
	default:
		return vars[name]
	}
}

func locationOutput(node *LocationNode, vars map[string]string) channel.OutboundContent {
	name := RenderTemplate(node.Name, vars)
	text := fmt.Sprintf("https://www.google.com/maps?q=%f,%f", node.Latitude, node.Longitude)
	if name != "" {
		text = name + "\n" + text
	}
	return channel.OutboundContent{
		ContentType: channel.ContentLocation,
		Text:        text,
		Location: &channel.Location{
			Latitude:  node.Latitude,
			Longitude: node.Longitude,
			Name:      name,
			Address:   RenderTemplate(node.Address, vars),
		},
	}
}

func quickRepliesOutput(node *QuickRepliesNode, vars map[string]string) channel.OutboundContent {
	replies := make([]channel.Button, 0, len(node.Options))
	for _, opt := range node.Options {
		replies = append(replies, channel.Button{
			Title:   RenderTemplate(opt.Title, vars),
			Payload: opt.Payload,
		})
	}
	return channel.OutboundContent{
		ContentType:  channel.ContentQuickReply,
		Text:         RenderTemplate(node.Text, vars),
		QuickReplies: replies,
	}
}

func buttonsOutput(node *ButtonsNode, vars map[string]string) channel.OutboundContent {
	buttons := make([]channel.Button, 0, len(node.Buttons))
	for _, b := range node.Buttons {
		buttons = append(buttons, channel.Button{
			Title:   RenderTemplate(b.Title, vars),
			Payload: b.Payload,
			URL:     b.URL,
		})
	}
	return channel.OutboundContent{
		ContentType: channel.ContentInteractive,
		Text:        RenderTemplate(node.Text, vars),
		Buttons:     buttons,
	}
}

func carouselOutput(node *CarouselNode, vars map[string]string) channel.OutboundContent {
	cards := make([]channel.CarouselCard, 0, len(node.Cards))
	for _, card := range node.Cards {
		buttons := make([]channel.Button, 0, len(card.Buttons))
		for _, b := range card.Buttons {
			buttons = append(buttons, channel.Button{
				Title:   RenderTemplate(b.Title, vars),
				Payload: b.Payload,
				URL:     b.URL,
			})
		}
		cards = append(cards, channel.CarouselCard{
			Title:    RenderTemplate(card.Title, vars),
			Subtitle: RenderTemplate(card.Subtitle, vars),
			ImageURL: card.ImageURL,
			Buttons:  buttons,
		})
	}
	return channel.OutboundContent{
		ContentType: channel.ContentInteractive,
		Cards:       cards,
	}
}
