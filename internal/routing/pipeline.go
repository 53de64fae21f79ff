// Package routing runs the layered response pipeline: auto-assign, flow
// resume, new flow match, plugins, AI fallback. Exactly one layer responds
// to any inbound message.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omnidesk/omnidesk/internal/account"
	"github.com/omnidesk/omnidesk/internal/ai"
	"github.com/omnidesk/omnidesk/internal/channel"
	"github.com/omnidesk/omnidesk/internal/conversation"
	"github.com/omnidesk/omnidesk/internal/customer"
	"github.com/omnidesk/omnidesk/internal/flow"
	"github.com/omnidesk/omnidesk/internal/inbound"
	"github.com/omnidesk/omnidesk/internal/message"
	"github.com/omnidesk/omnidesk/internal/plugins"
	"github.com/omnidesk/omnidesk/internal/realtime"
)

// requestHumanKeywords trigger the human-takeover gate before the AI layer.
var requestHumanKeywords = []string{
	"talk to a human",
	"talk to an agent",
	"real person",
	"human agent",
	"speak to someone",
}

const requestHumanAck = "Got it. A member of our team will be with you shortly."

// ConversationOps is the conversation mutation surface the pipeline needs.
type ConversationOps interface {
	Assign(ctx context.Context, id uuid.UUID, agentID *uuid.UUID) error
	SetRequestHuman(ctx context.Context, id uuid.UUID, requested bool) error
	SetStatus(ctx context.Context, tenantID, id uuid.UUID, status conversation.Status) error
	SaveFlowState(ctx context.Context, id uuid.UUID, state conversation.FlowState) error
	ClaimInputResume(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error)
}

// FlowSource provides flow definitions.
type FlowSource interface {
	ListActive(ctx context.Context, tenantID uuid.UUID) ([]flow.Definition, error)
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*flow.Definition, error)
}

// AgentPicker evaluates auto-assign rules.
type AgentPicker interface {
	Evaluate(ctx context.Context, tenantID uuid.UUID, content string, channelType channel.ChannelType) (*uuid.UUID, error)
}

// PluginSource lists a tenant's active plugin configs.
type PluginSource interface {
	ListActive(ctx context.Context, tenantID uuid.UUID) ([]plugins.Config, error)
}

// MessageStore is the message access the pipeline needs.
type MessageStore interface {
	Append(ctx context.Context, params message.AppendParams) (*message.Message, error)
	RecordSendResult(ctx context.Context, id uuid.UUID, providerMessageID, errorCode string) error
	ListRecent(ctx context.Context, conversationID uuid.UUID, limit int) ([]message.Message, error)
}

// Sender dispatches outbound content.
type Sender interface {
	Send(ctx context.Context, acc channel.Account, recipientID string, content channel.OutboundContent) (string, error)
}

// Responder is the AI fallback. A nil Responder disables the layer.
type Responder interface {
	Reply(ctx context.Context, history []ai.HistoryMessage, userMessage string) (string, error)
}

// AccountSource resolves channel accounts for scheduler-driven resumes.
type AccountSource interface {
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*account.ChannelAccount, error)
}

// CustomerSource resolves customers for scheduler-driven resumes.
type CustomerSource interface {
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*customer.Customer, error)
}

// Notifier publishes realtime events.
type Notifier interface {
	Publish(event realtime.Event)
}

// Pipeline wires the five layers together. It also implements flow.Resumer
// for the scheduler.
type Pipeline struct {
	conversations ConversationOps
	flows         FlowSource
	engine        *flow.Engine
	assigner      AgentPicker
	pluginSource  PluginSource
	pluginRunner  *plugins.Runner
	messages      MessageStore
	sender        Sender
	responder     Responder
	accounts      AccountSource
	customers     CustomerSource
	notifier      Notifier
	logger        *slog.Logger
}

// Params collects the pipeline dependencies.
type Params struct {
	Conversations ConversationOps
	Flows         FlowSource
	Engine        *flow.Engine
	Assigner      AgentPicker
	PluginSource  PluginSource
	PluginRunner  *plugins.Runner
	Messages      MessageStore
	Sender        Sender
	Responder     Responder
	Accounts      AccountSource
	Customers     CustomerSource
	Notifier      Notifier
	Logger        *slog.Logger
}

// NewPipeline creates the routing pipeline.
func NewPipeline(p Params) *Pipeline {
	return &Pipeline{
		conversations: p.Conversations,
		flows:         p.Flows,
		engine:        p.Engine,
		assigner:      p.Assigner,
		pluginSource:  p.PluginSource,
		pluginRunner:  p.PluginRunner,
		messages:      p.Messages,
		sender:        p.Sender,
		responder:     p.Responder,
		accounts:      p.Accounts,
		customers:     p.Customers,
		notifier:      p.Notifier,
		logger:        p.Logger,
	}
}

// HandleInbound routes one resolved inbound message through the layers.
func (p *Pipeline) HandleInbound(ctx context.Context, res *inbound.Result) error {
	conv := res.Conversation
	content := res.Message.Content

	// Layer 1: auto-assign. Assignment never blocks the layers below.
	if !conv.Assigned() && p.assigner != nil {
		agentID, err := p.assigner.Evaluate(ctx, conv.TenantID, content, res.Account.ChannelType)
		if err != nil {
			p.logError(ctx, "auto-assign evaluation failed", conv.ID, err)
		} else if agentID != nil {
			if err := p.conversations.Assign(ctx, conv.ID, agentID); err != nil {
				p.logError(ctx, "auto-assign failed", conv.ID, err)
			} else {
				conv.AssignedAgentID = agentID
			}
		}
	}

	responded := false

	// Layer 2: resume a flow waiting on input. A paused flow always takes
	// precedence over new trigger matching.
	switch {
	case conv.FlowState.AwaitingInput():
		claimed, err := p.conversations.ClaimInputResume(ctx, conv.ID)
		if err != nil {
			return fmt.Errorf("claim input resume: %w", err)
		}
		if claimed == nil {
			// Another worker won the claim and owns this resume. Stay silent
			// so the customer does not get two responses.
			if p.logger != nil {
				p.logger.Debug("input resume claim lost",
					slog.String("conversation_id", conv.ID.String()))
			}
			return nil
		}
		responded, err = p.resumeFromInput(ctx, res, claimed)
		if err != nil {
			p.logError(ctx, "flow resume failed", conv.ID, err)
			responded = true
		}

	// Layer 3: new flow match, only when no flow holds the conversation.
	case !conv.FlowState.InFlow():
		active, err := p.flows.ListActive(ctx, conv.TenantID)
		if err != nil {
			p.logError(ctx, "list active flows", conv.ID, err)
		} else if def := flow.MatchTrigger(active, content); def != nil {
			responded, err = p.runFlow(ctx, flowRun{
				account:         res.Account,
				customer:        res.Customer,
				conversation:    conv,
				definition:      def,
				startNodeID:     def.EntryNodeID,
				customerMessage: content,
			})
			if err != nil {
				p.logError(ctx, "flow execution failed", conv.ID, err)
			}
		}
	}

	// Layer 4: plugins.
	if !responded && p.pluginRunner != nil && p.pluginSource != nil {
		configs, err := p.pluginSource.ListActive(ctx, conv.TenantID)
		if err != nil {
			p.logError(ctx, "list plugins", conv.ID, err)
		} else if len(configs) > 0 {
			response, tags, err := p.pluginRunner.Run(ctx, configs, plugins.Input{
				TenantID:       conv.TenantID,
				ConversationID: conv.ID,
				CustomerID:     res.Customer.ID,
				ChannelType:    res.Account.ChannelType,
				Content:        content,
				ContentType:    channel.ContentType(res.Message.ContentType),
				ImageURL:       res.Message.ImageURL,
				FirstMessage:   res.FirstMessage,
				Now:            res.Message.CreatedAt,
			})
			switch {
			case err != nil:
				p.logError(ctx, "plugin chain failed", conv.ID, err)
			case response != nil:
				if err := p.respond(ctx, res.Account, res.Customer, conv, *response); err != nil {
					p.logError(ctx, "plugin response failed", conv.ID, err)
				}
				responded = true
			}
			for _, tag := range tags {
				if tag == "urgent" {
					if err := p.conversations.SetRequestHuman(ctx, conv.ID, true); err != nil {
						p.logError(ctx, "urgency escalation failed", conv.ID, err)
					}
					conv.RequestHuman = true
					break
				}
			}
		}
	}

	// Layer 5: AI fallback behind the human-takeover gate.
	if !responded {
		if err := p.aiFallback(ctx, res, content); err != nil {
			p.logError(ctx, "ai fallback failed", conv.ID, err)
		}
	}
	return nil
}

func (p *Pipeline) aiFallback(ctx context.Context, res *inbound.Result, content string) error {
	conv := res.Conversation
	if wantsHuman(content) {
		if err := p.conversations.SetRequestHuman(ctx, conv.ID, true); err != nil {
			return fmt.Errorf("set request human: %w", err)
		}
		conv.RequestHuman = true
		return p.respond(ctx, res.Account, res.Customer, conv, channel.OutboundContent{
			ContentType: channel.ContentText,
			Text:        requestHumanAck,
		})
	}
	if p.responder == nil || conv.Assigned() || conv.RequestHuman {
		return nil
	}

	history, err := p.messages.ListRecent(ctx, conv.ID, 10)
	if err != nil {
		return fmt.Errorf("load ai context: %w", err)
	}
	aiHistory := make([]ai.HistoryMessage, 0, len(history))
	for _, m := range history {
		if m.ID == res.Message.ID {
			continue
		}
		aiHistory = append(aiHistory, ai.HistoryMessage{
			FromCustomer: m.SenderType == message.SenderCustomer,
			Content:      m.Content,
		})
	}
	reply, err := p.responder.Reply(ctx, aiHistory, content)
	if err != nil {
		return fmt.Errorf("ai reply: %w", err)
	}
	if strings.TrimSpace(reply) == "" {
		return nil
	}
	return p.respond(ctx, res.Account, res.Customer, conv, channel.OutboundContent{
		ContentType: channel.ContentText,
		Text:        reply,
	})
}

func wantsHuman(content string) bool {
	lowered := strings.ToLower(content)
	for _, keyword := range requestHumanKeywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}

// resumeFromInput continues a paused_input flow with the new message,
// capturing it into the awaited variable first.
func (p *Pipeline) resumeFromInput(ctx context.Context, res *inbound.Result, claimed *conversation.Conversation) (bool, error) {
	state := claimed.FlowState
	vars := cloneVars(state.Variables)
	if state.AwaitVar != "" {
		vars[state.AwaitVar] = res.Message.Content
	}
	def, err := p.loadFlow(ctx, claimed.TenantID, state.FlowID)
	if err != nil || def == nil {
		// The definition vanished under the pause; clear the state so the
		// conversation is not wedged.
		if saveErr := p.conversations.SaveFlowState(ctx, claimed.ID, conversation.IdleState()); saveErr != nil {
			return false, saveErr
		}
		return false, err
	}
	return p.runFlow(ctx, flowRun{
		account:         res.Account,
		customer:        res.Customer,
		conversation:    claimed,
		definition:      def,
		startNodeID:     state.NodeID,
		customerMessage: res.Message.Content,
		variables:       vars,
	})
}

// ResumeDelayed implements flow.Resumer. The scheduler hands over a
// conversation it has already claimed.
func (p *Pipeline) ResumeDelayed(ctx context.Context, conv *conversation.Conversation) error {
	state := conv.FlowState
	acc, err := p.accounts.GetByID(ctx, conv.TenantID, conv.ChannelAccountID)
	if err != nil {
		p.requeueDelayed(ctx, conv, state)
		return fmt.Errorf("load channel account: %w", err)
	}
	cust, err := p.customers.GetByID(ctx, conv.TenantID, conv.CustomerID)
	if err != nil {
		p.requeueDelayed(ctx, conv, state)
		return fmt.Errorf("load customer: %w", err)
	}
	def, err := p.loadFlow(ctx, conv.TenantID, state.FlowID)
	if err != nil || def == nil {
		if saveErr := p.conversations.SaveFlowState(ctx, conv.ID, conversation.IdleState()); saveErr != nil {
			return saveErr
		}
		return err
	}
	vars := cloneVars(state.Variables)
	_, err = p.runFlow(ctx, flowRun{
		account:         acc,
		customer:        cust,
		conversation:    conv,
		definition:      def,
		startNodeID:     state.NodeID,
		customerMessage: vars[flow.PlaceholderCustomerMessage],
		variables:       vars,
	})
	return err
}

// requeueDelayed puts a claimed conversation back in the scheduler's queue
// after a transient load failure. The claim already cleared resume_at, so
// without this write nothing would ever touch the flow again: paused_input
// resume does not apply and the running phase suppresses new flow matches.
func (p *Pipeline) requeueDelayed(ctx context.Context, conv *conversation.Conversation, state conversation.FlowState) {
	restored := conversation.PausedDelayState(state.FlowID, state.NodeID, time.Now(), state.Variables)
	if err := p.conversations.SaveFlowState(ctx, conv.ID, restored); err != nil {
		p.logError(ctx, "requeue delayed resume", conv.ID, err)
	}
}

func (p *Pipeline) loadFlow(ctx context.Context, tenantID uuid.UUID, flowID string) (*flow.Definition, error) {
	id, err := uuid.Parse(flowID)
	if err != nil {
		return nil, fmt.Errorf("bad flow id %q: %w", flowID, err)
	}
	def, err := p.flows.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("load flow %s: %w", flowID, err)
	}
	return def, nil
}

type flowRun struct {
	account         *account.ChannelAccount
	customer        *customer.Customer
	conversation    *conversation.Conversation
	definition      *flow.Definition
	startNodeID     string
	customerMessage string
	variables       map[string]string
}

// runFlow executes one engine walk and applies its outcome: outputs are
// dispatched, actions applied, and the resulting flow state persisted.
// Reports whether the walk produced output.
func (p *Pipeline) runFlow(ctx context.Context, run flowRun) (bool, error) {
	result, err := p.engine.Execute(ctx, flow.ExecInput{
		Flow:            run.definition,
		StartNodeID:     run.startNodeID,
		Platform:        run.account.ChannelType,
		CustomerID:      run.customer.ExternalID,
		CustomerMessage: run.customerMessage,
		Variables:       run.variables,
	})
	if err != nil {
		if saveErr := p.conversations.SaveFlowState(ctx, run.conversation.ID, conversation.IdleState()); saveErr != nil {
			p.logError(ctx, "clear flow state after engine failure", run.conversation.ID, saveErr)
		}
		return false, err
	}

	for _, output := range result.Outputs {
		if err := p.respond(ctx, run.account, run.customer, run.conversation, output); err != nil {
			p.logError(ctx, "flow output send failed", run.conversation.ID, err)
		}
	}

	closed := false
	for _, action := range result.Actions {
		if err := p.applyAction(ctx, run, action); err != nil {
			p.logError(ctx, "flow action failed", run.conversation.ID, err)
		}
		if action.Name == flow.ActionClose {
			closed = true
		}
	}

	state := conversation.IdleState()
	if result.Pause != nil && result.Pause.NodeID != "" && !closed {
		flowID := run.definition.ID.String()
		switch result.Pause.Kind {
		case flow.PauseDelay:
			state = conversation.PausedDelayState(flowID, result.Pause.NodeID, result.Pause.ResumeAt, result.Variables)
		case flow.PauseInput:
			state = conversation.PausedInputState(flowID, result.Pause.NodeID, result.Pause.AwaitVar, result.Variables)
		}
	}
	if err := p.conversations.SaveFlowState(ctx, run.conversation.ID, state); err != nil {
		return len(result.Outputs) > 0, fmt.Errorf("persist flow state: %w", err)
	}
	run.conversation.FlowState = state
	return len(result.Outputs) > 0, nil
}

func (p *Pipeline) applyAction(ctx context.Context, run flowRun, action flow.Action) error {
	conv := run.conversation
	switch action.Name {
	case flow.ActionAssignAgent:
		agentID, err := uuid.Parse(action.Value)
		if err != nil {
			return fmt.Errorf("assign_agent action with bad agent id %q", action.Value)
		}
		if err := p.conversations.Assign(ctx, conv.ID, &agentID); err != nil {
			return err
		}
		conv.AssignedAgentID = &agentID
	case flow.ActionRequestHuman:
		if err := p.conversations.SetRequestHuman(ctx, conv.ID, true); err != nil {
			return err
		}
		conv.RequestHuman = true
	case flow.ActionClose:
		if err := p.conversations.SetStatus(ctx, conv.TenantID, conv.ID, conversation.StatusResolved); err != nil {
			return err
		}
		conv.Status = conversation.StatusResolved
	case flow.ActionAddTag:
		if p.logger != nil {
			p.logger.Info("conversation tagged by flow",
				slog.String("conversation_id", conv.ID.String()),
				slog.String("tag", action.Value))
		}
	default:
		if p.logger != nil {
			p.logger.Warn("unknown flow action skipped",
				slog.String("action", action.Name))
		}
	}
	return nil
}

// respond persists the outbound message, dispatches it, records the send
// outcome on the row, and publishes the realtime event.
func (p *Pipeline) respond(ctx context.Context, acc *account.ChannelAccount, cust *customer.Customer, conv *conversation.Conversation, content channel.OutboundContent) error {
	msg, err := p.messages.Append(ctx, message.AppendParams{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		SenderType:     message.SenderBot,
		Content:        content.Text,
		ContentType:    string(content.ContentType),
		ImageURL:       content.ImageURL,
	})
	if err != nil {
		return fmt.Errorf("persist outbound message: %w", err)
	}

	providerID, sendErr := p.sender.Send(ctx, acc.AdapterAccount(), cust.ExternalID, content)
	errorCode := ""
	if sendErr != nil {
		errorCode = string(channel.SendErrorCodeOf(sendErr))
	}
	if err := p.messages.RecordSendResult(ctx, msg.ID, providerID, errorCode); err != nil {
		p.logError(ctx, "record send result", conv.ID, err)
	}

	if p.notifier != nil {
		p.notifier.Publish(realtime.Event{
			Type:           realtime.EventNewMessage,
			TenantID:       conv.TenantID,
			ConversationID: conv.ID,
			Payload:        msg,
		})
	}
	if sendErr != nil {
		return fmt.Errorf("dispatch outbound message: %w", sendErr)
	}
	return nil
}

func (p *Pipeline) logError(ctx context.Context, msg string, conversationID uuid.UUID, err error) {
	if p.logger != nil {
		p.logger.LogAttrs(ctx, slog.LevelError, msg,
			slog.String("conversation_id", conversationID.String()),
			slog.Any("error", err))
	}
}

func cloneVars(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
