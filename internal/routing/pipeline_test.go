package routing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type fakeConvOps struct {
	mu            sync.Mutex
	assigned      map[uuid.UUID]*uuid.UUID
	requestHuman  map[uuid.UUID]bool
	statuses      map[uuid.UUID]conversation.Status
	savedStates   []conversation.FlowState
	claimable     *conversation.Conversation
	claimConsumed bool
}

func newFakeConvOps() *fakeConvOps {
	return &fakeConvOps{
		assigned:     make(map[uuid.UUID]*uuid.UUID),
		requestHuman: make(map[uuid.UUID]bool),
		statuses:     make(map[uuid.UUID]conversation.Status),
	}
}

func (f *fakeConvOps) Assign(_ context.Context, id uuid.UUID, agentID *uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigned[id] = agentID
	return nil
}

func (f *fakeConvOps) SetRequestHuman(_ context.Context, id uuid.UUID, requested bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestHuman[id] = requested
	return nil
}

func (f *fakeConvOps) SetStatus(_ context.Context, _, id uuid.UUID, status conversation.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeConvOps) SaveFlowState(_ context.Context, _ uuid.UUID, state conversation.FlowState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedStates = append(f.savedStates, state)
	return nil
}

func (f *fakeConvOps) ClaimInputResume(_ context.Context, _ uuid.UUID) (*conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimable == nil || f.claimConsumed {
		return nil, nil
	}
	f.claimConsumed = true
	claimed := *f.claimable
	claimed.FlowState.Phase = conversation.PhaseRunning
	return &claimed, nil
}

func (f *fakeConvOps) lastState() (conversation.FlowState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.savedStates) == 0 {
		return conversation.FlowState{}, false
	}
	return f.savedStates[len(f.savedStates)-1], true
}

type fakeFlowSource struct {
	flows []flow.Definition
}

func (f *fakeFlowSource) ListActive(context.Context, uuid.UUID) ([]flow.Definition, error) {
	return f.flows, nil
}

func (f *fakeFlowSource) GetByID(_ context.Context, _ uuid.UUID, id uuid.UUID) (*flow.Definition, error) {
	for i := range f.flows {
		if f.flows[i].ID == id {
			return &f.flows[i], nil
		}
	}
	return nil, nil
}

type fakeAssigner struct {
	agentID *uuid.UUID
	calls   int
}

func (f *fakeAssigner) Evaluate(context.Context, uuid.UUID, string, channel.ChannelType) (*uuid.UUID, error) {
	f.calls++
	return f.agentID, nil
}

type fakePluginSource struct {
	configs []plugins.Config
}

func (f *fakePluginSource) ListActive(context.Context, uuid.UUID) ([]plugins.Config, error) {
	return f.configs, nil
}

type fakeMessages struct {
	mu       sync.Mutex
	appended []message.Message
	results  map[uuid.UUID]sendResult
	history  []message.Message
}

type sendResult struct {
	providerID string
	errorCode  string
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{results: make(map[uuid.UUID]sendResult)}
}

func (f *fakeMessages) Append(_ context.Context, params message.AppendParams) (*message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := message.Message{
		ID:             uuid.New(),
		TenantID:       params.TenantID,
		ConversationID: params.ConversationID,
		SenderType:     params.SenderType,
		Content:        params.Content,
		ContentType:    params.ContentType,
		ImageURL:       params.ImageURL,
		CreatedAt:      time.Now(),
	}
	f.appended = append(f.appended, msg)
	return &msg, nil
}

func (f *fakeMessages) RecordSendResult(_ context.Context, id uuid.UUID, providerMessageID, errorCode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[id] = sendResult{providerID: providerMessageID, errorCode: errorCode}
	return nil
}

func (f *fakeMessages) ListRecent(context.Context, uuid.UUID, int) ([]message.Message, error) {
	return f.history, nil
}

func (f *fakeMessages) botTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.appended {
		if m.SenderType == message.SenderBot {
			out = append(out, m.Content)
		}
	}
	return out
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []channel.OutboundContent
	fail  error
	calls int
}

func (f *fakeSender) Send(_ context.Context, _ channel.Account, _ string, content channel.OutboundContent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sent = append(f.sent, content)
	if f.fail != nil {
		return "", f.fail
	}
	return "mid.sent", nil
}

type fakeResponder struct {
	reply   string
	calls   int
	history []ai.HistoryMessage
}

func (f *fakeResponder) Reply(_ context.Context, history []ai.HistoryMessage, _ string) (string, error) {
	f.calls++
	f.history = history
	return f.reply, nil
}

type fakeAccounts struct {
	acc *account.ChannelAccount
	err error
}

func (f *fakeAccounts) GetByID(context.Context, uuid.UUID, uuid.UUID) (*account.ChannelAccount, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.acc, nil
}

type fakeCustomers struct {
	cust *customer.Customer
	err  error
}

func (f *fakeCustomers) GetByID(context.Context, uuid.UUID, uuid.UUID) (*customer.Customer, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.cust, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (f *fakeNotifier) Publish(event realtime.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

type fixture struct {
	pipeline  *Pipeline
	convs     *fakeConvOps
	flows     *fakeFlowSource
	assigner  *fakeAssigner
	pluginCfg *fakePluginSource
	messages  *fakeMessages
	sender    *fakeSender
	responder *fakeResponder
	notifier  *fakeNotifier
	accounts  *fakeAccounts
	customers *fakeCustomers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.Default()
	f := &fixture{
		convs:     newFakeConvOps(),
		flows:     &fakeFlowSource{},
		assigner:  &fakeAssigner{},
		pluginCfg: &fakePluginSource{},
		messages:  newFakeMessages(),
		sender:    &fakeSender{},
		responder: &fakeResponder{reply: "AI says hi"},
		notifier:  &fakeNotifier{},
	}
	acc := testAccount()
	f.accounts = &fakeAccounts{acc: acc}
	f.customers = &fakeCustomers{cust: testCustomer(acc)}
	f.pipeline = NewPipeline(Params{
		Conversations: f.convs,
		Flows:         f.flows,
		Engine:        flow.NewEngine(logger),
		Assigner:      f.assigner,
		PluginSource:  f.pluginCfg,
		PluginRunner:  plugins.NewRunner(plugins.NewRegistry(logger), logger),
		Messages:      f.messages,
		Sender:        f.sender,
		Responder:     f.responder,
		Accounts:      f.accounts,
		Customers:     f.customers,
		Notifier:      f.notifier,
		Logger:        logger,
	})
	return f
}

func testAccount() *account.ChannelAccount {
	return &account.ChannelAccount{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		ChannelType: channel.TypeFacebook,
		ExternalID:  "page-1",
		AccessToken: "tok",
		Active:      true,
	}
}

func testCustomer(acc *account.ChannelAccount) *customer.Customer {
	return &customer.Customer{
		ID:               uuid.New(),
		TenantID:         acc.TenantID,
		ChannelAccountID: acc.ID,
		ExternalID:       "psid-1",
		Name:             "Ada",
	}
}

func openConversation(acc *account.ChannelAccount, cust *customer.Customer) *conversation.Conversation {
	return &conversation.Conversation{
		ID:               uuid.New(),
		TenantID:         acc.TenantID,
		CustomerID:       cust.ID,
		ChannelAccountID: acc.ID,
		Status:           conversation.StatusOpen,
		FlowState:        conversation.IdleState(),
	}
}

func inboundResult(acc *account.ChannelAccount, cust *customer.Customer, conv *conversation.Conversation, content string) *inbound.Result {
	return &inbound.Result{
		Account:      acc,
		Customer:     cust,
		Conversation: conv,
		Message: &message.Message{
			ID:             uuid.New(),
			TenantID:       conv.TenantID,
			ConversationID: conv.ID,
			SenderType:     message.SenderCustomer,
			Content:        content,
			ContentType:    string(channel.ContentText),
			CreatedAt:      time.Now(),
		},
	}
}

func supportFlow() flow.Definition {
	return flow.Definition{
		ID:              uuid.New(),
		Name:            "support intake",
		TriggerKeywords: []string{"#support"},
		EntryNodeID:     "greet",
		Active:          true,
		Nodes: []flow.Node{
			{ID: "greet", Body: &flow.MessageNode{Text: "How can we help?", Next: "ask"}},
			{ID: "ask", Body: &flow.CollectInputNode{Prompt: "What is your name?", SaveAs: "name", Next: "bye"}},
			{ID: "bye", Body: &flow.MessageNode{Text: "Thanks {name}, a human will follow up."}},
		},
	}
}

func TestFlowMatchShortCircuitsAIAndPlugins(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.flows.flows = []flow.Definition{supportFlow()}
	f.pluginCfg.configs = []plugins.Config{{
		ID:       uuid.New(),
		Type:     plugins.TypeAutoReply,
		Settings: json.RawMessage(`{"rules": [{"keyword": "support", "reply": "plugin reply"}]}`),
		Active:   true,
	}}

	acc := testAccount()
	cust := testCustomer(acc)
	conv := openConversation(acc, cust)
	res := inboundResult(acc, cust, conv, "#support please")

	require.NoError(t, f.pipeline.HandleInbound(context.Background(), res))

	texts := f.messages.botTexts()
	require.Equal(t, []string{"How can we help?", "What is your name?"}, texts)
	assert.Zero(t, f.responder.calls, "AI must not run when a flow responded")

	state, ok := f.convs.lastState()
	require.True(t, ok)
	assert.Equal(t, conversation.PhasePausedInput, state.Phase)
	assert.Equal(t, "name", state.AwaitVar)
	assert.Equal(t, "bye", state.NodeID)
}

func TestInputResumeCapturesVariable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	def := supportFlow()
	f.flows.flows = []flow.Definition{def}

	acc := testAccount()
	cust := testCustomer(acc)
	conv := openConversation(acc, cust)
	conv.FlowState = conversation.PausedInputState(def.ID.String(), "bye", "name", nil)
	f.convs.claimable = conv

	res := inboundResult(acc, cust, conv, "Grace")
	require.NoError(t, f.pipeline.HandleInbound(context.Background(), res))

	texts := f.messages.botTexts()
	require.Equal(t, []string{"Thanks Grace, a human will follow up."}, texts)

	state, ok := f.convs.lastState()
	require.True(t, ok)
	assert.Equal(t, conversation.PhaseIdle, state.Phase)
	assert.Zero(t, f.responder.calls)
}

func TestLostInputClaimStaysSilent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	acc := testAccount()
	cust := testCustomer(acc)
	conv := openConversation(acc, cust)
	conv.FlowState = conversation.PausedInputState(uuid.NewString(), "bye", "name", nil)
	// No claimable conversation: another worker won the claim.

	res := inboundResult(acc, cust, conv, "Grace")
	require.NoError(t, f.pipeline.HandleInbound(context.Background(), res))

	assert.Empty(t, f.messages.botTexts())
	assert.Zero(t, f.sender.calls)
}

func TestDelayPausePersistsResumeAt(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	def := flow.Definition{
		ID:              uuid.New(),
		Name:            "drip",
		TriggerKeywords: []string{"start"},
		EntryNodeID:     "hello",
		Active:          true,
		Nodes: []flow.Node{
			{ID: "hello", Body: &flow.MessageNode{Text: "Hello!", Next: "wait"}},
			{ID: "wait", Body: &flow.DelayNode{DelayMS: 60_000, Next: "later"}},
			{ID: "later", Body: &flow.MessageNode{Text: "Still there?"}},
		},
	}
	f.flows.flows = []flow.Definition{def}

	acc := testAccount()
	cust := testCustomer(acc)
	conv := openConversation(acc, cust)
	res := inboundResult(acc, cust, conv, "start")

	before := time.Now()
	require.NoError(t, f.pipeline.HandleInbound(context.Background(), res))

	state, ok := f.convs.lastState()
	require.True(t, ok)
	require.Equal(t, conversation.PhasePausedDelay, state.Phase)
	assert.Equal(t, "later", state.NodeID)
	require.NotNil(t, state.ResumeAt)
	assert.WithinDuration(t, before.Add(time.Minute), *state.ResumeAt, 5*time.Second)
}

func TestResumeDelayedContinuesFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	def := flow.Definition{
		ID:          uuid.New(),
		Name:        "drip",
		EntryNodeID: "hello",
		Active:      true,
		Nodes: []flow.Node{
			{ID: "hello", Body: &flow.MessageNode{Text: "Hello!", Next: "wait"}},
			{ID: "wait", Body: &flow.DelayNode{DelayMS: 60_000, Next: "later"}},
			{ID: "later", Body: &flow.MessageNode{Text: "Still there?"}},
		},
	}
	f.flows.flows = []flow.Definition{def}

	acc := f.accounts.acc
	cust := f.customers.cust
	conv := openConversation(acc, cust)
	// Scheduler hands over the claimed row: running, positioned at the node
	// after the delay.
	conv.FlowState = conversation.FlowState{
		Phase:  conversation.PhaseRunning,
		FlowID: def.ID.String(),
		NodeID: "later",
	}

	require.NoError(t, f.pipeline.ResumeDelayed(context.Background(), conv))

	require.Equal(t, []string{"Still there?"}, f.messages.botTexts())
	state, ok := f.convs.lastState()
	require.True(t, ok)
	assert.Equal(t, conversation.PhaseIdle, state.Phase)
}

func TestResumeDelayedLoadFailureRequeues(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.accounts.err = errors.New("connection reset")

	acc := f.accounts.acc
	cust := f.customers.cust
	conv := openConversation(acc, cust)
	flowID := uuid.New().String()
	// The claim already flipped the row to running and cleared resume_at, so
	// a lost load must write something back or the flow is orphaned.
	conv.FlowState = conversation.FlowState{
		Phase:     conversation.PhaseRunning,
		FlowID:    flowID,
		NodeID:    "later",
		Variables: map[string]string{"name": "Grace"},
	}

	err := f.pipeline.ResumeDelayed(context.Background(), conv)
	require.Error(t, err)

	state, ok := f.convs.lastState()
	require.True(t, ok)
	assert.Equal(t, conversation.PhasePausedDelay, state.Phase)
	assert.Equal(t, flowID, state.FlowID)
	assert.Equal(t, "later", state.NodeID)
	assert.Equal(t, "Grace", state.Variables["name"])
	require.NotNil(t, state.ResumeAt)
	assert.WithinDuration(t, time.Now(), *state.ResumeAt, time.Minute)
	assert.Empty(t, f.messages.botTexts())
}

func TestResumeDelayedCustomerLoadFailureRequeues(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.customers.err = errors.New("connection reset")

	acc := f.accounts.acc
	cust := f.customers.cust
	conv := openConversation(acc, cust)
	conv.FlowState = conversation.FlowState{
		Phase:  conversation.PhaseRunning,
		FlowID: uuid.New().String(),
		NodeID: "later",
	}

	require.Error(t, f.pipeline.ResumeDelayed(context.Background(), conv))

	state, ok := f.convs.lastState()
	require.True(t, ok)
	assert.Equal(t, conversation.PhasePausedDelay, state.Phase)
	require.NotNil(t, state.ResumeAt)
}

func TestPluginRespondsWhenNoFlowMatches(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.pluginCfg.configs = []plugins.Config{{
		ID:       uuid.New(),
		Type:     plugins.TypeAutoReply,
		Settings: json.RawMessage(`{"rules": [{"keyword": "pricing", "reply": "Plans start at $9/mo."}]}`),
		Active:   true,
	}}

	acc := testAccount()
	cust := testCustomer(acc)
	conv := openConversation(acc, cust)
	res := inboundResult(acc, cust, conv, "what is your pricing?")

	require.NoError(t, f.pipeline.HandleInbound(context.Background(), res))

	require.Equal(t, []string{"Plans start at $9/mo."}, f.messages.botTexts())
	assert.Zero(t, f.responder.calls)
}

func TestAIFallbackUsesHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	acc := testAccount()
	cust := testCustomer(acc)
	conv := openConversation(acc, cust)
	res := inboundResult(acc, cust, conv, "do you ship to Norway?")
	f.messages.history = []message.Message{
		{ID: uuid.New(), SenderType: message.SenderCustomer, Content: "hi"},
		{ID: uuid.New(), SenderType: message.SenderBot, Content: "hello, how can I help?"},
		*res.Message,
	}

	require.NoError(t, f.pipeline.HandleInbound(context.Background(), res))

	require.Equal(t, 1, f.responder.calls)
	// The triggering message is excluded from history; it travels separately.
	require.Len(t, f.responder.history, 2)
	assert.True(t, f.responder.history[0].FromCustomer)
	assert.False(t, f.responder.history[1].FromCustomer)
	require.Equal(t, []string{"AI says hi"}, f.messages.botTexts())
}

func TestAISkippedWhenAssigned(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	acc := testAccount()
	cust := testCustomer(acc)
	conv := openConversation(acc, cust)
	agentID := uuid.New()
	conv.AssignedAgentID = &agentID

	res := inboundResult(acc, cust, conv, "anyone there?")
	require.NoError(t, f.pipeline.HandleInbound(context.Background(), res))

	assert.Zero(t, f.responder.calls)
	assert.Empty(t, f.messages.botTexts())
}

func TestAISkippedAfterHumanRequested(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	acc := testAccount()
	cust := testCustomer(acc)
	conv := openConversation(acc, cust)
	conv.RequestHuman = true

	res := inboundResult(acc, cust, conv, "hello again")
	require.NoError(t, f.pipeline.HandleInbound(context.Background(), res))

	assert.Zero(t, f.responder.calls)
}

func TestHumanTakeoverGate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	acc := testAccount()
	cust := testCustomer(acc)
	conv := openConversation(acc, cust)

	res := inboundResult(acc, cust, conv, "I want to talk to a human please")
	require.NoError(t, f.pipeline.HandleInbound(context.Background(), res))

	assert.Zero(t, f.responder.calls)
	assert.True(t, f.convs.requestHuman[conv.ID])
	require.Equal(t, []string{requestHumanAck}, f.messages.botTexts())
}

func TestAutoAssignRunsBeforeLayers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	agentID := uuid.New()
	f.assigner.agentID = &agentID

	acc := testAccount()
	cust := testCustomer(acc)
	conv := openConversation(acc, cust)
	res := inboundResult(acc, cust, conv, "hello")

	require.NoError(t, f.pipeline.HandleInbound(context.Background(), res))

	require.Equal(t, 1, f.assigner.calls)
	got, ok := f.convs.assigned[conv.ID]
	require.True(t, ok)
	assert.Equal(t, agentID, *got)
	// Once assigned the AI layer stays out.
	assert.Zero(t, f.responder.calls)
}

func TestSendFailureRecordsTaxonomyCode(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sender.fail = channel.NewSendError(channel.TypeFacebook, channel.SendErrInvalidToken, "expired")

	acc := testAccount()
	cust := testCustomer(acc)
	conv := openConversation(acc, cust)
	res := inboundResult(acc, cust, conv, "do you ship to Norway?")

	require.NoError(t, f.pipeline.HandleInbound(context.Background(), res))

	require.Len(t, f.messages.appended, 1)
	result := f.messages.results[f.messages.appended[0].ID]
	assert.Equal(t, string(channel.SendErrInvalidToken), result.errorCode)
	assert.Empty(t, result.providerID)
}

func TestFlowCloseActionResolvesConversation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	def := flow.Definition{
		ID:              uuid.New(),
		Name:            "goodbye",
		TriggerKeywords: []string{"bye"},
		EntryNodeID:     "farewell",
		Active:          true,
		Nodes: []flow.Node{
			{ID: "farewell", Body: &flow.MessageNode{Text: "Thanks for chatting!", Next: "close"}},
			{ID: "close", Body: &flow.ActionNode{Action: flow.ActionClose}},
		},
	}
	f.flows.flows = []flow.Definition{def}

	acc := testAccount()
	cust := testCustomer(acc)
	conv := openConversation(acc, cust)
	res := inboundResult(acc, cust, conv, "bye")

	require.NoError(t, f.pipeline.HandleInbound(context.Background(), res))

	assert.Equal(t, conversation.StatusResolved, f.convs.statuses[conv.ID])
	state, ok := f.convs.lastState()
	require.True(t, ok)
	assert.Equal(t, conversation.PhaseIdle, state.Phase)
}

func TestUrgentPluginTagEscalates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.pluginCfg.configs = []plugins.Config{{
		ID:     uuid.New(),
		Type:   plugins.TypeUrgency,
		Active: true,
	}}

	acc := testAccount()
	cust := testCustomer(acc)
	conv := openConversation(acc, cust)
	res := inboundResult(acc, cust, conv, "this is URGENT, my order is lost")

	require.NoError(t, f.pipeline.HandleInbound(context.Background(), res))

	assert.True(t, f.convs.requestHuman[conv.ID])
	// Escalation suppresses the AI layer on the same message.
	assert.Zero(t, f.responder.calls)
}

func TestOutboundEventsPublished(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	acc := testAccount()
	cust := testCustomer(acc)
	conv := openConversation(acc, cust)
	res := inboundResult(acc, cust, conv, "do you ship to Norway?")

	require.NoError(t, f.pipeline.HandleInbound(context.Background(), res))

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, realtime.EventNewMessage, f.notifier.events[0].Type)
	assert.Equal(t, conv.ID, f.notifier.events[0].ConversationID)
}
