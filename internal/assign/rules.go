// Package assign evaluates auto-assignment rules that route new
// conversations to agents.
package assign

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omnidesk/omnidesk/internal/channel"
)

// RuleType selects the matching strategy of a rule.
type RuleType string

// Rule type constants.
const (
	RuleKeyword    RuleType = "keyword"
	RuleChannel    RuleType = "channel"
	RuleSchedule   RuleType = "schedule"
	RuleRoundRobin RuleType = "round_robin"
)

// Rule is one auto-assignment rule. Rules evaluate in descending priority;
// the first match wins.
type Rule struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	Priority    int
	Type        RuleType
	Keyword     string
	ChannelType channel.ChannelType
	// WindowStart and WindowEnd are "15:04" local times in Timezone.
	// The window may wrap midnight.
	WindowStart string
	WindowEnd   string
	Timezone    string
	AgentID     *uuid.UUID
	Active      bool
	CreatedAt   time.Time
}

// Matches reports whether the rule applies to one inbound message.
func (r Rule) Matches(content string, channelType channel.ChannelType, now time.Time) bool {
	switch r.Type {
	case RuleKeyword:
		keyword := strings.ToLower(strings.TrimSpace(r.Keyword))
		return keyword != "" && strings.Contains(strings.ToLower(content), keyword)
	case RuleChannel:
		return r.ChannelType == channelType
	case RuleSchedule:
		return r.inWindow(now)
	case RuleRoundRobin:
		return true
	default:
		return false
	}
}

func (r Rule) inWindow(now time.Time) bool {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		loc = time.UTC
	}
	start, err := time.Parse("15:04", r.WindowStart)
	if err != nil {
		return false
	}
	end, err := time.Parse("15:04", r.WindowEnd)
	if err != nil {
		return false
	}
	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()
	if startMin <= endMin {
		return minutes >= startMin && minutes < endMin
	}
	return minutes >= startMin || minutes < endMin
}

// RuleSource provides the rule list and the round-robin target lookup.
type RuleSource interface {
	ListActive(ctx context.Context, tenantID uuid.UUID) ([]Rule, error)
	// FewestLoadedAgent returns the agent currently holding the fewest
	// open and in-progress conversations, or nil when the tenant has no
	// agents.
	FewestLoadedAgent(ctx context.Context, tenantID uuid.UUID) (*uuid.UUID, error)
}

// Evaluator resolves an inbound message to an agent via the tenant's rules.
type Evaluator struct {
	source RuleSource
	logger *slog.Logger
	now    func() time.Time
}

// NewEvaluator creates a rule evaluator.
func NewEvaluator(source RuleSource, logger *slog.Logger) *Evaluator {
	return &Evaluator{source: source, logger: logger, now: time.Now}
}

// Evaluate returns the agent the first matching rule assigns, or nil when no
// rule matches. Rules without an explicit agent fall back to round-robin
// selection.
func (e *Evaluator) Evaluate(ctx context.Context, tenantID uuid.UUID, content string, channelType channel.ChannelType) (*uuid.UUID, error) {
	rules, err := e.source.ListActive(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list assign rules: %w", err)
	}
	now := e.now()
	for _, rule := range rules {
		if !rule.Matches(content, channelType, now) {
			continue
		}
		if rule.AgentID != nil {
			return rule.AgentID, nil
		}
		agentID, err := e.source.FewestLoadedAgent(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("pick round robin agent: %w", err)
		}
		if agentID == nil && e.logger != nil {
			e.logger.Warn("assign rule matched but tenant has no agents",
				slog.String("rule_id", rule.ID.String()))
		}
		return agentID, nil
	}
	return nil, nil
}
