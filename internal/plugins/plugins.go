// Package plugins implements the tenant-configurable response and
// side-effect hooks that run after flow matching and before the AI
// fallback.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/omnidesk/omnidesk/internal/channel"
)

// Type identifies a plugin implementation.
type Type string

// Plugin type constants.
const (
	TypeAutoReply     Type = "auto_reply"
	TypeBusinessHours Type = "business_hours"
	TypeWelcome       Type = "welcome"
	TypeCRMSync       Type = "crm_sync"
	TypeAnalytics     Type = "analytics"
	TypeMarketing     Type = "marketing"
	TypeUrgency       Type = "urgency"
	TypePaymentQR     Type = "payment_qr"
	TypeStorage       Type = "storage"
)

// Input is the per-message context handed to each plugin.
type Input struct {
	TenantID       uuid.UUID
	ConversationID uuid.UUID
	CustomerID     uuid.UUID
	ChannelType    channel.ChannelType
	Content        string
	ContentType    channel.ContentType
	ImageURL       string
	// FirstMessage is true when this is the customer's first message in the
	// conversation.
	FirstMessage bool
	// Settings is the stored per-tenant configuration of the plugin being
	// invoked.
	Settings json.RawMessage
	Now      time.Time
}

// Result is one plugin's verdict.
type Result struct {
	// Response, when set, is a candidate reply. The runner keeps the first
	// one produced.
	Response *channel.OutboundContent
	// Stop halts the remaining plugins in the chain.
	Stop bool
	// Tags are side-effect annotations (analytics labels, urgency marks)
	// surfaced to the caller.
	Tags []string
}

// Handler is one plugin implementation.
type Handler interface {
	Type() Type
	Handle(ctx context.Context, in Input) (Result, error)
}

// Registry maps stored plugin types onto their compiled handlers. The set is
// fixed at build time; configuration rows referencing a type missing here
// are a deployment error, caught by Validate before serving traffic.
type Registry struct {
	handlers map[Type]Handler
}

// NewRegistry builds the registry with every compiled handler.
func NewRegistry(logger *slog.Logger) *Registry {
	handlers := []Handler{
		&AutoReply{},
		&BusinessHours{},
		&Welcome{},
		&CRMSync{logger: logger},
		&Analytics{logger: logger},
		&Marketing{},
		&Urgency{},
		&PaymentQR{},
		&Storage{logger: logger},
	}
	r := &Registry{handlers: make(map[Type]Handler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Type()] = h
	}
	return r
}

// Get resolves a handler.
func (r *Registry) Get(pluginType Type) (Handler, bool) {
	h, ok := r.handlers[pluginType]
	return h, ok
}

// Types returns the supported plugin types, sorted.
func (r *Registry) Types() []Type {
	types := make([]Type, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Validate fails when any stored configuration references a plugin type this
// build does not ship. Run at startup so the mismatch surfaces loudly
// instead of as a silent no-op at message time.
func (r *Registry) Validate(configs []Config) error {
	for _, cfg := range configs {
		if _, ok := r.handlers[cfg.Type]; !ok {
			return fmt.Errorf("plugin config %s references unknown type %q", cfg.ID, cfg.Type)
		}
	}
	return nil
}

// Config is one stored plugin activation.
type Config struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Type      Type
	Settings  json.RawMessage
	Active    bool
	CreatedAt time.Time
}

// Runner executes a tenant's plugin chain in configuration creation order.
type Runner struct {
	registry *Registry
	logger   *slog.Logger
}

// NewRunner creates a plugin runner.
func NewRunner(registry *Registry, logger *slog.Logger) *Runner {
	return &Runner{registry: registry, logger: logger}
}

// Run invokes each active plugin until one signals stop. The first response
// produced wins; later responders only run for their side effects. A failing
// plugin is logged and skipped, never aborting the chain.
func (r *Runner) Run(ctx context.Context, configs []Config, in Input) (*channel.OutboundContent, []string, error) {
	var (
		response *channel.OutboundContent
		tags     []string
	)
	for _, cfg := range configs {
		handler, ok := r.registry.Get(cfg.Type)
		if !ok {
			// Validate should have caught this at startup.
			return nil, nil, fmt.Errorf("unknown plugin type %q", cfg.Type)
		}
		scoped := in
		scoped.Settings = cfg.Settings
		result, err := handler.Handle(ctx, scoped)
		if err != nil {
			if r.logger != nil {
				r.logger.Error("plugin failed",
					slog.String("plugin_type", string(cfg.Type)),
					slog.String("conversation_id", in.ConversationID.String()),
					slog.Any("error", err))
			}
			continue
		}
		tags = append(tags, result.Tags...)
		if result.Response != nil && response == nil {
			response = result.Response
		}
		if result.Stop {
			break
		}
	}
	return response, tags, nil
}
