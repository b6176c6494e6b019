package chat

import (
	"context"
	"fmt"

	"github.com/vextir/lightning"
	"github.com/vextir/lightning/modules/registry"
)

// DriverID identifies the reference chat driver in the registry.
const DriverID = "chat-agent"

// Driver consumes llm.chat events and emits llm.chat.response events. Turn
// numbers stamped upstream are carried through so the conversation manager
// can verify the reply.
type Driver struct {
	client      Client
	models      *registry.ModelRegistry
	usage       *registry.UsageTracker
	logger      lightning.Logger
	model       string
	temperature float64
}

// Options configures the driver.
type Options struct {
	// Client overrides the model client; nil mounts the offline client.
	Client Client
	// Model is the catalog id used for completions.
	Model string
	// Temperature is the sampling temperature passed to the client.
	Temperature float64
}

// Manifest returns the registry manifest for this driver.
func Manifest() registry.Manifest {
	return registry.Manifest{
		ID:           DriverID,
		Name:         "Chat Agent",
		Version:      "1.0.0",
		Kind:         registry.KindAgent,
		Description:  "Answers llm.chat events with llm.chat.response events.",
		Capabilities: []string{"llm.chat"},
	}
}

// Constructor returns a registry constructor closing over the options.
func Constructor(opts Options) registry.Constructor {
	return func(deps registry.Deps) (registry.Driver, error) {
		client := opts.Client
		if client == nil {
			client = NewLocalClient()
		}
		model := opts.Model
		if model == "" {
			model = "gpt-4o-mini"
		}
		return &Driver{
			client:      client,
			models:      deps.Models,
			usage:       deps.Usage,
			logger:      deps.Logger,
			model:       model,
			temperature: opts.Temperature,
		}, nil
	}
}

// Handle answers one chat event.
func (d *Driver) Handle(ctx context.Context, event lightning.Event) ([]lightning.Event, error) {
	messages, err := transcript(event)
	if err != nil {
		return nil, err
	}

	model := d.model
	if override, ok := event.Data["model"].(string); ok && override != "" {
		model = override
	}
	spec, err := d.resolveModel(model)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Complete(ctx, Request{
		Model:       spec.ID,
		Messages:    messages,
		Temperature: d.temperature,
		MaxTokens:   spec.MaxOutputTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", lightning.ErrDriverFailure, err)
	}

	if d.usage != nil && event.UserID != "" {
		if _, err := d.usage.Track(ctx, event.UserID, spec.ID, event.RequestID(),
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens); err != nil {
			d.logger.Warn("chat usage not tracked", "event_id", event.ID, "error", err)
		}
	}

	replyData := map[string]any{
		"response": resp.Content,
		"model":    spec.ID,
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
		},
	}
	// Passthrough fields let requesters (the index guide driver) claim
	// their completions.
	for _, key := range []string{"purpose", "path"} {
		if v, ok := event.Data[key]; ok {
			replyData[key] = v
		}
	}
	reply := lightning.NewEvent("llm.chat.response", replyData)
	reply.Source = DriverID
	reply.UserID = event.UserID
	if sessionID := event.SessionID(); sessionID != "" {
		reply = reply.WithMetadata(lightning.MetaSessionID, sessionID)
	}
	if turn := event.TurnNumber(); turn > 0 {
		reply = reply.WithMetadata(lightning.MetaTurnNumber, turn)
	}
	if requestID := event.RequestID(); requestID != "" {
		reply = reply.WithMetadata(lightning.MetaRequestID, requestID)
	}
	if correlationID := event.CorrelationID(); correlationID != "" {
		reply = reply.WithMetadata(lightning.MetaCorrelationID, correlationID)
	}
	return []lightning.Event{reply}, nil
}

// resolveModel looks the model up in the catalog when one is wired, falling
// back to the cheapest chat-capable model if the configured id is unknown.
func (d *Driver) resolveModel(id string) (registry.ModelSpec, error) {
	if d.models == nil {
		return registry.ModelSpec{ID: id}, nil
	}
	spec, err := d.models.Get(id)
	if err == nil {
		return spec, nil
	}
	spec, fallbackErr := d.models.Cheapest(registry.CapChat)
	if fallbackErr != nil {
		return registry.ModelSpec{}, err
	}
	d.logger.Warn("configured chat model unknown, falling back", "requested", id, "using", spec.ID)
	return spec, nil
}

func transcript(event lightning.Event) ([]Message, error) {
	if raw, ok := event.Data["messages"].([]any); ok {
		messages := make([]Message, 0, len(raw))
		for _, entry := range raw {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			role, _ := m["role"].(string)
			content, _ := m["content"].(string)
			if role == "" || content == "" {
				continue
			}
			messages = append(messages, Message{Role: role, Content: content})
		}
		if len(messages) > 0 {
			return messages, nil
		}
	}
	if msg, ok := event.Data["message"].(string); ok && msg != "" {
		return []Message{{Role: "user", Content: msg}}, nil
	}
	return nil, fmt.Errorf("%w: chat event %s has no messages", lightning.ErrInvalidInput, event.ID)
}
