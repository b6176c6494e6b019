// Package indexguide implements the reference index guide generator. When a
// folder is created it requests an LLM-written guide for the folder's
// contents, and when the completion comes back it republishes the guide as a
// context.index_guide.generated event.
package indexguide

import (
	"context"
	"fmt"

	"github.com/vextir/lightning"
	"github.com/vextir/lightning/modules/registry"
)

// DriverID identifies the index guide driver in the registry.
const DriverID = "index-guide"

// correlation marker distinguishing this driver's completions from ordinary
// chat traffic.
const guidePurpose = "index_guide"

// Driver turns folder.created events into guide requests and matching
// llm.chat.response events into generated guides.
type Driver struct {
	logger lightning.Logger
}

// Manifest returns the registry manifest for this driver.
func Manifest() registry.Manifest {
	return registry.Manifest{
		ID:           DriverID,
		Name:         "Index Guide Generator",
		Version:      "1.0.0",
		Kind:         registry.KindAgent,
		Description:  "Generates a guide document for each newly created folder.",
		Capabilities: []string{"folder.created", "llm.chat.response"},
	}
}

// Constructor returns a registry constructor for the driver.
func Constructor() registry.Constructor {
	return func(deps registry.Deps) (registry.Driver, error) {
		return &Driver{logger: deps.Logger}, nil
	}
}

// Handle processes folder creations and guide completions.
func (d *Driver) Handle(ctx context.Context, event lightning.Event) ([]lightning.Event, error) {
	switch event.Type {
	case "folder.created":
		return d.requestGuide(event)
	case "llm.chat.response":
		return d.publishGuide(event)
	default:
		return nil, fmt.Errorf("%w: unexpected event type %s", lightning.ErrInvalidInput, event.Type)
	}
}

func (d *Driver) requestGuide(event lightning.Event) ([]lightning.Event, error) {
	path, _ := event.Data["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("%w: folder.created event %s has no path", lightning.ErrInvalidInput, event.ID)
	}
	name, _ := event.Data["name"].(string)
	if name == "" {
		name = path
	}

	prompt := fmt.Sprintf(
		"Write a short index guide for the folder %q at path %q. "+
			"Describe what the folder is for and how its contents should be organized.",
		name, path)

	request := lightning.NewEvent("llm.chat", map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": prompt},
		},
		"purpose": guidePurpose,
		"path":    path,
	})
	request.Source = DriverID
	request.UserID = event.UserID
	request = request.WithMetadata(lightning.MetaCorrelationID, event.ID)

	d.logger.Info("index guide requested", "path", path, "folder_event", event.ID)
	return []lightning.Event{request}, nil
}

func (d *Driver) publishGuide(event lightning.Event) ([]lightning.Event, error) {
	// Only completions this driver asked for; everything else belongs to
	// the chat pipeline.
	if purpose, _ := event.Data["purpose"].(string); purpose != guidePurpose {
		return nil, nil
	}
	content, _ := event.Data["response"].(string)
	if content == "" {
		return nil, fmt.Errorf("%w: empty guide completion %s", lightning.ErrInvalidInput, event.ID)
	}
	path, _ := event.Data["path"].(string)

	guide := lightning.NewEvent("context.index_guide.generated", map[string]any{
		"path":  path,
		"guide": content,
	})
	guide.Source = DriverID
	guide.UserID = event.UserID
	if correlationID := event.CorrelationID(); correlationID != "" {
		guide = guide.WithMetadata(lightning.MetaCorrelationID, correlationID)
	}
	return []lightning.Event{guide}, nil
}
