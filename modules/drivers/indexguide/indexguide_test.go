package indexguide

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vextir/lightning"
	"github.com/vextir/lightning/modules/registry"
)

func newGuideDriver(t *testing.T) *Driver {
	t.Helper()
	driver, err := Constructor()(registry.Deps{Logger: lightning.DefaultLogger(100)})
	require.NoError(t, err)
	return driver.(*Driver)
}

func TestFolderCreatedEmitsGuideRequest(t *testing.T) {
	d := newGuideDriver(t)

	folder := lightning.NewEvent("folder.created", map[string]any{
		"path": "/projects/alpha",
		"name": "alpha",
	})
	folder.UserID = "alice"

	out, err := d.Handle(context.Background(), folder)
	require.NoError(t, err)
	require.Len(t, out, 1)

	request := out[0]
	assert.Equal(t, "llm.chat", request.Type)
	assert.Equal(t, "alice", request.UserID)
	assert.Equal(t, guidePurpose, request.Data["purpose"])
	assert.Equal(t, "/projects/alpha", request.Data["path"])
	assert.Equal(t, folder.ID, request.CorrelationID())

	messages := request.Data["messages"].([]any)
	content := messages[0].(map[string]any)["content"].(string)
	assert.Contains(t, content, "alpha")
}

func TestFolderCreatedWithoutPathRejected(t *testing.T) {
	d := newGuideDriver(t)

	_, err := d.Handle(context.Background(), lightning.NewEvent("folder.created", nil))
	assert.ErrorIs(t, err, lightning.ErrInvalidInput)
}

func TestGuideCompletionPublished(t *testing.T) {
	d := newGuideDriver(t)

	completion := lightning.NewEvent("llm.chat.response", map[string]any{
		"response": "This folder holds the alpha project plans.",
		"purpose":  guidePurpose,
		"path":     "/projects/alpha",
	})
	completion.UserID = "alice"
	completion = completion.WithMetadata(lightning.MetaCorrelationID, "folder-evt-1")

	out, err := d.Handle(context.Background(), completion)
	require.NoError(t, err)
	require.Len(t, out, 1)

	guide := out[0]
	assert.Equal(t, "context.index_guide.generated", guide.Type)
	assert.Equal(t, "/projects/alpha", guide.Data["path"])
	assert.Equal(t, "This folder holds the alpha project plans.", guide.Data["guide"])
	assert.Equal(t, "folder-evt-1", guide.CorrelationID())
}

func TestForeignChatResponsesIgnored(t *testing.T) {
	d := newGuideDriver(t)

	chat := lightning.NewEvent("llm.chat.response", map[string]any{
		"response": "just a normal chat reply",
	})
	out, err := d.Handle(context.Background(), chat)
	require.NoError(t, err)
	assert.Empty(t, out)
}
