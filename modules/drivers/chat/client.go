// Package chat implements the reference chat agent driver: it consumes
// llm.chat events and replies with llm.chat.response events through a
// provider-agnostic model client.
package chat

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Message is one entry in a chat transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request captures the normalized parameters of one model invocation.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Usage reports the token spend of one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is the model's reply to a Request.
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Client abstracts a chat completion provider. Implementations wrap provider
// SDKs and must be safe for concurrent use.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// LocalClient is the deterministic offline client the local runtime mounts.
// It echoes the latest user message so edges and tests can exercise the full
// chat path without network access.
type LocalClient struct{}

// NewLocalClient returns the offline client.
func NewLocalClient() *LocalClient { return &LocalClient{} }

// Complete produces a deterministic reply from the transcript.
func (c *LocalClient) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	if last == "" {
		return Response{}, fmt.Errorf("no user message in request")
	}

	content := fmt.Sprintf("[%s] You said: %s", req.Model, last)

	var promptTokens int
	for _, m := range req.Messages {
		promptTokens += approxTokens(m.Content)
	}
	return Response{
		Content: content,
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: approxTokens(content),
		},
	}, nil
}

// approxTokens estimates token counts the way capacity planning usually
// does: about four characters per token, at least one per word.
func approxTokens(s string) int {
	if s == "" {
		return 0
	}
	byChars := (utf8.RuneCountInString(s) + 3) / 4
	byWords := len(strings.Fields(s))
	if byWords > byChars {
		return byWords
	}
	return byChars
}
