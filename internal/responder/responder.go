// Package responder bridges the session engine to the language-model
// collaborator that writes assistant replies.
package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/antoniostano/mira/internal/emotion"
)

// FallbackText is sent whenever the generator fails. A turn is never
// left unanswered.
const FallbackText = "I apologize, but I'm having trouble processing that right now. Could you please try again?"

// Request is the normalized generation request for one chat turn.
type Request struct {
	SessionID string
	TurnID    string
	Text      string
	Fused     emotion.FusedState

	// History holds recent exchanges, oldest first, formatted as
	// "role: content" lines.
	History []string

	// DocumentContext is the free-form key/value metadata extracted
	// from an uploaded document, when one was provided.
	DocumentContext map[string]any
}

// Generator produces a reply for one turn.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Config controls generator construction.
type Config struct {
	Mode    string // auto | openai | mock
	APIKey  string
	BaseURL string
	Model   string
}

// New builds a generator for the configured mode. Auto prefers the
// OpenAI-compatible backend when a key is present and otherwise falls
// back to the deterministic mock.
func New(cfg Config) (Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) != "" {
			return NewOpenAIGenerator(cfg), nil
		}
		return NewMockGenerator(), nil
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("responder API key is required for openai mode")
		}
		return NewOpenAIGenerator(cfg), nil
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported responder mode %q", cfg.Mode)
	}
}
